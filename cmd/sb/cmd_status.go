package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/client"
	"github.com/daviddao/switchboard/pkg/mirror"
)

func newStatusCmd(a *app) *cobra.Command {
	var mirrorURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay health and, optionally, mirror health",
		Example: `  sb status
  sb status --mirror http://localhost:3001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			relayHealth, err := a.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			var mh *mirror.Health
			if mirrorURL != "" {
				mh, err = client.GetHealth[mirror.Health](cmd.Context(), strings.TrimRight(mirrorURL, "/")+"/health")
				if err != nil {
					return err
				}
			}

			if a.jsonOut {
				out := map[string]any{"relay": relayHealth}
				if mh != nil {
					out["mirror"] = mh
				}
				a.printJSON(out)
			} else {
				fmt.Fprintf(a.stdout, "relay  %s  status=%s database=%s\n", a.cfg.RelayURL, relayHealth.Status, relayHealth.Database)
				if mh != nil {
					printMirrorHealth(a, mh)
				}
			}
			if relayHealth.Status != "ok" {
				return fmt.Errorf("relay unhealthy: %s", relayHealth.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mirrorURL, "mirror", "", "mirror base URL (e.g. http://localhost:3001)")
	return cmd
}

func printMirrorHealth(a *app, h *mirror.Health) {
	fmt.Fprintf(a.stdout, "mirror %s  state=%s uptime=%ds pending=%d\n", h.InstanceID, h.State, h.UptimeSeconds, h.PendingEvents)
	fmt.Fprintf(a.stdout, "  feeds:        %s\n", strings.Join(h.FeedIDs, ", "))
	fmt.Fprintf(a.stdout, "  pushed:       %s\n", orNone(h.LastCommitSHA))
	fmt.Fprintf(a.stdout, "  local:        %s\n", orNone(h.LastLocalCommitSHA))
	fmt.Fprintf(a.stdout, "  last event:   %s at %s\n", orNone(h.LastEventID), orNone(h.LastEventTS))
	if h.PushFailures > 0 || h.InvariantFailures > 0 {
		fmt.Fprintf(a.stdout, "  failures:     push=%d append-only=%d\n", h.PushFailures, h.InvariantFailures)
	}
}

func orNone(s *string) string {
	if s == nil {
		return "none"
	}
	return *s
}
