package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/claim"
	"github.com/daviddao/switchboard/pkg/model"
	"github.com/daviddao/switchboard/pkg/stream"
	"github.com/daviddao/switchboard/pkg/worker"
)

func newWorkCmd(a *app) *cobra.Command {
	var (
		feed, agent string
		types       []string
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run a competing worker that claims and acknowledges tasks",
		Long: `Follow a feed, claim each routed event, and acknowledge every granted
one with a result event referencing it. Run several workers with distinct
--agent values to see claims split the tasks between them.`,
		Example: `  sb work --feed $FEED --agent worker-1
  sb work --feed $FEED --agent worker-2 --type task,proposal`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			feedID, err := a.resolveFeed(feed)
			if err != nil {
				return err
			}
			agentID, err := a.resolveAgent(agent)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			c := a.client()
			log := c.FeedLog(feedID)
			logger := a.logger.With("feed_id", feedID)
			w := worker.New(
				stream.New(stream.Config{URL: c.StreamURL(feedID), Logger: logger}),
				claim.New(log, claim.Config{
					Lease:    a.cfg.Claim.Lease,
					Lookback: a.cfg.Claim.Lookback,
					Logger:   logger,
				}),
				worker.Config{
					AgentID: agentID,
					Route:   worker.Types(types...),
					Logger:  logger,
				},
			)
			fmt.Fprintf(a.stderr, "sb: %s working %s for %s\n", agentID, feedID, strings.Join(types, ","))
			err = w.Run(ctx, worker.Ack(log, agentID, nil))
			s := w.Stats()
			if a.jsonOut {
				a.printJSON(s)
			} else {
				fmt.Fprintf(a.stdout, "seen=%d granted=%d denied=%d failed=%d\n", s.Seen, s.Granted, s.Denied, s.Failed)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&feed, "feed", "", "feed ID (default from FEED_ID)")
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID (default from AGENT_ID)")
	cmd.Flags().StringSliceVar(&types, "type", []string{model.TypeTask}, "event types to compete for")
	return cmd
}
