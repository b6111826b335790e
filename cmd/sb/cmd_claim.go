package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/claim"
)

func newClaimCmd(a *app) *cobra.Command {
	var (
		feed, agent string
		lease       time.Duration
		lookback    int
		server      bool
	)
	cmd := &cobra.Command{
		Use:   "claim <task_event_id>",
		Short: "Claim a task; exit 2 if another agent holds it",
		Long: `Run the lease-based claim protocol for one task. The claim is granted
when no unexpired claim by another agent is visible in the last --lookback
events of the feed; a granted claim is recorded as a claim event.

By default the protocol runs in this process against the relay API. With
--server the relay runs it.

Exit codes:
  0  granted (new claim, or already held by this agent)
  2  denied (held by another agent)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedID, err := a.resolveFeed(feed)
			if err != nil {
				return err
			}
			agentID, err := a.resolveAgent(agent)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("lease") {
				lease = a.cfg.Claim.Lease
			}
			if !cmd.Flags().Changed("lookback") {
				lookback = a.cfg.Claim.Lookback
			}
			task := args[0]
			c := a.client()

			var granted bool
			if server {
				res, err := c.Claim(cmd.Context(), feedID, task, agentID, lease, lookback)
				if err != nil {
					return err
				}
				granted = res.Granted
			} else {
				coord := claim.New(c.FeedLog(feedID), claim.Config{
					Lease:    lease,
					Lookback: lookback,
					Logger:   a.logger,
				})
				granted, err = coord.Claim(cmd.Context(), task, agentID, lease, lookback)
				if err != nil {
					return err
				}
			}

			if a.jsonOut {
				a.printJSON(map[string]any{
					"granted":       granted,
					"task_event_id": task,
					"agent_id":      agentID,
				})
			} else if granted {
				fmt.Fprintf(a.stdout, "granted: %s holds %s\n", agentID, task)
			} else {
				fmt.Fprintf(a.stdout, "denied: %s is held by another agent\n", task)
			}
			if !granted {
				return errDenied
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&feed, "feed", "", "feed ID (default from FEED_ID)")
	fl.StringVar(&agent, "agent", "", "agent ID (default from AGENT_ID)")
	fl.DurationVar(&lease, "lease", claim.DefaultLease, "lease duration")
	fl.IntVar(&lookback, "lookback", claim.DefaultLookback, "recent events to scan for active claims")
	fl.BoolVar(&server, "server", false, "let the relay run the claim")
	return cmd
}
