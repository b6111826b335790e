package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/model"
	"github.com/daviddao/switchboard/pkg/stream"
)

func newTailCmd(a *app) *cobra.Command {
	var feed string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a feed live until interrupted",
		Long: `Follow a feed's SSE stream, reconnecting with backoff. Events published
while disconnected are not replayed; use 'sb log --after' to catch up.
With --json each event is printed as one compact JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			feedID, err := a.resolveFeed(feed)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sub := stream.New(stream.Config{
				URL:       a.client().StreamURL(feedID),
				OnConnect: func() { fmt.Fprintf(a.stderr, "sb: following %s\n", feedID) },
				Logger:    a.logger,
			})
			return sub.Run(ctx, func(_ context.Context, ev model.Event) error {
				if a.jsonOut {
					data, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					fmt.Fprintf(a.stdout, "%s\n", data)
					return nil
				}
				printEventLine(a.stdout, ev)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&feed, "feed", "", "feed ID (default from FEED_ID)")
	return cmd
}
