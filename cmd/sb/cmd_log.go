package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/model"
)

func newLogCmd(a *app) *cobra.Command {
	var (
		feed  string
		limit int
		after string
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent events of a feed, oldest first",
		Example: `  sb log --feed $FEED
  sb log --feed $FEED --limit 200 --after 2024-03-05T10:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			feedID, err := a.resolveFeed(feed)
			if err != nil {
				return err
			}
			var afterTS *time.Time
			if after != "" {
				t, err := time.Parse(time.RFC3339Nano, after)
				if err != nil {
					return fmt.Errorf("--after: want an RFC 3339 timestamp: %w", err)
				}
				afterTS = &t
			}
			events, err := a.client().Recent(cmd.Context(), feedID, limit, afterTS)
			if err != nil {
				return err
			}
			if a.jsonOut {
				a.printJSON(events)
				return nil
			}
			if len(events) == 0 {
				fmt.Fprintln(a.stdout, "no events")
				return nil
			}
			for _, ev := range events {
				printEventLine(a.stdout, ev)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&feed, "feed", "", "feed ID (default from FEED_ID)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events (relay default 50, max 1000)")
	cmd.Flags().StringVar(&after, "after", "", "only events with ts strictly after this RFC 3339 time")
	return cmd
}

// printEventLine writes a one-line summary of ev.
func printEventLine(w io.Writer, ev model.Event) {
	payload := string(ev.Payload)
	if len(payload) > 120 {
		payload = payload[:120] + "..."
	}
	fmt.Fprintf(w, "[%s] %-8s %-20s %s %s\n", ev.TS, ev.Type, ev.AuthorIdentityID, ev.EventID, payload)
}
