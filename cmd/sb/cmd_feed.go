package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/model"
)

func newFeedCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Create and inspect feeds",
	}
	cmd.AddCommand(newFeedCreateCmd(a), newFeedGetCmd(a))
	return cmd
}

func newFeedCreateCmd(a *app) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a feed",
		Example: `  sb feed create ops
  sb feed create ops --policy '{"retention_days":30}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if policy != "" {
				raw = json.RawMessage(policy)
			}
			f, err := a.client().CreateFeed(cmd.Context(), args[0], raw)
			if err != nil {
				return err
			}
			a.printFeed(f)
			return nil
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "policy document (JSON object)")
	return cmd
}

func newFeedGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <feed_id>",
		Short: "Show a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.client().GetFeed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printFeed(f)
			return nil
		},
	}
}

func (a *app) printFeed(f *model.Feed) {
	if a.jsonOut {
		a.printJSON(f)
		return
	}
	fmt.Fprintf(a.stdout, "%s  %s  created=%s\n", f.ID, f.Name, f.CreatedAt.Format(time.RFC3339))
	if len(f.PolicyJSON) > 0 && string(f.PolicyJSON) != "null" {
		fmt.Fprintf(a.stdout, "  policy: %s\n", f.PolicyJSON)
	}
}
