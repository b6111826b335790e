package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/model"
)

type postFlags struct {
	feed        string
	eventID     string
	typ         string
	author      string
	text        string
	payload     string
	refs        string
	platform    string
	adapter     string
	sourceMsgID string
}

func newPostCmd(a *app) *cobra.Command {
	var f postFlags
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post an event to a feed",
		Long: `Post one event. Re-posting the same --id, or the same --platform and
--source-msg-id, returns the stored original instead of a new event.`,
		Example: `  sb post --feed $FEED --text "deploy finished"
  sb post --feed $FEED --type task --payload '{"title":"write docs"}'
  sb post --feed $FEED --type result --refs '{"task_event_id":"..."}' --payload '{}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := a.buildEvent(&f)
			if err != nil {
				return err
			}
			stored, dup, err := a.client().PostEvent(cmd.Context(), ev)
			if err != nil {
				return err
			}
			if a.jsonOut {
				a.printJSON(map[string]any{"event": stored, "duplicate": dup})
				return nil
			}
			state := "posted"
			if dup {
				state = "duplicate of"
			}
			fmt.Fprintf(a.stdout, "%s %s (%s) in %s\n", state, stored.EventID, stored.Type, stored.FeedID)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.feed, "feed", "", "feed ID (default from FEED_ID)")
	fl.StringVar(&f.eventID, "id", "", "event ID (default: new UUID)")
	fl.StringVar(&f.typ, "type", model.TypeMessage, "event type")
	fl.StringVar(&f.author, "author", "", "author identity (default: AGENT_ID or $USER)")
	fl.StringVar(&f.text, "text", "", `shorthand for --payload '{"text":...}'`)
	fl.StringVar(&f.payload, "payload", "", "payload (JSON object)")
	fl.StringVar(&f.refs, "refs", "", "refs (JSON object)")
	fl.StringVar(&f.platform, "platform", "cli", "source platform")
	fl.StringVar(&f.adapter, "adapter", "sb", "source adapter ID")
	fl.StringVar(&f.sourceMsgID, "source-msg-id", "", "external message ID for deduplication")
	cmd.MarkFlagsMutuallyExclusive("text", "payload")
	return cmd
}

// buildEvent assembles an event from post flags. Validation is left to the
// relay so the CLI reports exactly what the server rejects.
func (a *app) buildEvent(f *postFlags) (model.Event, error) {
	feedID, err := a.resolveFeed(f.feed)
	if err != nil {
		return model.Event{}, err
	}
	author := f.author
	if author == "" {
		author = a.cfg.Claim.AgentID
	}
	if author == "" {
		author = "user:" + envOr("USER", "unknown")
	}
	id := f.eventID
	if id == "" {
		id = uuid.NewString()
	}

	var payload json.RawMessage
	switch {
	case f.payload != "":
		payload = json.RawMessage(f.payload)
	case f.text != "":
		payload, err = json.Marshal(map[string]string{"text": f.text})
		if err != nil {
			return model.Event{}, err
		}
	default:
		payload = json.RawMessage(`{}`)
	}

	ev := model.Event{
		EventID:          id,
		FeedID:           feedID,
		Type:             f.typ,
		AuthorIdentityID: author,
		Source:           model.Source{Platform: f.platform, AdapterID: f.adapter},
		TS:               time.Now().UTC().Format(time.RFC3339Nano),
		Payload:          payload,
	}
	if f.refs != "" {
		ev.Refs = json.RawMessage(f.refs)
	}
	if f.sourceMsgID != "" {
		msgID := f.sourceMsgID
		ev.Source.SourceMsgID = &msgID
	}
	return ev, nil
}
