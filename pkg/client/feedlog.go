package client

import (
	"context"

	"github.com/daviddao/switchboard/pkg/model"
)

// FeedLog binds a Client to one feed. It satisfies claim.Log, so a worker
// can run the claim protocol from its own process.
type FeedLog struct {
	c      *Client
	feedID string
}

// FeedLog returns a FeedLog for feedID.
func (c *Client) FeedLog(feedID string) *FeedLog {
	return &FeedLog{c: c, feedID: feedID}
}

// FeedID returns the bound feed.
func (l *FeedLog) FeedID() string { return l.feedID }

// Recent returns the most recent limit events, oldest first.
func (l *FeedLog) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	return l.c.Recent(ctx, l.feedID, limit, nil)
}

// Append posts ev to the bound feed.
func (l *FeedLog) Append(ctx context.Context, ev model.Event) (model.Event, error) {
	ev.FeedID = l.feedID
	stored, _, err := l.c.PostEvent(ctx, ev)
	return stored, err
}
