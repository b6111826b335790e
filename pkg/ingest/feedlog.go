package ingest

import (
	"context"

	"github.com/daviddao/switchboard/pkg/model"
)

// FeedLog binds a Service to one feed, giving in-process callers such as the
// claim coordinator the same read/append view an HTTP client has.
type FeedLog struct {
	svc    *Service
	feedID string
}

// FeedLog returns a FeedLog for feedID.
func (s *Service) FeedLog(feedID string) *FeedLog {
	return &FeedLog{svc: s, feedID: feedID}
}

// FeedID returns the bound feed.
func (l *FeedLog) FeedID() string { return l.feedID }

// Recent returns the most recent limit events, oldest first.
func (l *FeedLog) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	return l.svc.GetRecent(ctx, l.feedID, limit, nil)
}

// Append ingests ev into the bound feed.
func (l *FeedLog) Append(ctx context.Context, ev model.Event) (model.Event, error) {
	stored, _, err := l.svc.Ingest(ctx, l.feedID, ev)
	return stored, err
}
