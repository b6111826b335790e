// Package ingest is the single write path into the event store.
//
// Ingest is idempotent: an event is identified first by event_id and then by
// (source.platform, source.source_msg_id). A repeat of either returns the
// stored copy flagged as a duplicate and is not re-published. New events are
// inserted and published while holding a per-feed lock, so subscribers of a
// feed observe events in commit order.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/daviddao/switchboard/pkg/clock"
	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/model"
	"github.com/daviddao/switchboard/pkg/pubsub"
	"github.com/daviddao/switchboard/pkg/store"
	"github.com/daviddao/switchboard/pkg/telemetry"
)

// Limits for GetRecent.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 1000
)

// Config wires a Service. Publisher and Clock are optional.
type Config struct {
	Store     store.StoreInterface
	Publisher pubsub.Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Service validates, deduplicates, stores and publishes events.
type Service struct {
	store  store.StoreInterface
	pub    pubsub.Publisher
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer

	mu        sync.Mutex
	feedLocks map[string]*sync.Mutex
}

// New returns a Service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Service{
		store:     cfg.Store,
		pub:       cfg.Publisher,
		clock:     cfg.Clock,
		logger:    logging.OrDiscard(cfg.Logger),
		tracer:    telemetry.Tracer(),
		feedLocks: make(map[string]*sync.Mutex),
	}
}

// CreateFeed registers a new feed with a server-assigned ID.
func (s *Service) CreateFeed(ctx context.Context, name string, policy json.RawMessage) (*model.Feed, error) {
	name = strings.TrimSpace(name)
	if err := model.ValidateFeed(name, policy); err != nil {
		return nil, err
	}
	f := &model.Feed{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: s.clock.Now().UTC(),
	}
	if trimmed := strings.TrimSpace(string(policy)); trimmed != "" && trimmed != "null" {
		f.PolicyJSON = policy
	}
	if err := s.store.CreateFeed(ctx, f); err != nil {
		return nil, fmt.Errorf("create feed: %w", err)
	}
	s.logger.Info("feed created", "feed_id", f.ID, "name", f.Name)
	return f, nil
}

// GetFeed returns a feed or model.ErrNotFound.
func (s *Service) GetFeed(ctx context.Context, id string) (*model.Feed, error) {
	if !model.IsUUID(id) {
		return nil, fmt.Errorf("feed %s: %w", id, model.ErrNotFound)
	}
	return s.store.GetFeed(ctx, id)
}

// Ingest stores ev in feedID. It returns the canonical stored event and
// whether it was already present.
func (s *Service) Ingest(ctx context.Context, feedID string, ev model.Event) (model.Event, bool, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.Ingest", trace.WithAttributes(
		attribute.String("feed_id", feedID),
		attribute.String("event_id", ev.EventID),
		attribute.String("event_type", ev.Type),
	))
	defer span.End()

	stored, dup, err := s.ingest(ctx, feedID, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Event{}, false, err
	}
	span.SetAttributes(attribute.Bool("duplicate", dup))
	return stored, dup, nil
}

func (s *Service) ingest(ctx context.Context, feedID string, ev model.Event) (model.Event, bool, error) {
	if _, err := s.GetFeed(ctx, feedID); err != nil {
		return model.Event{}, false, err
	}
	if err := ev.Validate(); err != nil {
		return model.Event{}, false, err
	}
	if ev.FeedID != feedID {
		return model.Event{}, false, model.Invalid("feed_id", "must match the feed being posted to")
	}

	lock := s.feedLock(feedID)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok, err := s.lookup(ctx, &ev); err != nil {
		return model.Event{}, false, err
	} else if ok {
		return existing, true, nil
	}

	canonical := ev.Canonical()
	if _, err := s.store.InsertEvent(ctx, &canonical, s.clock.Now()); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return model.Event{}, false, err
		}
		// Lost a race with another writer of the same identity.
		existing, ok, lerr := s.lookup(ctx, &ev)
		if lerr != nil {
			return model.Event{}, false, lerr
		}
		if !ok {
			return model.Event{}, false, err
		}
		return existing, true, nil
	}

	if s.pub != nil {
		if err := s.pub.Publish(ctx, feedID, canonical); err != nil {
			s.logger.Warn("publish failed, event stored but not fanned out",
				"feed_id", feedID, "event_id", canonical.EventID, "error", err)
		}
	}
	s.logger.Debug("event ingested", "feed_id", feedID, "event_id", canonical.EventID, "type", canonical.Type)
	return canonical, false, nil
}

// lookup applies the idempotency keys in order: event_id, then
// (platform, source_msg_id).
func (s *Service) lookup(ctx context.Context, ev *model.Event) (model.Event, bool, error) {
	existing, err := s.store.GetEvent(ctx, ev.EventID)
	if err == nil {
		return *existing, true, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Event{}, false, err
	}
	if msgID := ev.SourceMsgID(); msgID != "" {
		existing, err := s.store.GetEventBySource(ctx, ev.Source.Platform, msgID)
		if err == nil {
			return *existing, true, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return model.Event{}, false, err
		}
	}
	return model.Event{}, false, nil
}

// GetRecent returns a feed's events oldest first. limit 0 means
// DefaultRecentLimit. See store.ListRecent for the after semantics.
func (s *Service) GetRecent(ctx context.Context, feedID string, limit int, after *time.Time) ([]model.Event, error) {
	if limit == 0 {
		limit = DefaultRecentLimit
	}
	if limit < 1 || limit > MaxRecentLimit {
		return nil, model.Invalid("limit", fmt.Sprintf("must be between 1 and %d", MaxRecentLimit))
	}
	if _, err := s.GetFeed(ctx, feedID); err != nil {
		return nil, err
	}
	return s.store.ListRecent(ctx, feedID, limit, after)
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) feedLock(feedID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.feedLocks[feedID]
	if !ok {
		l = &sync.Mutex{}
		s.feedLocks[feedID] = l
	}
	return l
}
