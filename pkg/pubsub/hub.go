// Package pubsub fans accepted events out to live subscribers of a feed.
//
// Delivery is at-most-once and best-effort: each subscription owns a bounded
// buffer, and a subscriber that falls behind loses events rather than
// stalling the publisher or other subscribers. Events reach a single
// subscriber in the order Publish was called for that feed.
package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/model"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 256

// Publisher delivers an accepted event to a feed's subscribers.
type Publisher interface {
	Publish(ctx context.Context, feedID string, ev model.Event) error
}

// Subscription is one live consumer of a feed. Read from Events until it is
// closed; call Close to unsubscribe.
type Subscription struct {
	feedID  string
	ch      chan model.Event
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the delivery channel. It is closed on unsubscribe.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// FeedID returns the subscribed feed.
func (s *Subscription) FeedID() string { return s.feedID }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub is the in-process registry of subscriptions keyed by feed.
// It implements Publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	logger *slog.Logger
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub whose subscriptions buffer up to buffer events. A
// nil logger discards.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logging.OrDiscard(logger),
	}
}

// Subscribe registers a new subscription. The subscription receives every
// event published for feedID after this call returns.
func (h *Hub) Subscribe(feedID string) *Subscription {
	s := &Subscription{
		feedID: feedID,
		ch:     make(chan model.Event, h.buffer),
		hub:    h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	set, ok := h.subs[feedID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[feedID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish hands ev to every subscription of feedID without blocking.
func (h *Hub) Publish(_ context.Context, feedID string, ev model.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[feedID] {
		select {
		case s.ch <- ev:
		default:
			n := s.dropped.Add(1)
			h.logger.Warn("subscriber buffer full, dropping event",
				"feed_id", feedID, "event_id", ev.EventID, "dropped_total", n)
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions for feedID.
func (h *Hub) SubscriberCount(feedID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[feedID])
}

// Close unsubscribes everyone. Subsequent subscriptions are born closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for feedID, set := range h.subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
		delete(h.subs, feedID)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.feedID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.feedID)
	}
	close(s.ch)
}
