// Package claim implements lease-based task ownership over a shared feed.
//
// Workers never talk to each other. A worker wanting task T reads the most
// recent events of the feed, and if no unexpired claim on T is visible it
// appends its own claim event with a lease deadline. The holder of the
// newest active claim is the owner until the lease lapses.
//
// The protocol is optimistic. Two workers that both read before either's
// claim is visible will both be granted T; ownership is then ambiguous for
// at most one lease duration. Handlers must tolerate this (idempotent work,
// or results keyed by task).
package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/switchboard/pkg/clock"
	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/model"
)

// Defaults used when a caller passes a non-positive lease or lookback.
const (
	DefaultLease    = 120 * time.Second
	DefaultLookback = 50
)

// Source identifies claim events written by the coordinator.
var Source = model.Source{Platform: "switchboard", AdapterID: "claim-coordinator"}

// Log is the feed view a Coordinator needs: recent history and append.
// Both the relay HTTP client and the in-process ingest service provide one.
type Log interface {
	FeedID() string
	Recent(ctx context.Context, limit int) ([]model.Event, error)
	Append(ctx context.Context, ev model.Event) (model.Event, error)
}

// Config tunes a Coordinator. Zero values take the package defaults.
type Config struct {
	Lease    time.Duration
	Lookback int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Coordinator grants and records claims on one feed.
type Coordinator struct {
	log      Log
	lease    time.Duration
	lookback int
	clock    clock.Clock
	logger   *slog.Logger
}

// New returns a Coordinator over log.
func New(log Log, cfg Config) *Coordinator {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Coordinator{
		log:      log,
		lease:    cfg.Lease,
		lookback: cfg.Lookback,
		clock:    cfg.Clock,
		logger:   logging.OrDiscard(cfg.Logger),
	}
}

// Holder describes the active lease on a task.
type Holder struct {
	AgentID    string    `json:"agent_id"`
	LeaseUntil time.Time `json:"lease_until"`
	EventID    string    `json:"event_id"`
}

// Active returns the newest unexpired claim on taskEventID within the last
// lookback events, or nil when there is none.
func (c *Coordinator) Active(ctx context.Context, taskEventID string, lookback int) (*Holder, error) {
	if lookback <= 0 {
		lookback = c.lookback
	}
	events, err := c.log.Recent(ctx, lookback)
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	now := c.clock.Now()
	for i := len(events) - 1; i >= 0; i-- {
		p, until, ok := model.ParseClaim(&events[i])
		if !ok || p.TaskEventID != taskEventID {
			continue
		}
		if until.After(now) {
			return &Holder{AgentID: p.AgentID, LeaseUntil: until, EventID: events[i].EventID}, nil
		}
	}
	return nil, nil
}

// Claim asks for ownership of taskEventID on behalf of agentID. When another
// agent holds an active lease it returns false and writes nothing. When
// agentID already holds it, it returns true without renewing. Otherwise it
// appends a claim event leased until now+lease and returns true.
func (c *Coordinator) Claim(ctx context.Context, taskEventID, agentID string, lease time.Duration, lookback int) (bool, error) {
	if taskEventID == "" {
		return false, model.Invalid("task_event_id", "is required")
	}
	if agentID == "" {
		return false, model.Invalid("agent_id", "is required")
	}
	if lease <= 0 {
		lease = c.lease
	}

	holder, err := c.Active(ctx, taskEventID, lookback)
	if err != nil {
		return false, err
	}
	if holder != nil {
		granted := holder.AgentID == agentID
		c.logger.Debug("claim: active lease found",
			"task_event_id", taskEventID, "holder", holder.AgentID, "agent_id", agentID, "granted", granted)
		return granted, nil
	}

	ev, err := c.claimEvent(taskEventID, agentID, lease)
	if err != nil {
		return false, err
	}
	if _, err := c.log.Append(ctx, ev); err != nil {
		return false, fmt.Errorf("append claim: %w", err)
	}
	c.logger.Info("claim granted", "task_event_id", taskEventID, "agent_id", agentID, "event_id", ev.EventID)
	return true, nil
}

func (c *Coordinator) claimEvent(taskEventID, agentID string, lease time.Duration) (model.Event, error) {
	now := c.clock.Now().UTC()
	payload, err := json.Marshal(model.ClaimPayload{
		TaskEventID: taskEventID,
		AgentID:     agentID,
		LeaseUntil:  now.Add(lease).Format(time.RFC3339Nano),
	})
	if err != nil {
		return model.Event{}, err
	}
	refs, err := json.Marshal(map[string]string{"task_event_id": taskEventID})
	if err != nil {
		return model.Event{}, err
	}
	return model.Event{
		EventID:          uuid.NewString(),
		FeedID:           c.log.FeedID(),
		Type:             model.TypeClaim,
		AuthorIdentityID: agentID,
		Source:           Source,
		TS:               now.Format(time.RFC3339Nano),
		Payload:          payload,
		Refs:             refs,
	}, nil
}

// CoverLookback returns the smallest lookback that still sees a claim made
// one lease ago on a feed carrying eventsPerSecond. A lookback below this
// can miss an active lease and grant a second owner.
func CoverLookback(eventsPerSecond float64, lease time.Duration) int {
	if eventsPerSecond <= 0 || lease <= 0 {
		return 1
	}
	n := math.Ceil(eventsPerSecond*lease.Seconds()) + 1
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
