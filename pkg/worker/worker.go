// Package worker runs a competing worker: it follows one feed's live stream,
// claims the tasks its route accepts, and hands each granted task to a
// Handler. Any number of workers may follow the same feed; the claim
// protocol picks one owner per task.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/switchboard/pkg/claim"
	"github.com/daviddao/switchboard/pkg/clock"
	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/model"
	"github.com/daviddao/switchboard/pkg/stream"
)

// Source delivers a feed's events. *stream.Subscriber implements it.
type Source interface {
	Run(ctx context.Context, h stream.Handler) error
}

// Handler does the work for one granted task.
type Handler func(ctx context.Context, task model.Event) error

// Route selects the events a worker competes for.
type Route func(ev model.Event) bool

// Types returns a Route accepting the given event types.
func Types(types ...string) Route {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(ev model.Event) bool { return set[ev.Type] }
}

// Config configures a Worker.
type Config struct {
	AgentID string

	// Route defaults to Types(model.TypeTask).
	Route Route

	// Lease and Lookback are passed to every claim; zero uses the
	// coordinator's defaults.
	Lease    time.Duration
	Lookback int

	Logger *slog.Logger
}

// Stats counts what a Worker has done since it started.
type Stats struct {
	Seen    int `json:"seen"`
	Granted int `json:"granted"`
	Denied  int `json:"denied"`
	Failed  int `json:"failed"`
}

// Worker is one competing agent.
type Worker struct {
	src    Source
	coord  *claim.Coordinator
	cfg    Config
	logger *slog.Logger
	stats  Stats
}

// New returns a Worker reading from src and claiming through coord.
func New(src Source, coord *claim.Coordinator, cfg Config) *Worker {
	if cfg.Route == nil {
		cfg.Route = Types(model.TypeTask)
	}
	return &Worker{
		src:    src,
		coord:  coord,
		cfg:    cfg,
		logger: logging.OrDiscard(cfg.Logger).With("agent_id", cfg.AgentID),
	}
}

// Run follows the feed until ctx is cancelled. Handler and claim errors are
// logged and never stop the worker.
func (w *Worker) Run(ctx context.Context, h Handler) error {
	if w.cfg.AgentID == "" {
		return model.Invalid("agent_id", "is required")
	}
	return w.src.Run(ctx, func(ctx context.Context, ev model.Event) error {
		w.Handle(ctx, ev, h)
		return nil
	})
}

// Handle processes one delivered event and reports whether h ran. Events
// are handled one at a time, in delivery order.
func (w *Worker) Handle(ctx context.Context, ev model.Event, h Handler) bool {
	if !w.cfg.Route(ev) {
		return false
	}
	w.stats.Seen++
	log := w.logger.With("event_id", ev.EventID, "type", ev.Type)

	granted, err := w.coord.Claim(ctx, ev.EventID, w.cfg.AgentID, w.cfg.Lease, w.cfg.Lookback)
	if err != nil {
		w.stats.Failed++
		log.Error("claim failed", "error", err)
		return false
	}
	if !granted {
		w.stats.Denied++
		log.Debug("task held by another agent")
		return false
	}
	w.stats.Granted++
	log.Info("task claimed")

	if err := h(ctx, ev); err != nil {
		w.stats.Failed++
		log.Error("handler failed", "error", err)
	}
	return true
}

// Stats returns the counters. Not safe to call concurrently with Run.
func (w *Worker) Stats() Stats { return w.stats }

// ResultSource identifies result events written by Ack.
var ResultSource = model.Source{Platform: "switchboard", AdapterID: "worker"}

// Ack returns a Handler that acknowledges each task by appending a result
// event to log that references it.
func Ack(log claim.Log, agentID string, clk clock.Clock) Handler {
	if clk == nil {
		clk = clock.Real()
	}
	return func(ctx context.Context, task model.Event) error {
		payload, err := json.Marshal(map[string]string{
			"status":   "acknowledged",
			"agent_id": agentID,
		})
		if err != nil {
			return err
		}
		refs, err := json.Marshal(map[string]string{"task_event_id": task.EventID})
		if err != nil {
			return err
		}
		_, err = log.Append(ctx, model.Event{
			EventID:          uuid.NewString(),
			FeedID:           log.FeedID(),
			Type:             model.TypeResult,
			AuthorIdentityID: agentID,
			Source:           ResultSource,
			TS:               clk.Now().UTC().Format(time.RFC3339Nano),
			Payload:          payload,
			Refs:             refs,
		})
		return err
	}
}
