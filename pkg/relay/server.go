// Package relay is the HTTP boundary of the event bus: feed management,
// idempotent event ingestion, history reads, live SSE streams, claims and
// health.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/daviddao/switchboard/pkg/claim"
	"github.com/daviddao/switchboard/pkg/clock"
	"github.com/daviddao/switchboard/pkg/ingest"
	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/model"
	"github.com/daviddao/switchboard/pkg/pubsub"
)

const (
	// DefaultKeepAlive is the interval between SSE comment frames.
	DefaultKeepAlive = 15 * time.Second

	maxBodyBytes  = 1 << 20
	healthTimeout = 2 * time.Second
)

// Subscriber registers live stream consumers.
type Subscriber interface {
	Subscribe(feedID string) *pubsub.Subscription
}

// Config wires a Server.
type Config struct {
	Service    *ingest.Service
	Subscriber Subscriber

	// ClaimLease and ClaimLookback are the defaults for POST .../claims.
	ClaimLease    time.Duration
	ClaimLookback int

	KeepAlive time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Server implements http.Handler.
type Server struct {
	svc       *ingest.Service
	sub       Subscriber
	lease     time.Duration
	lookback  int
	keepAlive time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New builds the relay handler.
func New(cfg Config) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := logging.OrDiscard(cfg.Logger)
	// The default lookback is read through GetRecent and must fit its limit.
	if cfg.ClaimLookback > ingest.MaxRecentLimit {
		logger.Warn("claim lookback above recent-events limit, clamping",
			"lookback", cfg.ClaimLookback, "max", ingest.MaxRecentLimit)
		cfg.ClaimLookback = ingest.MaxRecentLimit
	}
	s := &Server{
		svc:       cfg.Service,
		sub:       cfg.Subscriber,
		lease:     cfg.ClaimLease,
		lookback:  cfg.ClaimLookback,
		keepAlive: cfg.KeepAlive,
		clock:     cfg.Clock,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /feeds", s.handleCreateFeed)
	s.mux.HandleFunc("GET /feeds/{id}", s.handleGetFeed)
	s.mux.HandleFunc("POST /feeds/{id}/events", s.handlePostEvent)
	s.mux.HandleFunc("GET /feeds/{id}/events", s.handleRecent)
	s.mux.HandleFunc("GET /feeds/{id}/stream", s.handleStream)
	s.mux.HandleFunc("POST /feeds/{id}/claims", s.handleClaim)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// ServeHTTP logs each request and dispatches it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug("http request",
		"method", r.Method, "path", r.URL.Path, "status", rec.status,
		"duration_ms", time.Since(start).Milliseconds())
}

// --- Feeds ---

type createFeedRequest struct {
	Name       *string         `json:"name"`
	PolicyJSON json.RawMessage `json:"policy_json"`
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var req createFeedRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	name := ""
	if req.Name != nil {
		name = *req.Name
	}
	feed, err := s.svc.CreateFeed(r.Context(), name, req.PolicyJSON)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, feed)
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := s.svc.GetFeed(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// --- Events ---

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	feedID := r.PathValue("id")
	if _, err := s.svc.GetFeed(r.Context(), feedID); err != nil {
		s.writeErr(w, err)
		return
	}
	var ev model.Event
	if err := decodeBody(w, r, &ev); err != nil {
		s.writeErr(w, err)
		return
	}
	stored, dup, err := s.svc.Ingest(r.Context(), feedID, ev)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	writeJSON(w, status, stored)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeErr(w, model.Invalid("limit", "must be an integer"))
			return
		}
		if n < 1 {
			s.writeErr(w, model.Invalid("limit", fmt.Sprintf("must be between 1 and %d", ingest.MaxRecentLimit)))
			return
		}
		limit = n
	}
	var after *time.Time
	if v := q.Get("after_ts"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeErr(w, model.Invalid("after_ts", "must be an RFC 3339 timestamp"))
			return
		}
		after = &t
	}
	events, err := s.svc.GetRecent(r.Context(), r.PathValue("id"), limit, after)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleStream holds the connection open and writes each published event as
// an SSE data frame. The subscription is registered before the response
// headers go out, so a client that has seen the headers cannot miss an
// event published afterwards.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	feedID := r.PathValue("id")
	if _, err := s.svc.GetFeed(r.Context(), feedID); err != nil {
		s.writeErr(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported"})
		return
	}

	sub := s.sub.Subscribe(feedID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Info("stream subscriber connected", "feed_id", feedID, "remote", r.RemoteAddr)
	defer s.logger.Info("stream subscriber disconnected", "feed_id", feedID, "remote", r.RemoteAddr, "dropped", sub.Dropped())

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode stream event", "event_id", ev.EventID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --- Claims ---

type claimRequest struct {
	TaskEventID string `json:"task_event_id"`
	AgentID     string `json:"agent_id"`
	LeaseMS     int64  `json:"lease_ms,omitempty"`
	Lookback    int    `json:"lookback,omitempty"`
}

// ClaimResponse is the body of POST /feeds/{id}/claims.
type ClaimResponse struct {
	Granted     bool   `json:"granted"`
	TaskEventID string `json:"task_event_id"`
	AgentID     string `json:"agent_id"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	feedID := r.PathValue("id")
	if _, err := s.svc.GetFeed(r.Context(), feedID); err != nil {
		s.writeErr(w, err)
		return
	}
	var req claimRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	var bad []model.FieldError
	if req.LeaseMS < 0 {
		bad = append(bad, model.FieldError{Field: "lease_ms", Message: "must not be negative"})
	}
	if req.Lookback < 0 || req.Lookback > ingest.MaxRecentLimit {
		bad = append(bad, model.FieldError{Field: "lookback", Message: fmt.Sprintf("must be between 0 and %d", ingest.MaxRecentLimit)})
	}
	if len(bad) > 0 {
		s.writeErr(w, &model.ValidationError{Details: bad})
		return
	}
	coord := claim.New(s.svc.FeedLog(feedID), claim.Config{
		Lease:    s.lease,
		Lookback: s.lookback,
		Clock:    s.clock,
		Logger:   s.logger,
	})
	granted, err := coord.Claim(r.Context(), req.TaskEventID, req.AgentID,
		time.Duration(req.LeaseMS)*time.Millisecond, req.Lookback)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		Granted:     granted,
		TaskEventID: req.TaskEventID,
		AgentID:     req.AgentID,
	})
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:   "error",
			Database: "unreachable",
			Message:  "Database connection failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "connected"})
}

// --- Helpers ---

type errorBody struct {
	Error   string             `json:"error"`
	Details []model.FieldError `json:"details,omitempty"`
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Details: ve.Details})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a bounded JSON body into v. Malformed JSON and type
// mismatches become validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(body).Decode(v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr):
		return model.Invalid(typeErr.Field, "must be a "+typeErr.Type.String())
	case errors.As(err, &maxErr):
		return model.Invalid("body", fmt.Sprintf("exceeds %d bytes", maxErr.Limit))
	case errors.Is(err, io.EOF):
		return model.Invalid("body", "is required")
	}
	return model.Invalid("body", "must be valid JSON: "+err.Error())
}

// statusRecorder captures the response status for request logging and
// passes Flush through for SSE.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
