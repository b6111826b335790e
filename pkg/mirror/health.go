package mirror

import (
	"encoding/json"
	"net/http"
	"slices"
)

// Health is the mirror's GET /health body. LastCommitSHA is the last commit
// known to be on the remote; LastLocalCommitSHA may be ahead of it.
type Health struct {
	Status             string   `json:"status"`
	LastCommitSHA      *string  `json:"last_commit_sha"`
	LastEventID        *string  `json:"last_event_id"`
	LastEventTS        *string  `json:"last_event_ts"`
	UptimeSeconds      int64    `json:"uptime_seconds"`
	FeedIDs            []string `json:"feed_ids"`
	State              State    `json:"state"`
	LastLocalCommitSHA *string  `json:"last_local_commit_sha"`
	PendingEvents      int      `json:"pending_events"`
	CommittedEvents    int      `json:"committed_events"`
	PushFailures       int      `json:"push_failures"`
	InvariantFailures  int      `json:"invariant_failures"`
	InstanceID         string   `json:"instance_id"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Health returns the current readout.
func (m *Mirror) Health() Health {
	m.mu.Lock()
	st := m.status
	m.mu.Unlock()

	var uptime int64
	if !m.startedAt.IsZero() {
		uptime = int64(m.clock.Now().Sub(m.startedAt).Seconds())
	}
	return Health{
		Status:             "ok",
		LastCommitSHA:      nullable(st.lastPushedSHA),
		LastEventID:        nullable(st.lastEventID),
		LastEventTS:        nullable(st.lastEventTS),
		UptimeSeconds:      uptime,
		FeedIDs:            slices.Clone(m.cfg.FeedIDs),
		State:              st.state,
		LastLocalCommitSHA: nullable(st.lastLocalSHA),
		PendingEvents:      st.pendingEvents,
		CommittedEvents:    st.committed,
		PushFailures:       st.pushFailures,
		InvariantFailures:  st.invariantFails,
		InstanceID:         m.instanceID,
	}
}

// HealthHandler serves GET /health.
func (m *Mirror) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Health())
	})
	return mux
}
