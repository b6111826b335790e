// Package model defines the core domain types for switchboard.
//
// Switchboard is a coordination bus built from three pieces that share one
// vocabulary:
//
//   - Feeds and events: producers post immutable, uniquely identified events
//     into named feeds. The relay persists each event once and fans it out to
//     live subscribers of the feed.
//
//   - The mirror: a consumer that replicates events into an append-only,
//     git-backed working tree. Its coordination record is the MirrorLock.
//
//   - Claims: a claim is an ordinary event (type "claim") whose payload asserts
//     a time-bounded lease over a task. Ownership is derived by replaying
//     recent events, so no lock service is needed.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known event types. The type field is an open tag; these are the ones
// the core itself produces or interprets.
const (
	TypeMessage  = "message"
	TypeTask     = "task"
	TypeClaim    = "claim"
	TypeResult   = "result"
	TypeLog      = "log"
	TypeSnapshot = "snapshot"
	TypeProposal = "proposal"
)

// Feed is the identity unit of a conversation or work stream.
type Feed struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	PolicyJSON json.RawMessage `json:"policy_json"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Source identifies where an event came from. SourceMsgID is nil for
// events that did not originate from an external platform message.
type Source struct {
	Platform    string  `json:"platform"`
	AdapterID   string  `json:"adapter_id"`
	SourceMsgID *string `json:"source_msg_id"`
}

// Event is the atomic unit of communication. Payload and Refs are open JSON
// objects whose shape is a contract between producer and consumer.
type Event struct {
	EventID          string          `json:"event_id"`
	FeedID           string          `json:"feed_id"`
	Type             string          `json:"type"`
	AuthorIdentityID string          `json:"author_identity_id"`
	Source           Source          `json:"source"`
	TS               string          `json:"ts"`
	Payload          json.RawMessage `json:"payload"`
	Refs             json.RawMessage `json:"refs,omitempty"`
}

// Time parses the event timestamp.
func (e *Event) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, e.TS)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ts %q: %w", e.TS, err)
	}
	return t, nil
}

// Date returns the UTC calendar date of the event timestamp (YYYY-MM-DD),
// used to partition mirrored files.
func (e *Event) Date() (string, error) {
	t, err := e.Time()
	if err != nil {
		return "", err
	}
	return t.UTC().Format("2006-01-02"), nil
}

// SourceMsgID returns the external message id, or "" if none.
func (e *Event) SourceMsgID() string {
	if e.Source.SourceMsgID == nil {
		return ""
	}
	return *e.Source.SourceMsgID
}

// ClaimPayload is the payload of a claim event.
type ClaimPayload struct {
	TaskEventID string `json:"task_event_id"`
	AgentID     string `json:"agent_id"`
	LeaseUntil  string `json:"lease_until"`
}

// ParseClaim decodes the payload of a claim event. It returns false if the
// event is not a claim or its payload is not well formed.
func ParseClaim(e *Event) (ClaimPayload, time.Time, bool) {
	if e.Type != TypeClaim {
		return ClaimPayload{}, time.Time{}, false
	}
	var p ClaimPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ClaimPayload{}, time.Time{}, false
	}
	if p.TaskEventID == "" || p.LeaseUntil == "" {
		return ClaimPayload{}, time.Time{}, false
	}
	until, err := time.Parse(time.RFC3339Nano, p.LeaseUntil)
	if err != nil {
		return ClaimPayload{}, time.Time{}, false
	}
	return p, until, true
}

// MirrorLock is the advisory coordination record a mirror instance keeps in
// its working tree. It is refreshed on a fixed heartbeat interval.
type MirrorLock struct {
	InstanceID    string    `json:"instance_id"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Stale reports whether the lock's last heartbeat is older than threshold.
func (l MirrorLock) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(l.LastHeartbeat) >= threshold
}
