package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// validator accumulates field errors so a caller sees every problem at once.
type validator struct {
	details []FieldError
}

func (v *validator) add(field, message string) {
	v.details = append(v.details, FieldError{Field: field, Message: message})
}

func (v *validator) required(field, value string) {
	if value == "" {
		v.add(field, "is required")
	}
}

func (v *validator) uuid(field, value string) {
	if value == "" {
		v.add(field, "is required")
		return
	}
	if !IsUUID(value) {
		v.add(field, "must be a UUID")
	}
}

func (v *validator) object(field string, raw json.RawMessage, required bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if required {
			v.add(field, "is required")
		}
		return
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		v.add(field, "must be a JSON object")
	}
}

func (v *validator) err() error {
	if len(v.details) == 0 {
		return nil
	}
	return &ValidationError{Details: v.details}
}

// IsUUID reports whether s is a UUID in canonical 36-character form.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Validate checks an event against the schema: identifiers are UUIDs,
// required strings are non-empty, ts is RFC 3339, payload is an object and
// refs, when present, is an object. An absent source_msg_id is the same as
// null.
func (e *Event) Validate() error {
	var v validator
	v.uuid("event_id", e.EventID)
	v.uuid("feed_id", e.FeedID)
	v.required("type", e.Type)
	v.required("author_identity_id", e.AuthorIdentityID)
	v.required("source.platform", e.Source.Platform)
	v.required("source.adapter_id", e.Source.AdapterID)
	if e.Source.SourceMsgID != nil && *e.Source.SourceMsgID == "" {
		v.add("source.source_msg_id", "must be null or non-empty")
	}
	if e.TS == "" {
		v.add("ts", "is required")
	} else if _, err := time.Parse(time.RFC3339Nano, e.TS); err != nil {
		v.add("ts", "must be an RFC 3339 timestamp")
	}
	v.object("payload", e.Payload, true)
	v.object("refs", e.Refs, false)
	return v.err()
}

// Canonical returns the stored representation of a valid event: ts in UTC
// with nanosecond precision, payload and refs compacted, and a null refs
// dropped. Callers must Validate first.
func (e Event) Canonical() Event {
	if t, err := time.Parse(time.RFC3339Nano, e.TS); err == nil {
		e.TS = t.UTC().Format(time.RFC3339Nano)
	}
	e.Payload = compact(e.Payload)
	if trimmed := bytes.TrimSpace(e.Refs); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		e.Refs = nil
	} else {
		e.Refs = compact(e.Refs)
	}
	return e
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}

// ValidateFeed checks a feed creation request: name is required and
// policy_json, when present, is an object.
func ValidateFeed(name string, policy json.RawMessage) error {
	var v validator
	v.required("name", name)
	v.object("policy_json", policy, false)
	return v.err()
}
