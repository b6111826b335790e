package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports an unknown feed or event.
	ErrNotFound = errors.New("not found")

	// ErrInvalid reports a malformed or incomplete request. Never retried.
	ErrInvalid = errors.New("validation failed")

	// ErrInvariant reports a violated append-only invariant. Never
	// auto-resolved.
	ErrInvariant = errors.New("invariant violation")
)

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every failed rule for one request. It matches
// ErrInvalid under errors.Is.
type ValidationError struct {
	Details []FieldError
}

// Invalid returns a ValidationError with a single detail.
func Invalid(field, message string) *ValidationError {
	return &ValidationError{Details: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		parts[i] = d.Field + ": " + d.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// InvariantError reports an append-only violation on a specific path.
type InvariantError struct {
	Path   string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("append-only violation: %s: %s", e.Path, e.Reason)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }
