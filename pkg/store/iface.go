// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. Code that depends on
// the store (the ingest service, the relay health check) accepts
// StoreInterface instead of *Store, enabling fault injection in tests.
package store

import (
	"context"
	"time"

	"github.com/daviddao/switchboard/pkg/model"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// --- Feeds ---

	// CreateFeed inserts a new feed.
	CreateFeed(ctx context.Context, f *model.Feed) error

	// GetFeed retrieves a feed by ID.
	GetFeed(ctx context.Context, id string) (*model.Feed, error)

	// --- Events ---

	// InsertEvent appends an event. Returns ErrConflict on duplicates.
	InsertEvent(ctx context.Context, e *model.Event, receivedAt time.Time) (int64, error)

	// GetEvent retrieves an event by event_id.
	GetEvent(ctx context.Context, eventID string) (*model.Event, error)

	// GetEventBySource retrieves an event by (platform, source_msg_id).
	GetEventBySource(ctx context.Context, platform, sourceMsgID string) (*model.Event, error)

	// ListRecent returns a feed's events in acceptance order.
	ListRecent(ctx context.Context, feedID string, limit int, after *time.Time) ([]model.Event, error)

	// CountEvents returns the number of events stored for a feed.
	CountEvents(ctx context.Context, feedID string) (int64, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
