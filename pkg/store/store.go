// Package store manages all SQLite persistence for switchboard.
//
// The relational store is the single source of truth for feeds and events.
// Deduplication is enforced by unique constraints at this layer rather than
// by application locking: event_id is unique, and (source_platform,
// source_msg_id) is unique whenever source_msg_id is set. Concurrent inserts
// of the same identity therefore resolve to exactly one row, and the loser
// sees ErrConflict.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/switchboard/pkg/model"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned by InsertEvent when the event collides with an
// existing row on event_id or (platform, source_msg_id).
var ErrConflict = errors.New("store: duplicate event")

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// retryOnContention wraps retryOp from retry.go with the default config.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		policy_json TEXT,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq                INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id           TEXT NOT NULL UNIQUE,
		feed_id            TEXT NOT NULL REFERENCES feeds(id),
		type               TEXT NOT NULL,
		author_identity_id TEXT NOT NULL,
		source_platform    TEXT NOT NULL,
		source_adapter_id  TEXT NOT NULL,
		source_msg_id      TEXT,
		ts                 TEXT NOT NULL,
		ts_unix_nano       INTEGER NOT NULL,
		payload            TEXT NOT NULL,
		refs               TEXT,
		received_at        TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_source
		ON events(source_platform, source_msg_id) WHERE source_msg_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_feed_seq ON events(feed_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_feed_ts ON events(feed_id, ts_unix_nano);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Feeds
// ---------------------------------------------------------------------------

// CreateFeed inserts a new feed. The caller assigns ID and CreatedAt.
func (s *Store) CreateFeed(ctx context.Context, f *model.Feed) error {
	var policy sql.NullString
	if len(f.PolicyJSON) > 0 && string(f.PolicyJSON) != "null" {
		policy = sql.NullString{String: string(f.PolicyJSON), Valid: true}
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO feeds (id, name, policy_json, created_at) VALUES (?, ?, ?, ?)`,
			f.ID, f.Name, policy, f.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// GetFeed retrieves a feed by ID. Returns model.ErrNotFound if absent.
func (s *Store) GetFeed(ctx context.Context, id string) (*model.Feed, error) {
	var f model.Feed
	var policy sql.NullString
	var createdStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, policy_json, created_at FROM feeds WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &policy, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if policy.Valid {
		f.PolicyJSON = json.RawMessage(policy.String)
	}
	f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for feed %s: %w", id, err)
	}
	return &f, nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

const eventColumns = `event_id, feed_id, type, author_identity_id,
	source_platform, source_adapter_id, source_msg_id, ts, payload, refs`

// InsertEvent appends a canonical event and returns its sequence number,
// which orders events by acceptance. Returns ErrConflict if the event_id or
// (platform, source_msg_id) pair already exists.
func (s *Store) InsertEvent(ctx context.Context, e *model.Event, receivedAt time.Time) (int64, error) {
	ts, err := e.Time()
	if err != nil {
		return 0, err
	}
	var msgID, refs sql.NullString
	if e.Source.SourceMsgID != nil {
		msgID = sql.NullString{String: *e.Source.SourceMsgID, Valid: true}
	}
	if len(e.Refs) > 0 {
		refs = sql.NullString{String: string(e.Refs), Valid: true}
	}

	var seq int64
	err = retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO events (event_id, feed_id, type, author_identity_id,
			   source_platform, source_adapter_id, source_msg_id,
			   ts, ts_unix_nano, payload, refs, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EventID, e.FeedID, e.Type, e.AuthorIdentityID,
			e.Source.Platform, e.Source.AdapterID, msgID,
			e.TS, ts.UnixNano(), string(e.Payload), refs,
			receivedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("insert event %s: %w", e.EventID, ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	return seq, nil
}

// GetEvent retrieves an event by event_id. Returns model.ErrNotFound if absent.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, model.ErrNotFound)
	}
	return e, err
}

// GetEventBySource retrieves the event ingested from an external message.
// Returns model.ErrNotFound if absent.
func (s *Store) GetEventBySource(ctx context.Context, platform, sourceMsgID string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source_platform = ? AND source_msg_id = ?`,
		platform, sourceMsgID)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event from %s/%s: %w", platform, sourceMsgID, model.ErrNotFound)
	}
	return e, err
}

// ListRecent returns events of a feed in acceptance order (oldest first).
//
// With after == nil it returns the most recent limit events. Otherwise it
// returns the first limit events whose ts is strictly after *after, which
// lets a consumer page forward from its last seen timestamp.
func (s *Store) ListRecent(ctx context.Context, feedID string, limit int, after *time.Time) ([]model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM (
			   SELECT seq, `+eventColumns+` FROM events
			   WHERE feed_id = ? ORDER BY seq DESC LIMIT ?
			 ) ORDER BY seq ASC`,
			feedID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events
			 WHERE feed_id = ? AND ts_unix_nano > ?
			 ORDER BY seq ASC LIMIT ?`,
			feedID, after.UnixNano(), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// CountEvents returns the number of events stored for a feed.
func (s *Store) CountEvents(ctx context.Context, feedID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE feed_id = ?`, feedID).Scan(&count)
	return count, err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scanEvent(scan func(dest ...any) error) (*model.Event, error) {
	var e model.Event
	var msgID, refs sql.NullString
	var payload string
	if err := scan(&e.EventID, &e.FeedID, &e.Type, &e.AuthorIdentityID,
		&e.Source.Platform, &e.Source.AdapterID, &msgID, &e.TS, &payload, &refs); err != nil {
		return nil, err
	}
	if msgID.Valid {
		id := msgID.String
		e.Source.SourceMsgID = &id
	}
	e.Payload = json.RawMessage(payload)
	if refs.Valid {
		e.Refs = json.RawMessage(refs.String)
	}
	return &e, nil
}
