// Package store is the upstream event store: an SQLite table of
// classification events plus an in-process change feed that pushes every
// committed insert to live subscribers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/classwatch/internal/types"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store wraps an SQLite connection and the insert feed.
type Store struct {
	db   *sql.DB
	feed *feed
	now  func() time.Time
	log  *slog.Logger

	// insertMu serialises inserts so feed order matches id order.
	insertMu sync.Mutex
}

// Option customises Open.
type Option func(*Store)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithFeedBuffer sets how many undelivered inserts a subscriber may lag
// behind before it is disconnected.
func WithFeedBuffer(n int) Option {
	return func(s *Store) { s.feed.buffer = n }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if path == MemoryPath {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	s := &Store{
		db:   db,
		feed: newFeed(defaultFeedBuffer),
		now:  time.Now,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close disconnects every live subscriber and closes the database.
func (s *Store) Close() error {
	s.feed.closeAll(ErrClosed)
	return s.db.Close()
}

// Insert stores a detector event, assigns its id and creation time and
// publishes it to live subscribers of this Store once committed. Another
// process writing the same file does not reach them.
func (s *Store) Insert(ctx context.Context, in types.NewEvent) (types.Event, error) {
	if err := in.Validate(); err != nil {
		return types.Event{}, fmt.Errorf("invalid event: %w", err)
	}

	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	at := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO classroom_events (created_at, tracker_id, name, behavior, confidence)
		VALUES (?, ?, ?, ?, ?)`,
		at.UnixMicro(), in.TrackerID, in.SubjectName, in.Category, in.Confidence,
	)
	if err != nil {
		return types.Event{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Event{}, fmt.Errorf("insert event id: %w", err)
	}

	ev := types.Event{
		ID:          types.EventID(id),
		OccurredAt:  time.UnixMicro(at.UnixMicro()).UTC(),
		SubjectName: in.SubjectName,
		Category:    in.Category,
		Confidence:  in.Confidence,
		TrackerID:   in.TrackerID,
	}
	s.feed.publish(ev)
	return ev, nil
}

// FetchRecent returns up to limit of the newest events, newest first.
func (s *Store) FetchRecent(ctx context.Context, limit int) ([]types.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, tracker_id, name, behavior, confidence
		FROM classroom_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recent: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var (
			e       types.Event
			id      int64
			created int64
		)
		if err := rows.Scan(&id, &created, &e.TrackerID, &e.SubjectName, &e.Category, &e.Confidence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ID = types.EventID(id)
		e.OccurredAt = time.UnixMicro(created).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch recent: %w", err)
	}
	return events, nil
}

// DeleteAll removes every event with id > 0 and returns the number removed.
// Live subscribers stay connected.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM classroom_events WHERE id > 0`)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	s.log.Info("events deleted", "count", n)
	return n, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM classroom_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Subscribe registers a live insert listener. Events are delivered in insert
// order on a goroutine owned by the subscription. The subscription ends when
// Close is called or ctx is cancelled; if the store closes or the listener
// falls too far behind, onError is called once instead.
func (s *Store) Subscribe(ctx context.Context, onInsert func(types.Event), onError func(error)) (types.Subscription, error) {
	if onInsert == nil {
		return nil, errors.New("subscribe: onInsert is required")
	}
	if onError == nil {
		onError = func(error) {}
	}
	sub, err := s.feed.subscribe(ctx, onInsert, onError)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
