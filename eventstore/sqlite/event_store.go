// Package sqlite provides an event store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/eventstore"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

// EventStore stores streams in a SQLite database.
type EventStore struct {
	db  *sql.DB
	now func() time.Time
	log chronicle.Logger
}

var _ eventstore.Store = (*EventStore)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, opts ...EventStoreOption) (*EventStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, eventstore.InitializationError{Err: errors.New("database path is required")}
	}

	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eventstore.InitializationError{Err: fmt.Errorf("opening sqlite db: %w", err)}
	}

	store, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// New creates an event store on an open database handle and applies the schema.
func New(db *sql.DB, opts ...EventStoreOption) (*EventStore, error) {
	store := &EventStore{
		db:  db,
		now: time.Now,
		log: chronicle.GetLogger().With("component", "eventstore.sqlite"),
	}

	for _, opt := range opts {
		if err := opt(store); err != nil {
			return nil, eventstore.InitializationError{Err: fmt.Errorf("applying option: %w", err)}
		}
	}

	if err := db.Ping(); err != nil {
		return nil, eventstore.InitializationError{Err: fmt.Errorf("pinging sqlite db: %w", err)}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, eventstore.InitializationError{Err: fmt.Errorf("applying schema: %w", err)}
	}

	return store, nil
}

// Close closes the database.
func (s *EventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

// GetStream returns a handle on the stream, creating it if needed.
//
//nolint:ireturn // Deliberately an interface
func (s *EventStore) GetStream(ctx context.Context, streamID string) (eventstore.Stream, error) {
	if streamID == "" {
		return nil, errors.New("stream ID is required")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (stream_id, version) VALUES (?, 0) ON CONFLICT (stream_id) DO NOTHING`,
		streamID,
	); err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", streamID, err)
	}

	return &stream{id: streamID, store: s}, nil
}

func (s *EventStore) append(ctx context.Context, streamID string, items []eventstore.Item, expectedVersion *int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := eventstore.ValidateBatch(streamID, items); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	version, err := readVersion(ctx, tx, streamID)
	if err != nil {
		return 0, err
	}

	if expectedVersion != nil && *expectedVersion != version {
		return 0, eventstore.ConcurrencyConflictError{
			StreamID:        streamID,
			ExpectedVersion: *expectedVersion,
			ActualVersion:   version,
		}
	}

	for _, item := range items {
		if item.IdempotencyKey == "" {
			continue
		}

		if err := checkIdempotency(ctx, tx, streamID, item); err != nil {
			return 0, err
		}
	}

	createdAt := s.now().UTC().UnixNano()
	for i, item := range items {
		var key any
		if item.IdempotencyKey != "" {
			key = item.IdempotencyKey
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stream_items (stream_id, sequence, idempotency_key, created_at, data) VALUES (?, ?, ?, ?, ?)`,
			streamID, version+int64(i)+1, key, createdAt, item.Data,
		); err != nil {
			if isConstraintError(err) {
				return 0, s.explainConflict(ctx, streamID, items, expectedVersion, err)
			}

			return 0, fmt.Errorf("inserting item: %w", err)
		}
	}

	newVersion := version + int64(len(items))
	if _, err := tx.ExecContext(ctx,
		`UPDATE streams SET version = ? WHERE stream_id = ?`,
		newVersion, streamID,
	); err != nil {
		return 0, fmt.Errorf("updating stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	s.log.Debug("appended items", "stream_id", streamID, "items", len(items), "version", newVersion)

	return newVersion, nil
}

// explainConflict maps a constraint violation raised by a concurrent writer onto the
// store's error taxonomy by re-reading the committed state.
func (s *EventStore) explainConflict(ctx context.Context, streamID string, items []eventstore.Item, expectedVersion *int64, cause error) error {
	for _, item := range items {
		if item.IdempotencyKey == "" {
			continue
		}

		if err := checkIdempotency(ctx, s.db, streamID, item); err != nil {
			return err
		}
	}

	version, err := readVersion(ctx, s.db, streamID)
	if err != nil {
		return errors.Join(cause, err)
	}

	expected := version - 1
	if expectedVersion != nil {
		expected = *expectedVersion
	}

	return eventstore.ConcurrencyConflictError{
		StreamID:        streamID,
		ExpectedVersion: expected,
		ActualVersion:   version,
	}
}

func (s *EventStore) read(ctx context.Context, streamID string, first, last int64) ([]eventstore.StreamItem, error) {
	version, err := readVersion(ctx, s.db, streamID)
	if err != nil {
		return nil, err
	}

	from, to, ok := eventstore.ItemRange(first, last, version)
	if !ok {
		return []eventstore.StreamItem{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, idempotency_key, created_at, data FROM stream_items
		 WHERE stream_id = ? AND sequence BETWEEN ? AND ? ORDER BY sequence`,
		streamID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	items := make([]eventstore.StreamItem, 0, to-from+1)
	for rows.Next() {
		var (
			item      = eventstore.StreamItem{StreamID: streamID}
			key       sql.NullString
			createdAt int64
		)

		if err := rows.Scan(&item.Sequence, &key, &createdAt, &item.Data); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}

		item.IdempotencyKey = key.String
		item.Timestamp = time.Unix(0, createdAt).UTC()
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}

	return items, nil
}

func (s *EventStore) lookup(ctx context.Context, streamID, key string) (eventstore.StreamItem, error) {
	if key == "" {
		return eventstore.StreamItem{}, eventstore.ErrItemNotFound
	}

	var (
		item      = eventstore.StreamItem{StreamID: streamID, IdempotencyKey: key}
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, created_at, data FROM stream_items WHERE stream_id = ? AND idempotency_key = ?`,
		streamID, key,
	).Scan(&item.Sequence, &createdAt, &item.Data)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return eventstore.StreamItem{}, eventstore.ErrItemNotFound
	case err != nil:
		return eventstore.StreamItem{}, fmt.Errorf("looking up idempotency key: %w", err)
	}

	item.Timestamp = time.Unix(0, createdAt).UTC()

	return item, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readVersion(ctx context.Context, q queryer, streamID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream_id = ?`, streamID).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, eventstore.StreamNotFoundError{StreamID: streamID}
	case err != nil:
		return 0, fmt.Errorf("reading stream version: %w", err)
	}

	return version, nil
}

func checkIdempotency(ctx context.Context, q queryer, streamID string, item eventstore.Item) error {
	var (
		seq  int64
		data []byte
	)

	err := q.QueryRowContext(ctx,
		`SELECT sequence, data FROM stream_items WHERE stream_id = ? AND idempotency_key = ?`,
		streamID, item.IdempotencyKey,
	).Scan(&seq, &data)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("checking idempotency key: %w", err)
	}

	return eventstore.IdempotencyConflictError{
		StreamID:       streamID,
		IdempotencyKey: item.IdempotencyKey,
		Sequence:       seq,
		Original:       data,
		Attempted:      item.Data,
	}
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

type stream struct {
	id    string
	store *EventStore
}

var _ eventstore.Stream = (*stream)(nil)

func (s *stream) ID() string {
	return s.id
}

func (s *stream) Version(ctx context.Context) (int64, error) {
	return readVersion(ctx, s.store.db, s.id)
}

func (s *stream) AddItems(ctx context.Context, items []eventstore.Item) (int64, error) {
	return s.store.append(ctx, s.id, items, nil)
}

func (s *stream) AddItemsExpecting(ctx context.Context, items []eventstore.Item, expectedVersion int64) (int64, error) {
	return s.store.append(ctx, s.id, items, &expectedVersion)
}

func (s *stream) GetItems(ctx context.Context, first, last int64) ([]eventstore.StreamItem, error) {
	return s.store.read(ctx, s.id, first, last)
}

func (s *stream) GetAllItems(ctx context.Context) ([]eventstore.StreamItem, error) {
	return s.store.read(ctx, s.id, 1, 0)
}

func (s *stream) GetItemByIdempotencyKey(ctx context.Context, key string) (eventstore.StreamItem, error) {
	return s.store.lookup(ctx, s.id, key)
}

// An EventStoreOption configures an EventStore.
type EventStoreOption func(*EventStore) error

// WithLogger sets the store's logger.
func WithLogger(log chronicle.Logger) EventStoreOption {
	return func(s *EventStore) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		s.log = log
		return nil
	}
}

// WithClock overrides the function used to timestamp appended items.
func WithClock(now func() time.Time) EventStoreOption {
	return func(s *EventStore) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}

		s.now = now
		return nil
	}
}
