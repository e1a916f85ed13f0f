// Package postgres provides an event store backed by PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/eventstore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// EventStore stores streams in PostgreSQL tables.
type EventStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
	log  chronicle.Logger
}

var _ eventstore.Store = (*EventStore)(nil)

// Connect opens a connection pool for dsn and applies the schema.
func Connect(ctx context.Context, dsn string, opts ...EventStoreOption) (*EventStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eventstore.InitializationError{Err: fmt.Errorf("creating pool: %w", err)}
	}

	store, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// New creates an event store on an existing pool and applies the schema.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...EventStoreOption) (*EventStore, error) {
	store := &EventStore{
		pool: pool,
		now:  time.Now,
		log:  chronicle.GetLogger().With("component", "eventstore.postgres"),
	}

	for _, opt := range opts {
		if err := opt(store); err != nil {
			return nil, eventstore.InitializationError{Err: fmt.Errorf("applying option: %w", err)}
		}
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, eventstore.InitializationError{Err: fmt.Errorf("pinging postgres: %w", err)}
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, eventstore.InitializationError{Err: fmt.Errorf("applying schema: %w", err)}
	}

	return store, nil
}

// Close closes the pool.
func (s *EventStore) Close() {
	s.pool.Close()
}

// GetStream returns a handle on the stream, creating it if needed.
//
//nolint:ireturn // Deliberately an interface
func (s *EventStore) GetStream(ctx context.Context, streamID string) (eventstore.Stream, error) {
	if streamID == "" {
		return nil, errors.New("stream ID is required")
	}

	const query = `
	INSERT INTO chronicle_streams (stream_id, version)
	VALUES ($1, 0)
	ON CONFLICT (stream_id) DO NOTHING
	`

	if _, err := s.pool.Exec(ctx, query, streamID); err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", streamID, err)
	}

	return &stream{id: streamID, store: s}, nil
}

func (s *EventStore) append(ctx context.Context, streamID string, items []eventstore.Item, expectedVersion *int64) (int64, error) {
	if err := eventstore.ValidateBatch(streamID, items); err != nil {
		return 0, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var version int64
	if err := tx.QueryRow(ctx,
		`SELECT version FROM chronicle_streams WHERE stream_id = $1 FOR UPDATE`,
		streamID,
	).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, eventstore.StreamNotFoundError{StreamID: streamID}
		}

		return 0, fmt.Errorf("locking stream: %w", err)
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

	createdAt := s.now().UTC()
	batch := &pgx.Batch{}
	for i, item := range items {
		var key *string
		if item.IdempotencyKey != "" {
			key = &item.IdempotencyKey
		}

		batch.Queue(
			`INSERT INTO chronicle_stream_items (stream_id, sequence, idempotency_key, created_at, data) VALUES ($1, $2, $3, $4, $5)`,
			streamID, version+int64(i)+1, key, createdAt, item.Data,
		)
	}

	newVersion := version + int64(len(items))
	batch.Queue(`UPDATE chronicle_streams SET version = $1 WHERE stream_id = $2`, newVersion, streamID)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, eventstore.ConcurrencyConflictError{StreamID: streamID, ExpectedVersion: version, ActualVersion: version + 1}
		}

		return 0, fmt.Errorf("inserting items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	s.log.Debug("appended items", "stream_id", streamID, "items", len(items), "version", newVersion)

	return newVersion, nil
}

func (s *EventStore) version(ctx context.Context, streamID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM chronicle_streams WHERE stream_id = $1`, streamID).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, eventstore.StreamNotFoundError{StreamID: streamID}
	case err != nil:
		return 0, fmt.Errorf("reading stream version: %w", err)
	}

	return version, nil
}

func (s *EventStore) read(ctx context.Context, streamID string, first, last int64) ([]eventstore.StreamItem, error) {
	version, err := s.version(ctx, streamID)
	if err != nil {
		return nil, err
	}

	from, to, ok := eventstore.ItemRange(first, last, version)
	if !ok {
		return []eventstore.StreamItem{}, nil
	}

	const query = `
	SELECT sequence, COALESCE(idempotency_key, ''), created_at, data
	FROM chronicle_stream_items
	WHERE stream_id = $1 AND sequence BETWEEN $2 AND $3
	ORDER BY sequence
	`

	rows, err := s.pool.Query(ctx, query, streamID, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	items := make([]eventstore.StreamItem, 0, to-from+1)
	for rows.Next() {
		item := eventstore.StreamItem{StreamID: streamID}
		if err := rows.Scan(&item.Sequence, &item.IdempotencyKey, &item.Timestamp, &item.Data); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}

		item.Timestamp = item.Timestamp.UTC()
		items = append(items, item)
	}

	return items, rows.Err()
}

func (s *EventStore) lookup(ctx context.Context, streamID, key string) (eventstore.StreamItem, error) {
	if key == "" {
		return eventstore.StreamItem{}, eventstore.ErrItemNotFound
	}

	item := eventstore.StreamItem{StreamID: streamID, IdempotencyKey: key}
	err := s.pool.QueryRow(ctx,
		`SELECT sequence, created_at, data FROM chronicle_stream_items WHERE stream_id = $1 AND idempotency_key = $2`,
		streamID, key,
	).Scan(&item.Sequence, &item.Timestamp, &item.Data)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return eventstore.StreamItem{}, eventstore.ErrItemNotFound
	case err != nil:
		return eventstore.StreamItem{}, fmt.Errorf("looking up idempotency key: %w", err)
	}

	item.Timestamp = item.Timestamp.UTC()

	return item, nil
}

func checkIdempotency(ctx context.Context, tx pgx.Tx, streamID string, item eventstore.Item) error {
	var (
		seq  int64
		data []byte
	)

	err := tx.QueryRow(ctx,
		`SELECT sequence, data FROM chronicle_stream_items WHERE stream_id = $1 AND idempotency_key = $2`,
		streamID, item.IdempotencyKey,
	).Scan(&seq, &data)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
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

type stream struct {
	id    string
	store *EventStore
}

var _ eventstore.Stream = (*stream)(nil)

func (s *stream) ID() string {
	return s.id
}

func (s *stream) Version(ctx context.Context) (int64, error) {
	return s.store.version(ctx, s.id)
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
