// Package memory provides an in-memory event store. It should not be used in production applications.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/eventstore"
)

// EventStore is an in-memory event store.
type EventStore struct {
	streams map[string]*streamDocument
	mu      sync.RWMutex
	now     func() time.Time
	log     chronicle.Logger
}

var _ eventstore.Store = (*EventStore)(nil)

type streamDocument struct {
	items []eventstore.StreamItem
	keys  map[string]int64 // idempotency key -> sequence
}

// NewEventStore creates a new in-memory event store.
func NewEventStore(opts ...EventStoreOption) (*EventStore, error) {
	store := &EventStore{
		streams: map[string]*streamDocument{},
		now:     time.Now,
		log:     chronicle.GetLogger().With("component", "eventstore.memory"),
	}

	for _, opt := range opts {
		if err := opt(store); err != nil {
			return nil, eventstore.InitializationError{Err: fmt.Errorf("applying option: %w", err)}
		}
	}

	return store, nil
}

// GetStream returns a handle on the stream, creating it if needed.
//
//nolint:ireturn // Deliberately an interface
func (s *EventStore) GetStream(ctx context.Context, streamID string) (eventstore.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if streamID == "" {
		return nil, errors.New("stream ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[streamID]; !ok {
		s.streams[streamID] = &streamDocument{keys: map[string]int64{}}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.streams[streamID]
	version := int64(len(doc.items))

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

		if seq, ok := doc.keys[item.IdempotencyKey]; ok {
			return 0, eventstore.IdempotencyConflictError{
				StreamID:       streamID,
				IdempotencyKey: item.IdempotencyKey,
				Sequence:       seq,
				Original:       slices.Clone(doc.items[seq-1].Data),
				Attempted:      item.Data,
			}
		}
	}

	now := s.now()
	for i, item := range items {
		seq := version + int64(i) + 1
		doc.items = append(doc.items, eventstore.StreamItem{
			StreamID:       streamID,
			Sequence:       seq,
			IdempotencyKey: item.IdempotencyKey,
			Timestamp:      now,
			Data:           slices.Clone(item.Data),
		})

		if item.IdempotencyKey != "" {
			doc.keys[item.IdempotencyKey] = seq
		}
	}

	newVersion := int64(len(doc.items))
	s.log.Debug("appended items", "stream_id", streamID, "items", len(items), "version", newVersion)

	return newVersion, nil
}

func (s *EventStore) read(ctx context.Context, streamID string, first, last int64) ([]eventstore.StreamItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := s.streams[streamID]
	from, to, ok := eventstore.ItemRange(first, last, int64(len(doc.items)))
	if !ok {
		return []eventstore.StreamItem{}, nil
	}

	items := make([]eventstore.StreamItem, 0, to-from+1)
	for _, item := range doc.items[from-1 : to] {
		item.Data = slices.Clone(item.Data)
		items = append(items, item)
	}

	return items, nil
}

func (s *EventStore) lookup(ctx context.Context, streamID, key string) (eventstore.StreamItem, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.StreamItem{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := s.streams[streamID]
	seq, ok := doc.keys[key]
	if !ok || key == "" {
		return eventstore.StreamItem{}, eventstore.ErrItemNotFound
	}

	item := doc.items[seq-1]
	item.Data = slices.Clone(item.Data)

	return item, nil
}

func (s *EventStore) version(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.streams[streamID].items)), nil
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
