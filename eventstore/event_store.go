// Package eventstore defines append-only event streams with optimistic concurrency
// and idempotent appends.
package eventstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// A Store hands out streams by id.
type Store interface {
	// GetStream returns the stream with the given id, creating it if it does not exist.
	// A new stream has version 0.
	GetStream(ctx context.Context, streamID string) (Stream, error)
}

// A Stream is an ordered, append-only sequence of items belonging to one aggregate.
// Sequences start at 1 and have no gaps; the stream's version is its length.
type Stream interface {
	// ID returns the stream id.
	ID() string

	// Version returns the number of items in the stream.
	Version(ctx context.Context) (int64, error)

	// AddItems appends items regardless of the stream's version and returns the new version.
	AddItems(ctx context.Context, items []Item) (int64, error)

	// AddItemsExpecting appends items only if the stream's version equals expectedVersion.
	// On mismatch nothing is appended and a ConcurrencyConflictError is returned.
	AddItemsExpecting(ctx context.Context, items []Item, expectedVersion int64) (int64, error)

	// GetItems returns the items with sequences in [first, last]. A last of 0 or less
	// reads to the end of the stream.
	GetItems(ctx context.Context, first, last int64) ([]StreamItem, error)

	// GetAllItems returns every item in the stream.
	GetAllItems(ctx context.Context) ([]StreamItem, error)

	// GetItemByIdempotencyKey returns the item recorded under key, or ErrItemNotFound.
	GetItemByIdempotencyKey(ctx context.Context, key string) (StreamItem, error)
}

// An Item is a payload to be appended.
type Item struct {
	// IdempotencyKey optionally identifies the logical request that produced the item.
	// A key can be recorded at most once per stream.
	IdempotencyKey string
	Data           []byte
}

// A StreamItem is an item that has been appended to a stream.
type StreamItem struct {
	StreamID       string
	Sequence       int64
	IdempotencyKey string
	Timestamp      time.Time
	Data           []byte
}

var (
	// ErrEmptyBatch is returned when an append carries no items.
	ErrEmptyBatch = errors.New("no items to append")

	// ErrEmptyItem is returned when an appended item has no data.
	ErrEmptyItem = errors.New("item has no data")

	// ErrItemNotFound is returned when no item is recorded under an idempotency key.
	ErrItemNotFound = errors.New("item not found")

	// ErrDuplicateItem matches idempotency conflicts whose attempted payload equals the
	// stored one: the request was already applied.
	ErrDuplicateItem = errors.New("item already appended")

	// ErrConflictingDuplicate matches idempotency conflicts whose attempted payload differs
	// from the stored one.
	ErrConflictingDuplicate = errors.New("idempotency key reused with a different payload")
)

// A ConcurrencyConflictError is returned when the expected version does not match the
// stream's version. It is retryable after reloading the stream.
type ConcurrencyConflictError struct {
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

// Error returns the error message.
func (e ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("stream %s version mismatch: expected version %d, got version %d",
		e.StreamID,
		e.ExpectedVersion,
		e.ActualVersion)
}

// Retryable reports true.
func (e ConcurrencyConflictError) Retryable() bool {
	return true
}

// An IdempotencyConflictError is returned when an appended item carries an idempotency
// key that the stream has already recorded. Original holds the stored payload.
type IdempotencyConflictError struct {
	StreamID       string
	IdempotencyKey string
	// Sequence is the sequence of the stored item, or 0 when the key was repeated
	// within the rejected batch itself.
	Sequence  int64
	Original  []byte
	Attempted []byte
}

// Error returns the error message.
func (e IdempotencyConflictError) Error() string {
	if e.Replay() {
		return fmt.Sprintf("stream %s: idempotency key %q already appended at sequence %d",
			e.StreamID, e.IdempotencyKey, e.Sequence)
	}

	return fmt.Sprintf("stream %s: idempotency key %q reused with a different payload",
		e.StreamID, e.IdempotencyKey)
}

// Replay reports whether the attempted payload is identical to the stored one.
func (e IdempotencyConflictError) Replay() bool {
	return e.Sequence > 0 && bytes.Equal(e.Original, e.Attempted)
}

// Unwrap returns ErrDuplicateItem for replays and ErrConflictingDuplicate otherwise.
func (e IdempotencyConflictError) Unwrap() error {
	if e.Replay() {
		return ErrDuplicateItem
	}

	return ErrConflictingDuplicate
}

// Retryable reports false.
func (e IdempotencyConflictError) Retryable() bool {
	return false
}

// StreamNotFoundError is returned by read-only stores for unknown streams.
type StreamNotFoundError struct {
	StreamID string
}

func (e StreamNotFoundError) Error() string {
	return "stream not found: " + e.StreamID
}

// InitializationError is returned when an event store fails to initialize.
type InitializationError struct {
	Err error
}

// Error returns the error message.
func (e InitializationError) Error() string {
	return "initializing event store: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e InitializationError) Unwrap() error {
	return e.Err
}

// ValidateBatch rejects empty batches, items without data and idempotency keys repeated
// within the batch.
func ValidateBatch(streamID string, items []Item) error {
	if len(items) == 0 {
		return ErrEmptyBatch
	}

	seen := make(map[string]int, len(items))
	for i, item := range items {
		if len(item.Data) == 0 {
			return fmt.Errorf("stream %s item %d: %w", streamID, i, ErrEmptyItem)
		}

		if item.IdempotencyKey == "" {
			continue
		}

		if j, ok := seen[item.IdempotencyKey]; ok {
			return IdempotencyConflictError{
				StreamID:       streamID,
				IdempotencyKey: item.IdempotencyKey,
				Original:       items[j].Data,
				Attempted:      item.Data,
			}
		}

		seen[item.IdempotencyKey] = i
	}

	return nil
}

// ItemRange clamps a requested [first, last] range to a stream of the given version.
// It reports false when the range is empty.
func ItemRange(first, last, version int64) (int64, int64, bool) {
	if first < 1 {
		first = 1
	}

	if last <= 0 || last > version {
		last = version
	}

	return first, last, first <= last
}
