// Package memory provides an in-memory statestore backend.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/go-estoria/chronicle/statestore"
)

// A Backend keeps state values in a map.
type Backend struct {
	values map[string][]byte
	mu     sync.RWMutex
}

var _ statestore.Backend = (*Backend)(nil)

// NewBackend creates an empty in-memory backend.
func NewBackend() *Backend {
	return &Backend{values: map[string][]byte{}}
}

// Load returns a copy of the value stored under key.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.values[key]
	if !ok {
		return nil, statestore.ErrNotFound
	}

	return bytes.Clone(value), nil
}

// Commit applies changes under a single lock.
func (b *Backend) Commit(ctx context.Context, changes []statestore.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, change := range changes {
		if change.Delete {
			delete(b.values, change.Key)
			continue
		}

		b.values[change.Key] = bytes.Clone(change.Value)
	}

	return nil
}

// Len returns the number of stored keys.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.values)
}
