// Package statestore provides typed, string-keyed state storage with unit-of-work semantics.
// Writes are buffered in a Provider and persisted atomically by SaveChanges.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/go-estoria/chronicle"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("key not found")

// A Change is a buffered write. Delete changes carry no value.
type Change struct {
	Key    string
	Value  []byte
	Delete bool
}

// A Backend persists raw values.
type Backend interface {
	// Load returns the value stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Commit applies every change atomically.
	Commit(ctx context.Context, changes []Change) error
}

// A Provider reads through to a Backend and buffers writes until SaveChanges.
// Buffered writes are visible to reads made through the same Provider.
type Provider struct {
	backend Backend
	pending map[string]Change
	mu      sync.Mutex
	log     chronicle.Logger
}

// New creates a provider over backend.
func New(backend Backend, opts ...ProviderOption) (*Provider, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}

	p := &Provider{
		backend: backend,
		pending: map[string]Change{},
		log:     chronicle.GetLogger().With("component", "statestore"),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	return p, nil
}

// A KeyError wraps a failure for a specific key.
type KeyError struct {
	Key string
	Err error
}

// Error returns the error message.
func (e KeyError) Error() string {
	return fmt.Sprintf("state key %q: %s", e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e KeyError) Unwrap() error {
	return e.Err
}

// Get returns the value stored under key decoded as T. It fails with ErrNotFound when
// the key has no value.
func Get[T any](ctx context.Context, p *Provider, key string) (T, error) {
	value, ok, err := TryGet[T](ctx, p, key)
	if err != nil {
		return value, err
	}

	if !ok {
		return value, KeyError{Key: key, Err: ErrNotFound}
	}

	return value, nil
}

// TryGet returns the value stored under key decoded as T, reporting whether it exists.
func TryGet[T any](ctx context.Context, p *Provider, key string) (T, bool, error) {
	var value T

	data, ok, err := p.load(ctx, key)
	if err != nil || !ok {
		return value, false, err
	}

	if err := (chronicle.JSONMarshaler[T]{}).Unmarshal(data, &value); err != nil {
		return value, false, KeyError{Key: key, Err: fmt.Errorf("decoding %T: %w", value, err)}
	}

	return value, true, nil
}

// Set buffers value under key.
func Set[T any](p *Provider, key string, value T) error {
	if key == "" {
		return errors.New("state key is required")
	}

	data, err := (chronicle.JSONMarshaler[T]{}).Marshal(&value)
	if err != nil {
		return KeyError{Key: key, Err: fmt.Errorf("encoding %T: %w", value, err)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[key] = Change{Key: key, Value: data}
	return nil
}

// GetOrAdd returns the value stored under key, or buffers and returns the value built by
// add when there is none.
func GetOrAdd[T any](ctx context.Context, p *Provider, key string, add func() (T, error)) (T, error) {
	value, ok, err := TryGet[T](ctx, p, key)
	if err != nil || ok {
		return value, err
	}

	value, err = add()
	if err != nil {
		return value, KeyError{Key: key, Err: err}
	}

	if err := Set(p, key, value); err != nil {
		return value, err
	}

	return value, nil
}

// Delete buffers the removal of key.
func (p *Provider) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[key] = Change{Key: key, Delete: true}
}

// HasChanges reports whether writes are buffered.
func (p *Provider) HasChanges() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pending) > 0
}

// Discard drops buffered writes.
func (p *Provider) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.pending)
}

// SaveChanges persists buffered writes in one atomic commit, ordered by key. The buffer
// is kept when the commit fails.
func (p *Provider) SaveChanges(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return nil
	}

	changes := make([]Change, 0, len(p.pending))
	for _, key := range slices.Sorted(maps.Keys(p.pending)) {
		changes = append(changes, p.pending[key])
	}

	if err := p.backend.Commit(ctx, changes); err != nil {
		return fmt.Errorf("committing %d state changes: %w", len(changes), err)
	}

	p.log.Debug("saved state changes", "changes", len(changes))
	clear(p.pending)

	return nil
}

func (p *Provider) load(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.New("state key is required")
	}

	p.mu.Lock()
	change, buffered := p.pending[key]
	p.mu.Unlock()

	if buffered {
		return change.Value, !change.Delete, nil
	}

	data, err := p.backend.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, KeyError{Key: key, Err: err}
	}

	return data, true, nil
}

// A ProviderOption configures a Provider.
type ProviderOption func(*Provider) error

// WithLogger sets the provider's logger.
func WithLogger(log chronicle.Logger) ProviderOption {
	return func(p *Provider) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		p.log = log
		return nil
	}
}
