// Package redis provides a statestore backend on Redis strings.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/statestore"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces state keys unless WithKeyPrefix is given.
const DefaultKeyPrefix = "chronicle:state:"

// A Backend stores each state value as a Redis string.
type Backend struct {
	client redis.UniversalClient
	prefix string
	log    chronicle.Logger
}

var _ statestore.Backend = (*Backend)(nil)

// New creates a backend using client.
func New(client redis.UniversalClient, opts ...BackendOption) (*Backend, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}

	backend := &Backend{
		client: client,
		prefix: DefaultKeyPrefix,
		log:    chronicle.GetLogger().With("component", "statestore.redis"),
	}

	for _, opt := range opts {
		if err := opt(backend); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	return backend, nil
}

// Load returns the value stored under key.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	value, err := b.client.Get(ctx, b.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, statestore.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("getting %q: %w", key, err)
	}

	return value, nil
}

// Commit applies changes in one MULTI/EXEC transaction.
func (b *Backend) Commit(ctx context.Context, changes []statestore.Change) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, change := range changes {
			if change.Delete {
				pipe.Del(ctx, b.prefix+change.Key)
				continue
			}

			pipe.Set(ctx, b.prefix+change.Key, change.Value, 0)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("executing transaction: %w", err)
	}

	b.log.Debug("committed state changes", "changes", len(changes))

	return nil
}

// A BackendOption configures a Backend.
type BackendOption func(*Backend) error

// WithKeyPrefix sets the prefix added to every key.
func WithKeyPrefix(prefix string) BackendOption {
	return func(b *Backend) error {
		b.prefix = prefix
		return nil
	}
}

// WithLogger sets the backend's logger.
func WithLogger(log chronicle.Logger) BackendOption {
	return func(b *Backend) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		b.log = log
		return nil
	}
}
