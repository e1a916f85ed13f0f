// Package bbolt provides a statestore backend on a bbolt database file.
package bbolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/statestore"
	bolt "go.etcd.io/bbolt"
)

// DefaultBucket holds state values unless WithBucket is given.
const DefaultBucket = "chronicle_state"

// A Backend stores state values in one bbolt bucket.
type Backend struct {
	db     *bolt.DB
	bucket []byte
	owned  bool
	log    chronicle.Logger
}

var _ statestore.Backend = (*Backend)(nil)

// Open opens (or creates) the database at path.
func Open(path string, opts ...BackendOption) (*Backend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt database %q: %w", path, err)
	}

	backend, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	backend.owned = true

	return backend, nil
}

// New creates a backend on an open database, creating its bucket if needed.
func New(db *bolt.DB, opts ...BackendOption) (*Backend, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}

	backend := &Backend{
		db:     db,
		bucket: []byte(DefaultBucket),
		log:    chronicle.GetLogger().With("component", "statestore.bbolt"),
	}

	for _, opt := range opts {
		if err := opt(backend); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(backend.bucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("creating bucket %q: %w", backend.bucket, err)
	}

	return backend, nil
}

// Load returns the value stored under key.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		found := tx.Bucket(b.bucket).Get([]byte(key))
		if found == nil {
			return statestore.ErrNotFound
		}

		// bbolt values are only valid for the life of the transaction
		value = bytes.Clone(found)
		return nil
	})

	return value, err
}

// Commit applies changes in one read-write transaction.
func (b *Backend) Commit(ctx context.Context, changes []statestore.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		for _, change := range changes {
			if change.Delete {
				if err := bucket.Delete([]byte(change.Key)); err != nil {
					return fmt.Errorf("deleting %q: %w", change.Key, err)
				}

				continue
			}

			if err := bucket.Put([]byte(change.Key), change.Value); err != nil {
				return fmt.Errorf("putting %q: %w", change.Key, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	b.log.Debug("committed state changes", "changes", len(changes))

	return nil
}

// Close closes the database if the backend opened it.
func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}

	return b.db.Close()
}

// A BackendOption configures a Backend.
type BackendOption func(*Backend) error

// WithBucket sets the bucket name.
func WithBucket(name string) BackendOption {
	return func(b *Backend) error {
		if name == "" {
			return errors.New("bucket name cannot be empty")
		}

		b.bucket = []byte(name)
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
