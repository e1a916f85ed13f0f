package snapshotstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/address"
	"github.com/go-estoria/chronicle/statestore"
)

// KeyPrefix namespaces snapshot entries in the state store.
const KeyPrefix = "snapshots" + address.Separator

// A StateStore keeps the snapshots of each aggregate as one state-store entry, trimmed by
// a retention policy on every write.
type StateStore struct {
	provider  *statestore.Provider
	retention RetentionPolicy
	mu        sync.Mutex
	log       chronicle.Logger
}

var _ Store = (*StateStore)(nil)

// NewStateStore creates a snapshot store over provider. By default only the latest
// snapshot of each aggregate is kept.
func NewStateStore(provider *statestore.Provider, opts ...StateStoreOption) (*StateStore, error) {
	if provider == nil {
		return nil, errors.New("state provider is required")
	}

	store := &StateStore{
		provider:  provider,
		retention: MaxSnapshotsRetentionPolicy{N: 1},
		log:       chronicle.GetLogger().With("component", "snapshotstore"),
	}

	for _, opt := range opts {
		if err := opt(store); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	return store, nil
}

// ReadSnapshot returns the newest retained snapshot for key within opts.
func (s *StateStore) ReadSnapshot(ctx context.Context, key address.Key, opts ReadSnapshotOptions) (*AggregateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots, _, err := statestore.TryGet[[]AggregateSnapshot](ctx, s.provider, KeyPrefix+key.String())
	if err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}

	snap, ok := pick(snapshots, opts.MaxVersion)
	if !ok {
		s.log.Debug("no snapshot found", "key", key, "max_version", opts.MaxVersion)
		return nil, ErrSnapshotNotFound
	}

	s.log.Debug("found snapshot", "key", key, "aggregate_version", snap.AggregateVersion)

	return snap, nil
}

// WriteSnapshot stores snap and applies the retention policy.
func (s *StateStore) WriteSnapshot(ctx context.Context, snap *AggregateSnapshot) error {
	if snap == nil {
		return errors.New("snapshot is required")
	}

	if err := snap.Key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := KeyPrefix + snap.Key.String()

	snapshots, _, err := statestore.TryGet[[]AggregateSnapshot](ctx, s.provider, entry)
	if err != nil {
		return fmt.Errorf("reading snapshots: %w", err)
	}

	if n := len(snapshots); n > 0 && snap.AggregateVersion <= snapshots[n-1].AggregateVersion {
		return StaleSnapshotError{Key: snap.Key, Version: snap.AggregateVersion, LatestVersion: snapshots[n-1].AggregateVersion}
	}

	snapshots = append(snapshots, *snap)

	retained := make([]AggregateSnapshot, 0, len(snapshots))
	for i := range snapshots {
		if !s.retention.ShouldRetain(&snapshots[i], int64(i), int64(len(snapshots))) {
			s.log.Debug("deleting snapshot per retention policy", "key", snap.Key, "aggregate_version", snapshots[i].AggregateVersion)
			continue
		}

		retained = append(retained, snapshots[i])
	}

	if len(retained) == 0 {
		s.provider.Delete(entry)
	} else if err := statestore.Set(s.provider, entry, retained); err != nil {
		s.provider.Discard()
		return fmt.Errorf("buffering snapshots: %w", err)
	}

	if err := s.provider.SaveChanges(ctx); err != nil {
		s.provider.Discard()
		return fmt.Errorf("saving snapshots: %w", err)
	}

	s.log.Debug("wrote snapshot", "key", snap.Key, "aggregate_version", snap.AggregateVersion, "data_length", len(snap.Data))

	return nil
}

// A StateStoreOption configures a StateStore.
type StateStoreOption func(*StateStore) error

// WithRetentionPolicy sets the retention policy.
func WithRetentionPolicy(policy RetentionPolicy) StateStoreOption {
	return func(s *StateStore) error {
		if policy == nil {
			return errors.New("retention policy cannot be nil")
		}

		s.retention = policy
		return nil
	}
}

// WithLogger sets the store's logger.
func WithLogger(log chronicle.Logger) StateStoreOption {
	return func(s *StateStore) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		s.log = log
		return nil
	}
}
