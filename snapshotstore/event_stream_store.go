package snapshotstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/address"
	"github.com/go-estoria/chronicle/eventstore"
)

// StreamSuffix is appended to an aggregate's stream id to name its snapshot stream.
const StreamSuffix = address.Separator + "snapshots"

// An EventStreamStore appends snapshots to a dedicated stream per aggregate in an event
// store. Every snapshot is kept.
type EventStreamStore struct {
	store     eventstore.Store
	marshaler chronicle.Marshaler[AggregateSnapshot, *AggregateSnapshot]
	log       chronicle.Logger
}

var _ Store = (*EventStreamStore)(nil)

// NewEventStreamStore creates a snapshot store that writes to store.
func NewEventStreamStore(store eventstore.Store) (*EventStreamStore, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}

	return &EventStreamStore{
		store:     store,
		marshaler: chronicle.JSONMarshaler[AggregateSnapshot]{},
		log:       chronicle.GetLogger().With("component", "snapshotstore.eventstream"),
	}, nil
}

// ReadSnapshot returns the newest snapshot for key within opts.
func (s *EventStreamStore) ReadSnapshot(ctx context.Context, key address.Key, opts ReadSnapshotOptions) (*AggregateSnapshot, error) {
	stream, err := s.store.GetStream(ctx, key.StreamID()+StreamSuffix)
	if err != nil {
		return nil, fmt.Errorf("finding snapshot stream: %w", err)
	}

	version, err := stream.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot stream version: %w", err)
	}

	if version == 0 {
		return nil, ErrSnapshotNotFound
	}

	first := version
	if opts.MaxVersion > 0 {
		first = 1
	}

	items, err := stream.GetItems(ctx, first, version)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot stream: %w", err)
	}

	snapshots := make([]AggregateSnapshot, len(items))
	for i, item := range items {
		if err := s.marshaler.Unmarshal(item.Data, &snapshots[i]); err != nil {
			return nil, fmt.Errorf("unmarshaling snapshot %d: %w", item.Sequence, err)
		}
	}

	snap, ok := pick(snapshots, opts.MaxVersion)
	if !ok {
		return nil, ErrSnapshotNotFound
	}

	s.log.Debug("snapshot found", "stream_id", stream.ID(), "aggregate_version", snap.AggregateVersion)

	return snap, nil
}

// WriteSnapshot appends snap to the aggregate's snapshot stream.
func (s *EventStreamStore) WriteSnapshot(ctx context.Context, snap *AggregateSnapshot) error {
	if snap == nil {
		return errors.New("snapshot is required")
	}

	if err := snap.Key.Validate(); err != nil {
		return err
	}

	data, err := s.marshaler.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	stream, err := s.store.GetStream(ctx, snap.Key.StreamID()+StreamSuffix)
	if err != nil {
		return fmt.Errorf("finding snapshot stream: %w", err)
	}

	version, err := stream.Version(ctx)
	if err != nil {
		return fmt.Errorf("reading snapshot stream version: %w", err)
	}

	if version > 0 {
		latest, err := s.ReadSnapshot(ctx, snap.Key, ReadSnapshotOptions{})
		if err != nil {
			return err
		}

		if snap.AggregateVersion <= latest.AggregateVersion {
			return StaleSnapshotError{Key: snap.Key, Version: snap.AggregateVersion, LatestVersion: latest.AggregateVersion}
		}
	}

	if _, err := stream.AddItemsExpecting(ctx, []eventstore.Item{{
		IdempotencyKey: fmt.Sprintf("v%d", snap.AggregateVersion),
		Data:           data,
	}}, version); err != nil {
		return fmt.Errorf("appending snapshot stream: %w", err)
	}

	s.log.Debug("wrote snapshot", "stream_id", stream.ID(), "aggregate_version", snap.AggregateVersion)

	return nil
}
