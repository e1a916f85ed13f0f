// Package snapshotstore persists serialized aggregate state so that loading an aggregate
// can start from a snapshot and replay only the events appended after it.
package snapshotstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-estoria/chronicle/address"
)

// An AggregateSnapshot is the serialized state of an aggregate at a specific version.
type AggregateSnapshot struct {
	Key              address.Key
	AggregateVersion int64
	Timestamp        time.Time
	Data             json.RawMessage
}

// ErrSnapshotNotFound is returned when no snapshot satisfies a read.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// A SnapshotReader reads snapshots.
type SnapshotReader interface {
	// ReadSnapshot returns the newest snapshot for key, or ErrSnapshotNotFound.
	ReadSnapshot(ctx context.Context, key address.Key, opts ReadSnapshotOptions) (*AggregateSnapshot, error)
}

// A SnapshotWriter writes snapshots.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, snap *AggregateSnapshot) error
}

// A Store reads and writes snapshots.
type Store interface {
	SnapshotReader
	SnapshotWriter
}

// ReadSnapshotOptions narrows a snapshot read.
type ReadSnapshotOptions struct {
	// MaxVersion, when positive, excludes snapshots taken after that aggregate version.
	MaxVersion int64
}

// A SnapshotPolicy decides whether an append warrants a new snapshot.
type SnapshotPolicy interface {
	ShouldSnapshot(key address.Key, previousVersion, newVersion int64, timestamp time.Time) bool
}

// An EventCountSnapshotPolicy takes a snapshot whenever an append crosses a multiple of N.
// If N is 0, no snapshots are taken.
type EventCountSnapshotPolicy struct {
	N int64
}

// ShouldSnapshot reports whether (previousVersion, newVersion] contains a multiple of N.
func (p EventCountSnapshotPolicy) ShouldSnapshot(_ address.Key, previousVersion, newVersion int64, _ time.Time) bool {
	return p.N > 0 && newVersion/p.N > previousVersion/p.N
}

// A RetentionPolicy determines which snapshots a store keeps.
type RetentionPolicy interface {
	// ShouldRetain returns true if the snapshot should be retained.
	ShouldRetain(snap *AggregateSnapshot, snapshotIndex, totalSnapshots int64) bool
}

// A MaxSnapshotsRetentionPolicy retains the last N snapshots. N of 0 retains all of them.
type MaxSnapshotsRetentionPolicy struct {
	N int64
}

func (p MaxSnapshotsRetentionPolicy) ShouldRetain(_ *AggregateSnapshot, snapshotIndex, totalSnapshots int64) bool {
	return p.N == 0 || snapshotIndex >= totalSnapshots-p.N
}

// A MinAggregateVersionRetentionPolicy retains snapshots at or above MinVersion.
type MinAggregateVersionRetentionPolicy struct {
	MinVersion int64
}

func (p MinAggregateVersionRetentionPolicy) ShouldRetain(snap *AggregateSnapshot, _, _ int64) bool {
	return snap.AggregateVersion >= p.MinVersion
}

// A StaleSnapshotError is returned when a written snapshot is not newer than the latest
// stored one.
type StaleSnapshotError struct {
	Key           address.Key
	Version       int64
	LatestVersion int64
}

// Error returns the error message.
func (e StaleSnapshotError) Error() string {
	return "snapshot for " + e.Key.String() + " is not newer than the stored snapshot"
}

func pick(snapshots []AggregateSnapshot, maxVersion int64) (*AggregateSnapshot, bool) {
	for i := len(snapshots) - 1; i >= 0; i-- {
		if maxVersion <= 0 || snapshots[i].AggregateVersion <= maxVersion {
			snap := snapshots[i]
			return &snap, true
		}
	}

	return nil, false
}
