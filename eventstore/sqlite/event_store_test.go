package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/eventstore"
	"github.com/go-estoria/chronicle/eventstore/eventstoretest"
	"github.com/go-estoria/chronicle/eventstore/sqlite"
)

func openStore(t *testing.T, path string) *sqlite.EventStore {
	t.Helper()

	store, err := sqlite.Open(path, sqlite.WithLogger(chronicle.NopLogger()))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEventStore(t *testing.T) {
	eventstoretest.Run(t, func(t *testing.T) eventstore.Store {
		return openStore(t, filepath.Join(t.TempDir(), "events.db"))
	})
}

func TestEventStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	first := openStore(t, path)
	stream, err := first.GetStream(ctx, "Order|O1")
	if err != nil {
		t.Fatalf("GetStream() error: %v", err)
	}

	if _, err := stream.AddItems(ctx, []eventstore.Item{{IdempotencyKey: "cmd-1", Data: []byte(`{"n":1}`)}}); err != nil {
		t.Fatalf("AddItems() error: %v", err)
	}

	_ = first.Close()

	second := openStore(t, path)
	stream, err = second.GetStream(ctx, "Order|O1")
	if err != nil {
		t.Fatalf("GetStream() after reopen error: %v", err)
	}

	if v, err := stream.Version(ctx); err != nil || v != 1 {
		t.Fatalf("unexpected version after reopen: wanted 1 got %d (err %v)", v, err)
	}

	_, err = stream.AddItems(ctx, []eventstore.Item{{IdempotencyKey: "cmd-1", Data: []byte(`{"n":1}`)}})
	if !errors.Is(err, eventstore.ErrDuplicateItem) {
		t.Errorf("unexpected error: wanted %v got %v", eventstore.ErrDuplicateItem, err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	var initErr eventstore.InitializationError
	if _, err := sqlite.Open("  "); !errors.As(err, &initErr) {
		t.Errorf("unexpected error: wanted InitializationError got %v", err)
	}
}
