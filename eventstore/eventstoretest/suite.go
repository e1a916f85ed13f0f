// Package eventstoretest holds behavior tests shared by every eventstore.Store implementation.
package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-estoria/chronicle/eventstore"
)

// A StoreFactory creates an empty store for one test.
type StoreFactory func(t *testing.T) eventstore.Store

// Run runs the shared stream store tests against stores created by newStore.
func Run(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("appends and reads items in sequence", func(t *testing.T) { testAppendRead(t, newStore(t)) })
	t.Run("enforces the expected version", func(t *testing.T) { testExpectedVersion(t, newStore(t)) })
	t.Run("lets exactly one concurrent append win", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("detects idempotent replays", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("rejects batches atomically", func(t *testing.T) { testAtomicBatch(t, newStore(t)) })
	t.Run("reads item ranges", func(t *testing.T) { testRanges(t, newStore(t)) })
	t.Run("keeps streams independent", func(t *testing.T) { testIndependentStreams(t, newStore(t)) })
	t.Run("rejects items without data", func(t *testing.T) { testEmptyItems(t, newStore(t)) })
	t.Run("looks up items by idempotency key", func(t *testing.T) { testLookup(t, newStore(t)) })
}

func getStream(t *testing.T, store eventstore.Store, id string) eventstore.Stream {
	t.Helper()

	stream, err := store.GetStream(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStream(%s) error: %v", id, err)
	}

	return stream
}

func items(keysAndData ...string) []eventstore.Item {
	out := make([]eventstore.Item, 0, len(keysAndData)/2)
	for i := 0; i+1 < len(keysAndData); i += 2 {
		out = append(out, eventstore.Item{IdempotencyKey: keysAndData[i], Data: []byte(keysAndData[i+1])})
	}

	return out
}

func testAppendRead(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	stream := getStream(t, store, "Order|O1")

	if v, err := stream.Version(ctx); err != nil || v != 0 {
		t.Fatalf("unexpected initial version: wanted 0 got %d (err %v)", v, err)
	}

	for i, batch := range [][]eventstore.Item{
		items("", "one"),
		items("", "two", "", "three"),
		items("k4", "four"),
	} {
		if _, err := stream.AddItems(ctx, batch); err != nil {
			t.Fatalf("AddItems() error (batch %d): %v", i, err)
		}
	}

	got, err := stream.GetAllItems(ctx)
	if err != nil {
		t.Fatalf("GetAllItems() error: %v", err)
	}

	want := []string{"one", "two", "three", "four"}
	if len(got) != len(want) {
		t.Fatalf("unexpected number of items: wanted %d got %d", len(want), len(got))
	}

	for i, item := range got {
		if item.Sequence != int64(i+1) {
			t.Errorf("unexpected sequence: wanted %d got %d", i+1, item.Sequence)
		}

		if string(item.Data) != want[i] {
			t.Errorf("unexpected data at %d: wanted %s got %s", i+1, want[i], item.Data)
		}

		if item.StreamID != stream.ID() {
			t.Errorf("unexpected stream ID: wanted %s got %s", stream.ID(), item.StreamID)
		}

		if item.Timestamp.IsZero() {
			t.Errorf("unexpected empty timestamp at %d", i+1)
		}
	}

	if got[3].IdempotencyKey != "k4" {
		t.Errorf("unexpected idempotency key: wanted k4 got %q", got[3].IdempotencyKey)
	}

	if _, err := stream.AddItems(ctx, nil); !errors.Is(err, eventstore.ErrEmptyBatch) {
		t.Errorf("unexpected empty batch error: wanted %v got %v", eventstore.ErrEmptyBatch, err)
	}
}

func testExpectedVersion(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	stream := getStream(t, store, "Order|O1")

	for _, step := range []struct {
		name        string
		data        string
		expected    int64
		wantVersion int64
		wantErr     error
	}{
		{name: "OrderStarted at 0", data: "OrderStarted", expected: 0, wantVersion: 1},
		{
			name:     "OrderStarted again at 0",
			data:     "OrderStarted",
			expected: 0,
			wantErr:  eventstore.ConcurrencyConflictError{StreamID: stream.ID(), ExpectedVersion: 0, ActualVersion: 1},
		},
		{name: "ItemAdded at 1", data: "ItemAdded", expected: 1, wantVersion: 2},
		{
			name:     "ahead of the stream",
			data:     "ItemAdded",
			expected: 5,
			wantErr:  eventstore.ConcurrencyConflictError{StreamID: stream.ID(), ExpectedVersion: 5, ActualVersion: 2},
		},
	} {
		got, err := stream.AddItemsExpecting(ctx, items("", step.data), step.expected)
		if step.wantErr != nil {
			var conflict eventstore.ConcurrencyConflictError
			if !errors.As(err, &conflict) || conflict != step.wantErr {
				t.Errorf("%s: unexpected error: wanted %v got %v", step.name, step.wantErr, err)
			}

			continue
		}

		if err != nil {
			t.Fatalf("%s: unexpected error: %v", step.name, err)
		}

		if got != step.wantVersion {
			t.Errorf("%s: unexpected version: wanted %d got %d", step.name, step.wantVersion, got)
		}
	}

	if v, _ := stream.Version(ctx); v != 2 {
		t.Errorf("unexpected final version: wanted 2 got %d", v)
	}
}

func testConcurrentAppend(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	stream := getStream(t, store, "Order|race")
	if _, err := stream.AddItems(ctx, items("", "seed")); err != nil {
		t.Fatalf("seeding stream: %v", err)
	}

	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)

	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			s, err := store.GetStream(ctx, "Order|race")
			if err == nil {
				_, err = s.AddItemsExpecting(ctx, items("", fmt.Sprintf("writer-%d", i)), 1)
			}

			mu.Lock()
			defer mu.Unlock()

			var conflict eventstore.ConcurrencyConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &conflict):
				conflicts++
				if conflict.ActualVersion != 2 {
					others = append(others, fmt.Errorf("conflict reported version %d", conflict.ActualVersion))
				}
			default:
				others = append(others, err)
			}
		}()
	}

	wg.Wait()

	if wins != 1 || conflicts != writers-1 || len(others) > 0 {
		t.Errorf("unexpected outcome: wins=%d conflicts=%d errors=%v", wins, conflicts, others)
	}

	if v, _ := stream.Version(ctx); v != 2 {
		t.Errorf("unexpected version: wanted 2 got %d", v)
	}
}

func testIdempotency(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	stream := getStream(t, store, "Order|idem")

	if _, err := stream.AddItems(ctx, items("cmd-1", "payload")); err != nil {
		t.Fatalf("first append: %v", err)
	}

	for _, tt := range []struct {
		name     string
		have     []eventstore.Item
		wantIs   error
		wantSeq  int64
		wantOrig string
	}{
		{
			name:     "identical replay",
			have:     items("cmd-1", "payload"),
			wantIs:   eventstore.ErrDuplicateItem,
			wantSeq:  1,
			wantOrig: "payload",
		},
		{
			name:     "same key different payload",
			have:     items("cmd-1", "other"),
			wantIs:   eventstore.ErrConflictingDuplicate,
			wantSeq:  1,
			wantOrig: "payload",
		},
		{
			name:     "repeated key inside one batch",
			have:     items("cmd-2", "a", "cmd-2", "a"),
			wantIs:   eventstore.ErrConflictingDuplicate,
			wantOrig: "a",
		},
	} {
		_, err := stream.AddItemsExpecting(ctx, tt.have, 1)

		var conflict eventstore.IdempotencyConflictError
		if !errors.As(err, &conflict) {
			t.Errorf("%s: unexpected error: wanted IdempotencyConflictError got %v", tt.name, err)
			continue
		}

		if !errors.Is(err, tt.wantIs) {
			t.Errorf("%s: unexpected error kind: wanted %v got %v", tt.name, tt.wantIs, err)
		}

		if conflict.Sequence != tt.wantSeq {
			t.Errorf("%s: unexpected sequence: wanted %d got %d", tt.name, tt.wantSeq, conflict.Sequence)
		}

		if string(conflict.Original) != tt.wantOrig {
			t.Errorf("%s: unexpected original payload: wanted %s got %s", tt.name, tt.wantOrig, conflict.Original)
		}
	}

	all, err := stream.GetAllItems(ctx)
	if err != nil {
		t.Fatalf("GetAllItems() error: %v", err)
	}

	if len(all) != 1 {
		t.Errorf("unexpected number of items: wanted 1 got %d", len(all))
	}
}

func testAtomicBatch(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	stream := getStream(t, store, "Order|atomic")

	if _, err := stream.AddItems(ctx, items("k1", "one")); err != nil {
		t.Fatalf("seeding stream: %v", err)
	}

	if _, err := stream.AddItems(ctx, items("k2", "two", "k1", "one-again", "k3", "three")); err == nil {
		t.Fatalf("expected idempotency conflict")
	}

	if _, err := stream.AddItemsExpecting(ctx, items("k4", "four", "k5", "five"), 0); err == nil {
		t.Fatalf("expected concurrency conflict")
	}

	all, err := stream.GetAllItems(ctx)
	if err != nil {
		t.Fatalf("GetAllItems() error: %v", err)
	}

	if len(all) != 1 {
		t.Errorf("partial append: wanted 1 item got %d", len(all))
	}

	if v, err := stream.AddItems(ctx, items("k2", "two")); err != nil || v != 2 {
		t.Errorf("key from rejected batch should be usable: version %d err %v", v, err)
	}
}

func testRanges(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	stream := getStream(t, store, "Order|ranges")
	if _, err := stream.AddItems(ctx, items("", "1", "", "2", "", "3", "", "4", "", "5")); err != nil {
		t.Fatalf("seeding stream: %v", err)
	}

	for _, tt := range []struct {
		name        string
		first, last int64
		want        []string
	}{
		{name: "middle", first: 2, last: 4, want: []string{"2", "3", "4"}},
		{name: "open ended", first: 4, last: 0, want: []string{"4", "5"}},
		{name: "clamped", first: 0, last: 99, want: []string{"1", "2", "3", "4", "5"}},
		{name: "single", first: 5, last: 5, want: []string{"5"}},
		{name: "past the end", first: 6, last: 0, want: nil},
		{name: "inverted", first: 4, last: 2, want: nil},
	} {
		got, err := stream.GetItems(ctx, tt.first, tt.last)
		if err != nil {
			t.Fatalf("%s: GetItems() error: %v", tt.name, err)
		}

		if len(got) != len(tt.want) {
			t.Errorf("%s: unexpected number of items: wanted %d got %d", tt.name, len(tt.want), len(got))
			continue
		}

		for i, item := range got {
			if string(item.Data) != tt.want[i] {
				t.Errorf("%s: unexpected item %d: wanted %s got %s", tt.name, i, tt.want[i], item.Data)
			}
		}
	}
}

func testIndependentStreams(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	a := getStream(t, store, "Order|A")
	b := getStream(t, store, "Order|B")

	if _, err := a.AddItemsExpecting(ctx, items("same-key", "a"), 0); err != nil {
		t.Fatalf("append to A: %v", err)
	}

	if _, err := b.AddItemsExpecting(ctx, items("same-key", "b"), 0); err != nil {
		t.Fatalf("idempotency keys must be scoped per stream: %v", err)
	}

	if v, _ := b.Version(ctx); v != 1 {
		t.Errorf("unexpected version of B: wanted 1 got %d", v)
	}
}

func testEmptyItems(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	stream := getStream(t, store, "Order|empty")

	for _, tt := range []struct {
		name string
		have []eventstore.Item
	}{
		{name: "zero item", have: []eventstore.Item{{}}},
		{name: "keyed item without data", have: []eventstore.Item{{IdempotencyKey: "k1"}}},
		{name: "empty data after a valid item", have: []eventstore.Item{{Data: []byte("one")}, {Data: []byte{}}}},
	} {
		if _, err := stream.AddItems(ctx, tt.have); !errors.Is(err, eventstore.ErrEmptyItem) {
			t.Errorf("%s: unexpected error: wanted %v got %v", tt.name, eventstore.ErrEmptyItem, err)
		}
	}

	if v, _ := stream.Version(ctx); v != 0 {
		t.Errorf("unexpected version: wanted 0 got %d", v)
	}
}

func testLookup(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	stream := getStream(t, store, "Order|lookup")

	if _, err := stream.AddItems(ctx, items("", "zero", "cmd-1", "one", "cmd-1/1", "two")); err != nil {
		t.Fatalf("seeding stream: %v", err)
	}

	for _, tt := range []struct {
		name     string
		key      string
		wantSeq  int64
		wantData string
		wantErr  error
	}{
		{name: "first key", key: "cmd-1", wantSeq: 2, wantData: "one"},
		{name: "second key", key: "cmd-1/1", wantSeq: 3, wantData: "two"},
		{name: "unknown key", key: "cmd-2", wantErr: eventstore.ErrItemNotFound},
		{name: "empty key", key: "", wantErr: eventstore.ErrItemNotFound},
	} {
		item, err := stream.GetItemByIdempotencyKey(ctx, tt.key)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%s: unexpected error: wanted %v got %v", tt.name, tt.wantErr, err)
			}

			continue
		}

		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}

		if item.Sequence != tt.wantSeq || string(item.Data) != tt.wantData || item.IdempotencyKey != tt.key {
			t.Errorf("%s: unexpected item: %+v", tt.name, item)
		}

		if item.StreamID != "Order|lookup" {
			t.Errorf("%s: unexpected stream ID: %q", tt.name, item.StreamID)
		}
	}

	other := getStream(t, store, "Order|lookup-other")
	if _, err := other.GetItemByIdempotencyKey(ctx, "cmd-1"); !errors.Is(err, eventstore.ErrItemNotFound) {
		t.Errorf("idempotency keys must be scoped per stream: %v", err)
	}
}
