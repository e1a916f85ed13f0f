// Package statestoretest runs a shared conformance suite against statestore backends.
package statestoretest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-estoria/chronicle/statestore"
)

// A BackendFactory creates an empty backend for one subtest.
type BackendFactory func(t *testing.T) statestore.Backend

// Run exercises the backend contract.
func Run(t *testing.T, newBackend BackendFactory) {
	t.Helper()

	t.Run("missing key", func(t *testing.T) {
		backend := newBackend(t)
		if _, err := backend.Load(context.Background(), "missing"); !errors.Is(err, statestore.ErrNotFound) {
			t.Errorf("unexpected error: wanted ErrNotFound got %v", err)
		}
	})

	t.Run("commit then load", func(t *testing.T) {
		backend := newBackend(t)
		ctx := context.Background()

		err := backend.Commit(ctx, []statestore.Change{
			{Key: "a", Value: []byte(`"one"`)},
			{Key: "b|c", Value: []byte(`{"n":2}`)},
		})
		if err != nil {
			t.Fatalf("unexpected commit error: %v", err)
		}

		for key, want := range map[string][]byte{"a": []byte(`"one"`), "b|c": []byte(`{"n":2}`)} {
			got, err := backend.Load(ctx, key)
			if err != nil {
				t.Fatalf("unexpected load error for %q: %v", key, err)
			}

			if !bytes.Equal(got, want) {
				t.Errorf("unexpected value for %q: wanted %s got %s", key, want, got)
			}
		}
	})

	t.Run("overwrite and delete", func(t *testing.T) {
		backend := newBackend(t)
		ctx := context.Background()

		if err := backend.Commit(ctx, []statestore.Change{{Key: "k", Value: []byte(`1`)}, {Key: "gone", Value: []byte(`1`)}}); err != nil {
			t.Fatalf("unexpected commit error: %v", err)
		}

		if err := backend.Commit(ctx, []statestore.Change{{Key: "k", Value: []byte(`2`)}, {Key: "gone", Delete: true}}); err != nil {
			t.Fatalf("unexpected commit error: %v", err)
		}

		got, err := backend.Load(ctx, "k")
		if err != nil {
			t.Fatalf("unexpected load error: %v", err)
		}

		if string(got) != "2" {
			t.Errorf("unexpected value: wanted 2 got %s", got)
		}

		if _, err := backend.Load(ctx, "gone"); !errors.Is(err, statestore.ErrNotFound) {
			t.Errorf("unexpected error for deleted key: wanted ErrNotFound got %v", err)
		}
	})

	t.Run("delete of missing key", func(t *testing.T) {
		backend := newBackend(t)
		if err := backend.Commit(context.Background(), []statestore.Change{{Key: "nope", Delete: true}}); err != nil {
			t.Errorf("unexpected commit error: %v", err)
		}
	})

	t.Run("loaded values are not aliased", func(t *testing.T) {
		backend := newBackend(t)
		ctx := context.Background()

		value := []byte(`"abc"`)
		if err := backend.Commit(ctx, []statestore.Change{{Key: "k", Value: value}}); err != nil {
			t.Fatalf("unexpected commit error: %v", err)
		}

		value[1] = 'z'

		got, err := backend.Load(ctx, "k")
		if err != nil {
			t.Fatalf("unexpected load error: %v", err)
		}

		got[1] = 'y'

		again, err := backend.Load(ctx, "k")
		if err != nil {
			t.Fatalf("unexpected load error: %v", err)
		}

		if string(again) != `"abc"` {
			t.Errorf("unexpected value: wanted %s got %s", `"abc"`, again)
		}
	})
}
