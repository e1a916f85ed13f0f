package aggregate_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/go-estoria/chronicle/aggregate"
	"github.com/go-estoria/chronicle/envelope"
	"github.com/go-estoria/chronicle/internal/orders"
)

func TestRegistry(t *testing.T) {
	m := newOrderMachine(t)
	invoices, err := aggregate.NewMachine("Invoice", func() invoice { return invoice{} },
		aggregate.Initializer(func(string, couponApplied) (invoice, error) { return invoice{}, nil }),
	)
	if err != nil {
		t.Fatalf("NewMachine() error: %v", err)
	}

	registry, err := aggregate.NewRegistry(m, invoices)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	t.Run("creates a fresh aggregate", func(t *testing.T) {
		got, err := registry.Create(orders.AggregateName)
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}

		if got.IsInitialized() {
			t.Errorf("created aggregate is initialized: %+v", got)
		}

		if _, ok := got.(orders.Order); !ok {
			t.Errorf("unexpected aggregate type %T", got)
		}
	})

	t.Run("returns the concrete type", func(t *testing.T) {
		got, err := registry.GetType(orders.AggregateName)
		if err != nil {
			t.Fatalf("GetType() error: %v", err)
		}

		if got != reflect.TypeFor[orders.Order]() {
			t.Errorf("unexpected type: wanted orders.Order got %v", got)
		}
	})

	t.Run("names every registered aggregate on unknown names", func(t *testing.T) {
		_, err := registry.Create("Shipment")

		var unknown aggregate.UnknownAggregateError
		if !errors.As(err, &unknown) {
			t.Fatalf("unexpected error: wanted UnknownAggregateError got %v", err)
		}

		for _, want := range []string{`"Shipment"`, "Invoice", "Order"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not mention %s", err, want)
			}
		}

		if _, err := registry.GetType("Shipment"); !errors.As(err, &unknown) {
			t.Errorf("unexpected GetType() error: %v", err)
		}
	})

	t.Run("registers every event type", func(t *testing.T) {
		types := envelope.NewRegistry()
		if err := registry.RegisterEvents(types); err != nil {
			t.Fatalf("RegisterEvents() error: %v", err)
		}

		// five order events, one invoice event, two rejection events
		if got := len(types.Types()); got != 8 {
			t.Errorf("unexpected number of types: wanted 8 got %d", got)
		}
	})
}

func TestNewRegistry_Duplicate(t *testing.T) {
	m := newOrderMachine(t)

	_, err := aggregate.NewRegistry(m, m)

	var dup aggregate.DuplicateAggregateError
	if !errors.As(err, &dup) || dup.Name != orders.AggregateName {
		t.Errorf("unexpected error: wanted DuplicateAggregateError got %v", err)
	}
}
