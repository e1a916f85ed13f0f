package orders_test

import (
	"testing"

	"github.com/go-estoria/chronicle/aggregate"
	"github.com/go-estoria/chronicle/internal/orders"
)

func TestOrder_Rules(t *testing.T) {
	machine, err := orders.NewMachine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	started, err := aggregate.Fold(machine, nil,
		orders.Event("o1", orders.OrderStarted{Customer: "ada"}),
		orders.Event("o1", orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 10}),
		orders.Event("o1", orders.ItemAdded{SKU: "b", Quantity: 2, UnitPrice: 5}),
	)
	if err != nil {
		t.Fatalf("unexpected fold error: %v", err)
	}

	for _, tt := range []struct {
		name         string
		payload      aggregate.Payload
		wantRejected bool
		wantTotal    int64
		wantStatus   orders.Status
	}{
		{
			name:       "add merges an existing line",
			payload:    orders.ItemAdded{SKU: "a", Quantity: 2, UnitPrice: 10},
			wantTotal:  40,
			wantStatus: orders.StatusOpen,
		},
		{
			name:         "add rejects a non-positive quantity",
			payload:      orders.ItemAdded{SKU: "c", Quantity: 0, UnitPrice: 1},
			wantRejected: true,
			wantTotal:    20,
			wantStatus:   orders.StatusOpen,
		},
		{
			name:       "remove drops the line",
			payload:    orders.ItemRemoved{SKU: "b", Reason: "changed mind"},
			wantTotal:  10,
			wantStatus: orders.StatusOpen,
		},
		{
			name:         "remove rejects an unknown sku",
			payload:      orders.ItemRemoved{SKU: "z"},
			wantRejected: true,
			wantTotal:    20,
			wantStatus:   orders.StatusOpen,
		},
		{
			name:       "ship closes the order",
			payload:    orders.OrderShipped{Carrier: "post"},
			wantTotal:  20,
			wantStatus: orders.StatusShipped,
		},
		{
			name:         "refund is recognized but not handled",
			payload:      orders.OrderRefunded{Amount: 5},
			wantRejected: true,
			wantTotal:    20,
			wantStatus:   orders.StatusOpen,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			result := machine.Apply(started, orders.Event("o1", tt.payload))
			if result.Rejected != tt.wantRejected {
				t.Fatalf("unexpected rejected: wanted %v got %v (%+v)", tt.wantRejected, result.Rejected, result.Events)
			}

			order := result.State.(orders.Order)
			if order.Total != tt.wantTotal {
				t.Errorf("unexpected total: wanted %d got %d", tt.wantTotal, order.Total)
			}

			if order.Status != tt.wantStatus {
				t.Errorf("unexpected status: wanted %s got %s", tt.wantStatus, order.Status)
			}
		})
	}

	// the original state is a value and is never modified
	if order := started.(orders.Order); len(order.Lines) != 2 || order.Total != 20 {
		t.Errorf("folded state was mutated: %+v", order)
	}
}

func TestOrder_ShippedIsFinal(t *testing.T) {
	machine, err := orders.NewMachine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shipped, err := aggregate.Fold(machine, nil,
		orders.Event("o1", orders.OrderStarted{Customer: "ada"}),
		orders.Event("o1", orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 10}),
		orders.Event("o1", orders.OrderShipped{}),
	)
	if err != nil {
		t.Fatalf("unexpected fold error: %v", err)
	}

	for _, payload := range []aggregate.Payload{
		orders.ItemAdded{SKU: "b", Quantity: 1, UnitPrice: 1},
		orders.ItemRemoved{SKU: "a"},
		orders.OrderShipped{},
	} {
		if result := machine.Apply(shipped, orders.Event("o1", payload)); !result.Rejected {
			t.Errorf("expected %s on a shipped order to be rejected", payload.EventType())
		}
	}

	if _, err := aggregate.Fold(machine, nil, orders.Event("o1", orders.OrderShipped{})); err == nil {
		t.Error("expected replay of an uninitialized ship to fail")
	}
}
