// Package orders is a small Order aggregate used by the examples and tests.
package orders

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-estoria/chronicle/aggregate"
	"github.com/go-estoria/chronicle/metadata"
)

// AggregateName is the name Order aggregates are registered under.
const AggregateName = "Order"

// A Status is the lifecycle stage of an order.
type Status string

const (
	StatusOpen    Status = "open"
	StatusShipped Status = "shipped"
)

// An Order is the state of one order.
type Order struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Lines    []Line `json:"lines"`
	Total    int64  `json:"total"`
	Status   Status `json:"status"`
}

// A Line is one SKU on an order.
type Line struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

var _ aggregate.Aggregate = Order{}

func (o Order) AggregateName() string { return AggregateName }
func (o Order) AggregateID() string   { return o.ID }
func (o Order) IsInitialized() bool   { return o.Status != "" }

// OrderStarted opens an order.
type OrderStarted struct {
	Customer string `json:"customer"`
}

func (OrderStarted) EventType() string { return "OrderStarted" }

// ItemAdded adds units of a SKU.
type ItemAdded struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

func (ItemAdded) EventType() string { return "ItemAdded" }

// ItemRemoved removes a SKU entirely. Version 2 carries the reason.
type ItemRemoved struct {
	SKU    string `json:"sku"`
	Reason string `json:"reason,omitempty"`
}

func (ItemRemoved) EventType() string               { return "ItemRemoved" }
func (ItemRemoved) EventVersion() metadata.Version { return metadata.Version{Major: 2} }

// OrderShipped closes an order.
type OrderShipped struct {
	Carrier string `json:"carrier"`
}

func (OrderShipped) EventType() string { return "OrderShipped" }

// OrderRefunded is part of the order vocabulary but not handled yet.
type OrderRefunded struct {
	Amount int64 `json:"amount"`
}

func (OrderRefunded) EventType() string { return "OrderRefunded" }

var (
	ErrOrderShipped    = errors.New("order already shipped")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// NewMachine returns the Order state machine.
func NewMachine() (*aggregate.Machine[Order], error) {
	return aggregate.NewMachine(AggregateName, func() Order { return Order{} },
		aggregate.Initializer(start),
		aggregate.On(addItem),
		aggregate.On(removeItem),
		aggregate.On(ship),
		aggregate.Recognize[Order, OrderRefunded](),
	)
}

// Event addresses a payload to the order with the given id.
func Event(id string, payload aggregate.Payload) aggregate.Event {
	return aggregate.NewEvent(AggregateName, id, payload)
}

func start(id string, e OrderStarted) (Order, error) {
	if e.Customer == "" {
		return Order{}, errors.New("customer is required")
	}

	return Order{ID: id, Customer: e.Customer, Status: StatusOpen}, nil
}

func addItem(o Order, e ItemAdded) (Order, error) {
	switch {
	case o.Status == StatusShipped:
		return o, ErrOrderShipped
	case e.Quantity <= 0:
		return o, ErrInvalidQuantity
	}

	lines := slices.Clone(o.Lines)
	i := slices.IndexFunc(lines, func(l Line) bool { return l.SKU == e.SKU })
	if i < 0 {
		lines = append(lines, Line{SKU: e.SKU, Quantity: e.Quantity, UnitPrice: e.UnitPrice})
	} else {
		lines[i].Quantity += e.Quantity
		lines[i].UnitPrice = e.UnitPrice
	}

	o.Lines = lines
	o.Total = total(lines)

	return o, nil
}

func removeItem(o Order, e ItemRemoved) (Order, error) {
	if o.Status == StatusShipped {
		return o, ErrOrderShipped
	}

	i := slices.IndexFunc(o.Lines, func(l Line) bool { return l.SKU == e.SKU })
	if i < 0 {
		return o, fmt.Errorf("sku %s is not on the order", e.SKU)
	}

	o.Lines = slices.Delete(slices.Clone(o.Lines), i, i+1)
	o.Total = total(o.Lines)

	return o, nil
}

func ship(o Order, _ OrderShipped) (Order, error) {
	if o.Status == StatusShipped {
		return o, ErrOrderShipped
	}

	if len(o.Lines) == 0 {
		return o, errors.New("cannot ship an empty order")
	}

	o.Status = StatusShipped
	return o, nil
}

func total(lines []Line) int64 {
	var sum int64
	for _, l := range lines {
		sum += int64(l.Quantity) * l.UnitPrice
	}

	return sum
}
