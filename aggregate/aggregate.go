// Package aggregate defines the aggregate state-machine contract, the event application
// protocol and the registry mapping aggregate names to their definitions.
package aggregate

import (
	"github.com/go-estoria/chronicle/metadata"
)

// An Aggregate is the reconstructed state of one business entity. Implementations are
// values: Apply never mutates a state, it returns the next one.
type Aggregate interface {
	AggregateName() string
	AggregateID() string
	IsInitialized() bool
}

// A Payload is the typed body of a domain event.
type Payload interface {
	EventType() string
}

// A VersionedPayload declares the version of its type. Payloads without it are version 1.0.
type VersionedPayload interface {
	Payload
	EventVersion() metadata.Version
}

// An Event is an immutable fact about one aggregate.
type Event struct {
	AggregateName string
	AggregateID   string
	Version       metadata.Version
	Payload       Payload
}

// NewEvent creates an event, taking the version from the payload when it declares one.
func NewEvent(aggregateName, aggregateID string, payload Payload) Event {
	return Event{
		AggregateName: aggregateName,
		AggregateID:   aggregateID,
		Version:       PayloadVersion(payload),
		Payload:       payload,
	}
}

// Type returns the event's type name, or "" when it has no payload.
func (e Event) Type() string {
	if e.Payload == nil {
		return ""
	}

	return e.Payload.EventType()
}

// PayloadVersion returns the declared version of a payload, defaulting to 1.0.
func PayloadVersion(p Payload) metadata.Version {
	if v, ok := p.(VersionedPayload); ok {
		return v.EventVersion()
	}

	return metadata.V1
}

// ApplyResult is the outcome of applying one event. When Rejected is true, State is the
// prior state unchanged and Events holds a single cancellation or diagnostic event.
type ApplyResult struct {
	State    Aggregate
	Events   []Event
	Rejected bool
}

// Rejection returns the rejection payload of a rejected result.
func (r ApplyResult) Rejection() (Payload, bool) {
	if !r.Rejected || len(r.Events) == 0 {
		return nil, false
	}

	return r.Events[0].Payload, true
}
