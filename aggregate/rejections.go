package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/go-estoria/chronicle/envelope"
	"github.com/go-estoria/chronicle/metadata"
)

// Type names of the events emitted in place of a rejected event.
const (
	EventRejectedType       = "EventRejected"
	InvalidEventAppliedType = "InvalidEventApplied"
)

// A RejectionCode classifies why an event was rejected.
type RejectionCode string

const (
	CodeAlreadyInitialized RejectionCode = "already_initialized"
	CodeNotInitialized     RejectionCode = "not_initialized"
	CodeAggregateMismatch  RejectionCode = "aggregate_mismatch"
	CodeNotImplemented     RejectionCode = "not_implemented"
	CodeHandlerRejected    RejectionCode = "handler_rejected"
	CodeStateMismatch      RejectionCode = "state_mismatch"
)

// EventRejected cancels an event the aggregate recognized but refused.
type EventRejected struct {
	RejectedType string        `json:"rejectedType"`
	Code         RejectionCode `json:"code"`
	Reason       string        `json:"reason"`
}

// EventType returns the event type.
func (EventRejected) EventType() string { return EventRejectedType }

// InvalidEventApplied reports an event whose type the aggregate does not recognize.
type InvalidEventApplied struct {
	TypeName string          `json:"typeName"`
	Payload  json.RawMessage `json:"payload"`
}

// EventType returns the event type.
func (InvalidEventApplied) EventType() string { return InvalidEventAppliedType }

// RegisterRejections registers the rejection payload types with an envelope registry.
func RegisterRejections(r *envelope.Registry) error {
	if err := envelope.RegisterType[EventRejected](r, EventRejectedType, metadata.V1); err != nil {
		return err
	}

	return envelope.RegisterType[InvalidEventApplied](r, InvalidEventAppliedType, metadata.V1)
}

func reject(state Aggregate, aggregateName string, event Event, code RejectionCode, reason string) ApplyResult {
	return ApplyResult{
		State:    state,
		Events:   []Event{NewEvent(aggregateName, rejectionTarget(state, event), EventRejected{RejectedType: event.Type(), Code: code, Reason: reason})},
		Rejected: true,
	}
}

func invalid(state Aggregate, aggregateName string, event Event) ApplyResult {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		payload, _ = json.Marshal(fmt.Sprintf("%#v", event.Payload))
	}

	return ApplyResult{
		State:    state,
		Events:   []Event{NewEvent(aggregateName, rejectionTarget(state, event), InvalidEventApplied{TypeName: typeName(event), Payload: payload})},
		Rejected: true,
	}
}

// rejectionTarget addresses a rejection to the aggregate it was applied to.
func rejectionTarget(state Aggregate, event Event) string {
	if state != nil && state.AggregateID() != "" {
		return state.AggregateID()
	}

	return event.AggregateID
}

func typeName(event Event) string {
	if name := event.Type(); name != "" {
		return name
	}

	return fmt.Sprintf("%T", event.Payload)
}
