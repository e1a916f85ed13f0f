package aggregate

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/envelope"
)

// A Provider knows how to create, evolve and serialize one kind of aggregate.
type Provider interface {
	// Name returns the aggregate name.
	Name() string

	// New returns a fresh, uninitialized aggregate.
	New() Aggregate

	// Type returns the concrete type of the aggregate.
	Type() reflect.Type

	// Apply applies one event to a state. It never fails: refusals are reported in the result.
	Apply(state Aggregate, event Event) ApplyResult

	// EventTypes returns the event types the aggregate recognizes.
	EventTypes() []envelope.TypeKey

	// RegisterEvents registers the recognized event payloads with an envelope registry.
	RegisterEvents(r *envelope.Registry) error

	// MarshalState serializes a state for snapshots.
	MarshalState(state Aggregate) ([]byte, error)

	// UnmarshalState restores a state serialized by MarshalState.
	UnmarshalState(data []byte) (Aggregate, error)
}

// InitFunc builds the first state of an aggregate from its initializer event.
type InitFunc[S Aggregate] func(id string, event Event) (S, error)

// HandlerFunc computes the next state for one event. A returned error rejects the event.
type HandlerFunc[S Aggregate] func(state S, event Event) (S, error)

type eventType struct {
	key      envelope.TypeKey
	register func(r *envelope.Registry) error
}

// A Machine is a Provider for aggregates of type S, dispatching events by type name to
// per-event handlers. S should be a value type.
type Machine[S Aggregate] struct {
	name        string
	newState    func() S
	initializer string
	init        InitFunc[S]
	handlers    map[string]HandlerFunc[S]
	types       map[string]eventType
	marshaler   chronicle.Marshaler[S, *S]
}

var _ Provider = (*Machine[Aggregate])(nil)

// NewMachine creates a state machine for aggregates named name. An initializer is required.
func NewMachine[S Aggregate](name string, newState func() S, opts ...MachineOption[S]) (*Machine[S], error) {
	m := &Machine[S]{
		name:      name,
		newState:  newState,
		handlers:  map[string]HandlerFunc[S]{},
		types:     map[string]eventType{},
		marshaler: chronicle.JSONMarshaler[S]{},
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, chronicle.ConfigurationError{Component: "aggregate machine", Key: name, Err: err}
		}
	}

	switch {
	case name == "":
		return nil, chronicle.ConfigurationError{Component: "aggregate machine", Err: errors.New("aggregate name is required")}
	case newState == nil:
		return nil, chronicle.ConfigurationError{Component: "aggregate machine", Key: name, Err: errors.New("state constructor is required")}
	case m.init == nil:
		return nil, chronicle.ConfigurationError{Component: "aggregate machine", Key: name, Err: errors.New("initializer is required")}
	}

	return m, nil
}

// Name returns the aggregate name.
func (m *Machine[S]) Name() string {
	return m.name
}

// New returns a fresh, uninitialized aggregate.
//
//nolint:ireturn // Deliberately an interface
func (m *Machine[S]) New() Aggregate {
	return m.newState()
}

// Type returns the concrete aggregate type.
func (m *Machine[S]) Type() reflect.Type {
	return reflect.TypeFor[S]()
}

// Initializer returns the type name of the initializer event.
func (m *Machine[S]) Initializer() string {
	return m.initializer
}

// EventTypes returns the recognized event types ordered by name.
func (m *Machine[S]) EventTypes() []envelope.TypeKey {
	keys := make([]envelope.TypeKey, 0, len(m.types))
	for _, t := range m.types {
		keys = append(keys, t.key)
	}

	slices.SortFunc(keys, func(a, b envelope.TypeKey) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return keys
}

// RegisterEvents registers every recognized payload type with r.
func (m *Machine[S]) RegisterEvents(r *envelope.Registry) error {
	for _, key := range m.EventTypes() {
		if err := m.types[key.Name].register(r); err != nil {
			return err
		}
	}

	return nil
}

// Apply applies an event to a state of type S. A nil state is treated as a fresh aggregate.
func (m *Machine[S]) Apply(state Aggregate, event Event) ApplyResult {
	if state == nil {
		state = m.newState()
	}

	typed, ok := state.(S)
	if !ok {
		return reject(state, m.name, event, CodeStateMismatch,
			fmt.Sprintf("state %T is not a %s aggregate", state, m.name))
	}

	return m.Transition(typed, event)
}

// Transition is the typed form of Apply.
func (m *Machine[S]) Transition(state S, event Event) ApplyResult {
	eventName := event.Type()

	if eventName == m.initializer && eventName != "" {
		if state.IsInitialized() {
			return reject(state, m.name, event, CodeAlreadyInitialized, "already initialized")
		}

		if reason, ok := m.mismatch(state, event); !ok {
			return reject(state, m.name, event, CodeAggregateMismatch, reason)
		}

		next, err := m.init(event.AggregateID, event)
		if err != nil {
			return reject(state, m.name, event, CodeHandlerRejected, err.Error())
		}

		return ApplyResult{State: next, Events: []Event{event}}
	}

	if _, ok := m.types[eventName]; !ok {
		return invalid(state, m.name, event)
	}

	if reason, ok := m.mismatch(state, event); !ok {
		return reject(state, m.name, event, CodeAggregateMismatch, reason)
	}

	if !state.IsInitialized() {
		return reject(state, m.name, event, CodeNotInitialized,
			fmt.Sprintf("aggregate is not initialized; the first event must be %s", m.initializer))
	}

	handler, ok := m.handlers[eventName]
	if !ok {
		return reject(state, m.name, event, CodeNotImplemented, "event not implemented")
	}

	next, err := handler(state, event)
	if err != nil {
		return reject(state, m.name, event, CodeHandlerRejected, err.Error())
	}

	return ApplyResult{State: next, Events: []Event{event}}
}

// mismatch reports whether the event is addressed to the given state.
func (m *Machine[S]) mismatch(state S, event Event) (string, bool) {
	if event.AggregateName != m.name {
		return fmt.Sprintf("event addressed to aggregate %q, applied to %q", event.AggregateName, m.name), false
	}

	if event.AggregateID == "" {
		return "event has no aggregate ID", false
	}

	if id := state.AggregateID(); id != "" && id != event.AggregateID {
		return fmt.Sprintf("event addressed to %s %q, applied to %q", m.name, event.AggregateID, id), false
	}

	return "", true
}

// MarshalState serializes a state for snapshots.
func (m *Machine[S]) MarshalState(state Aggregate) ([]byte, error) {
	typed, ok := state.(S)
	if !ok {
		return nil, fmt.Errorf("state %T is not a %s aggregate", state, m.name)
	}

	return m.marshaler.Marshal(&typed)
}

// UnmarshalState restores a state serialized by MarshalState.
//
//nolint:ireturn // Deliberately an interface
func (m *Machine[S]) UnmarshalState(data []byte) (Aggregate, error) {
	state := m.newState()
	if err := m.marshaler.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling %s state: %w", m.name, err)
	}

	return state, nil
}

// A MachineOption configures a Machine.
type MachineOption[S Aggregate] func(*Machine[S]) error

// Initializer declares P as the initializer event, built into the first state by init.
func Initializer[S Aggregate, P Payload](init func(id string, payload P) (S, error)) MachineOption[S] {
	return func(m *Machine[S]) error {
		name, err := recognize[S, P](m)
		if err != nil {
			return err
		}

		if m.initializer != "" {
			return fmt.Errorf("initializer already set to %s", m.initializer)
		}

		m.initializer = name
		m.init = func(id string, event Event) (S, error) {
			payload, ok := event.Payload.(P)
			if !ok {
				var zero S
				return zero, fmt.Errorf("payload %T is not a %s", event.Payload, name)
			}

			return init(id, payload)
		}

		return nil
	}
}

// On declares P as a recognized event handled by handler. P should be a value type.
func On[S Aggregate, P Payload](handler func(state S, payload P) (S, error)) MachineOption[S] {
	return func(m *Machine[S]) error {
		name, err := recognize[S, P](m)
		if err != nil {
			return err
		}

		m.handlers[name] = func(state S, event Event) (S, error) {
			payload, ok := event.Payload.(P)
			if !ok {
				return state, fmt.Errorf("payload %T is not a %s", event.Payload, name)
			}

			return handler(state, payload)
		}

		return nil
	}
}

// Recognize declares P as an event of the aggregate that has no handler yet. Applying it
// is rejected as not implemented.
func Recognize[S Aggregate, P Payload]() MachineOption[S] {
	return func(m *Machine[S]) error {
		_, err := recognize[S, P](m)
		return err
	}
}

// WithStateMarshaler sets the marshaler used for snapshots.
func WithStateMarshaler[S Aggregate](marshaler chronicle.Marshaler[S, *S]) MachineOption[S] {
	return func(m *Machine[S]) error {
		if marshaler == nil {
			return errors.New("marshaler cannot be nil")
		}

		m.marshaler = marshaler
		return nil
	}
}

func recognize[S Aggregate, P Payload](m *Machine[S]) (string, error) {
	var prototype P
	name := prototype.EventType()
	if name == "" {
		return "", fmt.Errorf("event %T has an empty type name", prototype)
	}

	if _, ok := m.types[name]; ok {
		return "", fmt.Errorf("event type %s registered twice", name)
	}

	version := PayloadVersion(prototype)
	m.types[name] = eventType{
		key: envelope.TypeKey{Name: name, Version: version},
		register: func(r *envelope.Registry) error {
			return envelope.RegisterType[P](r, name, version)
		},
	}

	return name, nil
}

// Fold replays events onto a state. Any rejection means the events were not produced by
// this aggregate and is returned as a ReplayError.
//
//nolint:ireturn // Deliberately an interface
func Fold(p Provider, state Aggregate, events ...Event) (Aggregate, error) {
	if state == nil {
		state = p.New()
	}

	for i, event := range events {
		result := p.Apply(state, event)
		if result.Rejected {
			rejection, _ := result.Rejection()
			return state, ReplayError{Aggregate: p.Name(), Index: i, EventType: event.Type(), Rejection: rejection}
		}

		state = result.State
	}

	return state, nil
}

// A ReplayError is returned when a stored event is rejected during replay.
type ReplayError struct {
	Aggregate string
	Index     int
	EventType string
	Rejection Payload
}

// Error returns the error message.
func (e ReplayError) Error() string {
	return fmt.Sprintf("replaying %s: event %d (%s) rejected: %+v", e.Aggregate, e.Index, e.EventType, e.Rejection)
}
