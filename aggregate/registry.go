package aggregate

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/envelope"
)

// A Registry maps aggregate names to providers. It is built once and read concurrently.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from providers. Names must be unique and non-empty.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}

	for _, p := range providers {
		switch {
		case p == nil:
			return nil, chronicle.ConfigurationError{Component: "aggregate registry", Err: errors.New("provider cannot be nil")}
		case p.Name() == "":
			return nil, chronicle.ConfigurationError{Component: "aggregate registry", Err: fmt.Errorf("provider %T has no name", p)}
		}

		if _, ok := r.providers[p.Name()]; ok {
			return nil, DuplicateAggregateError{Name: p.Name()}
		}

		r.providers[p.Name()] = p
	}

	return r, nil
}

// Provider returns the provider registered for name.
//
//nolint:ireturn // Deliberately an interface
func (r *Registry) Provider(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, UnknownAggregateError{Name: name, Known: r.Names()}
	}

	return p, nil
}

// Create returns a fresh, uninitialized aggregate of the named kind.
//
//nolint:ireturn // Deliberately an interface
func (r *Registry) Create(name string) (Aggregate, error) {
	p, err := r.Provider(name)
	if err != nil {
		return nil, err
	}

	return p.New(), nil
}

// GetType returns the concrete type of the named aggregate.
func (r *Registry) GetType(name string) (reflect.Type, error) {
	p, err := r.Provider(name)
	if err != nil {
		return nil, err
	}

	return p.Type(), nil
}

// Names returns the registered aggregate names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// RegisterEvents registers the events of every aggregate, plus the rejection events,
// with an envelope registry. Two aggregates cannot share an event type name and version.
func (r *Registry) RegisterEvents(types *envelope.Registry) error {
	if err := RegisterRejections(types); err != nil {
		return err
	}

	for _, name := range r.Names() {
		if err := r.providers[name].RegisterEvents(types); err != nil {
			return fmt.Errorf("registering %s events: %w", name, err)
		}
	}

	return nil
}

// An UnknownAggregateError is returned when no provider is registered under a name.
type UnknownAggregateError struct {
	Name  string
	Known []string
}

// Error returns the error message.
func (e UnknownAggregateError) Error() string {
	return chronicle.ConfigurationError{
		Component: "aggregate registry",
		Key:       e.Name,
		Known:     e.Known,
		Err:       errors.New("unknown aggregate"),
	}.Error()
}

// Retryable reports false.
func (e UnknownAggregateError) Retryable() bool {
	return false
}

// A DuplicateAggregateError is returned when two providers share a name.
type DuplicateAggregateError struct {
	Name string
}

// Error returns the error message.
func (e DuplicateAggregateError) Error() string {
	return fmt.Sprintf("aggregate registry configuration error for %q: registered twice", e.Name)
}
