// Package bus dispatches envelopes to handlers over a pluggable transport. A bus carries
// one kind of message and routes it on a per-aggregate topic.
package bus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/address"
	"github.com/go-estoria/chronicle/envelope"
	"github.com/go-estoria/chronicle/metadata"
	"golang.org/x/sync/errgroup"
)

// A Kind is the shape of message a bus carries.
type Kind int

const (
	Command Kind = iota + 1
	Event
	Notification
	Request
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case Command:
		return "command"
	case Event:
		return "event"
	case Notification:
		return "notification"
	case Request:
		return "request"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Suffix returns the topic suffix of the kind.
func (k Kind) Suffix() string {
	switch k {
	case Command:
		return ".commands"
	case Event:
		return ".events"
	case Notification:
		return ".notifications"
	case Request:
		return ".requests"
	}

	return ""
}

// Topic returns the wire-level topic for an aggregate's messages of a kind.
func Topic(aggregateName string, kind Kind) string {
	return strings.ToLower(aggregateName + kind.Suffix())
}

// A Message is what a transport carries: an encoded envelope and its routing key.
type Message struct {
	Key     string
	Payload []byte
}

// A Transport moves messages between publishers and subscribers.
type Transport interface {
	// Publish sends msg on topic.
	Publish(ctx context.Context, topic string, msg Message) error

	// Subscribe starts delivering messages on topic to handle until ctx is done. It returns
	// once the subscription is established. A delivery is acknowledged only if handle
	// returns nil.
	Subscribe(ctx context.Context, topic string, handle func(context.Context, Message) error) error

	Close() error
}

// A HandlerFunc handles a decoded envelope.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) error

// A NoHandlerError is returned when a message type has no handler on a bus.
type NoHandlerError struct {
	Bus         string
	MessageType string
	Registered  []string
}

// Error returns the error message.
func (e NoHandlerError) Error() string {
	return chronicle.ConfigurationError{
		Component: e.Bus + " bus",
		Key:       e.MessageType,
		Known:     e.Registered,
		Err:       errors.New("no handler registered"),
	}.Error()
}

// Retryable reports false.
func (e NoHandlerError) Retryable() bool {
	return false
}

// A Bus publishes envelopes of one kind and dispatches received ones to handlers.
type Bus struct {
	name      string
	kind      Kind
	transport Transport
	types     *envelope.Registry
	handlers  map[string]HandlerFunc
	external  map[string]struct{}
	mu        sync.RWMutex
	log       chronicle.Logger
}

// New creates a bus of kind over transport. Received payloads are decoded with types.
func New(kind Kind, transport Transport, types *envelope.Registry, opts ...BusOption) (*Bus, error) {
	if kind.Suffix() == "" {
		return nil, fmt.Errorf("unknown bus kind %s", kind)
	}

	if transport == nil {
		return nil, errors.New("transport is required")
	}

	if types == nil {
		return nil, errors.New("type registry is required")
	}

	b := &Bus{
		name:      kind.String(),
		kind:      kind,
		transport: transport,
		types:     types,
		handlers:  map[string]HandlerFunc{},
		external:  map[string]struct{}{},
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	if strings.TrimSpace(b.name) == "" {
		return nil, errors.New("bus name cannot be empty")
	}

	if b.log == nil {
		b.log = chronicle.GetLogger().With("component", "bus", "bus", b.name)
	}

	return b, nil
}

// Name returns the bus name.
func (b *Bus) Name() string {
	return b.name
}

// Kind returns the kind of message the bus carries.
func (b *Bus) Kind() Kind {
	return b.kind
}

// Handle registers the handler for a message type.
func (b *Bus) Handle(typeName string, handler HandlerFunc) error {
	if typeName == "" || handler == nil {
		return chronicle.ConfigurationError{Component: b.name + " bus", Key: typeName, Err: errors.New("type name and handler are required")}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[typeName]; ok {
		return chronicle.ConfigurationError{Component: b.name + " bus", Key: typeName, Err: errors.New("handler already registered")}
	}

	b.handlers[typeName] = handler

	return nil
}

// Registered returns the message types the bus can publish, sorted.
func (b *Bus) Registered() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.registered()
}

func (b *Bus) registered() []string {
	names := slices.Collect(maps.Keys(b.handlers))
	for name := range b.external {
		if _, ok := b.handlers[name]; !ok {
			names = append(names, name)
		}
	}

	slices.Sort(names)

	return names
}

// PublishAsync hands msg to the transport on its aggregate's topic. It fails with a
// NoHandlerError if no handler, local or external, is registered for the message type.
// Delivery to handlers happens on the subscriber side.
func (b *Bus) PublishAsync(ctx context.Context, msg any, md metadata.Metadata) error {
	typeName := md.Message.TypeName

	b.mu.RLock()
	_, local := b.handlers[typeName]
	_, external := b.external[typeName]
	var registered []string
	if !local && !external {
		registered = b.registered()
	}
	b.mu.RUnlock()

	if !local && !external {
		return NoHandlerError{Bus: b.name, MessageType: typeName, Registered: registered}
	}

	data, err := envelope.Marshal(envelope.New(msg, md))
	if err != nil {
		return fmt.Errorf("encoding %s: %w", typeName, err)
	}

	key := address.Key{
		Partition:     md.Context.PartitionID,
		AggregateName: md.Message.Aggregate.Name,
		AggregateID:   md.Message.Aggregate.ID,
	}

	topic := Topic(md.Message.Aggregate.Name, b.kind)
	if err := b.transport.Publish(ctx, topic, Message{Key: key.String(), Payload: data}); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", typeName, topic, err)
	}

	b.log.Debug("published message", "topic", topic, "message_type", typeName, "message_id", md.Message.ID)

	return nil
}

// Subscribe consumes the topic of aggregateName and dispatches deliveries to handlers.
func (b *Bus) Subscribe(ctx context.Context, aggregateName string) error {
	if aggregateName == "" {
		return errors.New("aggregate name is required")
	}

	topic := Topic(aggregateName, b.kind)
	if err := b.transport.Subscribe(ctx, topic, b.dispatch); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	b.log.Info("subscribed", "topic", topic)

	return nil
}

// SubscribeAll subscribes to the topics of several aggregates concurrently.
func (b *Bus) SubscribeAll(ctx context.Context, aggregateNames ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range aggregateNames {
		g.Go(func() error {
			// subscriptions must outlive the errgroup's context
			if err := gctx.Err(); err != nil {
				return err
			}

			return b.Subscribe(ctx, name)
		})
	}

	return g.Wait()
}

func (b *Bus) dispatch(ctx context.Context, msg Message) error {
	env, err := b.types.Unmarshal(msg.Payload)
	if err != nil {
		b.log.Error("dropping undecodable message", "key", msg.Key, "error", err)
		return err
	}

	typeName := env.TypeName()

	b.mu.RLock()
	handler, local := b.handlers[typeName]
	_, external := b.external[typeName]
	b.mu.RUnlock()

	switch {
	case local:
	case external:
		b.log.Debug("ignoring externally handled message", "message_type", typeName)
		return nil
	default:
		err := NoHandlerError{Bus: b.name, MessageType: typeName, Registered: b.Registered()}
		b.log.Error("no handler for message", "key", msg.Key, "error", err)
		return err
	}

	if err := handler(ctx, env); err != nil {
		b.log.Warn("handler failed", "message_type", typeName, "message_id", env.Metadata.Message.ID, "error", err)
		return fmt.Errorf("handling %s: %w", typeName, err)
	}

	return nil
}

// Close closes the transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}

// A BusOption configures a Bus.
type BusOption func(*Bus) error

// WithName overrides the bus name, which defaults to the kind's name.
func WithName(name string) BusOption {
	return func(b *Bus) error {
		b.name = name
		return nil
	}
}

// WithExternalHandlers declares message types handled by another process. Publishing
// them succeeds without a local handler, and received ones are skipped.
func WithExternalHandlers(typeNames ...string) BusOption {
	return func(b *Bus) error {
		for _, name := range typeNames {
			if name == "" {
				return errors.New("external handler type name cannot be empty")
			}

			b.external[name] = struct{}{}
		}

		return nil
	}
}

// WithLogger sets the bus's logger.
func WithLogger(log chronicle.Logger) BusOption {
	return func(b *Bus) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		b.log = log
		return nil
	}
}
