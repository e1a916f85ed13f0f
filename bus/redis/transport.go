// Package redis provides a bus transport on Redis pub/sub channels.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/bus"
	"github.com/redis/go-redis/v9"
)

// A Transport publishes to Redis channels named after bus topics. Redis pub/sub does not
// persist messages: only subscribers connected at publish time receive them, and failed
// deliveries are not retried. Payloads must be JSON, as bus envelopes are.
type Transport struct {
	client redis.UniversalClient
	prefix string
	log    chronicle.Logger
}

var _ bus.Transport = (*Transport)(nil)

type frame struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// New creates a transport using client.
func New(client redis.UniversalClient, opts ...TransportOption) (*Transport, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}

	t := &Transport{
		client: client,
		log:    chronicle.GetLogger().With("component", "bus.redis"),
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	return t, nil
}

// Publish sends msg on the topic's channel.
func (t *Transport) Publish(ctx context.Context, topic string, msg bus.Message) error {
	raw, err := json.Marshal(frame{Key: msg.Key, Payload: msg.Payload})
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	return t.client.Publish(ctx, t.prefix+topic, raw).Err()
}

// Subscribe delivers the topic's messages to handle until ctx is done.
func (t *Transport) Subscribe(ctx context.Context, topic string, handle func(context.Context, bus.Message) error) error {
	if handle == nil {
		return errors.New("handler is required")
	}

	sub := t.client.Subscribe(ctx, t.prefix+topic)

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}

				var f frame
				if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
					t.log.Warn("bad frame", "channel", m.Channel, "error", err)
					continue
				}

				if err := handle(ctx, bus.Message{Key: f.Key, Payload: f.Payload}); err != nil {
					t.log.Warn("handler failed", "channel", m.Channel, "key", f.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close is a no-op; the caller owns the client.
func (t *Transport) Close() error {
	return nil
}

// A TransportOption configures a Transport.
type TransportOption func(*Transport) error

// WithChannelPrefix sets a prefix added to every channel name.
func WithChannelPrefix(prefix string) TransportOption {
	return func(t *Transport) error {
		t.prefix = prefix
		return nil
	}
}

// WithLogger sets the transport's logger.
func WithLogger(log chronicle.Logger) TransportOption {
	return func(t *Transport) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		t.log = log
		return nil
	}
}
