// Package gochannel provides an in-process bus transport on watermill's Go channel pub/sub.
package gochannel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/bus"
	"github.com/google/uuid"
)

// KeyMetadata is the watermill metadata field holding the routing key.
const KeyMetadata = "chronicle_key"

// A Transport delivers messages between publishers and subscribers in the same process.
type Transport struct {
	pubsub      *gochannel.GoChannel
	maxAttempts uint
	retryDelay  time.Duration
	log         chronicle.Logger
}

var _ bus.Transport = (*Transport)(nil)

// New creates a transport. Publish blocks until every subscriber has acknowledged the
// message unless WithAsyncPublish is given.
func New(opts ...TransportOption) (*Transport, error) {
	cfg := transportConfig{
		config: gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		},
		maxAttempts: 5,
		log:         chronicle.GetLogger().With("component", "bus.gochannel"),
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	return &Transport{
		pubsub:      gochannel.NewGoChannel(cfg.config, LoggerAdapter{log: cfg.log}),
		maxAttempts: cfg.maxAttempts,
		retryDelay:  cfg.retryDelay,
		log:         cfg.log,
	}, nil
}

// Publish sends msg to the topic's current subscribers. If ctx is done before every
// subscriber has acknowledged, Publish returns ctx's error and delivery continues.
func (t *Transport) Publish(ctx context.Context, topic string, msg bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wm := message.NewMessage(uuid.NewString(), msg.Payload)
	wm.Metadata.Set(KeyMetadata, msg.Key)
	wm.SetContext(ctx)

	published := make(chan error, 1)
	go func() {
		published <- t.pubsub.Publish(topic, wm)
	}()

	select {
	case err := <-published:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe delivers the topic's messages to handle until ctx is done. A delivery that
// fails with a retryable error is retried with backoff up to the transport's attempt
// limit. Messages that still fail are acknowledged and dropped.
func (t *Transport) Subscribe(ctx context.Context, topic string, handle func(context.Context, bus.Message) error) error {
	if handle == nil {
		return errors.New("handler is required")
	}

	messages, err := t.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	go func() {
		for wm := range messages {
			if err := t.deliver(ctx, wm, handle); err != nil {
				t.log.Error("dropping message", "topic", topic, "message_uuid", wm.UUID, "error", err)
			}

			wm.Ack()
		}
	}()

	return nil
}

func (t *Transport) deliver(ctx context.Context, wm *message.Message, handle func(context.Context, bus.Message) error) error {
	msg := bus.Message{Key: wm.Metadata.Get(KeyMetadata), Payload: wm.Payload}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := handle(wm.Context(), msg)
		if err != nil && !chronicle.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}, backoff.WithBackOff(t.backOff()), backoff.WithMaxTries(t.maxAttempts))

	return err
}

//nolint:ireturn // Deliberately an interface
func (t *Transport) backOff() backoff.BackOff {
	if t.retryDelay > 0 {
		return backoff.NewConstantBackOff(t.retryDelay)
	}

	return backoff.NewExponentialBackOff()
}

// Close stops the pub/sub and closes every subscription.
func (t *Transport) Close() error {
	return t.pubsub.Close()
}

type transportConfig struct {
	config      gochannel.Config
	maxAttempts uint
	retryDelay  time.Duration
	log         chronicle.Logger
}

// A TransportOption configures a Transport.
type TransportOption func(*transportConfig) error

// WithAsyncPublish makes Publish return without waiting for subscribers.
func WithAsyncPublish() TransportOption {
	return func(c *transportConfig) error {
		c.config.BlockPublishUntilSubscriberAck = false
		return nil
	}
}

// WithBuffer sets each subscription's channel buffer.
func WithBuffer(n int64) TransportOption {
	return func(c *transportConfig) error {
		if n < 0 {
			return errors.New("buffer cannot be negative")
		}

		c.config.OutputChannelBuffer = n
		return nil
	}
}

// WithMaxDeliveryAttempts bounds deliveries of a message that fails with retryable errors.
func WithMaxDeliveryAttempts(n uint) TransportOption {
	return func(c *transportConfig) error {
		if n == 0 {
			return errors.New("delivery attempts must be positive")
		}

		c.maxAttempts = n
		return nil
	}
}

// WithRetryDelay replaces the exponential backoff between delivery attempts with a fixed delay.
func WithRetryDelay(d time.Duration) TransportOption {
	return func(c *transportConfig) error {
		if d <= 0 {
			return errors.New("retry delay must be positive")
		}

		c.retryDelay = d
		return nil
	}
}

// WithLogger sets the transport's logger.
func WithLogger(log chronicle.Logger) TransportOption {
	return func(c *transportConfig) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		c.log = log
		return nil
	}
}

// A LoggerAdapter writes watermill logs to a chronicle.Logger.
type LoggerAdapter struct {
	log chronicle.Logger
}

var _ watermill.LoggerAdapter = LoggerAdapter{}

// NewLoggerAdapter wraps log.
func NewLoggerAdapter(log chronicle.Logger) LoggerAdapter {
	return LoggerAdapter{log: log}
}

func (a LoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(args(fields), "error", err)...)
}

func (a LoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, args(fields)...)
}

func (a LoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, args(fields)...)
}

// Trace logs at debug level.
func (a LoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, args(fields)...)
}

//nolint:ireturn // Deliberately an interface
func (a LoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return LoggerAdapter{log: a.log.With(args(fields)...)}
}

func args(fields watermill.LogFields) []any {
	out := make([]any, 0, 2*len(fields))
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, key, fields[key])
	}

	return out
}
