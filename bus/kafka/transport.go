// Package kafka provides a bus transport on Kafka topics using segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/bus"
	kafkago "github.com/segmentio/kafka-go"
)

// A Transport writes to and reads from Kafka. Messages are partitioned by routing key,
// so every message of one aggregate lands on the same partition in publish order.
type Transport struct {
	brokers     []string
	groupID     string
	maxAttempts uint
	writer      *kafkago.Writer
	readers     []*kafkago.Reader
	mu          sync.Mutex
	log         chronicle.Logger
}

var _ bus.Transport = (*Transport)(nil)

// New creates a transport for brokers. Subscriptions join the consumer group groupID.
func New(brokers []string, groupID string, opts ...TransportOption) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if groupID == "" {
		return nil, errors.New("consumer group is required")
	}

	t := &Transport{
		brokers:     brokers,
		groupID:     groupID,
		maxAttempts: 5,
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
		},
		log: chronicle.GetLogger().With("component", "bus.kafka"),
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	return t, nil
}

// Publish writes msg to topic, keyed by its routing key.
func (t *Transport) Publish(ctx context.Context, topic string, msg bus.Message) error {
	return t.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
	})
}

// Subscribe reads topic as a member of the transport's consumer group. A message is
// committed once handled, or once dropped after a non-retryable error or exhausted retries.
func (t *Transport) Subscribe(ctx context.Context, topic string, handle func(context.Context, bus.Message) error) error {
	if handle == nil {
		return errors.New("handler is required")
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: t.brokers,
		GroupID: t.groupID,
		Topic:   topic,
	})

	t.mu.Lock()
	t.readers = append(t.readers, reader)
	t.mu.Unlock()

	go t.consume(ctx, reader, handle)

	return nil
}

func (t *Transport) consume(ctx context.Context, reader *kafkago.Reader, handle func(context.Context, bus.Message) error) {
	topic := reader.Config().Topic
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				t.log.Info("consumer shutting down", "topic", topic)
				return
			}

			t.log.Error("fetching message", "topic", topic, "error", err)

			return
		}

		if err := t.deliver(ctx, msg, handle); err != nil {
			if ctx.Err() != nil {
				return
			}

			t.log.Error("dropping message", "topic", topic, "offset", msg.Offset, "error", err)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			t.log.Error("committing offset", "topic", topic, "offset", msg.Offset, "error", err)
		}
	}
}

// deliver retries handle with exponential backoff while it fails with a retryable error.
func (t *Transport) deliver(ctx context.Context, msg kafkago.Message, handle func(context.Context, bus.Message) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := handle(ctx, bus.Message{Key: string(msg.Key), Payload: msg.Value})
		if err != nil && !chronicle.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(t.maxAttempts))

	return err
}

// Close flushes the writer and closes every reader.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := []error{t.writer.Close()}
	for _, reader := range t.readers {
		errs = append(errs, reader.Close())
	}

	t.readers = nil

	return errors.Join(errs...)
}

// A TransportOption configures a Transport.
type TransportOption func(*Transport) error

// WithBalancer sets the writer's partition balancer.
func WithBalancer(balancer kafkago.Balancer) TransportOption {
	return func(t *Transport) error {
		if balancer == nil {
			return errors.New("balancer cannot be nil")
		}

		t.writer.Balancer = balancer
		return nil
	}
}

// WithMaxDeliveryAttempts bounds deliveries of a message that fails with retryable errors.
func WithMaxDeliveryAttempts(n uint) TransportOption {
	return func(t *Transport) error {
		if n == 0 {
			return errors.New("delivery attempts must be positive")
		}

		t.maxAttempts = n
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
