package kafka_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-estoria/chronicle/bus"
	"github.com/go-estoria/chronicle/bus/kafka"
	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name    string
		brokers []string
		group   string
		opts    []kafka.TransportOption
		wantErr bool
	}{
		{name: "valid", brokers: []string{"localhost:9092"}, group: "chronicle"},
		{name: "no brokers", group: "chronicle", wantErr: true},
		{name: "no group", brokers: []string{"localhost:9092"}, wantErr: true},
		{name: "nil balancer", brokers: []string{"localhost:9092"}, group: "g", opts: []kafka.TransportOption{kafka.WithBalancer(nil)}, wantErr: true},
		{name: "zero attempts", brokers: []string{"localhost:9092"}, group: "g", opts: []kafka.TransportOption{kafka.WithMaxDeliveryAttempts(0)}, wantErr: true},
		{name: "nil logger", brokers: []string{"localhost:9092"}, group: "g", opts: []kafka.TransportOption{kafka.WithLogger(nil)}, wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			transport, err := kafka.New(tt.brokers, tt.group, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			_ = transport.Close()
		})
	}
}

func TestTransport_RoundTrip(t *testing.T) {
	brokers := os.Getenv("CHRONICLE_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("CHRONICLE_TEST_KAFKA_BROKERS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	transport, err := kafka.New(strings.Split(brokers, ","), "chronicle-test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer transport.Close()

	topic := "chronicle-test-" + uuid.NewString() + ".events"

	// publish first so the topic exists before the group joins
	if err := transport.Publish(ctx, topic, bus.Message{Key: "eu|Order|o1", Payload: []byte(`{"n":1}`)}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	received := make(chan bus.Message, 1)
	if err := transport.Subscribe(ctx, topic, func(_ context.Context, msg bus.Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Key != "eu|Order|o1" || string(msg.Payload) != `{"n":1}` {
			t.Errorf("unexpected message: key=%q payload=%s", msg.Key, msg.Payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}
