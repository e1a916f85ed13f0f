package executor

import (
	"errors"
	"time"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/snapshotstore"
	"go.opentelemetry.io/otel/trace"
)

// An ExecutorOption configures an Executor.
type ExecutorOption func(*Executor) error

// WithWorkers bounds the number of turns running at once across all keys.
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) error {
		if n < 1 {
			return errors.New("workers must be positive")
		}

		e.workers = n
		return nil
	}
}

// WithMaxConflictRetries sets how many times a turn is reloaded and retried after a
// concurrency conflict before ConcurrencyFailureError is returned.
func WithMaxConflictRetries(n int) ExecutorOption {
	return func(e *Executor) error {
		if n < 0 {
			return errors.New("conflict retries cannot be negative")
		}

		e.maxRetries = n
		return nil
	}
}

// WithRetryDelay sets the initial backoff between conflict retries.
func WithRetryDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) error {
		if d <= 0 {
			return errors.New("retry delay must be positive")
		}

		e.retryDelay = d
		return nil
	}
}

// WithSnapshots enables loading from and writing snapshots to store.
func WithSnapshots(store snapshotstore.Store) ExecutorOption {
	return func(e *Executor) error {
		if store == nil {
			return errors.New("snapshot store cannot be nil")
		}

		e.snapshots = store
		return nil
	}
}

// WithSnapshotPolicy sets when snapshots are written. The default snapshots every 50 events.
func WithSnapshotPolicy(policy snapshotstore.SnapshotPolicy) ExecutorOption {
	return func(e *Executor) error {
		if policy == nil {
			return errors.New("snapshot policy cannot be nil")
		}

		e.snapshotPolicy = policy
		return nil
	}
}

// WithEventPublisher sets where appended events are published.
func WithEventPublisher(p Publisher) ExecutorOption {
	return func(e *Executor) error {
		if p == nil {
			return errors.New("event publisher cannot be nil")
		}

		e.events = p
		return nil
	}
}

// WithNotificationPublisher sets where rejections are published.
func WithNotificationPublisher(p Publisher) ExecutorOption {
	return func(e *Executor) error {
		if p == nil {
			return errors.New("notification publisher cannot be nil")
		}

		e.notifications = p
		return nil
	}
}

// WithUnitIdleTimeout sets how long an idle unit is kept before eviction.
func WithUnitIdleTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) error {
		if d <= 0 {
			return errors.New("unit idle timeout must be positive")
		}

		e.idleTimeout = d
		return nil
	}
}

// WithTracerProvider sets the provider of the executor's tracer.
func WithTracerProvider(tp trace.TracerProvider) ExecutorOption {
	return func(e *Executor) error {
		if tp == nil {
			return errors.New("tracer provider cannot be nil")
		}

		e.tracer = tp.Tracer("github.com/go-estoria/chronicle/executor")
		return nil
	}
}

// WithLogger sets the executor's logger.
func WithLogger(log chronicle.Logger) ExecutorOption {
	return func(e *Executor) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		e.log = log
		return nil
	}
}

// WithClock sets the executor's time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}

		e.now = now
		return nil
	}
}
