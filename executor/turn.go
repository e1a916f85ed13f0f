package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-estoria/chronicle/address"
	"github.com/go-estoria/chronicle/aggregate"
	"github.com/go-estoria/chronicle/envelope"
	"github.com/go-estoria/chronicle/eventstore"
	"github.com/go-estoria/chronicle/eventstore/projection"
	"github.com/go-estoria/chronicle/metadata"
	"github.com/go-estoria/chronicle/snapshotstore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// A ConcurrencyFailureError is returned when a command still conflicts with concurrent
// writers after every retry. Retrying the command later may succeed.
type ConcurrencyFailureError struct {
	Key      address.Key
	Attempts int
	Err      error
}

// Error returns the error message.
func (e ConcurrencyFailureError) Error() string {
	return fmt.Sprintf("concurrency failure on %s after %d attempts: %s", e.Key, e.Attempts, e.Err)
}

// Unwrap returns the last conflict.
func (e ConcurrencyFailureError) Unwrap() error {
	return e.Err
}

// Retryable reports true.
func (e ConcurrencyFailureError) Retryable() bool {
	return true
}

// An InvalidCommandError is returned when a dispatched message cannot be applied to an
// aggregate.
type InvalidCommandError struct {
	Key     address.Key
	Message any
}

// Error returns the error message.
func (e InvalidCommandError) Error() string {
	return fmt.Sprintf("message %T sent to %s is not an aggregate event payload", e.Message, e.Key)
}

// Retryable reports false.
func (e InvalidCommandError) Retryable() bool {
	return false
}

// loaded is an aggregate rebuilt from its snapshot and stream.
type loaded struct {
	state     aggregate.Aggregate
	version   int64
	duplicate bool
}

// outcome is the result of one load-apply-append cycle.
type outcome struct {
	result   Result
	previous int64
	applied  bool
}

func (e *Executor) turn(ctx context.Context, key address.Key, env envelope.Envelope) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.turn", trace.WithAttributes(
		attribute.String("chronicle.key", key.String()),
		attribute.String("chronicle.aggregate", key.AggregateName),
		attribute.String("chronicle.message_type", env.TypeName()),
		attribute.String("chronicle.message_id", env.Metadata.Message.ID),
	))
	defer span.End()

	result, err := e.execute(ctx, key, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("chronicle.version", result.Version),
		attribute.Int("chronicle.attempts", result.Attempts),
		attribute.Bool("chronicle.rejected", result.Rejected),
		attribute.Bool("chronicle.duplicate", result.Duplicate),
	)

	return result, nil
}

func (e *Executor) execute(ctx context.Context, key address.Key, env envelope.Envelope) (*Result, error) {
	provider, err := e.registry.Provider(key.AggregateName)
	if err != nil {
		return nil, err
	}

	payload, ok := env.Message.(aggregate.Payload)
	if !ok {
		return nil, InvalidCommandError{Key: key, Message: env.Message}
	}

	event := aggregate.NewEvent(key.AggregateName, key.AggregateID, payload)

	stream, err := e.store.GetStream(ctx, key.StreamID())
	if err != nil {
		return nil, fmt.Errorf("getting stream: %w", err)
	}

	attempts := 0
	cycle := func() (outcome, error) {
		attempts++

		out, err := e.cycle(ctx, provider, stream, key, env, event)

		var conflict eventstore.ConcurrencyConflictError
		switch {
		case errors.As(err, &conflict):
			e.log.Debug("concurrency conflict, reloading", "key", key, "attempt", attempts, "expected_version", conflict.ExpectedVersion, "actual_version", conflict.ActualVersion)
			return out, err
		case err != nil:
			return out, backoff.Permanent(err)
		}

		return out, nil
	}

	out, err := backoff.Retry(ctx, cycle,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(uint(e.maxRetries)+1),
	)
	if err != nil {
		var conflict eventstore.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			return nil, ConcurrencyFailureError{Key: key, Attempts: attempts, Err: err}
		}

		return nil, err
	}

	result := out.result
	result.Key = key
	result.Attempts = attempts

	if out.applied {
		result.Snapshotted = e.snapshot(ctx, provider, key, out.previous, result)
	}

	if out.applied || result.Rejected {
		result.PublishErr = e.publish(context.WithoutCancel(ctx), env, result)
	}

	return &result, nil
}

func (e *Executor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryDelay
	b.MaxInterval = 50 * e.retryDelay

	return b
}

// cycle loads the aggregate, applies the event and appends what it emits.
func (e *Executor) cycle(
	ctx context.Context,
	provider aggregate.Provider,
	stream eventstore.Stream,
	key address.Key,
	env envelope.Envelope,
	event aggregate.Event,
) (outcome, error) {
	commandKey := env.Metadata.Message.ID

	current, err := e.load(ctx, provider, stream, key, commandKey)
	if err != nil {
		return outcome{}, err
	}

	if current.duplicate {
		e.log.Debug("command already applied", "key", key, "message_id", commandKey)
		return outcome{result: Result{Version: current.version, State: current.state, Duplicate: true}}, nil
	}

	if err := ctx.Err(); err != nil {
		return outcome{}, err
	}

	applied := provider.Apply(current.state, event)
	if applied.Rejected {
		return outcome{result: Result{
			Version:  current.version,
			Events:   applied.Events,
			State:    current.state,
			Rejected: true,
		}}, nil
	}

	items, err := e.items(env, applied.Events)
	if err != nil {
		return outcome{}, err
	}

	version, err := stream.AddItemsExpecting(ctx, items, current.version)
	switch {
	case errors.Is(err, eventstore.ErrDuplicateItem):
		e.log.Debug("command already applied before the latest snapshot", "key", key, "message_id", commandKey)
		return outcome{result: Result{Version: current.version, State: current.state, Duplicate: true}}, nil
	case err != nil:
		return outcome{}, err
	}

	return outcome{
		result:   Result{Version: version, Events: applied.Events, State: applied.State},
		previous: current.version,
		applied:  true,
	}, nil
}

// load rebuilds the aggregate from the latest snapshot, if any, and the events after it.
func (e *Executor) load(
	ctx context.Context,
	provider aggregate.Provider,
	stream eventstore.Stream,
	key address.Key,
	commandKey string,
) (loaded, error) {
	current := loaded{state: provider.New()}
	from := int64(1)

	if e.snapshots != nil {
		snap, err := e.snapshots.ReadSnapshot(ctx, key, snapshotstore.ReadSnapshotOptions{})
		switch {
		case errors.Is(err, snapshotstore.ErrSnapshotNotFound):
		case err != nil:
			if ctx.Err() != nil {
				return loaded{}, ctx.Err()
			}

			e.log.Warn("reading snapshot, replaying full stream", "key", key, "error", err)
		default:
			state, err := provider.UnmarshalState(snap.Data)
			if err != nil {
				e.log.Warn("restoring snapshot, replaying full stream", "key", key, "aggregate_version", snap.AggregateVersion, "error", err)
				break
			}

			current.state = state
			from = snap.AggregateVersion + 1
		}
	}

	// items covered by the snapshot are not scanned below
	if from > 1 && commandKey != "" {
		_, err := stream.GetItemByIdempotencyKey(ctx, commandKey)
		switch {
		case err == nil:
			current.duplicate = true
		case !errors.Is(err, eventstore.ErrItemNotFound):
			return loaded{}, fmt.Errorf("looking up command %s: %w", commandKey, err)
		}
	}

	proj, err := projection.New(stream, projection.WithRange(from, 0), projection.WithLogger(e.log))
	if err != nil {
		return loaded{}, err
	}

	projected, err := proj.Project(ctx, projection.ItemHandlerFunc(func(_ context.Context, item eventstore.StreamItem) error {
		if commandKey != "" && item.IdempotencyKey == commandKey {
			current.duplicate = true
		}

		event, err := e.decode(item)
		if err != nil {
			return err
		}

		current.state, err = aggregate.Fold(provider, current.state, event)
		return err
	}))
	if err != nil {
		return loaded{}, fmt.Errorf("loading %s: %w", key, err)
	}

	current.version = projected.LastSequence

	return current, nil
}

func (e *Executor) decode(item eventstore.StreamItem) (aggregate.Event, error) {
	env, err := e.types.Unmarshal(item.Data)
	if err != nil {
		return aggregate.Event{}, err
	}

	payload, ok := env.Message.(aggregate.Payload)
	if !ok {
		return aggregate.Event{}, fmt.Errorf("stored %s is not an aggregate event payload", env.TypeName())
	}

	return aggregate.Event{
		AggregateName: env.Metadata.Message.Aggregate.Name,
		AggregateID:   env.Metadata.Message.Aggregate.ID,
		Version:       env.Metadata.Message.Version,
		Payload:       payload,
	}, nil
}

// items encodes emitted events for the stream. Each item's idempotency key and message
// id derive from the command, so a replayed command produces identical items.
func (e *Executor) items(cmd envelope.Envelope, events []aggregate.Event) ([]eventstore.Item, error) {
	items := make([]eventstore.Item, len(events))
	for i, event := range events {
		md := eventMetadata(cmd.Metadata, event, i)
		md.Context.SequenceNumber = nil

		data, err := envelope.Marshal(envelope.New(event.Payload, md))
		if err != nil {
			return nil, fmt.Errorf("encoding event %d: %w", i, err)
		}

		items[i] = eventstore.Item{IdempotencyKey: itemKey(cmd.Metadata.Message.ID, i), Data: data}
	}

	return items, nil
}

func itemKey(commandID string, index int) string {
	if commandID == "" || index == 0 {
		return commandID
	}

	return commandID + "/" + strconv.Itoa(index)
}

func eventMetadata(cmd metadata.Metadata, event aggregate.Event, index int) metadata.Metadata {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(cmd.Message.ID+"/"+strconv.Itoa(index))).String()

	return cmd.CreateNew(
		metadata.WithMessageID(id),
		metadata.WithCreatedAt(cmd.Message.CreatedAt),
		metadata.WithTypeName(event.Type()),
		metadata.WithVersion(event.Version),
		metadata.WithAggregate(event.AggregateName, event.AggregateID),
	)
}

// snapshot writes the post-turn state when the policy asks for it. Failures are logged:
// the events are already persisted and the next snapshot will catch up.
func (e *Executor) snapshot(ctx context.Context, provider aggregate.Provider, key address.Key, previous int64, result Result) bool {
	if e.snapshots == nil || e.snapshotPolicy == nil {
		return false
	}

	now := e.now()
	if !e.snapshotPolicy.ShouldSnapshot(key, previous, result.Version, now) {
		return false
	}

	data, err := provider.MarshalState(result.State)
	if err != nil {
		e.log.Error("marshaling snapshot", "key", key, "error", err)
		return false
	}

	if err := e.snapshots.WriteSnapshot(context.WithoutCancel(ctx), &snapshotstore.AggregateSnapshot{
		Key:              key,
		AggregateVersion: result.Version,
		Timestamp:        now,
		Data:             data,
	}); err != nil {
		e.log.Error("writing snapshot", "key", key, "aggregate_version", result.Version, "error", err)
		return false
	}

	e.log.Debug("wrote snapshot", "key", key, "aggregate_version", result.Version)

	return true
}

// publish hands appended events to the event publisher and rejections to the
// notification publisher.
func (e *Executor) publish(ctx context.Context, cmd envelope.Envelope, result Result) error {
	publisher := e.events
	if result.Rejected {
		publisher = e.notifications
	}

	if publisher == nil {
		return nil
	}

	var errs []error
	first := result.Version - int64(len(result.Events)) + 1
	for i, event := range result.Events {
		md := eventMetadata(cmd.Metadata, event, i)
		if !result.Rejected {
			seq := first + int64(i)
			md.Context.SequenceNumber = &seq
		}

		if err := publisher.PublishAsync(ctx, event.Payload, md); err != nil {
			e.log.Error("publishing event", "key", result.Key, "event_type", event.Type(), "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
