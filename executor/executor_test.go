package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/address"
	"github.com/go-estoria/chronicle/aggregate"
	"github.com/go-estoria/chronicle/envelope"
	"github.com/go-estoria/chronicle/eventstore"
	"github.com/go-estoria/chronicle/eventstore/memory"
	"github.com/go-estoria/chronicle/executor"
	"github.com/go-estoria/chronicle/internal/orders"
	"github.com/go-estoria/chronicle/metadata"
	"github.com/go-estoria/chronicle/snapshotstore"
	"github.com/go-estoria/chronicle/statestore"
	statememory "github.com/go-estoria/chronicle/statestore/memory"
)

type harness struct {
	store    eventstore.Store
	registry *aggregate.Registry
	types    *envelope.Registry
	machine  *aggregate.Machine[orders.Order]
}

func newHarness(t *testing.T, store eventstore.Store) *harness {
	t.Helper()

	if store == nil {
		mem, err := memory.NewEventStore()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		store = mem
	}

	machine, err := orders.NewMachine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry, err := aggregate.NewRegistry(machine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	types := envelope.NewRegistry()
	if err := registry.RegisterEvents(types); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return &harness{store: store, registry: registry, types: types, machine: machine}
}

func (h *harness) start(t *testing.T, opts ...executor.ExecutorOption) *executor.Executor {
	t.Helper()

	opts = append([]executor.ExecutorOption{
		executor.WithLogger(chronicle.NopLogger()),
		executor.WithRetryDelay(time.Millisecond),
	}, opts...)

	exec, err := executor.New(h.store, h.registry, h.types, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	t.Cleanup(exec.Stop)

	return exec
}

func (h *harness) streamItems(t *testing.T, id string) []eventstore.StreamItem {
	t.Helper()

	stream, err := h.store.GetStream(context.Background(), orderKey(id).StreamID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, err := stream.GetAllItems(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return items
}

func orderKey(id string) address.Key {
	return address.Key{Partition: "eu", AggregateName: orders.AggregateName, AggregateID: id}
}

func command(id string, payload aggregate.Payload) envelope.Envelope {
	return envelope.New(payload, metadata.New(payload.EventType(), aggregate.PayloadVersion(payload),
		metadata.WithAggregate(orders.AggregateName, id),
		metadata.WithPartitionID("eu"),
	))
}

func dispatch(t *testing.T, exec *executor.Executor, env envelope.Envelope) *executor.Result {
	t.Helper()

	result, err := exec.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected dispatch error for %s: %v", env.TypeName(), err)
	}

	return result
}

func stateJSON(t *testing.T, state aggregate.Aggregate) string {
	t.Helper()

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return string(data)
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []metadata.Metadata
	messages  []any
	detached  []bool
	err       error
}

func (p *recordingPublisher) PublishAsync(ctx context.Context, msg any, md metadata.Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.published = append(p.published, md)
	p.messages = append(p.messages, msg)
	p.detached = append(p.detached, ctx.Done() == nil)

	return p.err
}

func TestExecutor_OrderScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	exec := h.start(t)

	started := dispatch(t, exec, command("o1", orders.OrderStarted{Customer: "ada"}))
	if started.Rejected || started.Version != 1 {
		t.Fatalf("unexpected start result: rejected=%v version=%d", started.Rejected, started.Version)
	}

	again := dispatch(t, exec, command("o1", orders.OrderStarted{Customer: "bob"}))
	if !again.Rejected {
		t.Fatalf("expected second OrderStarted to be rejected")
	}

	if again.Version != 1 {
		t.Errorf("unexpected version after rejection: wanted 1 got %d", again.Version)
	}

	rejection, ok := again.Events[0].Payload.(aggregate.EventRejected)
	if !ok || rejection.Code != aggregate.CodeAlreadyInitialized {
		t.Errorf("unexpected rejection: %#v", again.Events[0].Payload)
	}

	added := dispatch(t, exec, command("o1", orders.ItemAdded{SKU: "a", Quantity: 2, UnitPrice: 90}))
	if added.Rejected || added.Version != 2 {
		t.Fatalf("unexpected add result: rejected=%v version=%d", added.Rejected, added.Version)
	}

	if len(h.streamItems(t, "o1")) != 2 {
		t.Errorf("unexpected stream length: wanted 2 got %d", len(h.streamItems(t, "o1")))
	}

	replayed, err := aggregate.Fold(h.machine, nil,
		orders.Event("o1", orders.OrderStarted{Customer: "ada"}),
		orders.Event("o1", orders.ItemAdded{SKU: "a", Quantity: 2, UnitPrice: 90}),
	)
	if err != nil {
		t.Fatalf("unexpected fold error: %v", err)
	}

	if got, want := stateJSON(t, added.State), stateJSON(t, replayed); got != want {
		t.Errorf("unexpected state: wanted %s got %s", want, got)
	}

	if added.State.(orders.Order).Total != 180 {
		t.Errorf("unexpected total: wanted 180 got %d", added.State.(orders.Order).Total)
	}
}

func TestExecutor_DuplicateCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	exec := h.start(t)

	dispatch(t, exec, command("o1", orders.OrderStarted{Customer: "ada"}))

	add := command("o1", orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 5})
	first := dispatch(t, exec, add)
	second := dispatch(t, exec, add)

	if first.Duplicate {
		t.Errorf("unexpected duplicate on first dispatch")
	}

	if !second.Duplicate {
		t.Fatalf("expected duplicate on replayed command")
	}

	if second.Version != 2 {
		t.Errorf("unexpected version: wanted 2 got %d", second.Version)
	}

	if len(h.streamItems(t, "o1")) != 2 {
		t.Errorf("unexpected stream length: wanted 2 got %d", len(h.streamItems(t, "o1")))
	}
}

func TestExecutor_StoredItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	exec := h.start(t)

	cmd := command("o/1", orders.OrderStarted{Customer: "ada"})
	dispatch(t, exec, cmd)

	items := h.streamItems(t, "o/1")
	if len(items) != 1 {
		t.Fatalf("unexpected stream length: wanted 1 got %d", len(items))
	}

	if items[0].StreamID != "eu|Order|o%2F1" {
		t.Errorf("unexpected stream ID: %q", items[0].StreamID)
	}

	if items[0].IdempotencyKey != cmd.Metadata.Message.ID {
		t.Errorf("unexpected idempotency key: wanted %q got %q", cmd.Metadata.Message.ID, items[0].IdempotencyKey)
	}

	env, err := h.types.Unmarshal(items[0].Data)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}

	if env.Metadata.Message.CausationID != cmd.Metadata.Message.ID {
		t.Errorf("unexpected causation ID: wanted %q got %q", cmd.Metadata.Message.ID, env.Metadata.Message.CausationID)
	}

	if env.Metadata.Context.CorrelationID != cmd.Metadata.Context.CorrelationID {
		t.Errorf("unexpected correlation ID: wanted %q got %q", cmd.Metadata.Context.CorrelationID, env.Metadata.Context.CorrelationID)
	}

	if env.Metadata.Message.Aggregate != (metadata.AggregateRef{Name: "Order", ID: "o/1"}) {
		t.Errorf("unexpected aggregate: %+v", env.Metadata.Message.Aggregate)
	}
}

func TestExecutor_Publication(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	events := &recordingPublisher{}
	notifications := &recordingPublisher{}
	exec := h.start(t, executor.WithEventPublisher(events), executor.WithNotificationPublisher(notifications))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := exec.Dispatch(ctx, command("o1", orders.OrderStarted{Customer: "ada"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dispatch(t, exec, command("o1", orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 5}))
	dispatch(t, exec, command("o1", orders.ItemAdded{SKU: "a", Quantity: 0, UnitPrice: 5}))

	if len(events.published) != 2 {
		t.Fatalf("unexpected event count: wanted 2 got %d", len(events.published))
	}

	for i, md := range events.published {
		if md.Context.SequenceNumber == nil || *md.Context.SequenceNumber != int64(i+1) {
			t.Errorf("unexpected sequence number at %d: %v", i, md.Context.SequenceNumber)
		}

		if !events.detached[i] {
			t.Errorf("expected publication %d to run on a context without cancellation", i)
		}
	}

	if events.published[1].Message.TypeName != "ItemAdded" {
		t.Errorf("unexpected type: wanted ItemAdded got %q", events.published[1].Message.TypeName)
	}

	if len(notifications.published) != 1 {
		t.Fatalf("unexpected notification count: wanted 1 got %d", len(notifications.published))
	}

	if notifications.published[0].Message.TypeName != aggregate.EventRejectedType {
		t.Errorf("unexpected notification type: %q", notifications.published[0].Message.TypeName)
	}

	if rejection, ok := notifications.messages[0].(aggregate.EventRejected); !ok || rejection.Code != aggregate.CodeHandlerRejected {
		t.Errorf("unexpected notification: %#v", notifications.messages[0])
	}
}

func TestExecutor_PublishFailureIsNotRolledBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	events := &recordingPublisher{err: errors.New("broker down")}
	exec := h.start(t, executor.WithEventPublisher(events))

	result := dispatch(t, exec, command("o1", orders.OrderStarted{Customer: "ada"}))

	if !errors.Is(result.PublishErr, events.err) {
		t.Errorf("unexpected publish error: wanted %v got %v", events.err, result.PublishErr)
	}

	if result.Version != 1 || len(h.streamItems(t, "o1")) != 1 {
		t.Errorf("expected the event to stay persisted")
	}
}

// racingStore appends a foreign event before each of the first races expected-version
// appends, as a concurrent writer would.
type racingStore struct {
	eventstore.Store
	races atomic.Int64
	types *envelope.Registry
}

func (s *racingStore) GetStream(ctx context.Context, id string) (eventstore.Stream, error) {
	stream, err := s.Store.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}

	return &racingStream{Stream: stream, store: s}, nil
}

type racingStream struct {
	eventstore.Stream
	store *racingStore
}

func (s *racingStream) AddItemsExpecting(ctx context.Context, items []eventstore.Item, expected int64) (int64, error) {
	if s.store.races.Add(-1) >= 0 {
		key, err := address.ParseKey(s.ID())
		if err != nil {
			return 0, err
		}

		data, err := envelope.Marshal(envelope.New(orders.ItemAdded{SKU: "race", Quantity: 1, UnitPrice: 1},
			metadata.New("ItemAdded", metadata.V1, metadata.WithAggregate(key.AggregateName, key.AggregateID))))
		if err != nil {
			return 0, err
		}

		if _, err := s.Stream.AddItems(ctx, []eventstore.Item{{Data: data}}); err != nil {
			return 0, err
		}
	}

	return s.Stream.AddItemsExpecting(ctx, items, expected)
}

func TestExecutor_ConflictRetry(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name         string
		races        int64
		wantAttempts int
		wantFailure  bool
	}{
		{name: "no conflict", races: 0, wantAttempts: 1},
		{name: "recovers after two conflicts", races: 2, wantAttempts: 3},
		{name: "gives up after retries", races: 100, wantAttempts: 4, wantFailure: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mem, err := memory.NewEventStore()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			racing := &racingStore{Store: mem}
			h := newHarness(t, racing)
			exec := h.start(t, executor.WithMaxConflictRetries(3))

			dispatch(t, exec, command("o1", orders.OrderStarted{Customer: "ada"}))
			racing.races.Store(tt.races)

			result, err := exec.Dispatch(context.Background(), command("o1", orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 5}))
			if tt.wantFailure {
				var failure executor.ConcurrencyFailureError
				if !errors.As(err, &failure) {
					t.Fatalf("unexpected error: wanted ConcurrencyFailureError got %v", err)
				}

				if failure.Attempts != tt.wantAttempts {
					t.Errorf("unexpected attempts: wanted %d got %d", tt.wantAttempts, failure.Attempts)
				}

				if !chronicle.IsRetryable(err) {
					t.Errorf("expected concurrency failure to be retryable")
				}

				var conflict eventstore.ConcurrencyConflictError
				if !errors.As(err, &conflict) {
					t.Errorf("expected the last conflict in the error chain")
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if result.Attempts != tt.wantAttempts {
				t.Errorf("unexpected attempts: wanted %d got %d", tt.wantAttempts, result.Attempts)
			}

			if want := int64(2 + tt.races); result.Version != want {
				t.Errorf("unexpected version: wanted %d got %d", want, result.Version)
			}

			order := result.State.(orders.Order)
			if len(order.Lines) != 1+min(int(tt.races), 1) {
				t.Errorf("unexpected lines: %+v", order.Lines)
			}
		})
	}
}

// trackingStore records the highest number of concurrent appends per stream and can hold
// appends to one stream until released.
type trackingStore struct {
	eventstore.Store
	mu       sync.Mutex
	inFlight map[string]int
	maxSeen  map[string]int
	hold     string
	release  chan struct{}
	held     chan struct{}
}

func (s *trackingStore) GetStream(ctx context.Context, id string) (eventstore.Stream, error) {
	stream, err := s.Store.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}

	return &trackingStream{Stream: stream, store: s}, nil
}

type trackingStream struct {
	eventstore.Stream
	store *trackingStore
}

func (s *trackingStream) AddItemsExpecting(ctx context.Context, items []eventstore.Item, expected int64) (int64, error) {
	st := s.store
	id := s.ID()

	st.mu.Lock()
	st.inFlight[id]++
	st.maxSeen[id] = max(st.maxSeen[id], st.inFlight[id])
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.inFlight[id]--
		st.mu.Unlock()
	}()

	if id == st.hold {
		st.held <- struct{}{}
		<-st.release
	}

	time.Sleep(time.Millisecond)

	return s.Stream.AddItemsExpecting(ctx, items, expected)
}

func newTrackingStore(t *testing.T) *trackingStore {
	t.Helper()

	mem, err := memory.NewEventStore()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return &trackingStore{
		Store:    mem,
		inFlight: map[string]int{},
		maxSeen:  map[string]int{},
		release:  make(chan struct{}),
		held:     make(chan struct{}, 1),
	}
}

func TestExecutor_SerializesPerKey(t *testing.T) {
	t.Parallel()

	store := newTrackingStore(t)
	h := newHarness(t, store)
	exec := h.start(t)

	dispatch(t, exec, command("o1", orders.OrderStarted{Customer: "ada"}))

	const n = 40

	var wg sync.WaitGroup
	results := make([]*executor.Result, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = exec.Dispatch(context.Background(), command("o1", orders.ItemAdded{SKU: fmt.Sprintf("sku-%d", i), Quantity: 1, UnitPrice: 1}))
		}()
	}

	wg.Wait()

	versions := map[int64]bool{}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("unexpected error for command %d: %v", i, errs[i])
		}

		if results[i].Attempts != 1 {
			t.Errorf("unexpected attempts for command %d: wanted 1 got %d", i, results[i].Attempts)
		}

		versions[results[i].Version] = true
	}

	if len(versions) != n {
		t.Errorf("unexpected distinct versions: wanted %d got %d", n, len(versions))
	}

	if got := store.maxSeen[orderKey("o1").StreamID()]; got != 1 {
		t.Errorf("unexpected concurrent appends on one stream: wanted 1 got %d", got)
	}

	if len(h.streamItems(t, "o1")) != n+1 {
		t.Errorf("unexpected stream length: wanted %d got %d", n+1, len(h.streamItems(t, "o1")))
	}
}

func TestExecutor_KeysRunConcurrently(t *testing.T) {
	t.Parallel()

	store := newTrackingStore(t)
	store.hold = orderKey("slow").StreamID()

	h := newHarness(t, store)
	exec := h.start(t, executor.WithWorkers(2))

	slowDone := make(chan error, 1)
	go func() {
		_, err := exec.Dispatch(context.Background(), command("slow", orders.OrderStarted{Customer: "ada"}))
		slowDone <- err
	}()

	<-store.held

	fast := dispatch(t, exec, command("fast", orders.OrderStarted{Customer: "bob"}))
	if fast.Version != 1 {
		t.Errorf("unexpected version: wanted 1 got %d", fast.Version)
	}

	select {
	case <-slowDone:
		t.Fatalf("slow command finished before it was released")
	default:
	}

	close(store.release)

	if err := <-slowDone; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExecutor_Snapshots(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	provider, err := statestore.New(statememory.NewBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshots, err := snapshotstore.NewStateStore(provider)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec := h.start(t,
		executor.WithSnapshots(snapshots),
		executor.WithSnapshotPolicy(snapshotstore.EventCountSnapshotPolicy{N: 2}),
	)

	commands := []aggregate.Payload{
		orders.OrderStarted{Customer: "ada"},
		orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 10},
		orders.ItemAdded{SKU: "b", Quantity: 2, UnitPrice: 20},
		orders.ItemRemoved{SKU: "a", Reason: "changed mind"},
		orders.ItemAdded{SKU: "c", Quantity: 1, UnitPrice: 5},
	}

	var last *executor.Result
	for i, payload := range commands {
		last = dispatch(t, exec, command("o1", payload))

		if want := (i+1)%2 == 0; last.Snapshotted != want {
			t.Errorf("unexpected snapshot decision at version %d: wanted %v got %v", last.Version, want, last.Snapshotted)
		}
	}

	snap, err := snapshots.ReadSnapshot(context.Background(), orderKey("o1"), snapshotstore.ReadSnapshotOptions{})
	if err != nil {
		t.Fatalf("unexpected snapshot read error: %v", err)
	}

	if snap.AggregateVersion != 4 {
		t.Errorf("unexpected snapshot version: wanted 4 got %d", snap.AggregateVersion)
	}

	// a second executor without snapshots replays the full stream
	replay := h.start(t)
	fromSnapshot := dispatch(t, exec, command("o1", orders.OrderShipped{Carrier: "ups"}))
	full := dispatch(t, replay, command("o1", orders.ItemAdded{SKU: "d", Quantity: 1, UnitPrice: 1}))

	if !full.Rejected {
		t.Fatalf("expected adding to a shipped order to be rejected")
	}

	if got, want := stateJSON(t, fromSnapshot.State), stateJSON(t, full.State); got != want {
		t.Errorf("snapshot state differs from full replay: wanted %s got %s", want, got)
	}

	if total := fromSnapshot.State.(orders.Order).Total; total != 45 {
		t.Errorf("unexpected total: wanted 45 got %d", total)
	}
}

func TestExecutor_Cancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	exec := h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := exec.Dispatch(ctx, command("o1", orders.OrderStarted{Customer: "ada"})); !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: wanted context.Canceled got %v", err)
	}

	exec.Stop()

	if len(h.streamItems(t, "o1")) != 0 {
		t.Errorf("expected canceled command to be skipped")
	}
}

func TestExecutor_Errors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	exec := h.start(t)

	for _, tt := range []struct {
		name  string
		env   envelope.Envelope
		check func(error) bool
	}{
		{
			name:  "missing aggregate",
			env:   envelope.New(orders.OrderStarted{}, metadata.New("OrderStarted", metadata.V1)),
			check: func(err error) bool { return errors.Is(err, address.ErrInvalidKey) },
		},
		{
			name: "unknown aggregate",
			env: envelope.New(orders.OrderStarted{}, metadata.New("OrderStarted", metadata.V1,
				metadata.WithAggregate("Shipment", "s1"))),
			check: func(err error) bool {
				var unknown aggregate.UnknownAggregateError
				return errors.As(err, &unknown) && unknown.Name == "Shipment"
			},
		},
		{
			name: "not a payload",
			env: envelope.New(struct{ Note string }{"hi"}, metadata.New("Note", metadata.V1,
				metadata.WithAggregate(orders.AggregateName, "o1"))),
			check: func(err error) bool {
				var invalid executor.InvalidCommandError
				return errors.As(err, &invalid)
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Dispatch(context.Background(), tt.env)
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}

			if chronicle.IsRetryable(err) {
				t.Errorf("expected a non-retryable error")
			}
		})
	}
}

func TestExecutor_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	exec, err := executor.New(h.store, h.registry, h.types, executor.WithLogger(chronicle.NopLogger()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := exec.Dispatch(context.Background(), command("o1", orders.OrderStarted{Customer: "ada"})); !errors.Is(err, executor.ErrNotStarted) {
		t.Errorf("unexpected error: wanted ErrNotStarted got %v", err)
	}

	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := exec.Start(context.Background()); err == nil {
		t.Errorf("expected error starting twice, got nil")
	}

	exec.Stop()

	if _, err := exec.Dispatch(context.Background(), command("o1", orders.OrderStarted{Customer: "ada"})); !errors.Is(err, executor.ErrStopped) {
		t.Errorf("unexpected error: wanted ErrStopped got %v", err)
	}
}

func TestExecutor_EvictsIdleUnits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	exec := h.start(t, executor.WithUnitIdleTimeout(10*time.Millisecond))

	dispatch(t, exec, command("o1", orders.OrderStarted{Customer: "ada"}))
	dispatch(t, exec, command("o2", orders.OrderStarted{Customer: "bob"}))

	deadline := time.Now().Add(5 * time.Second)
	for exec.Units() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("units were not evicted: %d remain", exec.Units())
		}

		time.Sleep(5 * time.Millisecond)
	}

	result := dispatch(t, exec, command("o1", orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 1}))
	if result.Version != 2 {
		t.Errorf("unexpected version after eviction: wanted 2 got %d", result.Version)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	for _, tt := range []struct {
		name string
		opts []executor.ExecutorOption
	}{
		{name: "zero workers", opts: []executor.ExecutorOption{executor.WithWorkers(0)}},
		{name: "negative retries", opts: []executor.ExecutorOption{executor.WithMaxConflictRetries(-1)}},
		{name: "zero idle timeout", opts: []executor.ExecutorOption{executor.WithUnitIdleTimeout(0)}},
		{name: "nil snapshot store", opts: []executor.ExecutorOption{executor.WithSnapshots(nil)}},
		{name: "nil publisher", opts: []executor.ExecutorOption{executor.WithEventPublisher(nil)}},
		{name: "nil tracer provider", opts: []executor.ExecutorOption{executor.WithTracerProvider(nil)}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := executor.New(h.store, h.registry, h.types, tt.opts...); err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}

	if _, err := executor.New(nil, h.registry, h.types); err == nil {
		t.Errorf("expected error for nil store, got nil")
	}
}

func TestExecutor_DuplicateCoveredBySnapshot(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name   string
		replay int
	}{
		{name: "initializer", replay: 0},
		{name: "later command", replay: 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)

			provider, err := statestore.New(statememory.NewBackend())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			snapshots, err := snapshotstore.NewStateStore(provider)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			notifications := &recordingPublisher{}
			exec := h.start(t,
				executor.WithSnapshots(snapshots),
				executor.WithSnapshotPolicy(snapshotstore.EventCountSnapshotPolicy{N: 1}),
				executor.WithNotificationPublisher(notifications),
			)

			cmds := []envelope.Envelope{
				command("o1", orders.OrderStarted{Customer: "ada"}),
				command("o1", orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 10}),
				command("o1", orders.ItemAdded{SKU: "b", Quantity: 1, UnitPrice: 5}),
			}

			for _, cmd := range cmds {
				if result := dispatch(t, exec, cmd); !result.Snapshotted {
					t.Fatalf("expected a snapshot at version %d", result.Version)
				}
			}

			result := dispatch(t, exec, cmds[tt.replay])
			if !result.Duplicate {
				t.Errorf("expected replayed command to be a duplicate")
			}

			if result.Rejected {
				t.Errorf("unexpected rejection of a replayed command: %+v", result.Events)
			}

			if result.Version != 3 {
				t.Errorf("unexpected version: wanted 3 got %d", result.Version)
			}

			if len(notifications.published) != 0 {
				t.Errorf("unexpected notifications: %d", len(notifications.published))
			}

			if len(h.streamItems(t, "o1")) != 3 {
				t.Errorf("unexpected stream length: wanted 3 got %d", len(h.streamItems(t, "o1")))
			}
		})
	}
}

// cancelingPublisher cancels the dispatching context from inside publication, after the
// events are persisted.
type cancelingPublisher struct {
	cancel context.CancelFunc
	delay  time.Duration
}

func (p *cancelingPublisher) PublishAsync(context.Context, any, metadata.Metadata) error {
	p.cancel()
	time.Sleep(p.delay)

	return nil
}

func TestExecutor_CancellationAfterPersistence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := h.start(t, executor.WithEventPublisher(&cancelingPublisher{cancel: cancel, delay: 50 * time.Millisecond}))

	result, err := exec.Dispatch(ctx, command("o1", orders.OrderStarted{Customer: "ada"}))
	if err != nil {
		t.Fatalf("unexpected error after persistence: %v", err)
	}

	if result == nil || result.Version != 1 || result.Rejected {
		t.Fatalf("unexpected result: %+v", result)
	}

	if ctx.Err() == nil {
		t.Fatalf("expected the dispatch context to be canceled")
	}

	if len(h.streamItems(t, "o1")) != 1 {
		t.Errorf("unexpected stream length: wanted 1 got %d", len(h.streamItems(t, "o1")))
	}
}

func TestExecutor_CancellationWhileQueued(t *testing.T) {
	t.Parallel()

	store := newTrackingStore(t)
	store.hold = orderKey("o1").StreamID()

	h := newHarness(t, store)
	exec := h.start(t)

	firstDone := make(chan error, 1)
	go func() {
		_, err := exec.Dispatch(context.Background(), command("o1", orders.OrderStarted{Customer: "ada"}))
		firstDone <- err
	}()

	<-store.held

	ctx, cancel := context.WithCancel(context.Background())
	queuedDone := make(chan error, 1)
	go func() {
		_, err := exec.Dispatch(ctx, command("o1", orders.ItemAdded{SKU: "a", Quantity: 1, UnitPrice: 1}))
		queuedDone <- err
	}()

	cancel()

	select {
	case err := <-queuedDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: wanted context.Canceled got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued command did not return after cancellation")
	}

	close(store.release)

	if err := <-firstDone; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec.Stop()

	if len(h.streamItems(t, "o1")) != 1 {
		t.Errorf("abandoned command was executed: stream has %d items", len(h.streamItems(t, "o1")))
	}
}
