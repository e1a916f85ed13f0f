// Package executor runs commands against aggregates one at a time per aggregate identity.
//
// Every command addressed to the same (partition, aggregate name, aggregate id) key is
// queued on that key's unit and processed in arrival order, never concurrently. Commands
// for different keys run in parallel, bounded by the worker count.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/address"
	"github.com/go-estoria/chronicle/aggregate"
	"github.com/go-estoria/chronicle/envelope"
	"github.com/go-estoria/chronicle/eventstore"
	"github.com/go-estoria/chronicle/metadata"
	"github.com/go-estoria/chronicle/snapshotstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers            = 8
	DefaultMaxConflictRetries = 3
	DefaultSnapshotInterval   = 50
	DefaultUnitIdleTimeout    = time.Minute
)

var (
	// ErrNotStarted is returned by Dispatch before Start.
	ErrNotStarted = errors.New("executor not started")

	// ErrStopped is returned by Dispatch after Stop.
	ErrStopped = errors.New("executor stopped")
)

// A Publisher hands messages to downstream consumers. *bus.Bus is a Publisher.
type Publisher interface {
	PublishAsync(ctx context.Context, msg any, md metadata.Metadata) error
}

// Result is the outcome of one command.
type Result struct {
	Key address.Key

	// Version is the stream version after the turn.
	Version int64

	// Events are the events appended, or the rejection event when Rejected.
	Events []aggregate.Event

	// State is the aggregate state after the turn.
	State aggregate.Aggregate

	Rejected bool

	// Duplicate is true when the command had already been applied. Nothing was appended.
	Duplicate bool

	// Attempts counts load-apply-append cycles, including conflict retries.
	Attempts int

	Snapshotted bool

	// PublishErr reports events that were persisted but could not be published.
	PublishErr error
}

// An Executor owns the execution units and the worker pool.
type Executor struct {
	store    eventstore.Store
	registry *aggregate.Registry
	types    *envelope.Registry

	snapshots      snapshotstore.Store
	snapshotPolicy snapshotstore.SnapshotPolicy
	events         Publisher
	notifications  Publisher

	workers     int
	maxRetries  int
	idleTimeout time.Duration
	retryDelay  time.Duration

	sem    *semaphore.Weighted
	units  map[address.Key]*unit
	mu     sync.Mutex
	wg     sync.WaitGroup
	state  runState
	cancel context.CancelFunc
	done   chan struct{}

	tracer trace.Tracer
	now    func() time.Time
	log    chronicle.Logger
}

type runState int

const (
	created runState = iota
	running
	stopped
)

// New creates an executor that loads and appends aggregate streams in store, resolves
// aggregates through registry and decodes stored events with types.
func New(store eventstore.Store, registry *aggregate.Registry, types *envelope.Registry, opts ...ExecutorOption) (*Executor, error) {
	switch {
	case store == nil:
		return nil, errors.New("event store is required")
	case registry == nil:
		return nil, errors.New("aggregate registry is required")
	case types == nil:
		return nil, errors.New("type registry is required")
	}

	e := &Executor{
		store:          store,
		registry:       registry,
		types:          types,
		snapshotPolicy: snapshotstore.EventCountSnapshotPolicy{N: DefaultSnapshotInterval},
		workers:        DefaultWorkers,
		maxRetries:     DefaultMaxConflictRetries,
		idleTimeout:    DefaultUnitIdleTimeout,
		retryDelay:     10 * time.Millisecond,
		units:          map[address.Key]*unit{},
		tracer:         otel.Tracer("github.com/go-estoria/chronicle/executor"),
		now:            time.Now,
		log:            chronicle.GetLogger().With("component", "executor"),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	e.sem = semaphore.NewWeighted(int64(e.workers))

	return e, nil
}

// Start enables dispatching and launches the idle-unit eviction loop.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != created {
		return errors.New("executor already started")
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.state = running

	go e.evictLoop(ctx)

	e.log.Info("executor started", "workers", e.workers, "max_conflict_retries", e.maxRetries, "unit_idle_timeout", e.idleTimeout)

	return nil
}

// Stop refuses new commands, waits for queued ones to finish and stops eviction.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.state != running {
		e.state = stopped
		e.mu.Unlock()
		return
	}

	e.state = stopped
	e.mu.Unlock()

	e.wg.Wait()
	e.cancel()
	<-e.done

	e.log.Info("executor stopped")
}

// Dispatch queues env on the unit for its aggregate key and waits for the turn's result.
// If ctx is done while the command is still queued, the command is dropped and ctx's
// error returned; once its turn has started, Dispatch reports the turn's outcome, so a
// command whose events were persisted is never reported as canceled. The key is taken
// from the message's aggregate reference and the context's partition id. The message
// must be an aggregate.Payload.
func (e *Executor) Dispatch(ctx context.Context, env envelope.Envelope) (*Result, error) {
	key := address.Key{
		Partition:     env.Metadata.Context.PartitionID,
		AggregateName: env.Metadata.Message.Aggregate.Name,
		AggregateID:   env.Metadata.Message.Aggregate.ID,
	}

	if err := key.Validate(); err != nil {
		return nil, err
	}

	req := &request{ctx: ctx, env: env, done: make(chan response, 1)}

	e.mu.Lock()
	switch e.state {
	case created:
		e.mu.Unlock()
		return nil, ErrNotStarted
	case stopped:
		e.mu.Unlock()
		return nil, ErrStopped
	}

	u, ok := e.units[key]
	if !ok {
		u = &unit{key: key}
		e.units[key] = u
	}

	if u.enqueue(req, e.now()) {
		e.wg.Add(1)
		go e.drain(u)
	}
	e.mu.Unlock()

	select {
	case resp := <-req.done:
		return resp.result, resp.err
	case <-ctx.Done():
	}

	if req.state.CompareAndSwap(requestQueued, requestAbandoned) {
		return nil, ctx.Err()
	}

	// The turn has started. It stops at the next cancellation check before the append;
	// once the append commits, the command succeeded regardless of ctx.
	resp := <-req.done

	return resp.result, resp.err
}

// Units returns the number of live execution units.
func (e *Executor) Units() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.units)
}

func (e *Executor) drain(u *unit) {
	defer e.wg.Done()

	for {
		req, ok := u.next(e.now())
		if !ok {
			return
		}

		if !req.state.CompareAndSwap(requestQueued, requestRunning) {
			e.log.Debug("skipping abandoned command", "key", u.key, "message_id", req.env.Metadata.Message.ID)
			continue
		}

		result, err := e.runTurn(req.ctx, u.key, req.env)
		req.done <- response{result: result, err: err}
	}
}

func (e *Executor) runTurn(ctx context.Context, key address.Key, env envelope.Envelope) (*Result, error) {
	if err := ctx.Err(); err != nil {
		e.log.Debug("skipping canceled command", "key", key, "message_id", env.Metadata.Message.ID)
		return nil, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	return e.turn(ctx, key, env)
}

func (e *Executor) evictLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(max(e.idleTimeout/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evictIdle()
		}
	}
}

func (e *Executor) evictIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for key, u := range e.units {
		if u.idleSince(now) > e.idleTimeout {
			delete(e.units, key)
			e.log.Debug("evicted idle unit", "key", key)
		}
	}
}

type request struct {
	ctx  context.Context //nolint:containedctx // carried to the unit's goroutine
	env  envelope.Envelope
	done chan response

	state atomic.Int32
}

// Request states. A queued request is either started by its unit or abandoned by its
// caller, never both.
const (
	requestQueued int32 = iota
	requestRunning
	requestAbandoned
)

type response struct {
	result *Result
	err    error
}

// A unit is the FIFO queue of one aggregate key. At most one goroutine drains it.
type unit struct {
	key      address.Key
	mu       sync.Mutex
	queue    []*request
	draining bool
	lastUsed time.Time
}

// enqueue adds req and reports whether the caller must start draining.
func (u *unit) enqueue(req *request, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.queue = append(u.queue, req)
	u.lastUsed = now

	if u.draining {
		return false
	}

	u.draining = true

	return true
}

func (u *unit) next(now time.Time) (*request, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastUsed = now

	if len(u.queue) == 0 {
		u.draining = false
		return nil, false
	}

	req := u.queue[0]
	u.queue[0] = nil
	u.queue = u.queue[1:]

	return req, true
}

// idleSince returns how long the unit has been idle, or 0 while it has work.
func (u *unit) idleSince(now time.Time) time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.draining || len(u.queue) > 0 {
		return 0
	}

	return now.Sub(u.lastUsed)
}
