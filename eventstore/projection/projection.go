// Package projection folds the items of a stream through a handler.
package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/eventstore"
)

// A StreamProjection reads items from a stream in pages and executes a handler for each item.
type StreamProjection struct {
	stream    eventstore.Stream
	from      int64
	to        int64
	batchSize int64

	log chronicle.Logger
}

// New creates a new StreamProjection reading the whole stream.
func New(stream eventstore.Stream, opts ...StreamProjectionOption) (*StreamProjection, error) {
	if stream == nil {
		return nil, errors.New("stream is required")
	}

	projection := &StreamProjection{
		stream:    stream,
		from:      1,
		batchSize: 256,
		log:       chronicle.GetLogger().With("component", "projection"),
	}

	for _, opt := range opts {
		if err := opt(projection); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	return projection, nil
}

// An ItemHandler handles an individual stream item.
type ItemHandler interface {
	Handle(ctx context.Context, item eventstore.StreamItem) error
}

// An ItemHandlerFunc is a function that handles an item during projection.
type ItemHandlerFunc func(ctx context.Context, item eventstore.StreamItem) error

// Handle implements the ItemHandler interface, allowing an ItemHandlerFunc to be used as an ItemHandler.
func (f ItemHandlerFunc) Handle(ctx context.Context, item eventstore.StreamItem) error {
	return f(ctx, item)
}

// Result contains the result of a projection.
type Result struct {
	NumProjectedItems int64
	LastSequence      int64
}

// Project reads the configured range of the stream and hands each item to the handler,
// stopping at the first error.
func (p *StreamProjection) Project(ctx context.Context, handler ItemHandler) (*Result, error) {
	version, err := p.stream.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stream version: %w", err)
	}

	last := version
	if p.to > 0 && p.to < last {
		last = p.to
	}

	result := &Result{LastSequence: p.from - 1}

	for first := p.from; first <= last; first += p.batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		items, err := p.stream.GetItems(ctx, first, min(first+p.batchSize-1, last))
		if err != nil {
			return result, fmt.Errorf("reading items: %w", err)
		}

		for _, item := range items {
			p.log.Debug("projecting item", "stream_id", item.StreamID, "sequence", item.Sequence)

			if err := handler.Handle(ctx, item); err != nil {
				return result, fmt.Errorf("processing item %d: %w", item.Sequence, err)
			}

			result.NumProjectedItems++
			result.LastSequence = item.Sequence
		}
	}

	p.log.Debug("projected items", "stream_id", p.stream.ID(), "count", result.NumProjectedItems)

	return result, nil
}

// A StreamProjectionOption is an option for configuring a StreamProjection.
type StreamProjectionOption func(*StreamProjection) error

// WithRange limits the projection to sequences in [from, to]. A to of 0 reads to the end.
func WithRange(from, to int64) StreamProjectionOption {
	return func(p *StreamProjection) error {
		if from < 1 {
			return fmt.Errorf("invalid start sequence %d", from)
		}

		p.from, p.to = from, to
		return nil
	}
}

// WithBatchSize sets the number of items read per page.
func WithBatchSize(n int64) StreamProjectionOption {
	return func(p *StreamProjection) error {
		if n < 1 {
			return fmt.Errorf("invalid batch size %d", n)
		}

		p.batchSize = n
		return nil
	}
}

// WithLogger sets the logger for the StreamProjection.
func WithLogger(log chronicle.Logger) StreamProjectionOption {
	return func(p *StreamProjection) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}

		p.log = log
		return nil
	}
}
