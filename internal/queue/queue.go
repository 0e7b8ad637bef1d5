// Package queue implements the two inter-stage queueing policies named in
// spec §5: a bounded, block-on-full/empty queue for news/signal/exit traffic,
// and a bounded, drop-oldest-on-overflow queue for the raw tick stream.
package queue

import "context"

// Bounded is a channel-backed queue that blocks the producer when full and
// the consumer when empty. Used for every stage-to-stage queue except ticks.
type Bounded[T any] struct {
	ch chan T
}

// NewBounded creates a Bounded queue with the given capacity.
func NewBounded[T any](capacity int) *Bounded[T] {
	return &Bounded[T]{ch: make(chan T, capacity)}
}

// Push blocks until there is room or ctx is cancelled. Pushing onto a closed
// queue panics.
func (q *Bounded[T]) Push(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop blocks until an item is available, ctx is cancelled, or the queue closes.
// ok is false only when the queue has been closed and drained.
func (q *Bounded[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-q.ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// C exposes the underlying channel for select-based consumers.
func (q *Bounded[T]) C() <-chan T { return q.ch }

// Close closes the queue. Callers must not Push after Close.
func (q *Bounded[T]) Close() { close(q.ch) }

// Len reports the number of items currently buffered.
func (q *Bounded[T]) Len() int { return len(q.ch) }

// DropOldest is a channel-backed queue that, on overflow, evicts the oldest
// buffered item to make room for the newest one rather than blocking the
// producer. Spec §5 mandates this policy for Tick events only. Single-writer
// use is assumed (one vendor readLoop goroutine), matching the Bridge's usage.
type DropOldest[T any] struct {
	ch chan T
}

// NewDropOldest creates a DropOldest queue with the given capacity.
func NewDropOldest[T any](capacity int) *DropOldest[T] {
	return &DropOldest[T]{ch: make(chan T, capacity)}
}

// Push never blocks: if full, the oldest buffered item is discarded first.
func (q *DropOldest[T]) Push(v T) {
	for {
		select {
		case q.ch <- v:
			return
		default:
			select {
			case <-q.ch:
			default:
			}
		}
	}
}

// C exposes the underlying channel for select-based consumers.
func (q *DropOldest[T]) C() <-chan T { return q.ch }

// Close closes the queue.
func (q *DropOldest[T]) Close() { close(q.ch) }
