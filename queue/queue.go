package queue

import (
	"context"
	"time"
)

// Queue is a thin, typed pass-through over a Backend. It exists so most
// call sites can hold a Queue[I] instead of naming a concrete backend type,
// and gives a single seam for future cross-cutting policy (the metrics and
// tracing packages use the same seam by implementing Backend directly
// rather than wrapping Queue, so either can be composed underneath one).
type Queue[I Item, B Backend[I]] struct {
	backend B
}

// New wraps backend in a Queue.
func New[I Item, B Backend[I]](backend B) *Queue[I, B] {
	return &Queue[I, B]{backend: backend}
}

// Backend returns the underlying backend, e.g. for cloning it between a
// Drain's producer and ack goroutines.
func (q *Queue[I, B]) Backend() B {
	return q.backend
}

func (q *Queue[I, B]) Enqueue(ctx context.Context, item I) error {
	return q.backend.Enqueue(ctx, item)
}

func (q *Queue[I, B]) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]I, error) {
	return q.backend.Dequeue(ctx, n, timeout)
}

func (q *Queue[I, B]) Ack(ctx context.Context, items []I) error {
	return q.backend.Ack(ctx, items)
}

func (q *Queue[I, B]) DropItems(ctx context.Context, opts DropOptions) ([]DroppedItem, error) {
	return q.backend.DropItems(ctx, opts)
}
