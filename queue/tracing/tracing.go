// Package tracing wraps a queue.Backend in OpenTelemetry spans, the way
// this module's metrics package wraps one in Prometheus instrumentation.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/drainqueue/queue"
)

// Backend wraps an inner queue.Backend, starting a span named
// "drainqueue.<op>" around every call.
type Backend[I queue.Item, B queue.Backend[I]] struct {
	inner  B
	tracer trace.Tracer
}

// Wrap decorates inner with OpenTelemetry spans using tracer.
func Wrap[I queue.Item, B queue.Backend[I]](inner B, tracer trace.Tracer) *Backend[I, B] {
	return &Backend[I, B]{inner: inner, tracer: tracer}
}

func (b *Backend[I, B]) Enqueue(ctx context.Context, item I) error {
	ctx, span := b.tracer.Start(ctx, "drainqueue.enqueue")
	defer span.End()

	err := b.inner.Enqueue(ctx, item)
	recordOutcome(span, err)
	return err
}

func (b *Backend[I, B]) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]I, error) {
	ctx, span := b.tracer.Start(ctx, "drainqueue.dequeue",
		trace.WithAttributes(attribute.Int("drainqueue.requested", n)),
	)
	defer span.End()

	items, err := b.inner.Dequeue(ctx, n, timeout)
	span.SetAttributes(attribute.Int("drainqueue.returned", len(items)))
	recordOutcome(span, err)
	return items, err
}

func (b *Backend[I, B]) Ack(ctx context.Context, items []I) error {
	ctx, span := b.tracer.Start(ctx, "drainqueue.ack",
		trace.WithAttributes(attribute.Int("drainqueue.count", len(items))),
	)
	defer span.End()

	err := b.inner.Ack(ctx, items)
	recordOutcome(span, err)
	return err
}

func (b *Backend[I, B]) DropItems(ctx context.Context, opts queue.DropOptions) ([]queue.DroppedItem, error) {
	ctx, span := b.tracer.Start(ctx, "drainqueue.drop_items")
	defer span.End()

	dropped, err := b.inner.DropItems(ctx, opts)
	span.SetAttributes(attribute.Int("drainqueue.dropped", len(dropped)))
	recordOutcome(span, err)
	return dropped, err
}

func recordOutcome(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
