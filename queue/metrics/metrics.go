// Package metrics wraps a queue.Backend with Prometheus counters and a
// dequeue-latency histogram, the way this module's other optional
// cross-cutting concerns (tracing) wrap a Backend rather than requiring
// each backend implementation to know about observability.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oriys/drainqueue/queue"
)

// Collector holds the Prometheus collectors a wrapped Backend reports to.
type Collector struct {
	enqueued *prometheus.CounterVec
	dequeued *prometheus.CounterVec
	acked    *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	dequeueDuration *prometheus.HistogramVec
}

// NewCollector builds and registers the drainqueue_* collectors under
// namespace against registerer. Pass prometheus.DefaultRegisterer to use
// the global registry.
func NewCollector(namespace string, registerer prometheus.Registerer) *Collector {
	c := &Collector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drainqueue_enqueued_total",
			Help:      "Items successfully enqueued.",
		}, []string{"queue"}),
		dequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drainqueue_dequeued_total",
			Help:      "Items returned from Dequeue.",
		}, []string{"queue"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drainqueue_acked_total",
			Help:      "Items successfully acknowledged.",
		}, []string{"queue"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drainqueue_dropped_total",
			Help:      "Items dead-lettered by a drop sweep.",
		}, []string{"queue"}),
		dequeueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drainqueue_dequeue_duration_seconds",
			Help:      "Latency of Dequeue calls, including any blocking wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}

	registerer.MustRegister(c.enqueued, c.dequeued, c.acked, c.dropped, c.dequeueDuration)
	return c
}

// Backend wraps an inner queue.Backend, reporting every call to a
// Collector under the given queue label.
type Backend[I queue.Item, B queue.Backend[I]] struct {
	inner     B
	collector *Collector
	label     string
}

// Wrap decorates inner with Prometheus instrumentation.
func Wrap[I queue.Item, B queue.Backend[I]](inner B, collector *Collector, label string) *Backend[I, B] {
	return &Backend[I, B]{inner: inner, collector: collector, label: label}
}

func (b *Backend[I, B]) Enqueue(ctx context.Context, item I) error {
	if err := b.inner.Enqueue(ctx, item); err != nil {
		return err
	}
	b.collector.enqueued.WithLabelValues(b.label).Inc()
	return nil
}

func (b *Backend[I, B]) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]I, error) {
	start := time.Now()
	items, err := b.inner.Dequeue(ctx, n, timeout)
	b.collector.dequeueDuration.WithLabelValues(b.label).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	b.collector.dequeued.WithLabelValues(b.label).Add(float64(len(items)))
	return items, nil
}

func (b *Backend[I, B]) Ack(ctx context.Context, items []I) error {
	if err := b.inner.Ack(ctx, items); err != nil {
		return err
	}
	b.collector.acked.WithLabelValues(b.label).Add(float64(len(items)))
	return nil
}

func (b *Backend[I, B]) DropItems(ctx context.Context, opts queue.DropOptions) ([]queue.DroppedItem, error) {
	dropped, err := b.inner.DropItems(ctx, opts)
	if err != nil {
		return nil, err
	}
	b.collector.dropped.WithLabelValues(b.label).Add(float64(len(dropped)))
	return dropped, nil
}
