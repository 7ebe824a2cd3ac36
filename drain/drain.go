// Package drain implements the worker-pool scheduler that drains a
// queue.Backend: a dequeue loop, N process workers, a batching ack loop,
// and a periodic poison-item sweep, wired together the way this module's
// component design specifies.
package drain

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/drainqueue/queue"
)

// Sink is the application-supplied item processor. Process returning true
// means "ack me"; false leaves the item pending, typically to be retried
// via the backend's own redelivery (autoclaim, visibility timeout, or
// equivalent). A Sink that never returns false and never panics gives
// standard at-least-once-with-retry semantics.
type Sink[I queue.Item] interface {
	Process(ctx context.Context, item I) bool
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc[I queue.Item] func(ctx context.Context, item I) bool

func (f SinkFunc[I]) Process(ctx context.Context, item I) bool {
	return f(ctx, item)
}

// DropOptions configures the periodic dead-letter sweep. It is distinct
// from queue.DropOptions because it additionally carries DropInterval,
// the cadence at which the producer loop invokes the sweep.
type DropOptions struct {
	DropInterval  time.Duration
	MinIdleTime   time.Duration
	MaxDeliveries uint64
	BatchSize     uint64
}

func (o DropOptions) toQueueOptions() queue.DropOptions {
	return queue.DropOptions{
		MinIdleTime:   o.MinIdleTime,
		MaxDeliveries: o.MaxDeliveries,
		Count:         o.BatchSize,
	}
}

// Drain wires a queue.Backend, a Sink, and a worker pool into the
// dequeue-dispatch-process-ack loop. Drain is constructed with a Backend
// directly (rather than a queue.Queue) because it needs to Clone the
// backend to give its producer and ack goroutines independent handles; see
// each backend's Clone method.
type Drain[I queue.Item, B queue.Backend[I]] struct {
	backend     B
	clone       func(B) B
	sink        Sink[I]
	numWorkers  int
	ackInterval time.Duration
	dropOptions *DropOptions
}

// New constructs a Drain. clone must return an independent handle to
// backend suitable for concurrent use alongside the original (see the
// Backend contract's cloning note); pass a function that calls the
// concrete backend's own Clone method, e.g.:
//
//	drain.New[MyItem](b, func(b *stream.Backend[MyItem]) *stream.Backend[MyItem] { return b.Clone() }, sink, 8, time.Second, nil)
func New[I queue.Item, B queue.Backend[I]](
	backend B,
	clone func(B) B,
	sink Sink[I],
	numWorkers int,
	ackInterval time.Duration,
	dropOptions *DropOptions,
) *Drain[I, B] {
	return &Drain[I, B]{
		backend:     backend,
		clone:       clone,
		sink:        sink,
		numWorkers:  numWorkers,
		ackInterval: ackInterval,
		dropOptions: dropOptions,
	}
}

// Run spawns the ack goroutine, the producer (dequeue + drop-sweep)
// goroutine, and numWorkers process goroutines, and blocks until one of
// them returns an error or ctx is cancelled. Any goroutine exiting tears
// down the rest: Run is meant to be called once and to run for the
// lifetime of the process.
func (d *Drain[I, B]) Run(ctx context.Context, dequeueTimeout time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	dispatch := make(chan I, d.numWorkers)
	ackCh := make(chan I, d.numWorkers)

	ackBackend := d.clone(d.backend)
	g.Go(func() error {
		return d.ackLoop(ctx, ackBackend, ackCh)
	})

	var dispatchMu sync.Mutex
	for i := 0; i < d.numWorkers; i++ {
		g.Go(func() error {
			return d.worker(ctx, &dispatchMu, dispatch, ackCh)
		})
	}

	producerBackend := d.clone(d.backend)
	g.Go(func() error {
		return d.produce(ctx, producerBackend, dispatch, dequeueTimeout)
	})

	return g.Wait()
}

// worker pops one item at a time from dispatch under dispatchMu, releasing
// the lock before calling the sink so that N workers process concurrently
// rather than serializing on the shared channel.
func (d *Drain[I, B]) worker(ctx context.Context, dispatchMu *sync.Mutex, dispatch <-chan I, ackCh chan<- I) error {
	for {
		dispatchMu.Lock()
		var item I
		var ok bool
		select {
		case <-ctx.Done():
			dispatchMu.Unlock()
			return ctx.Err()
		case item, ok = <-dispatch:
		}
		dispatchMu.Unlock()

		if !ok {
			return nil
		}

		if d.sink.Process(ctx, item) {
			select {
			case ackCh <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ackLoop drains every currently-available item off ackCh every
// ackInterval and submits them as one Backend.Ack call. An ack failure is
// treated as fatal to the whole Run, per the error-handling design.
func (d *Drain[I, B]) ackLoop(ctx context.Context, backend B, ackCh <-chan I) error {
	ticker := time.NewTicker(d.ackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var items []I
		drain:
			for {
				select {
				case item := <-ackCh:
					items = append(items, item)
				default:
					break drain
				}
			}

			if len(items) == 0 {
				continue
			}
			if err := backend.Ack(ctx, items); err != nil {
				return err
			}
		}
	}
}

// produce is the dequeue loop: before each dequeue it runs the dead-letter
// sweep if configured and due, then dequeues up to numWorkers items and
// hands each to the dispatch channel.
func (d *Drain[I, B]) produce(ctx context.Context, backend B, dispatch chan<- I, dequeueTimeout time.Duration) error {
	dropTimer := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.dropOptions != nil && time.Since(dropTimer) > d.dropOptions.DropInterval {
			dropTimer = time.Now()
			if _, err := backend.DropItems(ctx, d.dropOptions.toQueueOptions()); err != nil {
				return err
			}
		}

		items, err := backend.Dequeue(ctx, d.numWorkers, dequeueTimeout)
		if err != nil {
			return err
		}

		for _, item := range items {
			select {
			case dispatch <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
