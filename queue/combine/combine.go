// Package combine fuses two heterogeneous queue.Backend implementations
// into one typed union, dequeuing from them under either a round-robin or
// a strict-precedence discipline.
package combine

import (
	"context"
	"time"

	"github.com/oriys/drainqueue/queue"
)

// Either tags an item as coming from backend 1 (Left) or backend 2
// (Right). Exactly one of Left/Right is non-nil; this is the idiomatic Go
// encoding of the Left/Right tagged union described in the design.
type Either[A queue.Item, B queue.Item] struct {
	Left  *A
	Right *B
}

// LeftOf wraps a as a Left-tagged Either.
func LeftOf[A queue.Item, B queue.Item](a A) Either[A, B] {
	return Either[A, B]{Left: &a}
}

// RightOf wraps b as a Right-tagged Either.
func RightOf[A queue.Item, B queue.Item](b B) Either[A, B] {
	return Either[A, B]{Right: &b}
}

// DeliveryID satisfies queue.Item by delegating to whichever side is set.
func (e Either[A, B]) DeliveryID() (string, bool) {
	if e.Left != nil {
		return (*e.Left).DeliveryID()
	}
	return (*e.Right).DeliveryID()
}

// Fields satisfies queue.Item by delegating to whichever side is set.
func (e Either[A, B]) Fields() []queue.Field {
	if e.Left != nil {
		return (*e.Left).Fields()
	}
	return (*e.Right).Fields()
}

// Strategy selects how Backend dequeues across its two sides.
type Strategy int

const (
	// RoundRobin flips which side is dequeued on every call, regardless
	// of which side actually has items. Fairness is per-call, not
	// per-item.
	RoundRobin Strategy = iota
	// Precedence strictly favours backend 1: backend 2 is only consulted
	// when a zero-timeout dequeue of backend 1 comes back empty, and
	// backend 2 itself is never allowed to consume the caller's timeout
	// budget.
	Precedence
)

// toggle is RoundRobin's two-state "which side dequeues next" cursor.
type toggle int

const (
	toggleBackend1 toggle = iota
	toggleBackend2
)

// Backend fuses backend1 (type I1) and backend2 (type I2) into a single
// queue.Backend[Either[I1, I2]].
type Backend[I1 queue.Item, I2 queue.Item, B1 queue.Backend[I1], B2 queue.Backend[I2]] struct {
	backend1 B1
	backend2 B2
	strategy Strategy
	toggle   toggle
}

// New fuses backend1 and backend2 under strategy.
func New[I1 queue.Item, I2 queue.Item, B1 queue.Backend[I1], B2 queue.Backend[I2]](
	backend1 B1,
	backend2 B2,
	strategy Strategy,
) *Backend[I1, I2, B1, B2] {
	return &Backend[I1, I2, B1, B2]{
		backend1: backend1,
		backend2: backend2,
		strategy: strategy,
		toggle:   toggleBackend1,
	}
}

func (c *Backend[I1, I2, B1, B2]) Enqueue(ctx context.Context, item Either[I1, I2]) error {
	if item.Left != nil {
		return c.backend1.Enqueue(ctx, *item.Left)
	}
	return c.backend2.Enqueue(ctx, *item.Right)
}

func (c *Backend[I1, I2, B1, B2]) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]Either[I1, I2], error) {
	switch c.strategy {
	case Precedence:
		return c.dequeuePrecedence(ctx, n, timeout)
	default:
		return c.dequeueRoundRobin(ctx, n, timeout)
	}
}

// dequeueRoundRobin dequeues from the current side only, then flips the
// toggle, even if the result is empty.
func (c *Backend[I1, I2, B1, B2]) dequeueRoundRobin(ctx context.Context, n int, timeout time.Duration) ([]Either[I1, I2], error) {
	defer func() {
		if c.toggle == toggleBackend1 {
			c.toggle = toggleBackend2
		} else {
			c.toggle = toggleBackend1
		}
	}()

	if c.toggle == toggleBackend1 {
		items, err := c.backend1.Dequeue(ctx, n, timeout)
		if err != nil {
			return nil, err
		}
		return tagLeft[I1, I2](items), nil
	}

	items, err := c.backend2.Dequeue(ctx, n, timeout)
	if err != nil {
		return nil, err
	}
	return tagRight[I1, I2](items), nil
}

// dequeuePrecedence strictly favours backend1: backend2 is only ever given
// a zero-timeout dequeue, so it can never consume the caller's timeout
// budget.
func (c *Backend[I1, I2, B1, B2]) dequeuePrecedence(ctx context.Context, n int, timeout time.Duration) ([]Either[I1, I2], error) {
	items1, err := c.backend1.Dequeue(ctx, n, 0)
	if err != nil {
		return nil, err
	}
	if len(items1) > 0 {
		return tagLeft[I1, I2](items1), nil
	}

	items2, err := c.backend2.Dequeue(ctx, n, 0)
	if err != nil {
		return nil, err
	}
	if len(items2) > 0 {
		return tagRight[I1, I2](items2), nil
	}

	items1, err = c.backend1.Dequeue(ctx, n, timeout)
	if err != nil {
		return nil, err
	}
	return tagLeft[I1, I2](items1), nil
}

func tagLeft[I1 queue.Item, I2 queue.Item](items []I1) []Either[I1, I2] {
	if len(items) == 0 {
		return nil
	}
	tagged := make([]Either[I1, I2], len(items))
	for i, it := range items {
		tagged[i] = LeftOf[I1, I2](it)
	}
	return tagged
}

func tagRight[I1 queue.Item, I2 queue.Item](items []I2) []Either[I1, I2] {
	if len(items) == 0 {
		return nil
	}
	tagged := make([]Either[I1, I2], len(items))
	for i, it := range items {
		tagged[i] = RightOf[I1, I2](it)
	}
	return tagged
}

// Ack partitions items by tag and acks each side independently,
// propagating the first error. A partial failure (backend1 acked,
// backend2 failed) is not rolled back; the caller must treat ack errors as
// "may have partially succeeded".
func (c *Backend[I1, I2, B1, B2]) Ack(ctx context.Context, items []Either[I1, I2]) error {
	var left []I1
	var right []I2
	for _, item := range items {
		if item.Left != nil {
			left = append(left, *item.Left)
		} else if item.Right != nil {
			right = append(right, *item.Right)
		}
	}

	if err := c.backend1.Ack(ctx, left); err != nil {
		return err
	}
	return c.backend2.Ack(ctx, right)
}

// DropItems unions the two sides' dropped-item lists, backend1's first.
func (c *Backend[I1, I2, B1, B2]) DropItems(ctx context.Context, opts queue.DropOptions) ([]queue.DroppedItem, error) {
	d1, err := c.backend1.DropItems(ctx, opts)
	if err != nil {
		return nil, err
	}

	d2, err := c.backend2.DropItems(ctx, opts)
	if err != nil {
		return nil, err
	}

	return append(d1, d2...), nil
}
