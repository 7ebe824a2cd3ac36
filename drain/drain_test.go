package drain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/drainqueue/queue"
)

// fakeBackend is an in-memory queue.Backend used to exercise Drain's
// worker pool, ack batching, and drop sweep without a real broker.
type fakeBackend struct {
	mu         sync.Mutex
	pending    []queue.JSONItem[int]
	acked      []queue.JSONItem[int]
	ackCalls   int
	nextID     int
	dropCalled chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{dropCalled: make(chan struct{}, 64)}
}

func (b *fakeBackend) Clone() *fakeBackend { return b }

func (b *fakeBackend) Enqueue(ctx context.Context, item queue.JSONItem[int]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, item)
	return nil
}

func (b *fakeBackend) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]queue.JSONItem[int], error) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
		}
		return nil, nil
	}
	if n > len(b.pending) {
		n = len(b.pending)
	}
	out := make([]queue.JSONItem[int], n)
	for i := 0; i < n; i++ {
		b.nextID++
		decoded, ok := queue.DecodeJSONItem[int](itoa(b.nextID), map[string]string{"json": itoa(b.pending[i].Payload)})
		if !ok {
			b.mu.Unlock()
			return nil, errors.New("fakeBackend: failed to stamp delivery id")
		}
		out[i] = decoded
	}
	b.pending = b.pending[n:]
	b.mu.Unlock()
	return out, nil
}

func (b *fakeBackend) Ack(ctx context.Context, items []queue.JSONItem[int]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, items...)
	b.ackCalls++
	return nil
}

func (b *fakeBackend) DropItems(ctx context.Context, opts queue.DropOptions) ([]queue.DroppedItem, error) {
	select {
	case b.dropCalled <- struct{}{}:
	default:
	}
	return nil, nil
}

func (b *fakeBackend) ackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestDrainProcessesAndAcksAllItems(t *testing.T) {
	backend := newFakeBackend()
	for i := 0; i < 20; i++ {
		backend.pending = append(backend.pending, queue.NewJSONItem(i))
	}

	var processed sync.Map
	sink := SinkFunc[queue.JSONItem[int]](func(ctx context.Context, item queue.JSONItem[int]) bool {
		processed.Store(item.Payload, true)
		return true
	})

	d := New[queue.JSONItem[int]](backend, func(b *fakeBackend) *fakeBackend { return b.Clone() }, sink, 4, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := d.Run(ctx, 20*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: %v", err)
	}

	count := 0
	processed.Range(func(_, _ any) bool { count++; return true })
	if count != 20 {
		t.Fatalf("expected all 20 items processed, got %d", count)
	}
	if backend.ackedCount() != 20 {
		t.Fatalf("expected all 20 items acked, got %d", backend.ackedCount())
	}
}

func TestDrainSkipsAckWhenSinkReturnsFalse(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = append(backend.pending, queue.NewJSONItem(1))

	sink := SinkFunc[queue.JSONItem[int]](func(ctx context.Context, item queue.JSONItem[int]) bool {
		return false
	})

	d := New[queue.JSONItem[int]](backend, func(b *fakeBackend) *fakeBackend { return b.Clone() }, sink, 1, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_ = d.Run(ctx, 20*time.Millisecond)

	if backend.ackedCount() != 0 {
		t.Fatalf("expected no acks when sink rejects the item, got %d", backend.ackedCount())
	}
}

func TestDrainRunsDropSweepOnConfiguredInterval(t *testing.T) {
	backend := newFakeBackend()

	sink := SinkFunc[queue.JSONItem[int]](func(ctx context.Context, item queue.JSONItem[int]) bool {
		return true
	})

	dropOpts := &DropOptions{
		DropInterval:  10 * time.Millisecond,
		MinIdleTime:   time.Second,
		MaxDeliveries: 3,
		BatchSize:     10,
	}
	d := New[queue.JSONItem[int]](backend, func(b *fakeBackend) *fakeBackend { return b.Clone() }, sink, 2, 20*time.Millisecond, dropOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_ = d.Run(ctx, 10*time.Millisecond)

	select {
	case <-backend.dropCalled:
	default:
		t.Fatal("expected drop sweep to have run at least once")
	}
}
