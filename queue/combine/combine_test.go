package combine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/drainqueue/queue"
)

// testBackend is an in-memory queue.Backend used only to exercise Combine's
// routing logic without a real broker, mirroring the fake backend this
// module's design tests itself against.
type testBackend struct {
	mu       sync.Mutex
	pending  []queue.JSONItem[int]
	acked    []queue.JSONItem[int]
	nextID   int
}

func newTestBackend() *testBackend {
	return &testBackend{}
}

func (b *testBackend) Enqueue(ctx context.Context, item queue.JSONItem[int]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, item)
	return nil
}

func (b *testBackend) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]queue.JSONItem[int], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil, nil
	}
	if n > len(b.pending) {
		n = len(b.pending)
	}

	out := make([]queue.JSONItem[int], n)
	for i := 0; i < n; i++ {
		b.nextID++
		out[i] = withDeliveryID(b.pending[i], b.nextID)
	}
	b.pending = b.pending[n:]
	return out, nil
}

func (b *testBackend) Ack(ctx context.Context, items []queue.JSONItem[int]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, items...)
	return nil
}

func (b *testBackend) DropItems(ctx context.Context, opts queue.DropOptions) ([]queue.DroppedItem, error) {
	return nil, nil
}

func (b *testBackend) enqueuedValues() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.pending))
	for i, item := range b.pending {
		out[i] = item.Payload
	}
	return out
}

func (b *testBackend) ackedValues() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.acked))
	for i, item := range b.acked {
		out[i] = item.Payload
	}
	return out
}

// withDeliveryID stamps a delivery id onto a copy of item; JSONItem's
// fields are unexported so this goes through a JSON round trip the same
// way a real backend would.
func withDeliveryID(item queue.JSONItem[int], id int) queue.JSONItem[int] {
	decoded, ok := queue.DecodeJSONItem[int](itoa(id), map[string]string{"json": mustJSON(item.Payload)})
	if !ok {
		panic("combine test: failed to stamp delivery id")
	}
	return decoded
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func mustJSON(v int) string {
	return itoa(v)
}

func assertIntSlice(t *testing.T, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEnqueueRoutesToCorrectBackend(t *testing.T) {
	b1 := newTestBackend()
	b2 := newTestBackend()
	c := New[queue.JSONItem[int], queue.JSONItem[int]](b1, b2, Precedence)
	ctx := context.Background()

	if err := c.Enqueue(ctx, LeftOf[queue.JSONItem[int], queue.JSONItem[int]](queue.NewJSONItem(42))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	assertIntSlice(t, b1.enqueuedValues(), []int{42})
	assertIntSlice(t, b2.enqueuedValues(), nil)

	if err := c.Enqueue(ctx, RightOf[queue.JSONItem[int], queue.JSONItem[int]](queue.NewJSONItem(7))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	assertIntSlice(t, b2.enqueuedValues(), []int{7})
}

func TestDequeueRoundRobinAlternatesRegardlessOfAvailability(t *testing.T) {
	b1 := newTestBackend()
	b2 := newTestBackend()
	c := New[queue.JSONItem[int], queue.JSONItem[int]](b1, b2, RoundRobin)
	ctx := context.Background()

	b1.pending = []queue.JSONItem[int]{queue.NewJSONItem(1)}
	b2.pending = []queue.JSONItem[int]{queue.NewJSONItem(2)}

	first, err := c.Dequeue(ctx, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(first) != 1 || first[0].Left == nil {
		t.Fatalf("expected one Left item first, got %+v", first)
	}

	second, err := c.Dequeue(ctx, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(second) != 1 || second[0].Right == nil {
		t.Fatalf("expected one Right item second, got %+v", second)
	}
}

func TestDequeuePrecedenceDrainsBackend1First(t *testing.T) {
	b1 := newTestBackend()
	b2 := newTestBackend()
	c := New[queue.JSONItem[int], queue.JSONItem[int]](b1, b2, Precedence)
	ctx := context.Background()

	b1.pending = []queue.JSONItem[int]{queue.NewJSONItem(1), queue.NewJSONItem(3), queue.NewJSONItem(5)}
	b2.pending = []queue.JSONItem[int]{queue.NewJSONItem(2), queue.NewJSONItem(4)}

	batch, err := c.Dequeue(ctx, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(batch) != 2 || batch[0].Left == nil || batch[1].Left == nil {
		t.Fatalf("expected two Left items, got %+v", batch)
	}

	batch, err = c.Dequeue(ctx, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(batch) != 1 || batch[0].Left == nil {
		t.Fatalf("expected backend1's last remaining item, got %+v", batch)
	}

	batch, err = c.Dequeue(ctx, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(batch) != 2 || batch[0].Right == nil || batch[1].Right == nil {
		t.Fatalf("expected backend1 exhausted, falling through to backend2, got %+v", batch)
	}

	batch, err = c.Dequeue(ctx, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected both backends exhausted, got %+v", batch)
	}
}

func TestAckRoutesIntoCorrectBackend(t *testing.T) {
	b1 := newTestBackend()
	b2 := newTestBackend()
	c := New[queue.JSONItem[int], queue.JSONItem[int]](b1, b2, Precedence)
	ctx := context.Background()

	left := []Either[queue.JSONItem[int], queue.JSONItem[int]]{
		LeftOf[queue.JSONItem[int], queue.JSONItem[int]](queue.NewJSONItem(1)),
		LeftOf[queue.JSONItem[int], queue.JSONItem[int]](queue.NewJSONItem(2)),
	}
	if err := c.Ack(ctx, left); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	assertIntSlice(t, b1.ackedValues(), []int{1, 2})
	assertIntSlice(t, b2.ackedValues(), nil)

	right := []Either[queue.JSONItem[int], queue.JSONItem[int]]{
		RightOf[queue.JSONItem[int], queue.JSONItem[int]](queue.NewJSONItem(3)),
		RightOf[queue.JSONItem[int], queue.JSONItem[int]](queue.NewJSONItem(4)),
	}
	if err := c.Ack(ctx, right); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	assertIntSlice(t, b1.ackedValues(), []int{1, 2})
	assertIntSlice(t, b2.ackedValues(), []int{3, 4})
}
