package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/drainqueue/queue"
)

// newTestRedisClient mirrors the rest of this corpus's Redis test helper:
// tests that need a live broker are skipped rather than failed when one
// isn't reachable.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

type payload struct {
	Value string
}

func testKey(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("drainqueue-test:%s:%d", t.Name(), time.Now().UnixNano())
}

func newTestBackend(t *testing.T, client *redis.Client, streamKey string, autoclaim *AutoclaimOptions) *Backend[queue.JSONItem[payload]] {
	t.Helper()
	ctx := context.Background()

	if err := ensureGroup(ctx, client, streamKey, "group"); err != nil {
		t.Fatalf("ensureGroup: %v", err)
	}

	stage := dequeueStage{}
	if autoclaim != nil {
		stage.nextAutoclaim = autoclaim.Frequency
	}

	return &Backend[queue.JSONItem[payload]]{
		client:    client,
		streamKey: streamKey,
		group:     "group",
		consumer:  "consumer-a",
		autoclaim: autoclaim,
		decode:    queue.DecodeJSONItem[payload],
		stage:     stage,
	}
}

func TestBackendEnqueueDequeueAck(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()
	streamKey := testKey(t)
	defer client.Del(ctx, streamKey)

	b := newTestBackend(t, client, streamKey, nil)

	if err := b.Enqueue(ctx, queue.NewJSONItem(payload{Value: "hello"})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	items, err := b.Dequeue(ctx, 10, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Payload.Value != "hello" {
		t.Fatalf("unexpected payload: %+v", items[0].Payload)
	}
	if _, ok := items[0].DeliveryID(); !ok {
		t.Fatal("expected dequeued item to carry a delivery id")
	}

	if err := b.Ack(ctx, items); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	dropped, err := b.DropItems(ctx, queue.DropOptions{MinIdleTime: 0, MaxDeliveries: 1, Count: 100})
	if err != nil {
		t.Fatalf("DropItems: %v", err)
	}
	if len(dropped) != 0 {
		t.Fatalf("expected nothing pending after ack, got %d", len(dropped))
	}
}

func TestBackendDequeueEmptyReturnsImmediately(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()
	streamKey := testKey(t)
	defer client.Del(ctx, streamKey)

	b := newTestBackend(t, client, streamKey, nil)

	start := time.Now()
	items, err := b.Dequeue(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %d", len(items))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("zero-timeout dequeue took too long: %v", elapsed)
	}
}

func TestBackendAutoclaimReclaimsAbandonedEntries(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()
	streamKey := testKey(t)
	defer client.Del(ctx, streamKey)

	opts := &AutoclaimOptions{Frequency: 1, MinIdleTime: 0}
	owner := newTestBackend(t, client, streamKey, nil)
	owner.consumer = "abandoned-consumer"

	if err := owner.Enqueue(ctx, queue.NewJSONItem(payload{Value: "orphan"})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := owner.Dequeue(ctx, 10, time.Second); err != nil {
		t.Fatalf("Dequeue (claim by abandoned consumer): %v", err)
	}
	// owner never acks, simulating a crashed consumer.

	reclaimer := newTestBackend(t, client, streamKey, opts)
	reclaimer.consumer = "reclaimer"

	// First call is a normal read (empty, since the only entry is already
	// pending under the abandoned consumer); that read also arms the next
	// call to be an autoclaim pass per Frequency=1.
	if _, err := reclaimer.Dequeue(ctx, 10, 0); err != nil {
		t.Fatalf("Dequeue (read pass): %v", err)
	}
	if !reclaimer.stage.inAutoclaim {
		t.Fatal("expected stage to have rotated into autoclaim")
	}

	items, err := reclaimer.Dequeue(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Dequeue (autoclaim pass): %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected autoclaim to reclaim 1 item, got %d", len(items))
	}
	if items[0].Payload.Value != "orphan" {
		t.Fatalf("unexpected reclaimed payload: %+v", items[0].Payload)
	}
}

func TestBackendDropItemsDeadLettersExhaustedRetries(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()
	streamKey := testKey(t)
	defer client.Del(ctx, streamKey)

	b := newTestBackend(t, client, streamKey, nil)

	if err := b.Enqueue(ctx, queue.NewJSONItem(payload{Value: "poison"})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := b.Dequeue(ctx, 10, time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	// Left unacked: this consumer's delivery count is now 1, idle time > 0.

	time.Sleep(10 * time.Millisecond)

	dropped, err := b.DropItems(ctx, queue.DropOptions{MinIdleTime: time.Millisecond, MaxDeliveries: 1, Count: 100})
	if err != nil {
		t.Fatalf("DropItems: %v", err)
	}
	if len(dropped) != 1 {
		t.Fatalf("expected 1 dead-lettered item, got %d", len(dropped))
	}
	if dropped[0].Deliveries != 1 {
		t.Fatalf("expected delivery count 1, got %d", dropped[0].Deliveries)
	}
}
