// Package stream implements queue.Backend on top of a Redis stream and
// consumer group, including the interleaved read/autoclaim dequeue state
// machine described in the package-level design.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/drainqueue/queue"
)

// AutoclaimOptions configures the periodic reclaim of entries abandoned by
// other (or crashed) consumers. Every Frequency-th Dequeue call is
// followed by one or more Autoclaim passes over the pending list, paged by
// the caller's requested batch size, until the broker reports the pending
// list exhausted.
type AutoclaimOptions struct {
	Frequency   int
	MinIdleTime time.Duration
}

// dequeueStage is the two-state interleave between normal reads and
// pending-list reclaim passes. It is represented as a bool discriminant
// plus the field meaningful to whichever state is active, rather than as a
// tagged union, which is the idiomatic Go encoding of the same state
// machine described in the design notes.
type dequeueStage struct {
	inAutoclaim   bool
	nextStreamID  string // meaningful when inAutoclaim
	nextAutoclaim int    // meaningful when !inAutoclaim and autoclaim is configured
}

// Backend is a queue.Backend over a Redis stream consumer group.
type Backend[I queue.Item] struct {
	client     *redis.Client
	streamKey  string
	group      string
	consumer   string
	autoclaim  *AutoclaimOptions
	decode     queue.Decoder[I]
	stage      dequeueStage
}

// Builder constructs a Backend, mirroring the connection-string + fluent
// option style used throughout this module's daemon for wiring backends.
type Builder[I queue.Item] struct {
	connString string
	streamKey  string
	group      string
	consumer   string
	autoclaim  *AutoclaimOptions
	decode     queue.Decoder[I]
}

// NewBuilder starts building a Stream backend. decode is the Decoder used
// to turn a raw broker record back into an I; for the reference JSONItem
// type this is queue.DecodeJSONItem[T].
func NewBuilder[I queue.Item](connString, streamKey, group string, decode queue.Decoder[I]) *Builder[I] {
	return &Builder[I]{
		connString: connString,
		streamKey:  streamKey,
		group:      group,
		consumer:   uuid.NewString(),
		decode:     decode,
	}
}

// Consumer overrides the default random v4 UUID consumer id.
func (b *Builder[I]) Consumer(id string) *Builder[I] {
	b.consumer = id
	return b
}

// Autoclaim enables periodic reclaim of abandoned pending entries.
func (b *Builder[I]) Autoclaim(opts AutoclaimOptions) *Builder[I] {
	b.autoclaim = &opts
	return b
}

// Build opens the connection, ensures the stream and consumer group exist,
// and returns a ready-to-use Backend.
func (b *Builder[I]) Build(ctx context.Context) (*Backend[I], error) {
	opts, err := redis.ParseURL(b.connString)
	if err != nil {
		return nil, queue.ConnectionError(fmt.Errorf("parse redis connection string: %w", err))
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, queue.ConnectionError(fmt.Errorf("connect to redis: %w", err))
	}

	if err := ensureGroup(ctx, client, b.streamKey, b.group); err != nil {
		return nil, err
	}

	stage := dequeueStage{}
	if b.autoclaim != nil {
		stage.nextAutoclaim = b.autoclaim.Frequency
	}

	return &Backend[I]{
		client:    client,
		streamKey: b.streamKey,
		group:     b.group,
		consumer:  b.consumer,
		autoclaim: b.autoclaim,
		decode:    b.decode,
		stage:     stage,
	}, nil
}

// ensureGroup creates the consumer group at the stream tail ("$") if it is
// not already present, tolerating the race where another process creates
// it between the existence check and our create call.
func ensureGroup(ctx context.Context, client *redis.Client, streamKey, group string) error {
	exists, err := client.Exists(ctx, streamKey).Result()
	if err != nil {
		return queue.BrokerError(fmt.Errorf("check stream existence: %w", err))
	}

	if exists > 0 {
		groups, err := client.XInfoGroups(ctx, streamKey).Result()
		if err != nil {
			return queue.BrokerError(fmt.Errorf("list consumer groups: %w", err))
		}
		for _, g := range groups {
			if g.Name == group {
				return nil
			}
		}
	}

	if err := client.XGroupCreateMkStream(ctx, streamKey, group, "$").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return queue.BrokerError(fmt.Errorf("create consumer group: %w", err))
	}

	return nil
}

// Clone returns a Backend sharing the same underlying Redis client but
// with an independent dequeue stage, so a Drain can give its producer and
// ack goroutines their own handle without either mutating shared cursor
// state. The ack goroutine never calls Dequeue, so the cloned stage is
// never observed there.
func (b *Backend[I]) Clone() *Backend[I] {
	clone := *b
	return &clone
}

func (b *Backend[I]) Enqueue(ctx context.Context, item I) error {
	fields := item.Fields()
	values := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		values[f.Name] = f.Value
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey,
		ID:     "*",
		Values: values,
	}).Err(); err != nil {
		return queue.BrokerError(fmt.Errorf("xadd: %w", err))
	}

	return nil
}

func (b *Backend[I]) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]I, error) {
	if b.stage.inAutoclaim {
		return b.autoclaimPass(ctx, n)
	}
	return b.readPass(ctx, n, timeout)
}

// readPass issues a consumer-group read for new deliveries, then rotates
// dequeueStage: exactly every Frequency-th read arms the next call to be an
// autoclaim pass.
func (b *Backend[I]) readPass(ctx context.Context, n int, timeout time.Duration) ([]I, error) {
	// go-redis only omits the BLOCK argument (i.e. return immediately) when
	// Block is negative; Block == 0 means "block forever" to Redis. A
	// caller-supplied timeout <= 0 maps to "no blocking budget", so we
	// translate that to a negative Block rather than zero.
	block := time.Duration(-1)
	if timeout > 0 {
		block = timeout
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.streamKey, ">"},
		Count:    int64(n),
		Block:    block,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, queue.BrokerError(fmt.Errorf("xreadgroup: %w", err))
	}

	if b.autoclaim != nil {
		if b.stage.nextAutoclaim <= 1 {
			b.stage = dequeueStage{inAutoclaim: true, nextStreamID: "0-0"}
		} else {
			b.stage = dequeueStage{nextAutoclaim: b.stage.nextAutoclaim - 1}
		}
	}

	if len(res) == 0 {
		return nil, nil
	}

	return b.decodeMessages(res[0].Messages)
}

// autoclaimPass reclaims one page of the pending list starting at the
// stage's cursor. A page that yields zero items still counts as having
// made a reclaim pass: the cursor still advances (or resets to Read if the
// broker reports the pending list exhausted), it is not retried in place.
func (b *Backend[I]) autoclaimPass(ctx context.Context, n int) ([]I, error) {
	minIdle := time.Duration(0)
	if b.autoclaim != nil {
		minIdle = b.autoclaim.MinIdleTime
	}

	msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.streamKey,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  minIdle,
		Start:    b.stage.nextStreamID,
		Count:    int64(n),
	}).Result()
	if err != nil {
		return nil, queue.BrokerError(fmt.Errorf("xautoclaim: %w", err))
	}

	if next == "0-0" {
		stage := dequeueStage{}
		if b.autoclaim != nil {
			stage.nextAutoclaim = b.autoclaim.Frequency
		}
		b.stage = stage
	} else {
		b.stage = dequeueStage{inAutoclaim: true, nextStreamID: next}
	}

	return b.decodeMessages(msgs)
}

func (b *Backend[I]) decodeMessages(msgs []redis.XMessage) ([]I, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	items := make([]I, 0, len(msgs))
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}

		item, ok := b.decode(msg.ID, fields)
		if !ok {
			return nil, queue.ParseError(msg.ID, fmt.Errorf("decode failed for delivery %s", msg.ID))
		}
		items = append(items, item)
	}

	return items, nil
}

func (b *Backend[I]) Ack(ctx context.Context, items []I) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item.DeliveryID(); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	if err := b.client.XAck(ctx, b.streamKey, b.group, ids...).Err(); err != nil {
		return queue.BrokerError(fmt.Errorf("xack: %w", err))
	}
	return nil
}

func (b *Backend[I]) DropItems(ctx context.Context, opts queue.DropOptions) ([]queue.DroppedItem, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.streamKey,
		Group:  b.group,
		Start:  "-",
		End:    "+",
		Count:  int64(opts.Count),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, queue.BrokerError(fmt.Errorf("xpending: %w", err))
	}

	var dropped []queue.DroppedItem
	for _, p := range pending {
		deliveries := uint64(p.RetryCount)
		if p.Idle > opts.MinIdleTime && deliveries >= opts.MaxDeliveries {
			dropped = append(dropped, queue.DroppedItem{ID: p.ID, Idle: p.Idle, Deliveries: deliveries})
		}
	}

	if len(dropped) == 0 {
		return dropped, nil
	}

	ids := make([]string, len(dropped))
	for i, d := range dropped {
		ids[i] = d.ID
	}
	if err := b.client.XAck(ctx, b.streamKey, b.group, ids...).Err(); err != nil {
		return nil, queue.BrokerError(fmt.Errorf("xack (drop): %w", err))
	}

	return dropped, nil
}
