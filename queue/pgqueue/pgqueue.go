// Package pgqueue implements queue.Backend over a Postgres table, using
// `SELECT ... FOR UPDATE SKIP LOCKED` as the relational substitute for a
// broker consumer group's pending list. It exists to let a Combine backend
// fuse a Redis-backed Stream with a Postgres-backed archival queue, and to
// show the Backend contract is not Redis-specific.
package pgqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/drainqueue/queue"
)

// pollInterval bounds how often Dequeue re-issues its claim query while
// waiting out the caller's timeout; Postgres has no blocking-read
// primitive equivalent to Redis's BLOCK option, so a blocking Dequeue is
// built out of a short poll loop instead.
const pollInterval = 50 * time.Millisecond

// Options configures a Backend beyond the required pool/table/consumer.
type Options struct {
	// ReclaimAfter is how long a claimed-but-unacked row must sit idle
	// before it becomes claimable again. It plays the role the Stream
	// backend's AutoclaimOptions.MinIdleTime plays, but reclaim here is
	// folded directly into the claim query rather than a separate dequeue
	// phase, since a single SQL statement can already express "claim
	// unlocked-or-stale rows".
	ReclaimAfter time.Duration
}

// Backend is a queue.Backend over a single Postgres table.
type Backend[I queue.Item] struct {
	pool         *pgxpool.Pool
	table        string
	consumer     string
	decode       queue.Decoder[I]
	reclaimAfter time.Duration
}

// New opens (creating if necessary) the backing table and returns a ready
// Backend. decode rebuilds an I from a row's delivery id (its bigserial id,
// formatted as text) and decoded field map.
func New[I queue.Item](ctx context.Context, pool *pgxpool.Pool, table, consumer string, decode queue.Decoder[I], opts Options) (*Backend[I], error) {
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = 30 * time.Second
	}

	b := &Backend[I]{
		pool:         pool,
		table:        table,
		consumer:     consumer,
		decode:       decode,
		reclaimAfter: opts.ReclaimAfter,
	}

	if err := b.ensureSchema(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Backend[I]) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			payload JSONB NOT NULL,
			locked_by TEXT,
			locked_at TIMESTAMPTZ,
			delivery_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, b.table)

	if _, err := b.pool.Exec(ctx, stmt); err != nil {
		return queue.BrokerError(fmt.Errorf("create table %s: %w", b.table, err))
	}
	return nil
}

// Clone returns a Backend sharing the same pool. pgxpool.Pool is already
// safe for concurrent use by multiple goroutines, so this is a shallow
// copy rather than a new connection.
func (b *Backend[I]) Clone() *Backend[I] {
	clone := *b
	return &clone
}

func (b *Backend[I]) Enqueue(ctx context.Context, item I) error {
	payload, err := encodeFields(item.Fields())
	if err != nil {
		return queue.BrokerError(fmt.Errorf("encode item: %w", err))
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (payload) VALUES ($1)`, b.table)
	if _, err := b.pool.Exec(ctx, stmt, payload); err != nil {
		return queue.BrokerError(fmt.Errorf("insert: %w", err))
	}
	return nil
}

func (b *Backend[I]) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]I, error) {
	deadline := time.Now().Add(timeout)

	for {
		items, err := b.claim(ctx, n)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 || timeout <= 0 || time.Now().After(deadline) {
			return items, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(pollInterval):
		}
	}
}

func (b *Backend[I]) claim(ctx context.Context, n int) ([]I, error) {
	stmt := fmt.Sprintf(`
		UPDATE %s SET
			locked_by = $1,
			locked_at = now(),
			delivery_count = delivery_count + 1
		WHERE id IN (
			SELECT id FROM %s
			WHERE locked_by IS NULL OR locked_at < now() - ($2 * interval '1 millisecond')
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING id, payload, delivery_count
	`, b.table, b.table)

	rows, err := b.pool.Query(ctx, stmt, b.consumer, float64(b.reclaimAfter.Milliseconds()), n)
	if err != nil {
		return nil, queue.BrokerError(fmt.Errorf("claim: %w", err))
	}
	defer rows.Close()

	var items []I
	for rows.Next() {
		var id int64
		var payload []byte
		var deliveryCount int64
		if err := rows.Scan(&id, &payload, &deliveryCount); err != nil {
			return nil, queue.BrokerError(fmt.Errorf("scan claimed row: %w", err))
		}

		deliveryID := fmt.Sprintf("%d", id)
		fields, err := decodeFields(payload)
		if err != nil {
			return nil, queue.ParseError(deliveryID, err)
		}

		item, ok := b.decode(deliveryID, fields)
		if !ok {
			return nil, queue.ParseError(deliveryID, fmt.Errorf("decode failed for row %d", id))
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, queue.BrokerError(fmt.Errorf("iterate claimed rows: %w", err))
	}

	return items, nil
}

func (b *Backend[I]) Ack(ctx context.Context, items []I) error {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, ok := item.DeliveryID()
		if !ok {
			continue
		}
		var n int64
		if _, err := fmt.Sscanf(id, "%d", &n); err != nil {
			continue
		}
		ids = append(ids, n)
	}
	if len(ids) == 0 {
		return nil
	}

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, b.table)
	if _, err := b.pool.Exec(ctx, stmt, ids); err != nil {
		return queue.BrokerError(fmt.Errorf("delete acked rows: %w", err))
	}
	return nil
}

func (b *Backend[I]) DropItems(ctx context.Context, opts queue.DropOptions) ([]queue.DroppedItem, error) {
	stmt := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id IN (
			SELECT id FROM %s
			WHERE locked_at IS NOT NULL
			  AND locked_at < now() - ($1 * interval '1 millisecond')
			  AND delivery_count >= $2
			ORDER BY id
			LIMIT $3
		)
		RETURNING id, locked_at, delivery_count
	`, b.table, b.table)

	rows, err := b.pool.Query(ctx, stmt, float64(opts.MinIdleTime.Milliseconds()), opts.MaxDeliveries, opts.Count)
	if err != nil {
		return nil, queue.BrokerError(fmt.Errorf("drop sweep: %w", err))
	}
	defer rows.Close()

	var dropped []queue.DroppedItem
	now := time.Now()
	for rows.Next() {
		var id int64
		var lockedAt time.Time
		var deliveryCount int64
		if err := rows.Scan(&id, &lockedAt, &deliveryCount); err != nil {
			return nil, queue.BrokerError(fmt.Errorf("scan dropped row: %w", err))
		}
		dropped = append(dropped, queue.DroppedItem{
			ID:         fmt.Sprintf("%d", id),
			Idle:       now.Sub(lockedAt),
			Deliveries: uint64(deliveryCount),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, queue.BrokerError(fmt.Errorf("iterate dropped rows: %w", err))
	}

	return dropped, nil
}

func encodeFields(fields []queue.Field) ([]byte, error) {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Value
	}
	return json.Marshal(m)
}

func decodeFields(payload []byte) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}
