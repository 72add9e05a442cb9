package sourcinghub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStateBackend keeps the whole hub snapshot in a single-row table.
// Snapshot writes are atomic upserts, which gives the same crash safety as
// the JSON file backend with shared access across replicas.
type PostgresStateBackend struct {
	db *sql.DB
}

func NewPostgresStateBackend(dsn string) (*PostgresStateBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS sourcinghub_state (
		id INT PRIMARY KEY CHECK (id = 1),
		snapshot JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &PostgresStateBackend{db: db}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var raw []byte
	err := b.db.QueryRowContext(ctx, `SELECT snapshot FROM sourcinghub_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO sourcinghub_state (id, snapshot, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		raw)
	return err
}

func (b *PostgresStateBackend) Close() error {
	return b.db.Close()
}

// PostgresDeliveryQueue is a durable FIFO in a table, drained with
// SKIP LOCKED so multiple hub replicas can share one queue.
type PostgresDeliveryQueue struct {
	db       *sql.DB
	capacity int
	closed   chan struct{}
	once     sync.Once
}

func NewPostgresDeliveryQueue(dsn string, capacity int) (*PostgresDeliveryQueue, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS sourcinghub_delivery_queue (
		id BIGSERIAL PRIMARY KEY,
		item JSONB NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return &PostgresDeliveryQueue{db: db, capacity: capacity, closed: make(chan struct{})}, nil
}

func (q *PostgresDeliveryQueue) TryEnqueue(item DeliveryQueueItem) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	if q.Depth() >= q.capacity {
		return false
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = q.db.ExecContext(ctx, `INSERT INTO sourcinghub_delivery_queue (item) VALUES ($1)`, raw)
	return err == nil
}

func (q *PostgresDeliveryQueue) Enqueue(ctx context.Context, item DeliveryQueueItem) error {
	for {
		if q.TryEnqueue(item) {
			return nil
		}
		select {
		case <-q.closed:
			return errQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (q *PostgresDeliveryQueue) Dequeue(ctx context.Context) (DeliveryQueueItem, error) {
	for {
		item, ok, err := q.tryDequeueOnce(ctx)
		if err != nil {
			return DeliveryQueueItem{}, err
		}
		if ok {
			return item, nil
		}
		select {
		case <-q.closed:
			return DeliveryQueueItem{}, errQueueClosed
		case <-ctx.Done():
			return DeliveryQueueItem{}, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (q *PostgresDeliveryQueue) tryDequeueOnce(ctx context.Context) (DeliveryQueueItem, bool, error) {
	var raw []byte
	err := q.db.QueryRowContext(ctx, `
		DELETE FROM sourcinghub_delivery_queue
		WHERE id = (
			SELECT id FROM sourcinghub_delivery_queue
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING item`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryQueueItem{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return DeliveryQueueItem{}, false, ctx.Err()
		}
		return DeliveryQueueItem{}, false, err
	}
	var item DeliveryQueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return DeliveryQueueItem{}, false, err
	}
	return item, true, nil
}

func (q *PostgresDeliveryQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM sourcinghub_delivery_queue`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (q *PostgresDeliveryQueue) Capacity() int { return q.capacity }

func (q *PostgresDeliveryQueue) SnapshotDeliveries() []DeliveryQueueItem {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := q.db.QueryContext(ctx, `SELECT item FROM sourcinghub_delivery_queue ORDER BY id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var items []DeliveryQueueItem
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var item DeliveryQueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (q *PostgresDeliveryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return q.db.Close()
}
