package sourcinghub

import (
	"context"
	"errors"
	"sync"
)

// DeliveryQueueItem references one submission awaiting a delivery attempt.
// The payload itself lives in the store; the queue carries only identity.
type DeliveryQueueItem struct {
	TenantID      string `json:"tenantId"`
	SubmissionID  string `json:"submissionId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// DeliveryQueue feeds the delivery workers. Implementations may be volatile
// or durable; durable ones also implement deliveryQueueSnapshotter so queued
// work survives restarts.
type DeliveryQueue interface {
	TryEnqueue(item DeliveryQueueItem) bool
	Enqueue(ctx context.Context, item DeliveryQueueItem) error
	Dequeue(ctx context.Context) (DeliveryQueueItem, error)
	Depth() int
	Capacity() int
	Close() error
}

type deliveryQueueSnapshotter interface {
	SnapshotDeliveries() []DeliveryQueueItem
}

var errQueueClosed = errors.New("delivery queue closed")

type InMemoryDeliveryQueue struct {
	ch     chan DeliveryQueueItem
	closed chan struct{}
	once   sync.Once
}

func NewInMemoryDeliveryQueue(capacity int) *InMemoryDeliveryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &InMemoryDeliveryQueue{
		ch:     make(chan DeliveryQueueItem, capacity),
		closed: make(chan struct{}),
	}
}

func (q *InMemoryDeliveryQueue) TryEnqueue(item DeliveryQueueItem) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *InMemoryDeliveryQueue) Enqueue(ctx context.Context, item DeliveryQueueItem) error {
	select {
	case <-q.closed:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- item:
		return nil
	}
}

func (q *InMemoryDeliveryQueue) Dequeue(ctx context.Context) (DeliveryQueueItem, error) {
	select {
	case <-q.closed:
		return DeliveryQueueItem{}, errQueueClosed
	case <-ctx.Done():
		return DeliveryQueueItem{}, ctx.Err()
	case item := <-q.ch:
		return item, nil
	}
}

func (q *InMemoryDeliveryQueue) Depth() int    { return len(q.ch) }
func (q *InMemoryDeliveryQueue) Capacity() int { return cap(q.ch) }

func (q *InMemoryDeliveryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
