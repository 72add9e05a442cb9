package sourcinghub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileDeliveryQueue is a durable FIFO backed by a JSON file. Every mutation
// rewrites the file, which is acceptable at submission-queue volumes and
// keeps queued deliveries across restarts.
type FileDeliveryQueue struct {
	path     string
	capacity int

	mu     sync.Mutex
	items  []DeliveryQueueItem
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewFileDeliveryQueue(path string, capacity int) (*FileDeliveryQueue, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &FileDeliveryQueue{
		path:     strings.TrimSpace(path),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	if q.path == "" {
		return nil, errors.New("file delivery queue requires a path")
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileDeliveryQueue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var items []DeliveryQueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	q.items = items
	return nil
}

func (q *FileDeliveryQueue) persistLocked() error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return err
	}
	dir := filepath.Dir(q.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *FileDeliveryQueue) TryEnqueue(item DeliveryQueueItem) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *FileDeliveryQueue) Enqueue(ctx context.Context, item DeliveryQueueItem) error {
	for {
		if q.TryEnqueue(item) {
			return nil
		}
		select {
		case <-q.closed:
			return errQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *FileDeliveryQueue) Dequeue(ctx context.Context) (DeliveryQueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			rest := make([]DeliveryQueueItem, len(q.items)-1)
			copy(rest, q.items[1:])
			q.items = rest
			if err := q.persistLocked(); err != nil {
				q.mu.Unlock()
				return DeliveryQueueItem{}, err
			}
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.closed:
			return DeliveryQueueItem{}, errQueueClosed
		case <-ctx.Done():
			return DeliveryQueueItem{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *FileDeliveryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FileDeliveryQueue) Capacity() int { return q.capacity }

func (q *FileDeliveryQueue) SnapshotDeliveries() []DeliveryQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeliveryQueueItem, len(q.items))
	copy(out, q.items)
	return out
}

func (q *FileDeliveryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
