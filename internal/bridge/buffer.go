package bridge

import (
	"sync"
	"sync/atomic"
)

// chunkQueue is a bounded FIFO that drops the oldest chunk when full so
// producers never block.
type chunkQueue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int
	notify   chan struct{}
	dropped  atomic.Int64
}

func newChunkQueue(capacity int) *chunkQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &chunkQueue{
		items:    make([][]byte, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues b and reports whether an older chunk was dropped to make room
func (q *chunkQueue) Push(b []byte) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.capacity {
		q.items[0] = nil
		q.items = q.items[1:]
		dropped = true
		q.dropped.Add(1)
	}
	q.items = append(q.items, b)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop dequeues the oldest chunk without blocking
func (q *chunkQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return b, true
}

// Ready is signaled after Push
func (q *chunkQueue) Ready() <-chan struct{} {
	return q.notify
}

func (q *chunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *chunkQueue) Dropped() int64 {
	return q.dropped.Load()
}
