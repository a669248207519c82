package engine

import "sync"

// queue is an unbounded FIFO with a wake-up signal. Producers never block,
// so the consensus loop can hand work to the pipeline and the executor
// without waiting on them.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued
func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// ready fires after a push
func (q *queue[T]) ready() <-chan struct{} {
	return q.signal
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
