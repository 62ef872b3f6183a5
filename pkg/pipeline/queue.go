package pipeline

import "sync/atomic"

// queue is a bounded channel that sheds the oldest item when full.
// A live video pipeline must never stall its producer: when a stage falls
// behind, we throw away the stalest work, because a newer frame is always
// more valuable than an older one.
type queue[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{
		ch: make(chan T, capacity),
	}
}

// push adds an item, evicting the oldest queued item if the queue is full.
// Only one goroutine may push.
func (q *queue[T]) push(item T) {
	for {
		select {
		case q.ch <- item:
			return
		default:
		}
		// Queue is full. Evict one and try again. The evict can lose the race
		// against the consumer, which is fine, we just go around once more.
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

func (q *queue[T]) close() {
	close(q.ch)
}
