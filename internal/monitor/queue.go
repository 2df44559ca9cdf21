package monitor

import (
	"sync"

	"github.com/qamon/qamon/internal/bus"
)

// queue is an unbounded FIFO. Push never blocks; Pop blocks until an item
// arrives or the queue is closed and drained.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []bus.ChatMessage
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends msg and reports whether it was accepted. A closed queue
// rejects new items.
func (q *queue) Push(msg bus.ChatMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
	return true
}

// Pop removes the oldest item. The second return is false only when the
// queue is closed and empty; items pushed before Close still drain.
func (q *queue) Pop() (bus.ChatMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return bus.ChatMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
