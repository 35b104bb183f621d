package push

import (
	"context"
	"sync"
)

// workQueue is the pusher's single-consumer queue. Put never blocks;
// Take suspends until an item is available; Drain is a best-effort
// non-blocking pull of everything currently queued (a racing producer
// may add items Drain does not see).
type workQueue struct {
	mu     sync.Mutex
	items  []queueItem
	notify chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{notify: make(chan struct{}, 1)}
}

func (q *workQueue) Put(it queueItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *workQueue) Take(ctx context.Context) (queueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queueItem{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *workQueue) Drain() []queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

func (q *workQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
