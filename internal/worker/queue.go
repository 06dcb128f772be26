package worker

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO of DOI strings that tracks unfinished items.
// Every item taken with Get must be released with Done; Join waits until
// every item put on the queue has been released.
type Queue struct {
	mu         sync.Mutex
	items      []string
	unfinished int
	changed    chan struct{}
	idle       chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		changed: make(chan struct{}),
		idle:    make(chan struct{}),
	}
}

// Put appends items to the queue.
func (q *Queue) Put(items ...string) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, items...)
	q.unfinished += len(items)
	close(q.changed)
	q.changed = make(chan struct{})
}

// Get removes the oldest item, waiting at most timeout for one to arrive.
// ok is false on timeout or when ctx is done.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (item string, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}
}

// Done releases one item taken with Get. It panics when called more times
// than there were items.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		panic("worker: Queue.Done called more times than items were put")
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
		q.idle = make(chan struct{})
	}
}

// Join blocks until every item put on the queue has been released, or ctx
// is done.
func (q *Queue) Join(ctx context.Context) error {
	q.mu.Lock()
	if q.unfinished == 0 {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of items waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished returns the number of items not yet released.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
