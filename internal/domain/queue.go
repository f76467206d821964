package domain

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO of job IDs. It holds IDs only; job bodies live
// in the Store.
type Queue struct {
	mu       sync.Mutex
	items    []string
	reserved int
	capacity int
	closed   bool
	ready    chan struct{}
	done     chan struct{}
}

// NewQueue creates a queue accepting up to capacity submissions.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends id, failing with *QueueFullError when at capacity.
func (q *Queue) Push(id string) error {
	if err := q.Reserve(); err != nil {
		return err
	}
	q.PushReserved(id)
	return nil
}

// Reserve claims a slot for a later PushReserved, failing with
// *QueueFullError when at capacity. A reservation must be followed by
// PushReserved or Release.
func (q *Queue) Reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items)+q.reserved >= q.capacity {
		return &QueueFullError{Capacity: q.capacity}
	}
	q.reserved++
	return nil
}

// PushReserved appends id into a slot claimed by Reserve.
func (q *Queue) PushReserved(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.items = append(q.items, id)
	q.signal()
}

// Release gives back a slot claimed by Reserve.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved > 0 {
		q.reserved--
	}
}

// Requeue appends id regardless of capacity. Used for retries of jobs that
// were already admitted.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, id)
	q.signal()
	return nil
}

// Remove deletes a queued id. It returns false if id is not queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Pop blocks until an id is available, ctx is done, or the queue is closed.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return id, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return "", ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.done:
		case <-q.ready:
		}
	}
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the submission capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Close wakes all blocked Pop calls. Queued ids are kept; Pop returns
// ErrQueueClosed once they drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// signal wakes one waiter. Callers must hold q.mu.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
