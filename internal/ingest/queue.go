// Package ingest hands decoded frames from the device sessions to the single
// database writer.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when a bounded queue is at capacity.
	ErrQueueFull = errors.New("ingest queue is full")
	// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once a
	// closed queue has been drained.
	ErrQueueClosed = errors.New("ingest queue is closed")
)

// WriteRequest is one received frame waiting to be persisted.
type WriteRequest struct {
	DeviceID      uint32
	TableIdentity string
	Timestamp     time.Time
	RawPayload    string
}

// WriteResult counts the outcome of persisting one request, per frame key.
type WriteResult struct {
	Applied int
	Skipped int
	Failed  int
}

// Queue is a multi-producer, single-consumer FIFO of write requests.
// Enqueue never blocks; with a zero capacity the queue is unbounded.
type Queue struct {
	mu       sync.Mutex
	items    []WriteRequest
	capacity int
	closed   bool
	// notify holds at most one wake-up for the consumer.
	notify chan struct{}
	// done is closed by Close.
	done chan struct{}
}

// NewQueue creates a queue. A capacity <= 0 means unbounded.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue appends req. It returns ErrQueueFull when a bounded queue is at
// capacity and ErrQueueClosed after Close.
func (q *Queue) Enqueue(req WriteRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}

	q.items = append(q.items, req)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue pops the oldest request without waiting.
func (q *Queue) TryDequeue() (WriteRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return WriteRequest{}, false
	}

	req := q.items[0]
	q.items[0] = WriteRequest{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Drop the backing array so a burst does not pin memory.
		q.items = nil
	}
	return req, true
}

// Ready returns a channel that receives after an Enqueue. A receive is only a
// hint; callers follow it with TryDequeue.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}

// Done returns a channel that is closed by Close.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Dequeue blocks until a request is available, ctx is done, or the queue is
// closed and empty (ErrQueueClosed).
func (q *Queue) Dequeue(ctx context.Context) (WriteRequest, error) {
	for {
		if req, ok := q.TryDequeue(); ok {
			return req, nil
		}

		select {
		case <-ctx.Done():
			return WriteRequest{}, ctx.Err()
		case <-q.notify:
		case <-q.done:
			if req, ok := q.TryDequeue(); ok {
				return req, nil
			}
			return WriteRequest{}, ErrQueueClosed
		}
	}
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting new requests. Queued requests stay available to
// Dequeue. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
