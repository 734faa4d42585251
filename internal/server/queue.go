// Package server implements the inbound record queue shared by every
// connection reader and drained by the hub's relay loop.
package server

import (
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by Push when the queue holds its maximum number of records.
	ErrQueueFull = errors.New("server: inbound queue full")
	// ErrQueueClosed is returned by Push after Close.
	ErrQueueClosed = errors.New("server: inbound queue closed")
)

// Queue is a bounded FIFO of raw record lines. Any number of goroutines may
// push; Pop blocks until a record is available or the queue is closed.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      [][]byte
	head     int
	count    int
	capacity int
	closed   bool
}

// NewQueue creates a queue holding at most capacity records.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		buf:      make([][]byte, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends line to the tail. A full queue rejects the newest record.
func (q *Queue) Push(line []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.count == q.capacity {
		return ErrQueueFull
	}

	q.buf[(q.head+q.count)%q.capacity] = line
	q.count++
	q.cond.Signal()
	return nil
}

// Pop removes the head record, waiting while the queue is empty. It returns
// false once the queue is closed and drained.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		return nil, false
	}

	line := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.count--
	return line, true
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Close wakes all waiters. Records already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
