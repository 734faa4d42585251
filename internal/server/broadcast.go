// Package server provides the fan-out primitive that carries every relayed
// record from the hub to each connection writer.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSubscriptionClosed is returned by Recv after the subscription or the
// broadcaster has been closed.
var ErrSubscriptionClosed = errors.New("server: subscription closed")

// LagError reports that a subscriber fell behind the retained window and
// Missed records were skipped.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("server: subscriber lagged, %d record(s) skipped", e.Missed)
}

// Broadcaster is a single-producer, multi-consumer ring. Publish never blocks:
// the newest record overwrites the oldest slot, and a subscriber that has not
// read the overwritten slot yet observes a LagError on its next Recv.
type Broadcaster struct {
	mu       sync.Mutex
	ring     [][]byte
	capacity uint64
	next     uint64
	notify   chan struct{}
	subs     map[*Subscription]struct{}
	closed   bool
}

// Subscription is one consumer's cursor into a Broadcaster.
type Subscription struct {
	b      *Broadcaster
	cursor uint64
	closed bool
}

// NewBroadcaster creates a broadcaster retaining up to capacity records.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster{
		ring:     make([][]byte, capacity),
		capacity: uint64(capacity),
		notify:   make(chan struct{}),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Publish appends line to the ring and wakes waiting subscribers. It returns
// the number of subscribers at the time of publishing.
func (b *Broadcaster) Publish(line []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	b.ring[b.next%b.capacity] = line
	b.next++
	close(b.notify)
	b.notify = make(chan struct{})
	return len(b.subs)
}

// Subscribe returns a subscription positioned at the next publish. Records
// published earlier are never delivered to it.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{b: b, cursor: b.next}
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close releases all waiting subscribers. Records already published remain
// readable until each subscription catches up.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

func (b *Broadcaster) oldest() uint64 {
	if b.next <= b.capacity {
		return 0
	}
	return b.next - b.capacity
}

// Recv returns the next record for this subscription, waiting until one is
// published. When the subscriber has been overtaken it returns a *LagError
// and repositions itself at the oldest retained record; the following Recv
// resumes delivery from there.
func (s *Subscription) Recv(ctx context.Context) ([]byte, error) {
	b := s.b
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}

		if s.cursor < b.next {
			if oldest := b.oldest(); s.cursor < oldest {
				missed := oldest - s.cursor
				s.cursor = oldest
				b.mu.Unlock()
				return nil, &LagError{Missed: missed}
			}
			line := b.ring[s.cursor%b.capacity]
			s.cursor++
			b.mu.Unlock()
			return line, nil
		}

		if b.closed {
			b.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close detaches the subscription from its broadcaster.
func (s *Subscription) Close() {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	s.closed = true
	delete(b.subs, s)
}
