package agent

import (
	"errors"
	"sync"
)

// ErrLagged is returned by Subscription.Recv when the subscriber fell behind
// the broadcaster's ring capacity. The accompanying count reports how many
// lines were skipped; the subscription remains usable and is repositioned at
// the oldest retained line.
var ErrLagged = errors.New("agent: subscription lagged")

// ErrClosed is returned by Subscription.Recv once the broadcaster has been
// closed (the agent's stdout reached EOF) and all retained lines have been
// consumed by this subscriber.
var ErrClosed = errors.New("agent: broadcast closed")

// Broadcaster is a bounded single-producer fan-out of stdout lines. Each
// subscriber tracks its own position over a shared ring; late subscribers
// start at the current tail, and slow subscribers skip ahead with an explicit
// lag signal instead of blocking the producer or growing without bound.
type Broadcaster struct {
	mu     sync.Mutex
	ring   []string
	head   uint64 // sequence number of the next line to be published
	closed bool
	wake   chan struct{} // closed and replaced on every publish
}

// NewBroadcaster creates a Broadcaster retaining up to capacity lines.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcaster{
		ring: make([]string, capacity),
		wake: make(chan struct{}),
	}
}

// Publish appends a line to the ring and wakes all waiting subscribers.
// Publishing with no subscribers is not an error; the line is simply retained
// until it rotates out of the ring.
func (b *Broadcaster) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.ring[b.head%uint64(len(b.ring))] = line
	b.head++

	close(b.wake)
	b.wake = make(chan struct{})
}

// Close marks the broadcaster as closed and wakes all subscribers. Subsequent
// Recv calls drain any retained lines and then return ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// Subscribe returns a new subscription positioned at the current tail: it
// observes only lines published after this call.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{b: b, next: b.head}
}

// Subscription is one consumer's cursor over a Broadcaster.
type Subscription struct {
	b    *Broadcaster
	next uint64
}

// Recv returns the next line for this subscriber, blocking until one is
// available, the broadcaster closes, or done is closed.
//
// When the subscriber has fallen behind by more than the ring capacity, Recv
// returns ErrLagged together with the number of lines skipped and advances
// the cursor to the oldest retained line; the next call resumes delivery.
// A nil done channel disables cancellation.
func (s *Subscription) Recv(done <-chan struct{}) (line string, lagged uint64, err error) {
	for {
		s.b.mu.Lock()

		capacity := uint64(len(s.b.ring))
		oldest := uint64(0)
		if s.b.head > capacity {
			oldest = s.b.head - capacity
		}

		if s.next < oldest {
			lagged = oldest - s.next
			s.next = oldest
			s.b.mu.Unlock()
			return "", lagged, ErrLagged
		}

		if s.next < s.b.head {
			line = s.b.ring[s.next%capacity]
			s.next++
			s.b.mu.Unlock()
			return line, 0, nil
		}

		if s.b.closed {
			s.b.mu.Unlock()
			return "", 0, ErrClosed
		}

		wake := s.b.wake
		s.b.mu.Unlock()

		select {
		case <-wake:
		case <-done:
			return "", 0, ErrClosed
		}
	}
}
