// Package fanout provides a single-producer broadcast channel with a
// fixed-size ring of retained messages. Receivers that fall behind the
// ring are told how many messages they missed and resume from the
// oldest retained one, so a slow subscriber can never block or stall
// the producer.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Recv once the broadcaster is closed and all
// retained messages have been consumed.
var ErrClosed = errors.New("fanout: broadcaster closed")

// LagError reports that a receiver fell behind by more than the ring
// capacity. The receive after the error resumes at the oldest retained
// message.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("fanout: receiver lagged, missed %d messages", e.Missed)
}

// Broadcaster fans values out to any number of receivers. All methods
// are safe for concurrent use.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	ring   []T
	seq    uint64 // next sequence number to write
	recvs  int
	closed bool
	wake   chan struct{} // closed and replaced on every publish
}

// New returns a broadcaster retaining the last capacity messages.
func New[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		panic("fanout: capacity must be positive")
	}
	return &Broadcaster[T]{
		ring: make([]T, capacity),
		wake: make(chan struct{}),
	}
}

// Publish stores v for attached receivers and returns the number of
// receivers at publish time. It never blocks; with no receivers the
// value is retained but nobody will observe it (new receivers start at
// the tail). Publishing on a closed broadcaster returns 0.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.ring[b.seq%uint64(len(b.ring))] = v
	b.seq++
	close(b.wake)
	b.wake = make(chan struct{})
	return b.recvs
}

// ReceiverCount reports the number of attached receivers.
func (b *Broadcaster[T]) ReceiverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recvs
}

// Close wakes all blocked receivers. Each drains whatever the ring
// still retains for it and then sees ErrClosed. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// Receiver is one subscription cursor. Not safe for concurrent use by
// multiple goroutines.
type Receiver[T any] struct {
	b      *Broadcaster[T]
	next   uint64
	closed bool
}

// Subscribe attaches a new receiver positioned at the tail: it observes
// only messages published after this call.
func (b *Broadcaster[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recvs++
	return &Receiver[T]{b: b, next: b.seq}
}

// Recv returns the next message. It blocks until one is available, the
// context is cancelled, or the broadcaster closes. A *LagError return
// means missed messages; the following Recv resumes at the oldest
// retained one.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if r.closed {
		return zero, ErrClosed
	}
	b := r.b
	b.mu.Lock()
	for {
		if r.next < b.seq {
			var oldest uint64
			if b.seq > uint64(len(b.ring)) {
				oldest = b.seq - uint64(len(b.ring))
			}
			if r.next < oldest {
				missed := oldest - r.next
				r.next = oldest
				b.mu.Unlock()
				return zero, &LagError{Missed: missed}
			}
			v := b.ring[r.next%uint64(len(b.ring))]
			r.next++
			b.mu.Unlock()
			return v, nil
		}
		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		wake := b.wake
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wake:
		}
		b.mu.Lock()
	}
}

// Close detaches the receiver. Idempotent.
func (r *Receiver[T]) Close() {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if !r.closed {
		r.closed = true
		b.recvs--
	}
}
