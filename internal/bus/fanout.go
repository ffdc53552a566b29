// Package bus provides the in-process broadcast primitives: a lossy
// multi-receiver ring (Fanout) and a topic layer over it (Bus).
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned from Recv once a receiver has been closed and
// its ring drained.
var ErrClosed = errors.New("receiver closed")

// LagError reports entries dropped because the receiver fell behind the
// ring. It is delivered once, before the surviving entries.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("receiver lagged, %d messages dropped", e.Missed)
}

// Fanout broadcasts values to any number of receivers. Publish never
// blocks: each receiver owns a fixed ring and slow receivers lose the
// oldest entries, observing the loss as a LagError on their next Recv.
type Fanout[T any] struct {
	capacity int

	mu     sync.Mutex
	subs   map[uint64]*Receiver[T]
	nextID uint64
}

func NewFanout[T any](capacity int) *Fanout[T] {
	if capacity <= 0 {
		panic("bus: fanout capacity must be positive")
	}
	return &Fanout[T]{
		capacity: capacity,
		subs:     make(map[uint64]*Receiver[T]),
	}
}

// Subscribe registers a new receiver that sees values published after
// this call.
func (f *Fanout[T]) Subscribe() *Receiver[T] {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	r := &Receiver[T]{
		fanout: f,
		id:     id,
		ring:   make([]T, f.capacity),
		notify: make(chan struct{}, 1),
	}
	f.subs[id] = r
	return r
}

// Publish delivers v to every current receiver and returns how many
// received it. With no receivers the value is dropped.
func (f *Fanout[T]) Publish(v T) int {
	f.mu.Lock()
	receivers := make([]*Receiver[T], 0, len(f.subs))
	for _, r := range f.subs {
		receivers = append(receivers, r)
	}
	f.mu.Unlock()

	for _, r := range receivers {
		r.push(v)
	}
	return len(receivers)
}

func (f *Fanout[T]) Receivers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Fanout[T]) drop(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

// Receiver consumes one subscription's stream in FIFO order.
type Receiver[T any] struct {
	fanout *Fanout[T]
	id     uint64

	mu     sync.Mutex
	ring   []T
	head   int
	count  int
	lagged uint64
	closed bool

	notify chan struct{}
}

func (r *Receiver[T]) push(v T) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.count == len(r.ring) {
		r.head = (r.head + 1) % len(r.ring)
		r.count--
		r.lagged++
	}
	r.ring[(r.head+r.count)%len(r.ring)] = v
	r.count++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Recv returns the next value in publish order. If the receiver fell
// behind it first returns a *LagError carrying the drop count; the
// following calls resume with the oldest surviving value. It blocks
// until a value arrives, the context ends, or the receiver is closed.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		r.mu.Lock()
		if r.lagged > 0 {
			missed := r.lagged
			r.lagged = 0
			r.mu.Unlock()
			return zero, &LagError{Missed: missed}
		}
		if r.count > 0 {
			v := r.ring[r.head]
			r.ring[r.head] = zero
			r.head = (r.head + 1) % len(r.ring)
			r.count--
			r.mu.Unlock()
			return v, nil
		}
		if r.closed {
			r.mu.Unlock()
			return zero, ErrClosed
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-r.notify:
		}
	}
}

// Close detaches the receiver from its fanout. Pending entries remain
// readable; Recv returns ErrClosed once they are drained.
func (r *Receiver[T]) Close() {
	r.fanout.drop(r.id)

	r.mu.Lock()
	already := r.closed
	r.closed = true
	r.mu.Unlock()

	if !already {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}
