// Package broadcast implements a bounded single-writer, multi-reader channel.
//
// Every receiver observes every value sent after it subscribed, in send order.
// The channel keeps only the last Cap values: a receiver that falls further
// behind than that skips to the oldest retained value and is told how many it
// missed. Send never blocks.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Recv once the channel is closed and the receiver
// has drained every retained value.
var ErrClosed = errors.New("broadcast channel closed")

// ErrLagged matches any *LaggedError via errors.Is.
var ErrLagged = errors.New("broadcast receiver lagged")

// LaggedError reports that a receiver fell behind and Skipped values were
// overwritten before it could read them. The receiver has already been moved
// to the oldest retained value; the next Recv continues from there.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("broadcast receiver lagged: skipped %d", e.Skipped)
}

// Is makes errors.Is(err, ErrLagged) succeed.
func (e *LaggedError) Is(target error) bool { return target == ErrLagged }

// Channel is the sending side. One goroutine should Send; any number may
// Subscribe.
type Channel[T any] struct {
	mu        sync.Mutex
	buf       []T
	tail      uint64 // sequence number of the next value to be sent
	closed    bool
	notify    chan struct{}
	armed     bool // a receiver is waiting on notify
	receivers int
}

// New creates a channel retaining at most capacity values. A non-positive
// capacity is treated as 1.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Channel[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Cap returns the number of values retained for lagging receivers.
func (c *Channel[T]) Cap() int { return len(c.buf) }

// Send publishes v to all current receivers and returns how many there are.
// Sending on a closed channel is a no-op returning 0.
func (c *Channel[T]) Send(v T) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	c.buf[c.tail%uint64(len(c.buf))] = v
	c.tail++
	c.wakeLocked()
	return c.receivers
}

// Close marks the channel closed. Receivers drain retained values and then
// get ErrClosed. Close is idempotent.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.wakeLocked()
}

// Receivers returns the number of receivers that have not been closed.
func (c *Channel[T]) Receivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers
}

// Subscribe returns a receiver positioned after the last sent value.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers++
	return &Receiver[T]{ch: c, next: c.tail}
}

func (c *Channel[T]) wakeLocked() {
	if !c.armed {
		return
	}
	close(c.notify)
	c.notify = make(chan struct{})
	c.armed = false
}

// Receiver is one independent read position on a Channel. It must be used by
// one goroutine at a time.
type Receiver[T any] struct {
	ch     *Channel[T]
	next   uint64
	closed bool
}

// Recv waits for the next value. It returns a *LaggedError when values were
// overwritten before being read, ErrClosed once the channel is closed and
// drained, or ctx.Err() when ctx is done first.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		c := r.ch
		c.mu.Lock()
		if r.next < c.tail {
			size := uint64(len(c.buf))
			if c.tail-r.next > size {
				oldest := c.tail - size
				skipped := oldest - r.next
				r.next = oldest
				c.mu.Unlock()
				return zero, &LaggedError{Skipped: skipped}
			}
			v := c.buf[r.next%size]
			r.next++
			c.mu.Unlock()
			return v, nil
		}
		if c.closed {
			c.mu.Unlock()
			return zero, ErrClosed
		}
		wait := c.notify
		c.armed = true
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Close detaches the receiver. It is idempotent.
func (r *Receiver[T]) Close() {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	c.receivers--
}
