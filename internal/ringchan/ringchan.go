// Package ringchan provides a bounded channel with overwrite-oldest
// semantics, used where a producer on a latency-sensitive goroutine must
// never wait for a slow consumer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Metrics counts traffic through a RingChannel.
type Metrics struct {
	Sent    uint64
	Dropped uint64
}

// RingChannel wraps a buffered channel. When the buffer is full Send drops
// the oldest element. Readers range over C().
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7 8 9
//	}
type RingChannel[T any] struct {
	ch chan T

	mu     sync.Mutex
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element when full. It never blocks
// and reports false only after Close.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	for {
		select {
		case rc.ch <- v:
			rc.sent.Add(1)
			return true
		default:
		}
		select {
		case <-rc.ch:
			rc.dropped.Add(1)
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		rc.sent.Add(1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{Sent: rc.sent.Load(), Dropped: rc.dropped.Load()}
}

// Close closes the channel. Buffered elements remain readable; later sends
// are refused. Close is idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}
