package operation

import (
	"context"
	"sync"
	"time"
)

// Completion is a resettable waitable flag. Set wakes every waiter; Clear
// re-arms it for the next wait. The I/O goroutine sets it, the goroutine
// running the operation waits on it.
type Completion struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewCompletion returns a cleared completion.
func NewCompletion() *Completion {
	return &Completion{ch: make(chan struct{})}
}

// Set marks the completion and releases all waiters.
func (c *Completion) Set() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.set = true
		close(c.ch)
	}
}

// Clear re-arms the completion.
func (c *Completion) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		c.set = false
		c.ch = make(chan struct{})
	}
}

// IsSet reports whether the completion is set.
func (c *Completion) IsSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Wait blocks until the completion is set, the timeout elapses or ctx ends.
// A zero timeout waits without bound. Returns whether it was set.
func (c *Completion) Wait(ctx context.Context, timeout time.Duration) bool {
	c.mu.Lock()
	if c.set {
		c.mu.Unlock()
		return true
	}
	ch := c.ch
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		return true
	case <-expired:
		return c.IsSet()
	case <-ctx.Done():
		return c.IsSet()
	}
}
