package turn

import (
	"context"
	"sync"
)

// Controller is the interrupt controller for one turn. A single
// cancellation token (the turn context) cuts across the in-flight
// generation and synthesis calls; triggering is idempotent and is never
// silently dropped: the runner always answers an interrupted turn with a
// done{reason: interrupted} marker.
type Controller struct {
	cancel context.CancelFunc

	mu          sync.Mutex
	interrupted bool
	reason      string
}

// NewController wraps the turn's cancel func.
func NewController(cancel context.CancelFunc) *Controller {
	return &Controller{cancel: cancel}
}

// Trigger interrupts the turn. The first reason wins; later triggers are
// no-ops.
func (c *Controller) Trigger(reason string) {
	c.mu.Lock()
	if c.interrupted {
		c.mu.Unlock()
		return
	}
	c.interrupted = true
	c.reason = reason
	c.mu.Unlock()

	c.cancel()
}

// Interrupted reports whether Trigger was called.
func (c *Controller) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// Reason returns the first trigger reason, or "".
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
