package engine

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// runControl gates node starts for pause/resume/stop. Pausing swaps in a
// fresh resume channel that waiters block on; resuming closes it. No polling.
type runControl struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	stopCh   chan struct{}
	stopped  bool
	aborted  bool // internal failure propagation, distinct from Stop()
}

func newRunControl() *runControl {
	return &runControl{
		resumeCh: closedChan(),
		stopCh:   make(chan struct{}),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (c *runControl) pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.stopped {
		return false
	}
	c.paused = true
	c.resumeCh = make(chan struct{})
	return true
}

func (c *runControl) resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return false
	}
	c.paused = false
	close(c.resumeCh)
	return true
}

func (c *runControl) stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	close(c.stopCh)
	if c.paused {
		// Unblock gated waiters so they can observe the stop.
		c.paused = false
		close(c.resumeCh)
	}
	return true
}

// abort halts scheduling after an unhandled node failure. Waiters drain
// without raising a cancellation error of their own.
func (c *runControl) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
}

func (c *runControl) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *runControl) abortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted || c.stopped
}

// errHalt signals a branch to unwind quietly after an abort; the run error is
// recorded elsewhere.
var errHalt = schema.NewError(schema.ErrCodeExecution, "run halted")

// gate blocks while paused and returns an error when the run must not start
// another node: a CANCELLED error after Stop, errHalt after an internal
// abort, or the context error.
func (c *runControl) gate(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return schema.NewError(schema.ErrCodeCancelled, "run stopped before node start")
		}
		if c.aborted {
			c.mu.Unlock()
			return errHalt
		}
		if !c.paused {
			c.mu.Unlock()
			return nil
		}
		resumeCh := c.resumeCh
		c.mu.Unlock()

		select {
		case <-resumeCh:
		case <-c.stopCh:
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "run context cancelled").
				WithCause(ctx.Err())
		}
	}
}
