// Package runcontrol implements the pause, step and cancel protocol shared
// between a running simulation and the operator that drives it.
package runcontrol

import "sync"

// State is the externally visible condition of a run
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
)

// Controller is safe for concurrent use by one runner and any number of
// operators. Waiters block on a condition variable; there is no polling.
type Controller struct {
	mu          sync.Mutex
	cond        *sync.Cond
	cancelled   bool
	paused      bool
	stepCredits uint64
	done        chan struct{}
}

// New creates a controller in the running state
func New() *Controller {
	c := &Controller{done: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// TogglePause flips between paused and running and returns the new paused
// state. Resuming discards unused step credits.
func (c *Controller) TogglePause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paused = !c.paused
	if !c.paused {
		c.stepCredits = 0
		c.cond.Broadcast()
	}
	return c.paused
}

// StepOnce lets a paused run advance exactly one bar. It is a no-op that
// returns false when the run is not paused.
func (c *Controller) StepOnce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.paused || c.cancelled {
		return false
	}
	c.stepCredits++
	c.cond.Signal()
	return true
}

// Cancel requests termination. It wakes every waiter and cannot be undone.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cancelled {
		c.cancelled = true
		close(c.done)
	}
	c.cond.Broadcast()
}

// Done is closed once Cancel is called, for callers that select on
// cancellation while blocked elsewhere
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// ShouldCancel reports whether Cancel was called
func (c *Controller) ShouldCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// IsPaused reports the paused flag
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// WaitIfPaused blocks while the run is paused and has no step credit. It
// consumes one credit when paused and returns false once cancelled.
func (c *Controller) WaitIfPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.paused && c.stepCredits == 0 && !c.cancelled {
		c.cond.Wait()
	}
	if c.cancelled {
		return false
	}
	if c.paused && c.stepCredits > 0 {
		c.stepCredits--
	}
	return true
}

// State returns the current state; cancellation wins over pause
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.cancelled:
		return StateCancelled
	case c.paused:
		return StatePaused
	default:
		return StateRunning
	}
}
