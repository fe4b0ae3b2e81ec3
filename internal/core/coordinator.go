package core

import (
	"sync"

	"github.com/cupertino-nvr/processor/internal/events"
)

// Coordinator tracks whether a restart is currently in flight and the
// processor's last-known lifecycle status. It satisfies engine.Coordinator
// (SetRestarting/IsRestarting) for EngineManager.Restart and
// commands.Health's CurrentStatus half for the status/ping handlers.
//
// Both fields are guarded by one mutex. The current engine pointer is not
// held here: it lives in engine.Manager under that type's own mutex.
// Manager.Restart sets the restarting flag before it swaps the pointer, so
// a join loop that sees the new engine has already had the flag set.
type Coordinator struct {
	mu         sync.Mutex
	restarting bool
	status     events.Status
}

// NewCoordinator returns a Coordinator in the starting state.
func NewCoordinator() *Coordinator {
	return &Coordinator{status: events.StatusStarting}
}

// SetRestarting flags an in-progress restart. EngineManager.Restart sets
// this true before tearing down and clears it via defer on every exit
// path, including failure.
func (c *Coordinator) SetRestarting(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarting = v
}

// IsRestarting reports whether a restart is currently in flight.
func (c *Coordinator) IsRestarting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarting
}

// SetStatus records the processor's last-known lifecycle status.
func (c *Coordinator) SetStatus(s events.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// CurrentStatus returns the processor's last-known lifecycle status.
func (c *Coordinator) CurrentStatus() events.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
