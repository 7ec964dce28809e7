// Package ccc implements the Client Concurrency Controller: the
// per-participant bookkeeping described in spec.md section 4.3. One
// instance exists per participant per model, owned by the coordinator.
package ccc

import (
	"sync"

	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/ot"
)

// Controller tracks one participant's contextual version and the locally
// submitted operations it has not yet seen acknowledged.
type Controller struct {
	mu             sync.Mutex
	contextVersion uint64
	outgoing       []model.Operation
}

// New creates a controller whose context version starts at the model's
// version as observed at open time.
func New(initialVersion uint64) *Controller {
	return &Controller{contextVersion: initialVersion}
}

// ContextVersion returns the version this participant believes is current.
func (c *Controller) ContextVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextVersion
}

// Advance moves the tracked context version forward to version, the way
// repeated OnAck/OnRemote calls would one increment at a time, but in a
// single step for a caller (the coordinator) that already knows the exact
// version just delivered to this participant via an acknowledgement or a
// resync response. It never moves backward.
func (c *Controller) Advance(version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version > c.contextVersion {
		c.contextVersion = version
	}
}

// Pending returns the number of locally submitted, not-yet-acked
// operations.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outgoing)
}

// Submit enqueues a locally originated operation and returns the context
// version it should be stamped with when forwarded to the SCC.
func (c *Controller) Submit(op model.Operation) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outgoing = append(c.outgoing, op)
	return c.contextVersion
}

// OnAck pops the head of the outgoing queue and advances the context
// version, called when the participant's own submission is acknowledged.
func (c *Controller) OnAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outgoing) > 0 {
		c.outgoing = c.outgoing[1:]
	}
	c.contextVersion++
}

// OnRemote transforms an incoming remote operation against every
// still-unacknowledged local submission, replacing each with its
// transformed counterpart, and returns the operation the participant
// should apply locally. The context version advances by one regardless of
// how many outgoing ops exist, since exactly one remote op has now been
// observed.
func (c *Controller) OnRemote(remote model.Operation) model.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := remote
	for i, out := range c.outgoing {
		var transformedOut model.Operation
		cur, transformedOut = ot.Transform(cur, out)
		c.outgoing[i] = transformedOut
	}
	c.contextVersion++
	return cur
}
