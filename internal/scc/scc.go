// Package scc implements the Server Concurrency Controller: the per-model
// owner of the canonical version counter and the recent-operation history
// window needed to rebase a client operation whose reference version has
// fallen behind, per spec.md section 4.4.
package scc

import (
	"errors"
	"sync"

	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/ot"
)

// ErrInvalidVersion is returned when a submission's context version is
// ahead of the model's canonical version — a fault in the submitter that
// the caller must treat as fatal for that submission.
var ErrInvalidVersion = errors.New("scc: context version ahead of model version")

// HistoryEntry is one committed operation kept in the rebase window.
type HistoryEntry struct {
	Version   uint64
	Op        model.AppliedOperation
	SessionID string
}

// Controller owns the canonical version counter for one model.
type Controller struct {
	mu      sync.Mutex
	version uint64
	history []HistoryEntry
}

// New creates a controller seeded with the model's current version (e.g.
// the version the coordinator loaded from the latest snapshot + replay).
func New(initialVersion uint64) *Controller {
	return &Controller{version: initialVersion}
}

// Version returns the current canonical model version.
func (c *Controller) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// ProcessSubmission rebases op against every committed operation the
// submitter has not yet observed (history entries at a version greater than
// contextVersion, excluding the submitter's own prior commits, which it has
// already incorporated), and returns the version that will be assigned to
// it. It does not mutate controller state — Commit does that once the
// caller has successfully applied the transformed op to the tree and
// persisted it, keeping the rebase computation and the commit atomic from
// the caller's point of view.
func (c *Controller) ProcessSubmission(sessionID string, contextVersion uint64, op model.Operation) (assignedVersion uint64, transformed model.Operation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if contextVersion > c.version {
		return 0, nil, ErrInvalidVersion
	}

	cur := op
	for _, h := range c.history {
		if h.Version <= contextVersion {
			continue
		}
		if h.SessionID == sessionID {
			continue
		}
		_, cur = ot.Transform(model.Operation(h.Op.DiscreteOperation), cur)
	}

	return c.version + 1, cur, nil
}

// Commit records a successfully applied operation at the next version and
// advances the canonical counter. Callers must call this exactly once per
// applied discrete operation (a compound submission flattened into N ops is
// committed N times, at N consecutive versions), after it has been applied
// to the tree and appended to the persistent log.
func (c *Controller) Commit(sessionID string, applied model.AppliedOperation) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.history = append(c.history, HistoryEntry{Version: c.version, Op: applied, SessionID: sessionID})
	return c.version
}

// EvictBefore drops history entries at or below the oldest live
// participant's context version, bounding memory use to the minimum window
// required to rebase any currently-open participant.
func (c *Controller) EvictBefore(minContextVersion uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := 0
	for i < len(c.history) && c.history[i].Version <= minContextVersion {
		i++
	}
	if i > 0 {
		c.history = c.history[i:]
	}
}

// HistoryLen reports the number of entries currently retained, for tests
// and metrics.
func (c *Controller) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}
