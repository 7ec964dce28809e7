// Package coordinator implements the Realtime Model Coordinator: the
// per-model state machine binding participants, the Server Concurrency
// Controller, persistence, and broadcast (spec.md section 4.5). Each
// Coordinator is a single-threaded cooperative entity, modeled the way the
// teacher models its Hub in websocket/hub.go — one goroutine draining one
// inbound channel in a select loop — generalized from a fixed two-message
// (register/unregister) hub to the full six-state lifecycle spec.md
// requires.
package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/rectcircle/convergence-server/internal/ccc"
	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/ot"
	"github.com/rectcircle/convergence-server/internal/scc"
	"github.com/rectcircle/convergence-server/internal/snapshot"
	"github.com/rectcircle/convergence-server/internal/storage"
)

// Config carries the coordinator knobs of spec.md section 6.
type Config struct {
	HandshakeTimeout   time.Duration
	DataRequestTimeout time.Duration
	LingerTimeout      time.Duration
	Snapshot           snapshot.Config
}

// Coordinator owns one model's live tree, SCC, and participant set. Every
// field below is read and written only from the goroutine running Run; the
// inbox channel is the sole synchronization point.
type Coordinator struct {
	id           string
	collectionID string
	cfg          Config
	persistence  storage.Persistence
	logger       *log.Logger

	state  State
	tree   *model.Tree
	scc    *scc.Controller
	policy *snapshot.Policy
	dirty  bool

	createdAt  time.Time
	modifiedAt time.Time

	participants map[string]*participant
	joinOrder    []string

	pendingOpeners map[string]*pendingOpener

	lingerTimer *time.Timer

	inbox chan any
	done  chan struct{}
}

type pendingOpener struct {
	p        *participant
	deadline *time.Timer
}

// New constructs a coordinator for modelID in the Uninitialized state. Call
// Run in its own goroutine to start processing.
func New(modelID, collectionID string, cfg Config, persistence storage.Persistence, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		id:             modelID,
		collectionID:   collectionID,
		cfg:            cfg,
		persistence:    persistence,
		logger:         logger,
		state:          StateUninitialized,
		participants:   make(map[string]*participant),
		pendingOpeners: make(map[string]*pendingOpener),
		inbox:          make(chan any, 64),
		done:           make(chan struct{}),
	}
}

// Submit enqueues an inbound message for processing. Safe to call from any
// goroutine; ordering across callers is the enqueue order.
func (c *Coordinator) Submit(msg InboundMessage) {
	c.post(msg)
}

// post enqueues any value, including the coordinator's own internal timer
// callbacks (dataRequestTimeoutMsg, lingerExpiredMsg), which are not part of
// the public InboundMessage sum type but must still funnel through the same
// single-threaded inbox as everything else.
func (c *Coordinator) post(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

// State returns the coordinator's current lifecycle state. Only the Run
// goroutine mutates it; this accessor does no synchronization of its own.
func (c *Coordinator) State() State {
	return c.state
}

// Run drives the coordinator until it reaches Shutdown or ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("[coordinator] %s: context canceled in state %s", c.id, c.state)
			return
		case msg := <-c.inbox:
			c.handle(ctx, msg)
			if c.state == StateShutdown {
				return
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case OpenModel:
		c.handleOpen(ctx, m)
	case CloseModel:
		c.handleClose(m)
	case OperationSubmission:
		c.handleOperationSubmission(m)
	case ClientModelDataResponse:
		c.handleClientModelDataResponse(m)
	case ReferenceUpdate:
		c.handleReferenceUpdate(m)
	case ModelDeleted:
		c.handleModelDeleted()
	case ResyncRequest:
		c.handleResyncRequest(ctx, m)
	case dataRequestTimeoutMsg:
		c.handleDataRequestTimeout(m.sessionID)
	case lingerExpiredMsg:
		c.handleLingerExpired()
	default:
		c.logger.Printf("[coordinator] %s: unrecognized internal message %T", c.id, msg)
	}
}

// handleOpen implements the Uninitialized/Loading/DataRequested/Initialized
// branches of spec.md section 4.5's Open semantics.
func (c *Coordinator) handleOpen(ctx context.Context, m OpenModel) {
	if _, dup := c.participants[m.SessionID]; dup {
		m.Actor.Send(ModelAlreadyOpen{})
		return
	}
	if _, waiting := c.pendingOpeners[m.SessionID]; waiting {
		m.Actor.Send(ModelAlreadyOpen{})
		return
	}

	switch c.state {
	case StateUninitialized:
		c.cancelLinger()
		loaded, err := c.persistence.LoadModel(ctx, m.ModelID)
		if err != nil {
			c.logger.Printf("[coordinator] %s: load failed: %v", c.id, err)
			m.Actor.Send(OpenFailure{Reason: ReasonStorageUnavailable})
			return
		}
		if loaded == nil {
			c.state = StateDataRequested
			c.beginColdStart(m)
			return
		}
		c.state = StateLoading
		if !c.load(ctx, loaded) {
			c.state = StateUninitialized
			m.Actor.Send(OpenFailure{Reason: ReasonStorageUnavailable})
			return
		}
		c.state = StateInitialized
		c.admitParticipant(m, RoleMember)

	case StateLoading:
		// Loading is synchronous in this implementation (bounded by
		// HandshakeTimeout via context), so no other message is ever
		// processed while it's in flight; this branch exists for
		// completeness against concurrent coordinator designs.
		m.Actor.Send(OpenFailure{Reason: ReasonStorageUnavailable})

	case StateDataRequested:
		c.joinColdStart(m)

	case StateInitialized:
		c.admitParticipant(m, RoleMember)

	case StateForceClosing, StateShutdown:
		m.Actor.Send(OpenFailure{Reason: ReasonModelNotFound})
	}
}

// load reads the latest snapshot plus every operation after it and folds
// them into a fresh tree, per the Loading state's description.
func (c *Coordinator) load(ctx context.Context, loaded *storage.LoadedModel) bool {
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	tree := model.NewTree(loaded.Root)
	iter, err := c.persistence.LoadOperations(loadCtx, c.id, loaded.LatestSnapshotVersion)
	if err != nil {
		c.logger.Printf("[coordinator] %s: loadOperations failed: %v", c.id, err)
		return false
	}
	defer iter.Close()
	for iter.Next(loadCtx) {
		entry := iter.Value()
		if _, err := tree.Apply(entry.Op.DiscreteOperation); err != nil {
			c.logger.Printf("[coordinator] %s: replay failed at version %d: %v", c.id, entry.Version, err)
			return false
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Printf("[coordinator] %s: replay cursor error: %v", c.id, err)
		return false
	}

	c.tree = tree
	c.scc = scc.New(loaded.Meta.Version)
	c.policy = snapshot.NewPolicy(c.cfg.Snapshot, loaded.LatestSnapshotVersion, loaded.Meta.ModifiedAt)
	c.createdAt = loaded.Meta.CreatedAt
	c.modifiedAt = loaded.Meta.ModifiedAt
	return true
}

// beginColdStart enters DataRequested for the first opener of a model with
// no storage record.
func (c *Coordinator) beginColdStart(m OpenModel) {
	p := &participant{sessionID: m.SessionID, actor: m.Actor, role: RoleDataAuthority, joinedAt: time.Now()}
	c.registerPendingOpener(p)
	m.Actor.Send(ClientModelDataRequest{ModelID: c.id})
}

// joinColdStart enrolls an additional opener while DataRequested is in
// flight; it receives the same ClientModelDataRequest and its own
// independent timeout.
func (c *Coordinator) joinColdStart(m OpenModel) {
	p := &participant{sessionID: m.SessionID, actor: m.Actor, role: RoleMember, joinedAt: time.Now()}
	c.registerPendingOpener(p)
	m.Actor.Send(ClientModelDataRequest{ModelID: c.id})
}

func (c *Coordinator) registerPendingOpener(p *participant) {
	sessionID := p.sessionID
	timer := time.AfterFunc(c.cfg.DataRequestTimeout, func() {
		c.post(dataRequestTimeoutMsg{sessionID: sessionID})
	})
	c.pendingOpeners[sessionID] = &pendingOpener{p: p, deadline: timer}
}

// dataRequestTimeoutMsg and lingerExpiredMsg are internal timer callbacks,
// funneled through the same inbox as InboundMessage so every coordinator
// mutation happens on the single Run goroutine (the Ask/future pattern of
// the design notes, realized with AfterFunc + channel instead of a typed
// reply future).
type dataRequestTimeoutMsg struct{ sessionID string }
type lingerExpiredMsg struct{}

func (c *Coordinator) handleDataRequestTimeout(sessionID string) {
	if c.state != StateDataRequested {
		return
	}
	po, ok := c.pendingOpeners[sessionID]
	if !ok {
		return
	}
	delete(c.pendingOpeners, sessionID)
	po.p.actor.Send(OpenFailure{Reason: ReasonDataRequestTimeout})

	if len(c.pendingOpeners) == 0 {
		c.state = StateUninitialized
		return
	}
	if po.p.role == RoleDataAuthority {
		c.reassignDataAuthority()
	}
}

// reassignDataAuthority is the admin-handoff generalization of SPEC_FULL.md
// section C: if the opener the cold start was waiting on disconnects or
// times out before replying, the earliest-joined remaining opener becomes
// the new authority so the handshake can still complete. Since every
// remaining opener already received ClientModelDataRequest, no new message
// needs to be sent; any of them may still reply.
func (c *Coordinator) reassignDataAuthority() {
	var earliest *pendingOpener
	for _, po := range c.pendingOpeners {
		if earliest == nil || po.p.joinedAt.Before(earliest.p.joinedAt) {
			earliest = po
		}
	}
	if earliest != nil {
		earliest.p.role = RoleDataAuthority
	}
}

// handleClientModelDataResponse accepts the first valid reply during
// DataRequested, creates the model and its initial snapshot, and admits
// every queued opener.
func (c *Coordinator) handleClientModelDataResponse(m ClientModelDataResponse) {
	if c.state != StateDataRequested {
		return
	}
	po, ok := c.pendingOpeners[m.SessionID]
	if !ok {
		return
	}
	if m.Root == nil {
		delete(c.pendingOpeners, m.SessionID)
		po.deadline.Stop()
		po.p.actor.Send(OpenFailure{Reason: ReasonMalformedDataReply})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	now := time.Now()
	if err := c.persistence.CreateModel(ctx, c.id, c.collectionID, m.Root, now); err != nil {
		c.logger.Printf("[coordinator] %s: createModel failed: %v", c.id, err)
		for sid, pending := range c.pendingOpeners {
			pending.deadline.Stop()
			pending.p.actor.Send(OpenFailure{Reason: ReasonStorageUnavailable})
			delete(c.pendingOpeners, sid)
		}
		c.state = StateUninitialized
		return
	}

	c.tree = model.NewTree(m.Root)
	c.scc = scc.New(0)
	c.createdAt = now
	c.modifiedAt = now
	c.policy = snapshot.NewPolicy(c.cfg.Snapshot, 0, now)
	if err := c.persistence.WriteSnapshot(ctx, storage.Snapshot{ModelID: c.id, Version: 0, Timestamp: now, Root: c.tree.Materialize()}); err != nil {
		c.logger.Printf("[coordinator] %s: initial snapshot write failed (non-fatal): %v", c.id, err)
	}

	c.state = StateInitialized
	for sid, pending := range c.pendingOpeners {
		pending.deadline.Stop()
		c.admitOpener(pending.p)
		delete(c.pendingOpeners, sid)
	}
}

// admitOpener finishes admitting a participant that was waiting in
// DataRequested: it already has a role assigned, only OpenSuccess and
// registration remain.
func (c *Coordinator) admitOpener(p *participant) {
	p.ccc = ccc.New(c.scc.Version())
	c.participants[p.sessionID] = p
	c.joinOrder = append(c.joinOrder, p.sessionID)
	p.actor.Send(OpenSuccess{Root: c.tree.Root(), Meta: c.meta(), Participants: c.otherSessionIDs(p.sessionID)})
	c.broadcastExcept(p.sessionID, RemoteClientOpened{SessionID: p.sessionID})
}

// admitParticipant admits a participant directly against an already
// Initialized coordinator (warm open, no cold-start handshake needed).
func (c *Coordinator) admitParticipant(m OpenModel, role ParticipantRole) {
	p := &participant{sessionID: m.SessionID, actor: m.Actor, role: role, joinedAt: time.Now(), ccc: ccc.New(c.scc.Version())}
	c.participants[p.sessionID] = p
	c.joinOrder = append(c.joinOrder, p.sessionID)
	m.Actor.Send(OpenSuccess{Root: c.tree.Root(), Meta: c.meta(), Participants: c.otherSessionIDs(p.sessionID)})
	c.broadcastExcept(p.sessionID, RemoteClientOpened{SessionID: p.sessionID})
}

func (c *Coordinator) meta() storage.ModelMeta {
	return storage.ModelMeta{
		ID:           c.id,
		CollectionID: c.collectionID,
		Version:      c.scc.Version(),
		CreatedAt:    c.createdAt,
		ModifiedAt:   c.modifiedAt,
	}
}

func (c *Coordinator) otherSessionIDs(except string) []string {
	out := make([]string, 0, len(c.participants))
	for sid := range c.participants {
		if sid != except {
			out = append(out, sid)
		}
	}
	return out
}

func (c *Coordinator) handleClose(m CloseModel) {
	if po, waiting := c.pendingOpeners[m.SessionID]; waiting {
		po.deadline.Stop()
		delete(c.pendingOpeners, m.SessionID)
		if po.p.role == RoleDataAuthority && c.state == StateDataRequested {
			if len(c.pendingOpeners) == 0 {
				c.state = StateUninitialized
			} else {
				c.reassignDataAuthority()
			}
		}
		return
	}

	p, ok := c.participants[m.SessionID]
	if !ok {
		return
	}
	delete(c.participants, m.SessionID)
	c.removeFromJoinOrder(m.SessionID)
	p.actor.Send(CloseAck{})
	c.broadcastExcept(m.SessionID, RemoteClientClosed{SessionID: m.SessionID})

	if len(c.participants) == 0 && c.state == StateInitialized {
		c.startLinger()
	}
}

func (c *Coordinator) removeFromJoinOrder(sessionID string) {
	for i, sid := range c.joinOrder {
		if sid == sessionID {
			c.joinOrder = append(c.joinOrder[:i], c.joinOrder[i+1:]...)
			return
		}
	}
}

// handleOperationSubmission is the hot path of spec.md section 4.5: rebase
// through the SCC, apply to the tree, append to the log, ack the submitter,
// broadcast to everyone else, and consult the snapshot policy.
func (c *Coordinator) handleOperationSubmission(m OperationSubmission) {
	if c.state != StateInitialized {
		return
	}
	p, ok := c.participants[m.SessionID]
	if !ok {
		return
	}

	assignedVersion, transformed, err := c.scc.ProcessSubmission(m.SessionID, m.ContextVersion, m.Op)
	if err != nil {
		// Spec.md section 7: a fault in the submitter's reference version is
		// propagated as ModelForceClose, not surfaced as a raw acknowledgement.
		c.logger.Printf("[coordinator] %s: scc rejected submission from %s: %v", c.id, m.SessionID, err)
		c.forceClose(ReasonInvalidContextVer)
		return
	}

	discreteOps := ot.FlattenOperation(transformed)
	applied := make([]model.AppliedOperation, 0, len(discreteOps))
	for _, d := range discreteOps {
		a, applyErr := c.tree.Apply(d)
		if applyErr != nil {
			c.logger.Printf("[coordinator] %s: apply failed for %s: %v", c.id, m.SessionID, applyErr)
			c.forceClose(ReasonInternal)
			return
		}
		applied = append(applied, a)
	}

	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	for i, a := range applied {
		version := assignedVersion + uint64(i)
		if err := c.persistence.AppendOperation(ctx, storage.ModelOperation{
			ModelID:   c.id,
			Version:   version,
			Timestamp: now,
			SessionID: m.SessionID,
			Op:        a,
		}); err != nil {
			cancel()
			c.logger.Printf("[coordinator] %s: append failed: %v", c.id, err)
			c.forceClose(ReasonInternal)
			return
		}
	}
	cancel()

	finalVersion := assignedVersion + uint64(len(applied)) - 1
	for _, a := range applied {
		c.scc.Commit(m.SessionID, a)
	}
	c.modifiedAt = now
	c.dirty = true

	p.actor.Send(OperationAcknowledgement{SubmittedSeq: m.SubmittedSeq, AssignedVersion: finalVersion, Timestamp: now})
	// p is the submitter: this ack *is* p's own confirmation that it has
	// landed at finalVersion, the server-side mirror of the client CCC's
	// OnAck advance. Every other participant only gets the broadcast below;
	// the server has no receipt that they've processed it yet, so their
	// tracked context version must not move until they themselves submit
	// something that proves they have (the Advance call below, once that
	// submission is acked, or an explicit ResyncRequest) — see evictHistory.
	p.ccc.Advance(finalVersion)
	c.broadcastExcept(m.SessionID, OutgoingOperation{
		AssignedVersion:      finalVersion,
		Timestamp:            now,
		OriginatingSessionID: m.SessionID,
		Op:                   transformed,
	})

	c.maybeSnapshot(finalVersion, now)
	c.evictHistory()
}

func (c *Coordinator) maybeSnapshot(version uint64, now time.Time) {
	if c.policy == nil || !c.policy.ShouldSnapshot(version, now) {
		return
	}
	root := c.tree.Materialize()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.persistence.WriteSnapshot(ctx, storage.Snapshot{ModelID: c.id, Version: version, Timestamp: now, Root: root}); err != nil {
		c.logger.Printf("[coordinator] %s: snapshot write failed (will retry next trigger): %v", c.id, err)
		return
	}
	c.policy.RecordSnapshot(version, now)
	c.dirty = false
}

// evictHistory trims the SCC's rebase window to the oldest context version
// any live participant has actually confirmed — via its own ack (as the
// submitter of a commit) or its own ResyncRequest catch-up, never via a
// broadcast sent to it that it may not have processed yet. This is a
// conservative floor: a participant that never submits or resyncs holds its
// join-time version indefinitely, which only means history is retained
// longer than strictly necessary, never less.
func (c *Coordinator) evictHistory() {
	if len(c.participants) == 0 {
		return
	}
	min := c.scc.Version()
	for _, p := range c.participants {
		if cv := p.ccc.ContextVersion(); cv < min {
			min = cv
		}
	}
	c.scc.EvictBefore(min)
}

func (c *Coordinator) handleReferenceUpdate(m ReferenceUpdate) {
	if c.state != StateInitialized {
		return
	}
	if _, ok := c.participants[m.SessionID]; !ok {
		return
	}
	c.broadcastExcept(m.SessionID, referenceUpdateOut{SessionID: m.SessionID, Payload: m.Payload})
}

// referenceUpdateOut re-broadcasts a presence cursor verbatim; its semantics
// are out of core scope per spec.md section 1, so the coordinator only
// routes it.
type referenceUpdateOut struct {
	SessionID string
	Payload   any
}

func (referenceUpdateOut) isOutboundMessage() {}

// handleResyncRequest answers a live participant's request to replay
// whatever it missed since fromVersionExclusive, without requiring a full
// close/reopen. It reads straight from persistence rather than any
// in-memory buffer, since the coordinator keeps no broadcast history of its
// own beyond the SCC's rebase window.
func (c *Coordinator) handleResyncRequest(ctx context.Context, m ResyncRequest) {
	if c.state != StateInitialized {
		return
	}
	p, ok := c.participants[m.SessionID]
	if !ok {
		return
	}
	current := c.scc.Version()
	if m.FromVersionExclusive > current {
		p.actor.Send(ResyncFailure{Reason: ReasonInvalidContextVer})
		return
	}
	if m.FromVersionExclusive == current {
		p.actor.Send(ResyncResponse{UpToVersion: current})
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	iter, err := c.persistence.LoadOperations(readCtx, c.id, m.FromVersionExclusive)
	if err != nil {
		c.logger.Printf("[coordinator] %s: resync loadOperations failed for %s: %v", c.id, m.SessionID, err)
		p.actor.Send(ResyncFailure{Reason: ReasonStorageUnavailable})
		return
	}
	defer iter.Close()

	ops := make([]ResyncOperation, 0, current-m.FromVersionExclusive)
	for iter.Next(readCtx) {
		entry := iter.Value()
		ops = append(ops, ResyncOperation{
			AssignedVersion:      entry.Version,
			Timestamp:            entry.Timestamp,
			OriginatingSessionID: entry.SessionID,
			Op:                   entry.Op.DiscreteOperation,
		})
	}
	if err := iter.Err(); err != nil {
		c.logger.Printf("[coordinator] %s: resync cursor error for %s: %v", c.id, m.SessionID, err)
		p.actor.Send(ResyncFailure{Reason: ReasonStorageUnavailable})
		return
	}
	if len(ops) == 0 && m.FromVersionExclusive < current {
		// The operations the requester is missing have already been
		// evicted/compacted out of the retained log; it must reopen.
		p.actor.Send(ResyncFailure{Reason: ReasonResyncTooStale})
		return
	}

	p.actor.Send(ResyncResponse{Ops: ops, UpToVersion: current})
	p.ccc.Advance(current)
}

func (c *Coordinator) handleModelDeleted() {
	c.forceClose(ReasonDeleted)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.persistence.DeleteModel(ctx, c.id); err != nil {
		c.logger.Printf("[coordinator] %s: cascade delete failed: %v", c.id, err)
	}
}

// forceClose notifies every participant and pending opener and terminates
// the coordinator, per spec.md section 7's propagation policy: internal
// engine errors are never surfaced as-is, only as ModelForceClose(reason).
func (c *Coordinator) forceClose(reason Reason) {
	if c.state == StateForceClosing || c.state == StateShutdown {
		return
	}
	c.state = StateForceClosing
	for _, p := range c.participants {
		p.actor.Send(ModelForceClose{Reason: reason})
	}
	for _, po := range c.pendingOpeners {
		po.deadline.Stop()
		po.p.actor.Send(ModelForceClose{Reason: reason})
	}
	c.participants = make(map[string]*participant)
	c.pendingOpeners = make(map[string]*pendingOpener)
	c.joinOrder = nil
	c.cancelLinger()
	c.state = StateShutdown
}

func (c *Coordinator) broadcastExcept(except string, msg OutboundMessage) {
	for sid, p := range c.participants {
		if sid == except {
			continue
		}
		p.actor.Send(msg)
	}
}

func (c *Coordinator) startLinger() {
	c.cancelLinger()
	c.lingerTimer = time.AfterFunc(c.cfg.LingerTimeout, func() {
		c.post(lingerExpiredMsg{})
	})
}

func (c *Coordinator) cancelLinger() {
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
		c.lingerTimer = nil
	}
}

func (c *Coordinator) handleLingerExpired() {
	if c.state != StateInitialized || len(c.participants) != 0 {
		return
	}
	if c.dirty && c.tree != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		version := c.scc.Version()
		now := time.Now()
		if err := c.persistence.WriteSnapshot(ctx, storage.Snapshot{ModelID: c.id, Version: version, Timestamp: now, Root: c.tree.Materialize()}); err != nil {
			c.logger.Printf("[coordinator] %s: final snapshot write failed: %v", c.id, err)
		}
		cancel()
	}
	c.state = StateShutdown
}
