package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/snapshot"
	"github.com/rectcircle/convergence-server/internal/storage"
)

// memPersistence is an in-memory storage.Persistence used only by these
// tests, in the teacher's style of hand-rolled fakes over a mocking
// framework (the teacher repo ships no tests at all; this mirrors the
// pack's plain-fake idiom instead, e.g. homveloper-boss-raid-game's
// in-memory repositories).
type memPersistence struct {
	mu         sync.Mutex
	metas      map[string]storage.ModelMeta
	roots      map[string]*model.ObjectValue
	ops        map[string][]storage.ModelOperation
	snapshots  map[string][]storage.Snapshot
	failCreate bool
	failAppend bool
}

func newMemPersistence() *memPersistence {
	return &memPersistence{
		metas:     make(map[string]storage.ModelMeta),
		roots:     make(map[string]*model.ObjectValue),
		ops:       make(map[string][]storage.ModelOperation),
		snapshots: make(map[string][]storage.Snapshot),
	}
}

func (m *memPersistence) LoadModel(ctx context.Context, id string) (*storage.LoadedModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	if !ok {
		return nil, nil
	}
	var latestSnapVersion uint64
	var root *model.ObjectValue
	for _, s := range m.snapshots[id] {
		if s.Version >= latestSnapVersion {
			latestSnapVersion = s.Version
			root = s.Root
		}
	}
	if root == nil {
		root = m.roots[id]
	}
	return &storage.LoadedModel{Meta: meta, LatestSnapshotVersion: latestSnapVersion, Root: root.Clone().(*model.ObjectValue)}, nil
}

func (m *memPersistence) LoadOperations(ctx context.Context, id string, fromVersionExclusive uint64) (storage.OperationIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ModelOperation
	for _, op := range m.ops[id] {
		if op.Version > fromVersionExclusive {
			out = append(out, op)
		}
	}
	return &memOpIterator{ops: out, idx: -1}, nil
}

func (m *memPersistence) CreateModel(ctx context.Context, id, collectionID string, root *model.ObjectValue, createdAt time.Time) error {
	if m.failCreate {
		return assert.AnError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.metas[id]; exists {
		return storage.ErrAlreadyExists
	}
	m.metas[id] = storage.ModelMeta{ID: id, CollectionID: collectionID, Version: 0, CreatedAt: createdAt, ModifiedAt: createdAt}
	m.roots[id] = root.Clone().(*model.ObjectValue)
	return nil
}

func (m *memPersistence) AppendOperation(ctx context.Context, op storage.ModelOperation) error {
	if m.failAppend {
		return assert.AnError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op.ModelID] = append(m.ops[op.ModelID], op)
	meta := m.metas[op.ModelID]
	meta.Version = op.Version
	meta.ModifiedAt = op.Timestamp
	m.metas[op.ModelID] = meta
	return nil
}

func (m *memPersistence) WriteSnapshot(ctx context.Context, snap storage.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ModelID] = append(m.snapshots[snap.ModelID], snap)
	return nil
}

func (m *memPersistence) DeleteModel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metas, id)
	delete(m.roots, id)
	delete(m.ops, id)
	delete(m.snapshots, id)
	return nil
}

func (m *memPersistence) createCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metas[id]; ok {
		return 1
	}
	return 0
}

type memOpIterator struct {
	ops []storage.ModelOperation
	idx int
}

func (it *memOpIterator) Next(ctx context.Context) bool {
	it.idx++
	return it.idx < len(it.ops)
}
func (it *memOpIterator) Value() storage.ModelOperation { return it.ops[it.idx] }
func (it *memOpIterator) Err() error                    { return nil }
func (it *memOpIterator) Close() error                  { return nil }

// fakeActor records every OutboundMessage it receives, for assertions. It
// never blocks, mirroring the non-blocking-from-the-coordinator's-side
// contract SessionActor documents.
type fakeActor struct {
	mu   sync.Mutex
	msgs []OutboundMessage
}

func (f *fakeActor) Send(msg OutboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeActor) all() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundMessage, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeActor) last() OutboundMessage {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// lastOfType returns the most recent message of type T that f received.
func lastOfType[T OutboundMessage](f *fakeActor) (T, bool) {
	all := f.all()
	for i := len(all) - 1; i >= 0; i-- {
		if m, ok := all[i].(T); ok {
			return m, true
		}
	}
	var zero T
	return zero, false
}

func testConfig() Config {
	return Config{
		HandshakeTimeout:   time.Second,
		DataRequestTimeout: 30 * time.Millisecond,
		LingerTimeout:      time.Second,
		Snapshot:           snapshot.Config{},
	}
}

// Scenario 1 (spec.md section 8): concurrent string inserts at the same
// index. Session alpha's op arrives first and is applied unchanged; session
// beta's op, after SCC rebase, shifts past it.
func TestCoordinator_ConcurrentStringInserts_SameIndex(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)

	sVid := model.Vid("s1")
	root := model.NewObjectValue("root")
	root.Children["s"] = &model.StringValue{VID: sVid, Value: "AB"}
	require.NoError(t, persist.CreateModel(ctx, "m1", "default", root, time.Now()))
	require.True(t, c.load(ctx, mustLoad(t, persist, "m1")))
	c.state = StateInitialized

	alpha, beta := &fakeActor{}, &fakeActor{}
	c.admitParticipant(OpenModel{SessionID: "alpha", Actor: alpha}, RoleMember)
	c.admitParticipant(OpenModel{SessionID: "beta", Actor: beta}, RoleMember)

	c.handleOperationSubmission(OperationSubmission{
		SessionID: "alpha", ContextVersion: 0,
		Op: model.DiscreteOperation{Kind: model.StringInsert, VID: sVid, Index: 1, StrValue: "X"},
	})
	c.handleOperationSubmission(OperationSubmission{
		SessionID: "beta", ContextVersion: 0,
		Op: model.DiscreteOperation{Kind: model.StringInsert, VID: sVid, Index: 1, StrValue: "Y"},
	})

	v, ok := c.tree.Get(sVid)
	require.True(t, ok)
	assert.Equal(t, "AXYB", v.(*model.StringValue).Value)

	// alpha's ack is followed by the broadcast of beta's op.
	alphaAck, ok := lastOfType[OperationAcknowledgement](alpha)
	require.True(t, ok)
	assert.Equal(t, uint64(1), alphaAck.AssignedVersion)

	betaAck, ok := beta.last().(OperationAcknowledgement)
	require.True(t, ok)
	assert.Equal(t, uint64(2), betaAck.AssignedVersion)
}

func mustLoad(t *testing.T, persist *memPersistence, id string) *storage.LoadedModel {
	t.Helper()
	loaded, err := persist.LoadModel(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	return loaded
}

// Scenario 2: cold start. A model with no storage record enters
// DataRequested on first open; the opener's data reply creates the model
// and an initial snapshot at version 0.
func TestCoordinator_ColdStart(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)

	gamma := &fakeActor{}
	c.handle(ctx, OpenModel{SessionID: "gamma", ModelID: "m1", Actor: gamma})
	assert.Equal(t, StateDataRequested, c.state)
	_, isRequest := gamma.last().(ClientModelDataRequest)
	require.True(t, isRequest)

	root := model.NewObjectValue("root")
	root.Children["a"] = &model.StringValue{VID: "s1", Value: "hi"}
	c.handle(ctx, ClientModelDataResponse{SessionID: "gamma", Root: root})

	assert.Equal(t, StateInitialized, c.state)
	success, ok := gamma.last().(OpenSuccess)
	require.True(t, ok)
	assert.Equal(t, uint64(0), success.Meta.Version)
	assert.Equal(t, 1, persist.createCount("m1"))
	require.Len(t, persist.snapshots["m1"], 1)
	assert.Equal(t, uint64(0), persist.snapshots["m1"][0].Version)
}

// Scenario 3: cold start, timeout. The opener never replies within
// DataRequestTimeout; it receives OpenFailure and the model is never
// created.
func TestCoordinator_ColdStart_Timeout(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	cfg := testConfig()
	cfg.DataRequestTimeout = 10 * time.Millisecond
	c := New("m1", "default", cfg, persist, nil)

	gamma := &fakeActor{}
	c.handle(ctx, OpenModel{SessionID: "gamma", ModelID: "m1", Actor: gamma})
	require.Equal(t, StateDataRequested, c.state)

	msg := <-c.inbox
	timeoutMsg, ok := msg.(dataRequestTimeoutMsg)
	require.True(t, ok)
	c.handle(ctx, timeoutMsg)

	failure, ok := gamma.last().(OpenFailure)
	require.True(t, ok)
	assert.Equal(t, ReasonDataRequestTimeout, failure.Reason)
	assert.Equal(t, StateUninitialized, c.state)
	assert.Equal(t, 0, persist.createCount("m1"))
}

// Scenario 4: a second client opens while cold start is still in flight.
// Both receive ClientModelDataRequest; once the first replies, both are
// admitted with the same tree and version 0, and createModel fires exactly
// once.
func TestCoordinator_ColdStart_SecondClientQueues(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)

	gamma, delta := &fakeActor{}, &fakeActor{}
	c.handle(ctx, OpenModel{SessionID: "gamma", ModelID: "m1", Actor: gamma})
	c.handle(ctx, OpenModel{SessionID: "delta", ModelID: "m1", Actor: delta})

	_, gammaRequested := gamma.last().(ClientModelDataRequest)
	_, deltaRequested := delta.last().(ClientModelDataRequest)
	assert.True(t, gammaRequested)
	assert.True(t, deltaRequested)

	root := model.NewObjectValue("root")
	root.Children["a"] = &model.StringValue{VID: "s1", Value: "hi"}
	c.handle(ctx, ClientModelDataResponse{SessionID: "gamma", Root: root})

	// Whichever opener is admitted first is then told about the second
	// (RemoteClientOpened), so OpenSuccess is not always its last message.
	gammaSuccess, ok := lastOfType[OpenSuccess](gamma)
	require.True(t, ok)
	deltaSuccess, ok := lastOfType[OpenSuccess](delta)
	require.True(t, ok)
	assert.Equal(t, uint64(0), gammaSuccess.Meta.Version)
	assert.Equal(t, uint64(0), deltaSuccess.Meta.Version)
	assert.Equal(t, 1, persist.createCount("m1"))
}

// Scenario 5: force close on an invalid operation. An out-of-range
// ArrayRemove is fatal: every participant receives ModelForceClose and the
// operation is never appended.
func TestCoordinator_ForceClose_InvalidOp(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)

	aVid := model.Vid("a1")
	root := model.NewObjectValue("root")
	arr := model.NewArrayValue(aVid)
	arr.Children = []model.DataValue{
		&model.DoubleValue{VID: "e1", Value: 1},
		&model.DoubleValue{VID: "e2", Value: 2},
		&model.DoubleValue{VID: "e3", Value: 3},
	}
	root.Children["arr"] = arr
	require.NoError(t, persist.CreateModel(ctx, "m1", "default", root, time.Now()))
	require.True(t, c.load(ctx, mustLoad(t, persist, "m1")))
	c.state = StateInitialized

	epsilon, other := &fakeActor{}, &fakeActor{}
	c.admitParticipant(OpenModel{SessionID: "epsilon", Actor: epsilon}, RoleMember)
	c.admitParticipant(OpenModel{SessionID: "other", Actor: other}, RoleMember)

	c.handleOperationSubmission(OperationSubmission{
		SessionID: "epsilon", ContextVersion: c.scc.Version(),
		Op: model.DiscreteOperation{Kind: model.ArrayRemove, VID: aVid, Index: 7},
	})

	_, epsilonClosed := epsilon.last().(ModelForceClose)
	_, otherClosed := other.last().(ModelForceClose)
	assert.True(t, epsilonClosed)
	assert.True(t, otherClosed)
	assert.Equal(t, StateShutdown, c.state)
	assert.Empty(t, persist.ops["m1"])
}

// Scenario 6: the model is deleted while two sessions are open. Both
// receive ModelForceClose(reason=deleted) and the persistence layer
// receives a cascade delete.
func TestCoordinator_ModelDeleted_WhileOpen(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)

	root := model.NewObjectValue("root")
	require.NoError(t, persist.CreateModel(ctx, "m1", "default", root, time.Now()))
	require.True(t, c.load(ctx, mustLoad(t, persist, "m1")))
	c.state = StateInitialized

	one, two := &fakeActor{}, &fakeActor{}
	c.admitParticipant(OpenModel{SessionID: "one", Actor: one}, RoleMember)
	c.admitParticipant(OpenModel{SessionID: "two", Actor: two}, RoleMember)

	c.handle(ctx, ModelDeleted{})

	oneClose, ok := one.last().(ModelForceClose)
	require.True(t, ok)
	assert.Equal(t, ReasonDeleted, oneClose.Reason)
	twoClose, ok := two.last().(ModelForceClose)
	require.True(t, ok)
	assert.Equal(t, ReasonDeleted, twoClose.Reason)
	assert.Equal(t, StateShutdown, c.state)
	assert.Equal(t, 0, persist.createCount("m1"))
}

// Duplicate open from the same session is reported as ModelAlreadyOpen
// without disturbing the existing participant (spec.md section 4.5/7).
func TestCoordinator_DuplicateOpen(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)
	root := model.NewObjectValue("root")
	require.NoError(t, persist.CreateModel(ctx, "m1", "default", root, time.Now()))
	require.True(t, c.load(ctx, mustLoad(t, persist, "m1")))
	c.state = StateInitialized

	first := &fakeActor{}
	c.admitParticipant(OpenModel{SessionID: "one", Actor: first}, RoleMember)

	dup := &fakeActor{}
	c.handle(ctx, OpenModel{SessionID: "one", ModelID: "m1", Actor: dup})

	_, ok := dup.last().(ModelAlreadyOpen)
	require.True(t, ok)
	assert.Len(t, c.participants, 1)
}

// The coordinator's tracked per-participant context version advances on
// every acknowledgement it sends to the submitter, so history eviction isn't
// pinned forever at a long-lived participant's join-time version.
func TestCoordinator_EvictsHistoryAsParticipantsCatchUp(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)

	sVid := model.Vid("s1")
	root := model.NewObjectValue("root")
	root.Children["s"] = &model.StringValue{VID: sVid, Value: ""}
	require.NoError(t, persist.CreateModel(ctx, "m1", "default", root, time.Now()))
	require.True(t, c.load(ctx, mustLoad(t, persist, "m1")))
	c.state = StateInitialized

	solo := &fakeActor{}
	c.admitParticipant(OpenModel{SessionID: "solo", Actor: solo}, RoleMember)

	for i := 0; i < 5; i++ {
		c.handleOperationSubmission(OperationSubmission{
			SessionID: "solo", ContextVersion: c.scc.Version(),
			Op: model.DiscreteOperation{Kind: model.StringInsert, VID: sVid, Index: 0, StrValue: "x"},
		})
	}

	assert.Equal(t, 0, c.scc.HistoryLen())
}

// A live participant that suspects it missed broadcasts can ask the
// coordinator to replay everything since its last known version, without
// closing and reopening.
func TestCoordinator_ResyncRequest_ReplaysMissedOperations(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)

	sVid := model.Vid("s1")
	root := model.NewObjectValue("root")
	root.Children["s"] = &model.StringValue{VID: sVid, Value: ""}
	require.NoError(t, persist.CreateModel(ctx, "m1", "default", root, time.Now()))
	require.True(t, c.load(ctx, mustLoad(t, persist, "m1")))
	c.state = StateInitialized

	stale, live := &fakeActor{}, &fakeActor{}
	c.admitParticipant(OpenModel{SessionID: "stale", Actor: stale}, RoleMember)
	c.admitParticipant(OpenModel{SessionID: "live", Actor: live}, RoleMember)

	staleContextVersion := c.scc.Version()
	for i := 0; i < 3; i++ {
		c.handleOperationSubmission(OperationSubmission{
			SessionID: "live", ContextVersion: c.scc.Version(),
			Op: model.DiscreteOperation{Kind: model.StringInsert, VID: sVid, Index: 0, StrValue: "x"},
		})
	}

	c.handle(ctx, ResyncRequest{SessionID: "stale", FromVersionExclusive: staleContextVersion})

	resp, ok := stale.last().(ResyncResponse)
	require.True(t, ok)
	assert.Equal(t, c.scc.Version(), resp.UpToVersion)
	require.Len(t, resp.Ops, 3)
	for _, op := range resp.Ops {
		assert.Equal(t, "live", op.OriginatingSessionID)
	}

	// Asking again with the now-current version returns nothing new.
	c.handle(ctx, ResyncRequest{SessionID: "stale", FromVersionExclusive: c.scc.Version()})
	resp2, ok := stale.last().(ResyncResponse)
	require.True(t, ok)
	assert.Empty(t, resp2.Ops)
}

// A resync request referencing a version ahead of what the coordinator has
// ever assigned is rejected rather than silently returning nothing.
func TestCoordinator_ResyncRequest_RejectsFutureVersion(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersistence()
	c := New("m1", "default", testConfig(), persist, nil)
	root := model.NewObjectValue("root")
	require.NoError(t, persist.CreateModel(ctx, "m1", "default", root, time.Now()))
	require.True(t, c.load(ctx, mustLoad(t, persist, "m1")))
	c.state = StateInitialized

	actor := &fakeActor{}
	c.admitParticipant(OpenModel{SessionID: "one", Actor: actor}, RoleMember)

	c.handle(ctx, ResyncRequest{SessionID: "one", FromVersionExclusive: 999})

	failure, ok := actor.last().(ResyncFailure)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidContextVer, failure.Reason)
}
