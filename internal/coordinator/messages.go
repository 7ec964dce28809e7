package coordinator

import (
	"time"

	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/storage"
)

// SessionActor is the coordinator's view of a connected client session: the
// one thing it can do is receive outbound messages, strictly in the order
// they were sent (the per-recipient FIFO guarantee of spec.md section 5).
// A concrete transport (internal/transport/ws) owns the actual connection
// and a buffered per-session queue, in the spirit of the teacher's
// per-client Client.send channel in websocket/client.go, so Send returns
// without waiting on the network unless that queue is full.
type SessionActor interface {
	Send(msg OutboundMessage)
}

// Reason is the closed set of machine-readable reasons carried by
// OpenFailure and ModelForceClose, per spec.md section 7's error taxonomy.
type Reason string

const (
	ReasonInternal           Reason = "internal"
	ReasonDeleted            Reason = "deleted"
	ReasonDataRequestTimeout Reason = "data-request-timeout"
	ReasonHandshakeTimeout   Reason = "handshake-timeout"
	ReasonModelNotFound      Reason = "model-not-found"
	ReasonInvalidContextVer  Reason = "invalid-context-version"
	ReasonMalformedDataReply Reason = "malformed-data-response"
	ReasonStorageUnavailable Reason = "storage-unavailable"
	ReasonResyncTooStale     Reason = "resync-too-stale"
)

// InboundMessage is the closed sum type of messages a coordinator accepts,
// per spec.md section 6's "Coordinator <- Session inbound messages" plus the
// external ModelDeleted signal.
type InboundMessage interface {
	isInboundMessage()
}

// OpenModel is a session's request to join a model. A session may not open
// the same model twice; the coordinator replies ModelAlreadyOpen on the
// actor if sessionID is already a participant.
type OpenModel struct {
	SessionID string
	ModelID   string
	Actor     SessionActor
}

func (OpenModel) isInboundMessage() {}

// CloseModel ends sessionID's participation.
type CloseModel struct {
	SessionID string
}

func (CloseModel) isInboundMessage() {}

// OperationSubmission is a locally-originated edit forwarded by sessionID,
// stamped with the context version it believed was current.
type OperationSubmission struct {
	SessionID      string
	SubmittedSeq   uint32
	ContextVersion uint64
	Op             model.Operation
}

func (OperationSubmission) isInboundMessage() {}

// ClientModelDataResponse is only valid while the coordinator is in
// DataRequested: it supplies the initial tree for a model with no prior
// storage record.
type ClientModelDataResponse struct {
	SessionID string
	Root      *model.ObjectValue
}

func (ClientModelDataResponse) isInboundMessage() {}

// ReferenceUpdate carries presence-cursor data. The coordinator routes it to
// every other participant without interpreting its payload — presence
// semantics are out of core scope per spec.md section 1.
type ReferenceUpdate struct {
	SessionID string
	Payload   any
}

func (ReferenceUpdate) isInboundMessage() {}

// ModelDeleted is the external signal (from the admin/HTTP surface, outside
// the core) that this model's storage record has been removed.
type ModelDeleted struct{}

func (ModelDeleted) isInboundMessage() {}

// ResyncRequest is issued by an already-open participant that suspects it
// missed broadcasts (e.g. a brief transport stall that didn't drop the
// session outright) instead of closing and reopening. It is the
// coordinator-level counterpart to SPEC_FULL.md section C's "Session
// recovery / missed-operation replay", generalizing the teacher's
// recovery.go HandleRecoveryRequest/getMissedOperations from flat stroke
// rows to the operation log.
type ResyncRequest struct {
	SessionID            string
	FromVersionExclusive uint64
}

func (ResyncRequest) isInboundMessage() {}

// OutboundMessage is the closed sum type of messages a coordinator ever
// sends to a SessionActor, per spec.md section 6's
// "Coordinator -> Session outbound".
type OutboundMessage interface {
	isOutboundMessage()
}

// OpenSuccess answers a successful OpenModel (cold or warm) with the
// current tree, its metadata, and the session ids already participating.
type OpenSuccess struct {
	Root         *model.ObjectValue
	Meta         storage.ModelMeta
	Participants []string
}

func (OpenSuccess) isOutboundMessage() {}

// OpenFailure answers a failed OpenModel.
type OpenFailure struct {
	Reason Reason
}

func (OpenFailure) isOutboundMessage() {}

// ModelAlreadyOpen answers a duplicate OpenModel from the same sessionID,
// without disturbing any other participant.
type ModelAlreadyOpen struct{}

func (ModelAlreadyOpen) isOutboundMessage() {}

// CloseAck answers a CloseModel.
type CloseAck struct{}

func (CloseAck) isOutboundMessage() {}

// ModelForceClose is sent to every participant when the coordinator enters
// ForceClosing.
type ModelForceClose struct {
	Reason Reason
}

func (ModelForceClose) isOutboundMessage() {}

// ClientModelDataRequest asks an opener, in DataRequested, to supply the
// initial tree.
type ClientModelDataRequest struct {
	ModelID string
}

func (ClientModelDataRequest) isOutboundMessage() {}

// OperationAcknowledgement answers a submitter's own OperationSubmission.
type OperationAcknowledgement struct {
	SubmittedSeq    uint32
	AssignedVersion uint64
	Timestamp       time.Time
}

func (OperationAcknowledgement) isOutboundMessage() {}

// OutgoingOperation is the transformed op broadcast to every other
// participant.
type OutgoingOperation struct {
	AssignedVersion      uint64
	Timestamp            time.Time
	OriginatingSessionID string
	Op                   model.Operation
}

func (OutgoingOperation) isOutboundMessage() {}

// RemoteClientOpened notifies existing participants of a new arrival.
type RemoteClientOpened struct {
	SessionID string
}

func (RemoteClientOpened) isOutboundMessage() {}

// RemoteClientClosed notifies remaining participants of a departure.
type RemoteClientClosed struct {
	SessionID string
}

func (RemoteClientClosed) isOutboundMessage() {}

// ResyncOperation is one logged operation replayed in answer to a
// ResyncRequest.
type ResyncOperation struct {
	AssignedVersion      uint64
	Timestamp            time.Time
	OriginatingSessionID string
	Op                   model.Operation
}

// ResyncResponse answers a ResyncRequest with every operation the requester
// missed, in version order, plus the version it should advance its context
// to once all of them are applied. An empty Ops means the requester was
// already current.
type ResyncResponse struct {
	Ops         []ResyncOperation
	UpToVersion uint64
}

func (ResyncResponse) isOutboundMessage() {}

// ResyncFailure answers a ResyncRequest the coordinator cannot satisfy,
// e.g. because fromVersionExclusive predates the oldest retained operation
// (the snapshot/eviction window has already moved past it): the requester
// must fall back to a full reopen.
type ResyncFailure struct {
	Reason Reason
}

func (ResyncFailure) isOutboundMessage() {}
