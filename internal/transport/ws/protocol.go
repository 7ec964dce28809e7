package ws

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rectcircle/convergence-server/internal/coordinator"
	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/wire"
)

// The session-level framing (this envelope's type tags and JSON shape) is
// not part of spec.md's binary wire format (section 6 only fixes the
// operation log and snapshot encodings) — it's the transport's own
// business, kept in the teacher's JSON Message{Type, Data} style
// (websocket/client.go) rather than inventing a second binary protocol.
// Operation and data-value payloads within the envelope reuse
// internal/wire's canonical encoding, base64-wrapped for JSON transit, so
// a client and the persisted log always agree on what an operation means.

const (
	typeOperationSubmission    = "operation_submission"
	typeClientModelDataResp    = "client_model_data_response"
	typeReferenceUpdate        = "reference_update"
	typeOpenSuccess            = "open_success"
	typeOpenFailure            = "open_failure"
	typeModelAlreadyOpen       = "model_already_open"
	typeCloseAck               = "close_ack"
	typeModelForceClose        = "model_force_close"
	typeClientModelDataRequest = "client_model_data_request"
	typeOperationAck           = "operation_ack"
	typeOutgoingOperation      = "outgoing_operation"
	typeRemoteClientOpened     = "remote_client_opened"
	typeRemoteClientClosed     = "remote_client_closed"
	typeResyncRequest          = "resync_request"
	typeResyncResponse         = "resync_response"
	typeResyncFailure          = "resync_failure"
)

func encodeOutbound(msg coordinator.OutboundMessage) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case coordinator.OpenSuccess:
		rootBytes, err := wire.EncodeValue(m.Root)
		if err != nil {
			return nil, err
		}
		env.Type = typeOpenSuccess
		env.Data, err = json.Marshal(struct {
			Root         string   `json:"root"`
			ModelID      string   `json:"modelId"`
			CollectionID string   `json:"collectionId"`
			Version      uint64   `json:"version"`
			Participants []string `json:"participants"`
		}{
			Root:         base64.StdEncoding.EncodeToString(rootBytes),
			ModelID:      m.Meta.ID,
			CollectionID: m.Meta.CollectionID,
			Version:      m.Meta.Version,
			Participants: m.Participants,
		})
		if err != nil {
			return nil, err
		}

	case coordinator.OpenFailure:
		env.Type = typeOpenFailure
		env.Data, _ = json.Marshal(struct {
			Reason string `json:"reason"`
		}{string(m.Reason)})

	case coordinator.ModelAlreadyOpen:
		env.Type = typeModelAlreadyOpen

	case coordinator.CloseAck:
		env.Type = typeCloseAck

	case coordinator.ModelForceClose:
		env.Type = typeModelForceClose
		env.Data, _ = json.Marshal(struct {
			Reason string `json:"reason"`
		}{string(m.Reason)})

	case coordinator.ClientModelDataRequest:
		env.Type = typeClientModelDataRequest
		env.Data, _ = json.Marshal(struct {
			ModelID string `json:"modelId"`
		}{m.ModelID})

	case coordinator.OperationAcknowledgement:
		env.Type = typeOperationAck
		env.Data, _ = json.Marshal(struct {
			SubmittedSeq    uint32    `json:"submittedSeq"`
			AssignedVersion uint64    `json:"assignedVersion"`
			Timestamp       time.Time `json:"timestamp"`
		}{m.SubmittedSeq, m.AssignedVersion, m.Timestamp})

	case coordinator.OutgoingOperation:
		opBytes, err := wire.EncodeOperation(m.Op)
		if err != nil {
			return nil, err
		}
		env.Type = typeOutgoingOperation
		env.Data, err = json.Marshal(struct {
			AssignedVersion      uint64    `json:"assignedVersion"`
			Timestamp            time.Time `json:"timestamp"`
			OriginatingSessionID string    `json:"originatingSessionId"`
			Op                   string    `json:"op"`
		}{m.AssignedVersion, m.Timestamp, m.OriginatingSessionID, base64.StdEncoding.EncodeToString(opBytes)})
		if err != nil {
			return nil, err
		}

	case coordinator.RemoteClientOpened:
		env.Type = typeRemoteClientOpened
		env.Data, _ = json.Marshal(struct {
			SessionID string `json:"sessionId"`
		}{m.SessionID})

	case coordinator.RemoteClientClosed:
		env.Type = typeRemoteClientClosed
		env.Data, _ = json.Marshal(struct {
			SessionID string `json:"sessionId"`
		}{m.SessionID})

	case coordinator.ResyncResponse:
		outOps := make([]string, len(m.Ops))
		for i, op := range m.Ops {
			b, err := wire.EncodeOperation(op.Op)
			if err != nil {
				return nil, err
			}
			outOps[i] = base64.StdEncoding.EncodeToString(b)
		}
		env.Type = typeResyncResponse
		var err error
		env.Data, err = json.Marshal(struct {
			UpToVersion uint64      `json:"upToVersion"`
			Ops         []string    `json:"ops"`
			Versions    []uint64    `json:"versions"`
			Timestamps  []time.Time `json:"timestamps"`
			Origins     []string    `json:"originatingSessionIds"`
		}{
			UpToVersion: m.UpToVersion,
			Ops:         outOps,
			Versions:    resyncVersions(m.Ops),
			Timestamps:  resyncTimestamps(m.Ops),
			Origins:     resyncOrigins(m.Ops),
		})
		if err != nil {
			return nil, err
		}

	case coordinator.ResyncFailure:
		env.Type = typeResyncFailure
		env.Data, _ = json.Marshal(struct {
			Reason string `json:"reason"`
		}{string(m.Reason)})

	default:
		return nil, fmt.Errorf("ws: %w: %T", errUnknownFrameType, msg)
	}
	return json.Marshal(env)
}

// decodeInbound translates a client-sent envelope into the coordinator
// InboundMessage it represents. sessionID is stamped by the transport, not
// trusted from the frame, since the session identity belongs to the
// connection, not the client's say-so.
func decodeInbound(sessionID string, env envelope) (coordinator.InboundMessage, error) {
	switch env.Type {
	case typeOperationSubmission:
		var body struct {
			SubmittedSeq   uint32 `json:"submittedSeq"`
			ContextVersion uint64 `json:"contextVersion"`
			Op             string `json:"op"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return nil, err
		}
		opBytes, err := base64.StdEncoding.DecodeString(body.Op)
		if err != nil {
			return nil, fmt.Errorf("ws: decode op base64: %w", err)
		}
		op, err := wire.DecodeOperation(opBytes)
		if err != nil {
			return nil, fmt.Errorf("ws: decode op: %w", err)
		}
		return coordinator.OperationSubmission{
			SessionID:      sessionID,
			SubmittedSeq:   body.SubmittedSeq,
			ContextVersion: body.ContextVersion,
			Op:             op,
		}, nil

	case typeClientModelDataResp:
		var body struct {
			Root string `json:"root"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return nil, err
		}
		rootBytes, err := base64.StdEncoding.DecodeString(body.Root)
		if err != nil {
			return nil, fmt.Errorf("ws: decode root base64: %w", err)
		}
		v, err := wire.DecodeValue(rootBytes)
		if err != nil {
			return nil, fmt.Errorf("ws: decode root: %w", err)
		}
		obj, ok := v.(*model.ObjectValue)
		if !ok {
			return nil, fmt.Errorf("ws: data response root is not an object (got %T)", v)
		}
		return coordinator.ClientModelDataResponse{SessionID: sessionID, Root: obj}, nil

	case typeReferenceUpdate:
		var payload any
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				return nil, err
			}
		}
		return coordinator.ReferenceUpdate{SessionID: sessionID, Payload: payload}, nil

	case typeResyncRequest:
		var body struct {
			FromVersionExclusive uint64 `json:"fromVersionExclusive"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return nil, err
		}
		return coordinator.ResyncRequest{SessionID: sessionID, FromVersionExclusive: body.FromVersionExclusive}, nil

	default:
		return nil, fmt.Errorf("ws: %w: %q", errUnknownFrameType, env.Type)
	}
}

// resyncVersions/resyncTimestamps/resyncOrigins flatten a ResyncResponse's
// per-operation fields into parallel arrays for JSON transit, mirroring the
// envelope's flat-struct style rather than introducing a nested
// per-operation object type.
func resyncVersions(ops []coordinator.ResyncOperation) []uint64 {
	out := make([]uint64, len(ops))
	for i, op := range ops {
		out[i] = op.AssignedVersion
	}
	return out
}

func resyncTimestamps(ops []coordinator.ResyncOperation) []time.Time {
	out := make([]time.Time, len(ops))
	for i, op := range ops {
		out[i] = op.Timestamp
	}
	return out
}

func resyncOrigins(ops []coordinator.ResyncOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.OriginatingSessionID
	}
	return out
}
