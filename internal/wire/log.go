package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/storage"
)

// EncodeLogEntry serializes one operation log entry per spec.md section 6:
// version:u64 LE, timestampMillis:i64 LE, sessionIdLen:u16, sessionIdBytes,
// opKind:u8, opBody.
func EncodeLogEntry(entry storage.ModelOperation) ([]byte, error) {
	var buf bytes.Buffer
	writeU64(&buf, entry.Version)
	writeI64(&buf, entry.Timestamp.UnixMilli())
	if len(entry.SessionID) > 0xFFFF {
		return nil, fmt.Errorf("wire: sessionId too long to encode (%d bytes)", len(entry.SessionID))
	}
	writeU16(&buf, uint16(len(entry.SessionID)))
	buf.WriteString(entry.SessionID)
	if err := encodeDiscrete(&buf, entry.Op.DiscreteOperation); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeLogEntry parses an entry produced by EncodeLogEntry. modelID is
// supplied by the caller (the storage row it was read from), since the wire
// format itself does not repeat it per entry.
func DecodeLogEntry(modelID string, b []byte) (storage.ModelOperation, error) {
	r := bytes.NewReader(b)
	version, err := readU64(r)
	if err != nil {
		return storage.ModelOperation{}, err
	}
	millis, err := readI64(r)
	if err != nil {
		return storage.ModelOperation{}, err
	}
	sidLen, err := readU16(r)
	if err != nil {
		return storage.ModelOperation{}, err
	}
	sidBytes := make([]byte, sidLen)
	if _, err := readFull(r, sidBytes); err != nil {
		return storage.ModelOperation{}, err
	}
	d, err := decodeDiscreteBody(r)
	if err != nil {
		return storage.ModelOperation{}, err
	}
	return storage.ModelOperation{
		ModelID:   modelID,
		Version:   version,
		Timestamp: time.UnixMilli(millis).UTC(),
		SessionID: string(sidBytes),
		Op:        model.AppliedOperation{DiscreteOperation: d},
	}, nil
}

// EncodeSnapshot serializes a snapshot: (modelId, version, timestampMillis)
// followed by the root's data-value encoding, per spec.md section 6.
func EncodeSnapshot(snap storage.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, snap.ModelID)
	writeU64(&buf, snap.Version)
	writeI64(&buf, snap.Timestamp.UnixMilli())
	if err := encodeValue(&buf, snap.Root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses a snapshot produced by EncodeSnapshot.
func DecodeSnapshot(b []byte) (storage.Snapshot, error) {
	r := bytes.NewReader(b)
	modelID, err := readString(r)
	if err != nil {
		return storage.Snapshot{}, err
	}
	version, err := readU64(r)
	if err != nil {
		return storage.Snapshot{}, err
	}
	millis, err := readI64(r)
	if err != nil {
		return storage.Snapshot{}, err
	}
	root, err := decodeValue(r)
	if err != nil {
		return storage.Snapshot{}, err
	}
	obj, ok := root.(*model.ObjectValue)
	if !ok {
		return storage.Snapshot{}, fmt.Errorf("wire: snapshot root is not an object (got %T)", root)
	}
	return storage.Snapshot{
		ModelID:   modelID,
		Version:   version,
		Timestamp: time.UnixMilli(millis).UTC(),
		Root:      obj,
	}, nil
}
