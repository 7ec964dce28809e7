// Package storage declares the Persistence Interface of spec.md section
// 4.7: the contract the coordinator uses to load models, append
// operations, and write snapshots. Concrete collaborators live in the
// postgres, rediscache, and s3archive subpackages; this package only
// declares the contract and the wire-independent domain types it trades
// in.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rectcircle/convergence-server/internal/model"
)

var (
	// ErrAlreadyExists is returned by CreateModel when the model id is
	// already present.
	ErrAlreadyExists = errors.New("storage: model already exists")
	// ErrNotFound is returned by DeleteModel when the model id is unknown.
	// LoadModel reports an unknown id as (nil, nil) instead.
	ErrNotFound = errors.New("storage: model not found")
	// ErrNonDenseVersion is returned by AppendOperation when version is not
	// exactly one greater than the last appended version for the model.
	ErrNonDenseVersion = errors.New("storage: operation version is not dense")
)

// ModelMeta is the (id, collectionId, version, createdAt, modifiedAt) tuple
// of spec.md section 3, without the live tree.
type ModelMeta struct {
	ID           string
	CollectionID string
	Version      uint64
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

// ModelOperation is one operation log entry: (modelId, version, timestamp,
// sessionId, op).
type ModelOperation struct {
	ModelID   string
	Version   uint64
	Timestamp time.Time
	SessionID string
	Op        model.AppliedOperation
}

// Snapshot is (modelId, version, timestamp, root).
type Snapshot struct {
	ModelID   string
	Version   uint64
	Timestamp time.Time
	Root      *model.ObjectValue
}

// LoadedModel is what LoadModel returns on a hit: the model's metadata, the
// version of its latest snapshot, and that snapshot's root (the coordinator
// replays operations after LatestSnapshotVersion on top of Root to reach
// Meta.Version).
type LoadedModel struct {
	Meta                  ModelMeta
	LatestSnapshotVersion uint64
	Root                  *model.ObjectValue
}

// OperationIterator is a lazy ordered sequence of ModelOperation, modeled
// after database/sql.Rows: call Next until it returns false, then check
// Err, then Close.
type OperationIterator interface {
	Next(ctx context.Context) bool
	Value() ModelOperation
	Err() error
	Close() error
}

// Persistence is the contract the Realtime Model Coordinator consumes from
// the storage collaborator. All methods are fallible; per spec.md section
// 4.7 the coordinator treats any AppendOperation failure as fatal and any
// read failure during Loading as fatal for that open cycle.
type Persistence interface {
	// LoadModel returns (nil, nil) if the model does not exist.
	LoadModel(ctx context.Context, id string) (*LoadedModel, error)
	// LoadOperations returns operations for id with version strictly
	// greater than fromVersionExclusive, in ascending version order.
	LoadOperations(ctx context.Context, id string, fromVersionExclusive uint64) (OperationIterator, error)
	// CreateModel fails with ErrAlreadyExists if id is already present.
	CreateModel(ctx context.Context, id, collectionID string, root *model.ObjectValue, createdAt time.Time) error
	// AppendOperation must be atomic and fails with ErrNonDenseVersion if
	// op.Version is not exactly the model's last version + 1.
	AppendOperation(ctx context.Context, op ModelOperation) error
	// WriteSnapshot is idempotent on (modelId, version).
	WriteSnapshot(ctx context.Context, snap Snapshot) error
	// DeleteModel cascades to operations and snapshots.
	DeleteModel(ctx context.Context, id string) error
}
