// Package postgres implements the Persistence Interface (spec.md section
// 4.7) against PostgreSQL with the teacher's raw-SQL, database/sql style
// (see main.go's schema setup and recovery.go's hand-written queries)
// rather than an ORM, using github.com/lib/pq as the driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/storage"
	"github.com/rectcircle/convergence-server/internal/wire"
)

// Store implements storage.Persistence against a models/operations/
// snapshots schema. Operation and snapshot bodies are stored as bytea
// columns holding the spec's binary wire format (internal/wire), so
// Postgres is a byte-addressable log rather than a JSON document store —
// the teacher's tables (see main.go) use JSONB for operation payloads;
// this is a deliberate divergence since spec.md section 6 mandates a
// specific binary format for the log and snapshot, see DESIGN.md.
type Store struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB. Schema setup (CREATE TABLE IF NOT
// EXISTS) mirrors the teacher's inline setupDatabase in main.go.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the three tables this store needs if they don't
// already exist, in the teacher's style of doing schema setup inline at
// startup rather than via a migration tool.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			modified_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS model_operations (
			model_id TEXT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			version BIGINT NOT NULL,
			body BYTEA NOT NULL,
			PRIMARY KEY (model_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS model_snapshots (
			model_id TEXT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			version BIGINT NOT NULL,
			body BYTEA NOT NULL,
			PRIMARY KEY (model_id, version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: schema setup failed: %w", err)
		}
	}
	return nil
}

// LoadModel returns the model row plus its latest snapshot, or (nil, nil)
// if id is unknown.
func (s *Store) LoadModel(ctx context.Context, id string) (*storage.LoadedModel, error) {
	var meta storage.ModelMeta
	meta.ID = id
	err := s.db.QueryRowContext(ctx, `
		SELECT collection_id, version, created_at, modified_at
		FROM models WHERE id = $1`, id,
	).Scan(&meta.CollectionID, &meta.Version, &meta.CreatedAt, &meta.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load model %s: %w", id, err)
	}

	var snapVersion int64
	var snapBody []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT version, body FROM model_snapshots
		WHERE model_id = $1 ORDER BY version DESC LIMIT 1`, id,
	).Scan(&snapVersion, &snapBody)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: model %s has no snapshot", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load snapshot for %s: %w", id, err)
	}
	snap, err := wire.DecodeSnapshot(snapBody)
	if err != nil {
		return nil, fmt.Errorf("postgres: decode snapshot for %s: %w", id, err)
	}

	return &storage.LoadedModel{
		Meta:                  meta,
		LatestSnapshotVersion: snap.Version,
		Root:                  snap.Root,
	}, nil
}

// operationIterator adapts *sql.Rows to storage.OperationIterator.
type operationIterator struct {
	modelID string
	rows    *sql.Rows
	cur     storage.ModelOperation
	err     error
}

func (it *operationIterator) Next(ctx context.Context) bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var version int64
	var body []byte
	if err := it.rows.Scan(&version, &body); err != nil {
		it.err = fmt.Errorf("postgres: scan operation row: %w", err)
		return false
	}
	entry, err := wire.DecodeLogEntry(it.modelID, body)
	if err != nil {
		it.err = fmt.Errorf("postgres: decode operation at version %d: %w", version, err)
		return false
	}
	it.cur = entry
	return true
}

func (it *operationIterator) Value() storage.ModelOperation { return it.cur }
func (it *operationIterator) Err() error                    { return it.err }
func (it *operationIterator) Close() error                  { return it.rows.Close() }

// LoadOperations streams operations for id with version > fromVersionExclusive.
func (s *Store) LoadOperations(ctx context.Context, id string, fromVersionExclusive uint64) (storage.OperationIterator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, body FROM model_operations
		WHERE model_id = $1 AND version > $2
		ORDER BY version ASC`, id, int64(fromVersionExclusive))
	if err != nil {
		return nil, fmt.Errorf("postgres: query operations for %s: %w", id, err)
	}
	return &operationIterator{modelID: id, rows: rows}, nil
}

// CreateModel inserts the model row and its version-0 snapshot atomically.
func (s *Store) CreateModel(ctx context.Context, id, collectionID string, root *model.ObjectValue, createdAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin createModel tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO models (id, collection_id, version, created_at, modified_at)
		VALUES ($1, $2, 0, $3, $3)`, id, collectionID, createdAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert model %s: %w", id, err)
	}

	snapBody, err := wire.EncodeSnapshot(storage.Snapshot{ModelID: id, Version: 0, Timestamp: createdAt, Root: root})
	if err != nil {
		return fmt.Errorf("postgres: encode initial snapshot for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO model_snapshots (model_id, version, body) VALUES ($1, 0, $2)`, id, snapBody); err != nil {
		return fmt.Errorf("postgres: insert initial snapshot for %s: %w", id, err)
	}

	return tx.Commit()
}

// AppendOperation writes one log entry and advances the model's version
// atomically; a unique (model_id, version) violation or a version that
// isn't exactly last+1 surfaces as storage.ErrNonDenseVersion.
func (s *Store) AppendOperation(ctx context.Context, op storage.ModelOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin append tx: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM models WHERE id = $1 FOR UPDATE`, op.ModelID).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("postgres: lock model %s: %w", op.ModelID, err)
	}
	if uint64(currentVersion)+1 != op.Version {
		return storage.ErrNonDenseVersion
	}

	body, err := wire.EncodeLogEntry(op)
	if err != nil {
		return fmt.Errorf("postgres: encode operation at version %d: %w", op.Version, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO model_operations (model_id, version, body) VALUES ($1, $2, $3)`,
		op.ModelID, op.Version, body); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return storage.ErrNonDenseVersion
		}
		return fmt.Errorf("postgres: insert operation at version %d: %w", op.Version, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE models SET version = $2, modified_at = $3 WHERE id = $1`,
		op.ModelID, op.Version, op.Timestamp); err != nil {
		return fmt.Errorf("postgres: update model version for %s: %w", op.ModelID, err)
	}

	return tx.Commit()
}

// WriteSnapshot is idempotent on (modelId, version) via ON CONFLICT DO
// NOTHING.
func (s *Store) WriteSnapshot(ctx context.Context, snap storage.Snapshot) error {
	body, err := wire.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot at version %d: %w", snap.Version, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_snapshots (model_id, version, body) VALUES ($1, $2, $3)
		ON CONFLICT (model_id, version) DO NOTHING`, snap.ModelID, snap.Version, body)
	if err != nil {
		return fmt.Errorf("postgres: write snapshot at version %d: %w", snap.Version, err)
	}
	return nil
}

// DeleteModel cascades via the foreign keys' ON DELETE CASCADE.
func (s *Store) DeleteModel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete model %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
