package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/rezilient/control-plane/pkg/model"
)

// Postgres is a StateStore backed by a single row of a PostgreSQL table,
// keyed by snapshotKey, holding the ControlPlaneSnapshot as JSONB. The row
// is locked with SELECT ... FOR UPDATE for the lifetime of each
// transaction, which is what makes concurrent Mutate calls serialize.
//
// Expected schema (owned by the migration-runner collaborator, not by this
// package):
//
//	CREATE TABLE control_plane_snapshots (
//	    snapshot_key  TEXT PRIMARY KEY,
//	    version       BIGINT NOT NULL DEFAULT 0,
//	    snapshot_json JSONB NOT NULL,
//	    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Postgres struct {
	db          *sql.DB
	snapshotKey string
	log         *zap.Logger
}

// NewPostgres wraps db with a StateStore scoped to snapshotKey, the
// row-keyed multi-tenant multiplexing named in spec §4.1.
func NewPostgres(db *sql.DB, snapshotKey string, log *zap.Logger) *Postgres {
	return &Postgres{db: db, snapshotKey: snapshotKey, log: log.Named("store.postgres")}
}

// Bootstrap inserts an empty snapshot row for snapshotKey if one does not
// already exist. Idempotent; safe to call on every process start.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	empty := model.NewSnapshot()
	raw, err := json.Marshal(empty)
	if err != nil {
		return fmt.Errorf("store: marshal bootstrap snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO control_plane_snapshots (snapshot_key, version, snapshot_json)
		 VALUES ($1, 0, $2)
		 ON CONFLICT (snapshot_key) DO NOTHING`,
		p.snapshotKey, raw,
	)
	if err != nil {
		return fmt.Errorf("store: bootstrap: %w", err)
	}
	return nil
}

// Read returns the current snapshot for snapshotKey without taking a lock.
func (p *Postgres) Read(ctx context.Context) (*model.ControlPlaneSnapshot, error) {
	var raw []byte
	var version int64
	err := p.db.QueryRowContext(ctx,
		`SELECT version, snapshot_json FROM control_plane_snapshots WHERE snapshot_key = $1`,
		p.snapshotKey,
	).Scan(&version, &raw)
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}
	var snap model.ControlPlaneSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("store: decode snapshot: %w", err)
	}
	snap.Version = version
	return &snap, nil
}

// Mutate loads the snapshot row under FOR UPDATE, invokes fn, and writes
// the result back with version+1 in the same transaction. An error from
// fn (or from marshaling its mutated snapshot) rolls the transaction back;
// the persisted row is untouched.
func (p *Postgres) Mutate(ctx context.Context, fn MutateFunc) (any, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	var raw []byte
	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version, snapshot_json FROM control_plane_snapshots WHERE snapshot_key = $1 FOR UPDATE`,
		p.snapshotKey,
	).Scan(&version, &raw)
	if err != nil {
		return nil, fmt.Errorf("store: lock snapshot: %w", err)
	}

	var snap model.ControlPlaneSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("store: decode snapshot: %w", err)
	}
	snap.Version = version

	result, err := fn(&snap)
	if err != nil {
		// fn's error rolls back via the deferred tx.Rollback(); nothing persists.
		return nil, err
	}

	snap.Version = version + 1
	newRaw, err := json.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("store: encode mutated snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE control_plane_snapshots SET version = $1, snapshot_json = $2, updated_at = now() WHERE snapshot_key = $3`,
		snap.Version, newRaw, p.snapshotKey,
	)
	if err != nil {
		return nil, fmt.Errorf("store: write snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	p.log.Debug("mutate committed", zap.String("snapshot_key", p.snapshotKey), zap.Int64("version", snap.Version))
	return result, nil
}

// Version returns the current version column without decoding the document.
func (p *Postgres) Version(ctx context.Context) (int64, error) {
	var version int64
	err := p.db.QueryRowContext(ctx,
		`SELECT version FROM control_plane_snapshots WHERE snapshot_key = $1`,
		p.snapshotKey,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store: version: %w", err)
	}
	return version, nil
}
