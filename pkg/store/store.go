// Package store implements the single-snapshot durable state store
// described in spec §4.1: a coherent ControlPlaneSnapshot that every
// mutation reads, modifies, and writes back atomically under a row lock.
//
// Two implementations are provided: Memory (tests, single process) and
// Postgres (production, backed by a row-locked table holding the snapshot
// as JSON — the schema itself is the contract of the external
// migration-runner collaborator named in spec §1; this package never
// creates or alters the table, it only inserts the snapshot row on
// Bootstrap and reads and updates that row).
package store

import (
	"context"

	"github.com/rezilient/control-plane/pkg/model"
)

// MutateFunc is invoked with the current snapshot inside a transaction. It
// may mutate the snapshot in place and return an arbitrary result. An
// error return rolls back the transaction; no part of the snapshot is
// persisted. MutateFunc must be idempotent under retry: callers may
// re-invoke it after an aborted transaction.
type MutateFunc func(snap *model.ControlPlaneSnapshot) (any, error)

// StateStore is the serializable read/mutate contract every component in
// this repository is built on. Mutations across concurrent callers appear
// totally ordered; readers never observe a partially written snapshot.
type StateStore interface {
	// Read returns a deep copy of the current snapshot.
	Read(ctx context.Context) (*model.ControlPlaneSnapshot, error)

	// Mutate begins a transaction, loads the current snapshot under a row
	// lock, invokes fn, and on success atomically persists the mutated
	// snapshot with version := old_version + 1 before returning fn's
	// result. On error from fn, the transaction rolls back and no state
	// changes persist.
	Mutate(ctx context.Context, fn MutateFunc) (any, error)

	// Version returns the current snapshot's version without decoding the
	// full document — an observability-only accessor, never a write path.
	Version(ctx context.Context) (int64, error)
}
