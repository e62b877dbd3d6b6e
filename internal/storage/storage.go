// Package storage defines the state-store interfaces behind the pipeline:
// the dedup set holding every canonical 4-tuple ever written, and the
// entity index summarizing per-entity coverage for the modeling engine.
//
// Two backends implement them: sqlite (embedded, the default) and mysql
// (server-backed, for deployments where state lives off-box). Consumers
// hold the interfaces, never a concrete store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/waitline/waitline/internal/types"
)

// Common errors returned by storage operations.
var (
	// ErrNotFound is returned when an entity does not exist in the index.
	ErrNotFound = errors.New("entity not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// DedupSet is the ordered, persistent set of observation 4-tuples. A row's
// presence means it has been committed to a canonical or staging file at
// least once; inserting is idempotent.
type DedupSet interface {
	// Begin opens a write transaction. Rows filtered through the
	// transaction become visible to other readers only at Commit, which
	// lets the caller sequence file writes inside the transaction window.
	Begin(ctx context.Context) (DedupTx, error)

	// Contains reports whether the exact 4-tuple is present.
	Contains(ctx context.Context, key types.ObservationKey) (bool, error)

	// Count returns the number of stored tuples.
	Count(ctx context.Context) (int64, error)

	// Clear removes all tuples (full rebuild).
	Clear(ctx context.Context) error

	Close() error
}

// DedupTx is a dedup-set write transaction.
type DedupTx interface {
	// Filter inserts every observation in batch that is not already in
	// the set and returns those newly inserted, preserving input order.
	// Duplicates within the batch itself are also collapsed.
	Filter(batch []types.Observation) ([]types.Observation, error)

	Commit() error
	Rollback() error
}

// EntityIndex summarizes per-entity observation coverage and modeling
// freshness.
type EntityIndex interface {
	// RecordBatch applies upsert-increments: counts add, date bounds
	// widen, last_observed advances.
	RecordBatch(ctx context.Context, deltas []types.EntityDelta) error

	// Get returns the record for an entity, or ErrNotFound.
	Get(ctx context.Context, entityCode string) (*types.EntityRecord, error)

	// ListAll returns every record ordered by entity code.
	ListAll(ctx context.Context) ([]*types.EntityRecord, error)

	// ListCandidates returns records that are stale for modeling: never
	// modeled, or observed since the last modeling run; restricted to
	// entities whose last observation is before the cutoff.
	ListCandidates(ctx context.Context, cutoff time.Time) ([]*types.EntityRecord, error)

	// MarkModeled stamps the entity's last modeling run and model kind.
	MarkModeled(ctx context.Context, entityCode string, at time.Time, kind string) error

	// Clear removes all records (index rebuild).
	Clear(ctx context.Context) error

	Close() error
}
