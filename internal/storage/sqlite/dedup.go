package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/types"
)

const dedupSchema = `
CREATE TABLE IF NOT EXISTS dedup_keys (
    entity_code  TEXT    NOT NULL,
    observed_at  TEXT    NOT NULL,
    wait_type    TEXT    NOT NULL,
    minutes      INTEGER NOT NULL,
    PRIMARY KEY (entity_code, observed_at, wait_type, minutes)
) WITHOUT ROWID;
`

// DedupSet is the SQLite-backed observation 4-tuple set.
type DedupSet struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenDedupSet opens (creating if needed) the dedup database at path.
func OpenDedupSet(path string) (*DedupSet, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(dedupSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize dedup schema: %w", err)
	}
	return &DedupSet{db: db}, nil
}

// Begin opens a write transaction.
func (s *DedupSet) Begin(ctx context.Context) (storage.DedupTx, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dedup transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO dedup_keys (entity_code, observed_at, wait_type, minutes) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("prepare dedup insert: %w", err)
	}
	return &dedupTx{tx: tx, stmt: stmt}, nil
}

// Contains reports whether the exact 4-tuple is present.
func (s *DedupSet) Contains(ctx context.Context, key types.ObservationKey) (bool, error) {
	if s.closed.Load() {
		return false, storage.ErrStoreClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM dedup_keys WHERE entity_code = ? AND observed_at = ? AND wait_type = ? AND minutes = ?`,
		key.EntityCode, key.ObservedAt, string(key.Type), key.Minutes).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query dedup set: %w", err)
	}
	return true, nil
}

// Count returns the number of stored tuples.
func (s *DedupSet) Count(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, storage.ErrStoreClosed
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dedup_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dedup set: %w", err)
	}
	return n, nil
}

// Clear removes all tuples.
func (s *DedupSet) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup_keys`); err != nil {
		return fmt.Errorf("clear dedup set: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *DedupSet) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return closeCheckpointed(s.db)
}

type dedupTx struct {
	tx   *sql.Tx
	stmt *sql.Stmt
	done bool
}

// Filter inserts observations not already present and returns the newly
// inserted ones in input order. INSERT OR IGNORE plus RowsAffected tells
// new rows from duplicates in a single statement, so an in-batch duplicate
// collapses the same way a cross-run one does.
func (t *dedupTx) Filter(batch []types.Observation) ([]types.Observation, error) {
	fresh := make([]types.Observation, 0, len(batch))
	for _, o := range batch {
		k := o.Key()
		res, err := t.stmt.Exec(k.EntityCode, k.ObservedAt, string(k.Type), k.Minutes)
		if err != nil {
			return nil, fmt.Errorf("insert dedup key for %s: %w", k.EntityCode, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("dedup rows affected: %w", err)
		}
		if n > 0 {
			fresh = append(fresh, o)
		}
	}
	return fresh, nil
}

func (t *dedupTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.stmt.Close()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit dedup transaction: %w", err)
	}
	return nil
}

func (t *dedupTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.stmt.Close()
	return t.tx.Rollback()
}
