// Package mysql implements the state stores on a MySQL server for
// deployments that keep pipeline state off-box. Semantics match the
// sqlite backend; the pipeline lock still serializes writers.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/types"
)

const dedupSchema = `
CREATE TABLE IF NOT EXISTS dedup_keys (
    entity_code  VARCHAR(32)  NOT NULL,
    observed_at  VARCHAR(32)  NOT NULL,
    wait_type    VARCHAR(16)  NOT NULL,
    minutes      INT          NOT NULL,
    PRIMARY KEY (entity_code, observed_at, wait_type, minutes)
)`

const indexSchema = `
CREATE TABLE IF NOT EXISTS entity_index (
    entity_code     VARCHAR(32) PRIMARY KEY,
    first_date      VARCHAR(10) NOT NULL DEFAULT '',
    last_date       VARCHAR(10) NOT NULL DEFAULT '',
    last_observed   VARCHAR(32) NOT NULL DEFAULT '',
    row_count       BIGINT NOT NULL DEFAULT 0,
    posted_count    BIGINT NOT NULL DEFAULT 0,
    actual_count    BIGINT NOT NULL DEFAULT 0,
    priority_count  BIGINT NOT NULL DEFAULT 0,
    last_modeled_at VARCHAR(32) NULL,
    model_kind      VARCHAR(16) NOT NULL DEFAULT '',
    first_seen_at   VARCHAR(32) NOT NULL,
    updated_at      VARCHAR(32) NOT NULL,
    INDEX idx_entity_last_observed (last_observed)
)`

// Store bundles both state stores on one MySQL connection pool.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open connects to MySQL with dsn, creating the state tables if needed.
// The DSN must carry a database name; parseTime is not required since all
// timestamps are stored as canonical strings.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("mysql dsn has no database name")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	for _, schema := range []string{dedupSchema, indexSchema} {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize mysql schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Dedup returns the store's dedup-set view.
func (s *Store) Dedup() storage.DedupSet { return (*dedupSet)(s) }

// Index returns the store's entity-index view.
func (s *Store) Index() storage.EntityIndex { return (*entityIndex)(s) }

// Close closes the connection pool. Both views share it.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type dedupSet Store

func (s *dedupSet) Begin(ctx context.Context) (storage.DedupTx, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dedup transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT IGNORE INTO dedup_keys (entity_code, observed_at, wait_type, minutes) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("prepare dedup insert: %w", err)
	}
	return &dedupTx{tx: tx, stmt: stmt}, nil
}

func (s *dedupSet) Contains(ctx context.Context, key types.ObservationKey) (bool, error) {
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

func (s *dedupSet) Count(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, storage.ErrStoreClosed
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dedup_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dedup set: %w", err)
	}
	return n, nil
}

func (s *dedupSet) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE dedup_keys`); err != nil {
		return fmt.Errorf("clear dedup set: %w", err)
	}
	return nil
}

// Close on a view is a no-op; the owning Store closes the pool.
func (s *dedupSet) Close() error { return nil }

type dedupTx struct {
	tx   *sql.Tx
	stmt *sql.Stmt
	done bool
}

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

type entityIndex Store

func (s *entityIndex) RecordBatch(ctx context.Context, deltas []types.EntityDelta) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entity_index
		    (entity_code, first_date, last_date, last_observed, row_count,
		     posted_count, actual_count, priority_count, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    first_date     = IF(VALUES(first_date) < first_date OR first_date = '', VALUES(first_date), first_date),
		    last_date      = GREATEST(last_date, VALUES(last_date)),
		    last_observed  = GREATEST(last_observed, VALUES(last_observed)),
		    row_count      = row_count + VALUES(row_count),
		    posted_count   = posted_count + VALUES(posted_count),
		    actual_count   = actual_count + VALUES(actual_count),
		    priority_count = priority_count + VALUES(priority_count),
		    updated_at     = VALUES(updated_at)`)
	if err != nil {
		return fmt.Errorf("prepare index upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range deltas {
		_, err := stmt.ExecContext(ctx,
			d.EntityCode, string(d.FirstDate), string(d.LastDate),
			d.LastObserved.Format(types.ObservedAtLayout),
			d.Rows, d.PostedCount, d.ActualCount, d.PriorityCount,
			now, now)
		if err != nil {
			return fmt.Errorf("upsert entity %s: %w", d.EntityCode, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index transaction: %w", err)
	}
	return nil
}

const indexColumns = `entity_code, first_date, last_date, last_observed,
	row_count, posted_count, actual_count, priority_count, last_modeled_at, model_kind`

func (s *entityIndex) Get(ctx context.Context, entityCode string) (*types.EntityRecord, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+indexColumns+` FROM entity_index WHERE entity_code = ?`, entityCode)
	rec, err := scanEntityRecord(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *entityIndex) ListAll(ctx context.Context) ([]*types.EntityRecord, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+indexColumns+` FROM entity_index ORDER BY entity_code`)
	if err != nil {
		return nil, fmt.Errorf("list entity index: %w", err)
	}
	defer rows.Close()
	return collectEntityRecords(rows)
}

func (s *entityIndex) ListCandidates(ctx context.Context, cutoff time.Time) ([]*types.EntityRecord, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+indexColumns+` FROM entity_index
		WHERE (last_modeled_at IS NULL OR last_observed > last_modeled_at)
		  AND last_observed <= ?
		ORDER BY last_observed DESC`,
		cutoff.Format(types.ObservedAtLayout))
	if err != nil {
		return nil, fmt.Errorf("list modeling candidates: %w", err)
	}
	defer rows.Close()
	return collectEntityRecords(rows)
}

func (s *entityIndex) MarkModeled(ctx context.Context, entityCode string, at time.Time, kind string) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entity_index SET last_modeled_at = ?, model_kind = ?, updated_at = ? WHERE entity_code = ?`,
		at.UTC().Format(types.ObservedAtLayout), kind,
		time.Now().UTC().Format(time.RFC3339), entityCode)
	if err != nil {
		return fmt.Errorf("mark %s modeled: %w", entityCode, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *entityIndex) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE entity_index`); err != nil {
		return fmt.Errorf("clear entity index: %w", err)
	}
	return nil
}

func (s *entityIndex) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntityRecord(row rowScanner) (*types.EntityRecord, error) {
	var rec types.EntityRecord
	var firstDate, lastDate, lastObserved string
	var lastModeled sql.NullString
	if err := row.Scan(&rec.EntityCode, &firstDate, &lastDate, &lastObserved,
		&rec.RowCount, &rec.PostedCount, &rec.ActualCount, &rec.PriorityCount,
		&lastModeled, &rec.ModelKind); err != nil {
		return nil, err
	}
	rec.FirstDate = types.ParkDate(firstDate)
	rec.LastDate = types.ParkDate(lastDate)
	if lastObserved != "" {
		t, err := time.Parse(types.ObservedAtLayout, lastObserved)
		if err != nil {
			return nil, fmt.Errorf("parse last_observed for %s: %w", rec.EntityCode, err)
		}
		rec.LastObserved = t
	}
	if lastModeled.Valid && lastModeled.String != "" {
		t, err := time.Parse(types.ObservedAtLayout, lastModeled.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_modeled_at for %s: %w", rec.EntityCode, err)
		}
		rec.LastModeledAt = &t
	}
	return &rec, nil
}

func collectEntityRecords(rows *sql.Rows) ([]*types.EntityRecord, error) {
	var out []*types.EntityRecord
	for rows.Next() {
		rec, err := scanEntityRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity index: %w", err)
	}
	return out, nil
}
