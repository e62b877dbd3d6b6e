package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/types"
)

// indexSchemaVersion is bumped whenever the entity_index table grows a
// column. Migration is additive only: new count columns start at zero and
// are corrected by the next index rebuild.
const indexSchemaVersion = 2

const indexSchema = `
CREATE TABLE IF NOT EXISTS entity_index (
    entity_code      TEXT PRIMARY KEY,
    first_date       TEXT NOT NULL DEFAULT '',
    last_date        TEXT NOT NULL DEFAULT '',
    last_observed    TEXT NOT NULL DEFAULT '',
    row_count        INTEGER NOT NULL DEFAULT 0,
    first_seen_at    TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entity_last_date ON entity_index(last_date);
CREATE INDEX IF NOT EXISTS idx_entity_last_observed ON entity_index(last_observed);
`

// indexMigrations holds per-version ALTER batches, keyed by the version
// they migrate *to*.
var indexMigrations = map[int][]string{
	2: {
		`ALTER TABLE entity_index ADD COLUMN posted_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE entity_index ADD COLUMN actual_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE entity_index ADD COLUMN priority_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE entity_index ADD COLUMN last_modeled_at TEXT`,
		`ALTER TABLE entity_index ADD COLUMN model_kind TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_entity_last_modeled ON entity_index(last_modeled_at)`,
	},
}

// EntityIndex is the SQLite-backed entity index.
type EntityIndex struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenEntityIndex opens (creating or migrating if needed) the entity index
// database at path.
func OpenEntityIndex(path string) (*EntityIndex, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize entity index schema: %w", err)
	}
	if err := migrateIndex(db); err != nil {
		db.Close()
		return nil, err
	}
	return &EntityIndex{db: db}, nil
}

func migrateIndex(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read index schema version: %w", err)
	}
	if version == 0 {
		// Fresh database: the CREATE TABLE above may predate the count
		// columns if it was written by an old binary, so probe for one.
		if hasColumn(db, "entity_index", "posted_count") {
			version = indexSchemaVersion
		} else {
			version = 1
		}
	}
	for v := version + 1; v <= indexSchemaVersion; v++ {
		for _, stmt := range indexMigrations[v] {
			if _, err := db.Exec(stmt); err != nil {
				// Re-running an ALTER against an already-migrated table is
				// not an error worth failing startup over.
				if strings.Contains(err.Error(), "duplicate column name") {
					continue
				}
				return fmt.Errorf("migrate entity index to v%d: %w", v, err)
			}
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", indexSchemaVersion)); err != nil {
		return fmt.Errorf("record index schema version: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// RecordBatch applies upsert-increments for a write batch. Idempotence at
// the batch level is the caller's concern (deltas are computed from rows
// that survived dedup).
func (s *EntityIndex) RecordBatch(ctx context.Context, deltas []types.EntityDelta) error {
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
		ON CONFLICT(entity_code) DO UPDATE SET
		    first_date     = CASE WHEN excluded.first_date < first_date OR first_date = '' THEN excluded.first_date ELSE first_date END,
		    last_date      = MAX(last_date, excluded.last_date),
		    last_observed  = MAX(last_observed, excluded.last_observed),
		    row_count      = row_count + excluded.row_count,
		    posted_count   = posted_count + excluded.posted_count,
		    actual_count   = actual_count + excluded.actual_count,
		    priority_count = priority_count + excluded.priority_count,
		    updated_at     = excluded.updated_at`)
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

// Get returns the record for an entity, or storage.ErrNotFound.
func (s *EntityIndex) Get(ctx context.Context, entityCode string) (*types.EntityRecord, error) {
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

// ListAll returns every record ordered by entity code.
func (s *EntityIndex) ListAll(ctx context.Context) ([]*types.EntityRecord, error) {
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

// ListCandidates returns entities never modeled or observed since their
// last modeling run, restricted to entities quiet since the cutoff.
// Ordered by last observation, newest first.
func (s *EntityIndex) ListCandidates(ctx context.Context, cutoff time.Time) ([]*types.EntityRecord, error) {
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

// MarkModeled stamps the entity's last modeling run and model kind.
func (s *EntityIndex) MarkModeled(ctx context.Context, entityCode string, at time.Time, kind string) error {
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

// Clear removes all records.
func (s *EntityIndex) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entity_index`); err != nil {
		return fmt.Errorf("clear entity index: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *EntityIndex) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return closeCheckpointed(s.db)
}

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
