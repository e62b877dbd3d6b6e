package facts

import (
	"context"
	"fmt"
	"time"

	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/types"
)

// RebuildIndex reconstructs the entity index from the canonical files:
// clear, then one full scan applying per-partition deltas. Counts after a
// rebuild exactly match the rows on disk.
func RebuildIndex(ctx context.Context, layout paths.Layout, index storage.EntityIndex, zone ZoneFunc) (entities int, rows int64, err error) {
	if err := index.Clear(ctx); err != nil {
		return 0, 0, fmt.Errorf("clear index: %w", err)
	}

	seen := make(map[string]bool)
	err = ScanAll(layout, func(p PartitionInfo, batch []types.Observation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		loc := zone(p.Park)
		if loc == nil {
			loc = time.UTC
		}
		deltas := types.DeltasFor(batch, loc)
		if err := index.RecordBatch(ctx, deltas); err != nil {
			return fmt.Errorf("record %s: %w", p.Path, err)
		}
		for _, d := range deltas {
			seen[d.EntityCode] = true
		}
		rows += int64(len(batch))
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return len(seen), rows, nil
}

// RebuildDedup reconstructs the dedup set from the canonical files.
func RebuildDedup(ctx context.Context, layout paths.Layout, dedup storage.DedupSet) (inserted int64, err error) {
	if err := dedup.Clear(ctx); err != nil {
		return 0, fmt.Errorf("clear dedup set: %w", err)
	}
	err = ScanAll(layout, func(p PartitionInfo, batch []types.Observation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx, err := dedup.Begin(ctx)
		if err != nil {
			return err
		}
		fresh, err := tx.Filter(batch)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("rebuild %s: %w", p.Path, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		inserted += int64(len(fresh))
		return nil
	})
	return inserted, err
}
