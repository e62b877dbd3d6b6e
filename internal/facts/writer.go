package facts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/types"
)

// DefaultBufferLimit is the number of buffered rows that triggers an early
// flush.
const DefaultBufferLimit = 100_000

// ZoneFunc resolves a park code to its timezone.
type ZoneFunc func(parkCode string) *time.Location

// bucketKey identifies one partition.
type bucketKey struct {
	Park string
	Date types.ParkDate
}

// WriteStats accumulates what a Writer has committed.
type WriteStats struct {
	RowsWritten int64
	Duplicates  int64
	ByType      map[types.WaitTimeType]int64
	ByPark      map[string]int64
	Partitions  int
}

func newWriteStats() WriteStats {
	return WriteStats{
		ByType: make(map[types.WaitTimeType]int64),
		ByPark: make(map[string]int64),
	}
}

func (s *WriteStats) add(o WriteStats) {
	s.RowsWritten += o.RowsWritten
	s.Duplicates += o.Duplicates
	s.Partitions += o.Partitions
	for k, v := range o.ByType {
		s.ByType[k] += v
	}
	for k, v := range o.ByPark {
		s.ByPark[k] += v
	}
}

// Writer is the canonical writer (the single pathway into fact/). Rows are
// buffered per partition and flushed in one logical transaction each:
// dedup filter, partition merge-append, entity-index upsert, dedup commit.
// Entity-index updates land before the dedup commit, so a crash re-runs
// index deltas at worst against rows the dedup set will reject next time.
type Writer struct {
	layout paths.Layout
	dedup  storage.DedupSet
	index  storage.EntityIndex
	zone   ZoneFunc
	limit  int

	buckets  map[bucketKey][]types.Observation
	buffered int
	stats    WriteStats
}

// NewWriter returns a Writer flushing at limit buffered rows (0 means
// DefaultBufferLimit).
func NewWriter(layout paths.Layout, dedup storage.DedupSet, index storage.EntityIndex, zone ZoneFunc, limit int) *Writer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Writer{
		layout:  layout,
		dedup:   dedup,
		index:   index,
		zone:    zone,
		limit:   limit,
		buckets: make(map[bucketKey][]types.Observation),
		stats:   newWriteStats(),
	}
}

// Add buffers observations, deriving each row's partition from its entity
// prefix and the 6 AM rule in the park's zone. Flushes when the buffer
// limit is reached.
func (w *Writer) Add(ctx context.Context, batch []types.Observation) error {
	for _, o := range batch {
		park := o.ParkCode()
		if park == "" {
			return fmt.Errorf("observation has no park prefix: %q", o.EntityCode)
		}
		date := types.ParkDateOf(o.ObservedAt, w.zone(park))
		key := bucketKey{Park: park, Date: date}
		w.buckets[key] = append(w.buckets[key], o)
		w.buffered++
	}
	if w.buffered >= w.limit {
		return w.Flush(ctx)
	}
	return nil
}

// Flush commits every buffered partition. On error the remaining buffer is
// preserved so the caller can decide between retry and discard.
func (w *Writer) Flush(ctx context.Context) error {
	if w.buffered == 0 {
		return nil
	}
	keys := make([]bucketKey, 0, len(w.buckets))
	for k := range w.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Park != keys[j].Park {
			return keys[i].Park < keys[j].Park
		}
		return keys[i].Date < keys[j].Date
	})
	for _, key := range keys {
		if err := w.flushBucket(ctx, key, w.buckets[key]); err != nil {
			return err
		}
		w.buffered -= len(w.buckets[key])
		delete(w.buckets, key)
	}
	return nil
}

// Discard drops the buffered rows without committing (per-file failure
// path: no partial append).
func (w *Writer) Discard() {
	w.buckets = make(map[bucketKey][]types.Observation)
	w.buffered = 0
}

// Stats returns the totals committed so far.
func (w *Writer) Stats() WriteStats { return w.stats }

func (w *Writer) flushBucket(ctx context.Context, key bucketKey, rows []types.Observation) error {
	tx, err := w.dedup.Begin(ctx)
	if err != nil {
		return fmt.Errorf("partition %s_%s: %w", key.Park, key.Date, err)
	}
	fresh, err := tx.Filter(rows)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("partition %s_%s: dedup: %w", key.Park, key.Date, err)
	}
	dupes := int64(len(rows) - len(fresh))
	if len(fresh) == 0 {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("partition %s_%s: %w", key.Park, key.Date, err)
		}
		w.stats.Duplicates += dupes
		return nil
	}

	path := w.layout.FactPartition(key.Park, key.Date)
	if err := MergeAppend(path, fresh); err != nil {
		tx.Rollback()
		return err
	}

	deltas := types.DeltasFor(fresh, w.zone(key.Park))
	if err := w.index.RecordBatch(ctx, deltas); err != nil {
		tx.Rollback()
		return fmt.Errorf("partition %s_%s: index: %w", key.Park, key.Date, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("partition %s_%s: dedup commit: %w", key.Park, key.Date, err)
	}

	w.stats.Duplicates += dupes
	w.stats.RowsWritten += int64(len(fresh))
	w.stats.Partitions++
	w.stats.ByPark[key.Park] += int64(len(fresh))
	for _, o := range fresh {
		w.stats.ByType[o.Type]++
	}
	debug.Logf("flushed %d rows (%d dupes) to %s\n", len(fresh), dupes, path)
	return nil
}
