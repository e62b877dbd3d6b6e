// Package merge implements the morning merge: folding yesterday's staged
// live observations into the canonical store before historical ingest
// begins. Staging files are the live poller's output and are deleted only
// once their rows are durable in fact/.
package merge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/types"
)

// Result summarizes one morning merge.
type Result struct {
	ParkDate     types.ParkDate
	FilesMerged  int
	FilesFailed  int
	RowsMerged   int64
	Duplicates   int64
	FirstFailure string
}

// Failed reports whether any staging file could not be committed.
func (r *Result) Failed() bool { return r.FilesFailed > 0 }

// YesterdayParkDate is the merge's notion of "yesterday": the previous
// operational date in Eastern time under the 6 AM rule.
func YesterdayParkDate(now time.Time, eastern *time.Location) types.ParkDate {
	today := types.ParkDateOf(now, eastern)
	t := today.Time(eastern)
	return types.ParkDate(t.AddDate(0, 0, -1).Format("2006-01-02"))
}

// Run merges every staging file for date through the canonical writer.
// Each file is one unit: commit then delete, or leave in place and record
// the failure. Running twice over the same staging set is idempotent
// because the writer dedups against the canonical set.
func Run(ctx context.Context, layout paths.Layout, w *facts.Writer, date types.ParkDate) (*Result, error) {
	res := &Result{ParkDate: date}

	parts, err := facts.ListStagingPartitions(layout, "")
	if err != nil {
		return nil, fmt.Errorf("list staging: %w", err)
	}

	for _, p := range parts {
		if p.Date != date {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		before := w.Stats()
		if err := mergeFile(ctx, w, p.Path); err != nil {
			res.FilesFailed++
			if res.FirstFailure == "" {
				res.FirstFailure = fmt.Sprintf("%s: %v", p.Path, err)
			}
			debug.LogEvent("MERGE_FILE_FAILED", p.Path, err.Error())
			continue
		}
		after := w.Stats()
		res.RowsMerged += after.RowsWritten - before.RowsWritten
		res.Duplicates += after.Duplicates - before.Duplicates

		if err := os.Remove(p.Path); err != nil {
			// Rows are already durable; a leftover staging file only
			// costs duplicate filtering tomorrow.
			debug.Logf("remove staged %s: %v\n", p.Path, err)
		}
		res.FilesMerged++
	}
	return res, nil
}

func mergeFile(ctx context.Context, w *facts.Writer, path string) error {
	rows, err := facts.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read staged file: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := w.Add(ctx, rows); err != nil {
		w.Discard()
		return err
	}
	if err := w.Flush(ctx); err != nil {
		w.Discard()
		return err
	}
	return nil
}
