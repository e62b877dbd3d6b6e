package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/source"
	"github.com/waitline/waitline/internal/state"
	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/types"
)

// RetryPolicy bounds the per-file retry loop for transient source I/O.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy is three attempts with 1s/2s/4s backoff.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, Multiplier: 2}

// Options selects what one ingest run covers.
type Options struct {
	// Scopes restricts ingest to the named properties; empty means all.
	Scopes []string
	// Chunksize overrides the row-batch ceiling (default 250000).
	Chunksize int
	// FullRebuild ignores the processed catalog and clears the dedup set
	// before ingesting.
	FullRebuild bool
	// Retry overrides DefaultRetryPolicy when MaxAttempts > 0.
	Retry RetryPolicy
}

// Result summarizes one ingest run.
type Result struct {
	FilesDiscovered  int
	FilesProcessed   int
	FilesSkipped     int // catalog marker unchanged
	FilesQuarantined int
	FilesUnknown     int
	FilesFailed      int
	RowsWritten      int64
	Duplicates       int64
	ByType           map[types.WaitTimeType]int64
	ByPark           map[string]int64
	Parse            ParseStats
}

// Failed reports whether any file ended in failure.
func (r *Result) Failed() bool { return r.FilesFailed > 0 }

// Runner wires one ingest run's collaborators. The caller holds the
// pipeline lock; Runner assumes single-writer access to all state.
type Runner struct {
	Store         source.ObjectStore
	Registry      *source.Registry
	Writer        *facts.Writer
	Dedup         storage.DedupSet
	Catalog       *state.Catalog
	Tally         *state.Tally
	FailThreshold int
	OldDays       int
}

// Run executes the incremental ingest: discover, classify, filter, parse,
// commit, and record per-file outcomes. Per-file failures are absorbed
// into the result; only infrastructure errors (state saves, context
// cancellation) abort the run.
func (rn *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{
		ByType: make(map[types.WaitTimeType]int64),
		ByPark: make(map[string]int64),
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}

	scopes, err := rn.Registry.Select(opts.Scopes)
	if err != nil {
		return nil, err
	}

	if opts.FullRebuild {
		debug.Logf("full rebuild: clearing dedup set and processed catalog\n")
		if err := rn.Dedup.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clear dedup set: %w", err)
		}
		rn.Catalog.Reset()
	}

	now := time.Now().UTC()
	for _, scope := range scopes {
		loc, err := time.LoadLocation(scope.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scope %s: bad timezone %q: %w", scope.Name, scope.Timezone, err)
		}
		objects, err := rn.discover(ctx, scope)
		if err != nil {
			return nil, err
		}
		res.FilesDiscovered += len(objects)

		for _, obj := range objects {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			class := rn.Registry.Classify(obj.Key)
			if class == source.ClassUnknown {
				debug.LogEvent("INGEST_UNKNOWN_FILE", obj.Key, "unrecognized file type")
				res.FilesUnknown++
				continue
			}
			if !opts.FullRebuild && rn.Catalog.Processed(obj.Key, obj.Marker()) {
				res.FilesSkipped++
				continue
			}
			if rn.Tally.Quarantined(obj.Key, rn.FailThreshold, rn.OldDays, now) {
				res.FilesQuarantined++
				continue
			}

			if err := rn.processFile(ctx, obj, class, loc, opts.Chunksize, retry, res); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				res.FilesFailed++
				rn.Tally.RecordFailure(obj.Key, err.Error(), obj.LastModified)
				if serr := rn.Tally.Save(); serr != nil {
					return res, fmt.Errorf("save failure tally: %w", serr)
				}
				debug.LogEvent("INGEST_FILE_FAILED", obj.Key, err.Error())
				continue
			}

			// Catalog only after the rows are durable (the writer flushed
			// and the dedup commit went through).
			rn.Catalog.Record(obj.Key, obj.Marker())
			rn.Tally.ClearFailure(obj.Key)
			if err := rn.Catalog.Save(); err != nil {
				return res, fmt.Errorf("save processed catalog: %w", err)
			}
			if err := rn.Tally.Save(); err != nil {
				return res, fmt.Errorf("save failure tally: %w", err)
			}
			res.FilesProcessed++
		}
	}

	stats := rn.Writer.Stats()
	res.RowsWritten = stats.RowsWritten
	res.Duplicates = stats.Duplicates
	for k, v := range stats.ByType {
		res.ByType[k] = v
	}
	for k, v := range stats.ByPark {
		res.ByPark[k] = v
	}
	return res, nil
}

func (rn *Runner) discover(ctx context.Context, scope source.PropertyScope) ([]source.ObjectInfo, error) {
	var out []source.ObjectInfo
	for _, prefix := range []string{scope.StandbyPrefix, scope.FastpassPrefix} {
		if prefix == "" {
			continue
		}
		objs, err := rn.Store.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, objs...)
	}
	return out, nil
}

func parserFor(class source.FileClass) Parser {
	switch class {
	case source.ClassStandby:
		return StandbyParser{}
	case source.ClassFastpassNew:
		return FastpassParser{}
	case source.ClassFastpassOld:
		return LegacyFastpassParser{}
	}
	return nil
}

// processFile streams one object through its parser into the writer,
// retrying transient I/O per the policy. Every retry restarts the file
// from the top; rows committed by an earlier attempt fall out as dedup
// duplicates.
func (rn *Runner) processFile(ctx context.Context, obj source.ObjectInfo, class source.FileClass, loc *time.Location, chunksize int, retry RetryPolicy, res *Result) error {
	parser := parserFor(class)
	if parser == nil {
		return fmt.Errorf("no parser for class %s", class)
	}

	attempt := func() error {
		rc, err := rn.Store.Open(ctx, obj.Key)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer rc.Close()

		stats, err := parser.Parse(ctx, rc, loc, chunksize, func(batch []types.Observation) error {
			return rn.Writer.Add(ctx, batch)
		})
		res.Parse.add(stats)
		if err != nil {
			rn.Writer.Discard()
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := rn.Writer.Flush(ctx); err != nil {
			rn.Writer.Discard()
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retry.InitialInterval
	bo.Multiplier = retry.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(retry.MaxAttempts-1))

	if err := backoff.Retry(attempt, policy); err != nil {
		return err
	}
	debug.Logf("processed %s (%s)\n", obj.Key, class)
	return nil
}

// isRetryable matches the transient I/O failures worth another attempt:
// stream resets, connection drops, read timeouts.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"unexpected eof",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
