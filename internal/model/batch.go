package model

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/state"
	"github.com/waitline/waitline/internal/types"
)

const (
	// DefaultEntityTimeout is the hard per-entity training ceiling.
	DefaultEntityTimeout = time.Hour

	// defaultPerWorkerBytes is the RAM budget assumed per training
	// worker when sizing the pool.
	defaultPerWorkerBytes = 2 << 30

	workersHardCap = 16
)

// parkPriority orders the work list: the four flagship parks first, in
// their documented tier order, everything else after.
var parkPriority = map[string]int{"mk": 0, "ep": 1, "hs": 2, "ak": 3}

// BatchOptions tune a batch training run.
type BatchOptions struct {
	// Workers fixes the pool size; zero sizes it from CPU and free RAM.
	Workers int

	// MinAge skips entities whose last observation is newer than this,
	// so a half-ingested day is never trained on.
	MinAge time.Duration

	// Timeout is the per-entity ceiling; zero means DefaultEntityTimeout.
	Timeout time.Duration

	// MinTargetObs is the observation floor on the entity's target type.
	// Entities below it cannot produce even a mean model and are skipped
	// rather than enqueued. Zero means 1.
	MinTargetObs int

	// StopOnError makes the first failure cancel the batch.
	StopOnError bool
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	Total    int
	Trained  int
	Skipped  int
	Failed   int
	TimedOut int
	Workers  int
	Errors   map[string]string
}

// Failed entities make the run non-zero only under StopOnError; the
// caller decides the exit code from this.
func (r *BatchResult) AnyFailed() bool { return r.Failed > 0 || r.TimedOut > 0 }

// TrainBatch trains every stale entity from the index with a bounded
// worker pool. Individual failures and timeouts are recorded and do not
// stop the batch unless StopOnError is set.
func (e *Engine) TrainBatch(ctx context.Context, status *state.Status, opts BatchOptions) (*BatchResult, error) {
	now := e.now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultEntityTimeout
	}
	cutoff := now.Add(-opts.MinAge)

	stale, err := e.Index.ListCandidates(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	// The index selects on staleness alone; entities without a single
	// observation of their target type (POSTED-only rides from the live
	// feed) would fail identically on every run, so they are dropped here
	// until a source delivers target rows.
	minTarget := opts.MinTargetObs
	if minTarget <= 0 {
		minTarget = 1
	}
	candidates := make([]*types.EntityRecord, 0, len(stale))
	skipped := 0
	for _, rec := range stale {
		if rec.TargetCount(e.TargetFor(rec.EntityCode)) < int64(minTarget) {
			skipped++
			debug.Logf("train: skipping %s, fewer than %d target observations\n", rec.EntityCode, minTarget)
			continue
		}
		candidates = append(candidates, rec)
	}
	sortWorkList(candidates, func(code string) types.WaitTimeType { return e.TargetFor(code) })

	workers := opts.Workers
	if workers <= 0 {
		workers = autoWorkers()
	}
	if workers > len(candidates) && len(candidates) > 0 {
		workers = len(candidates)
	}

	res := &BatchResult{
		Total:   len(candidates),
		Skipped: skipped,
		Workers: workers,
		Errors:  make(map[string]string),
	}
	if status != nil {
		if err := status.TrainingInit(len(candidates), workers); err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	for _, rec := range candidates {
		entity := rec.EntityCode
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			if status != nil {
				status.TrainingStarted(entity)
			}
			entityCtx, cancel := context.WithTimeout(egCtx, timeout)
			_, err := e.TrainEntity(entityCtx, entity)
			cancel()

			outcome := state.TrainOK
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				outcome = state.TrainTimeout
			default:
				outcome = state.TrainFailed
			}

			mu.Lock()
			switch outcome {
			case state.TrainOK:
				res.Trained++
			case state.TrainTimeout:
				res.TimedOut++
				res.Errors[entity] = "timeout"
			default:
				res.Failed++
				res.Errors[entity] = err.Error()
			}
			mu.Unlock()

			if status != nil {
				status.TrainingResult(entity, outcome)
			}
			if err != nil {
				debug.LogEvent("TRAIN_ENTITY_FAILED", entity, err.Error())
				if opts.StopOnError {
					return fmt.Errorf("train %s: %w", entity, err)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

// sortWorkList orders candidates by park tier, then by target-type
// observation count descending so the big models start first.
func sortWorkList(recs []*types.EntityRecord, targetOf func(string) types.WaitTimeType) {
	sort.SliceStable(recs, func(i, j int) bool {
		pi := tierOf(recs[i].EntityCode)
		pj := tierOf(recs[j].EntityCode)
		if pi != pj {
			return pi < pj
		}
		ci := recs[i].TargetCount(targetOf(recs[i].EntityCode))
		cj := recs[j].TargetCount(targetOf(recs[j].EntityCode))
		if ci != cj {
			return ci > cj
		}
		return recs[i].EntityCode < recs[j].EntityCode
	})
}

func tierOf(entityCode string) int {
	if p, ok := parkPriority[types.ParkCodeOf(entityCode)]; ok {
		return p
	}
	return 9
}

// autoWorkers sizes the pool: min(cpus, 0.8 * free RAM / per-worker
// budget, 16), never below one.
func autoWorkers() int {
	workers := runtime.NumCPU()
	if free := freeMemoryBytes(); free > 0 {
		byRAM := int(float64(free) * 0.8 / float64(defaultPerWorkerBytes))
		if byRAM < workers {
			workers = byRAM
		}
	}
	if workers > workersHardCap {
		workers = workersHardCap
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}
