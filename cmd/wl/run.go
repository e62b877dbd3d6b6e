package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/ingest"
	"github.com/waitline/waitline/internal/merge"
	"github.com/waitline/waitline/internal/model"
	"github.com/waitline/waitline/internal/source"
	"github.com/waitline/waitline/internal/state"
	"github.com/waitline/waitline/internal/telemetry"
	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/ui"
)

var runSkip []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full morning pipeline",
	Long: `Run the morning pipeline end to end under the pipeline lock:

  merge -> ingest -> dimensions -> aggregates -> training -> forecast -> wti

Each step's outcome is recorded in the status file; a failed step stops
the run and leaves the remaining steps pending.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		status, err := state.LoadStatus(a.layout.PipelineStatus())
		if err != nil {
			return err
		}
		return a.withPipelineLock(func() error {
			return runPipeline(ctx, a, status)
		})
	},
}

// stepRunner tracks shared pipeline state across steps.
type stepRunner struct {
	a       *app
	status  *state.Status
	metrics *telemetry.PipelineMetrics
	skip    map[string]bool
}

func (r *stepRunner) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if r.skip[name] {
		debug.Logf("run: skipping %s\n", name)
		return r.status.StepDone(name)
	}
	if err := r.status.StepRunning(name); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", ui.StepIcon("running"), name)
	sctx, finish := r.metrics.StartStep(ctx, name)
	err := fn(sctx)
	finish(err)
	if err != nil {
		r.status.StepFailed(name, err)
		fmt.Printf("%s %s: %v\n", ui.StepIcon("failed"), name, err)
		return &stepError{fmt.Errorf("%s: %w", name, err)}
	}
	fmt.Printf("%s %s\n", ui.StepIcon("ok"), name)
	return r.status.StepDone(name)
}

func runPipeline(ctx context.Context, a *app, status *state.Status) error {
	if err := status.Begin(); err != nil {
		return err
	}
	r := &stepRunner{
		a:       a,
		status:  status,
		metrics: telemetry.NewPipelineMetrics(),
		skip:    make(map[string]bool),
	}
	for _, s := range runSkip {
		r.skip[s] = true
	}

	now := time.Now()
	eastern := a.cfg.EasternLocation()
	yesterday := merge.YesterdayParkDate(now, eastern)
	tomorrow := types.ParkDate(now.In(eastern).AddDate(0, 0, 1).Format("2006-01-02"))
	writer := facts.NewWriter(a.layout, a.stores.Dedup, a.stores.Index, a.zone, 0)

	if err := r.step(ctx, "merge", func(ctx context.Context) error {
		res, err := merge.Run(ctx, a.layout, writer, yesterday)
		if err != nil {
			return err
		}
		if res.FilesFailed > 0 {
			return fmt.Errorf("%d staged file(s) failed: %s", res.FilesFailed, res.FirstFailure)
		}
		r.metrics.AddRows(ctx, "merge", res.RowsMerged)
		return nil
	}); err != nil {
		return err
	}

	if err := r.step(ctx, "ingest", func(ctx context.Context) error {
		if a.cfg.SourceDir == "" {
			debug.Logf("run: no source_dir configured, nothing to ingest\n")
			return nil
		}
		store, err := source.NewDirStore(a.cfg.SourceDir)
		if err != nil {
			return err
		}
		registry, err := source.LoadRegistry(a.cfg.SourcesFile)
		if err != nil {
			return err
		}
		catalog, err := state.LoadCatalog(a.layout.ProcessedCatalog())
		if err != nil {
			return err
		}
		tally, err := state.LoadTally(a.layout.FailureTally())
		if err != nil {
			return err
		}
		runner := &ingest.Runner{
			Store:         store,
			Registry:      registry,
			Writer:        writer,
			Dedup:         a.stores.Dedup,
			Catalog:       catalog,
			Tally:         tally,
			FailThreshold: a.cfg.FailThreshold,
			OldDays:       a.cfg.OldDays,
		}
		res, err := runner.Run(ctx, ingest.Options{Chunksize: a.cfg.Chunksize})
		if err != nil {
			return err
		}
		if res.Failed() {
			return fmt.Errorf("%d source file(s) failed", res.FilesFailed)
		}
		r.metrics.AddRows(ctx, "ingest", res.RowsWritten)
		return nil
	}); err != nil {
		return err
	}

	var eng *model.Engine
	if err := r.step(ctx, "dimensions", func(ctx context.Context) error {
		var err error
		eng, err = a.newEngine(now)
		return err
	}); err != nil {
		return err
	}

	if err := r.step(ctx, "aggregates", func(ctx context.Context) error {
		agg, err := model.BuildAggregates(ctx, a.layout, eng.DateGroups, now)
		if err != nil {
			return err
		}
		return agg.Save(a.layout.PostedAggregates())
	}); err != nil {
		return err
	}

	if err := r.step(ctx, "training", func(ctx context.Context) error {
		res, err := eng.TrainBatch(ctx, r.status, model.BatchOptions{
			MinAge: time.Duration(a.cfg.MinAgeHours) * time.Hour,
		})
		if err != nil {
			return err
		}
		printBatchResult(res)
		return nil
	}); err != nil {
		return err
	}

	if err := r.step(ctx, "forecast", func(ctx context.Context) error {
		f, err := a.newForecaster(now)
		if err != nil {
			return err
		}
		for _, park := range parksOf(f.Entities) {
			written, skipped, err := f.ForecastPark(ctx, park, tomorrow, parkEntities(f, park))
			if err != nil {
				return err
			}
			debug.Logf("run: forecast %s %s: %d written, %d skipped\n", park, tomorrow, written, skipped)
		}
		return nil
	}); err != nil {
		return err
	}

	return r.step(ctx, "wti", func(ctx context.Context) error {
		rows, err := model.BuildWTI(ctx, a.layout, tomorrow)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			debug.Logf("run: no curves for %s, wti skipped\n", tomorrow)
			return nil
		}
		return model.SaveWTI(a.layout, rows)
	})
}

// parksOf lists the distinct park codes in the entity dimension, sorted.
func parksOf(entities dimensions.EntitySet) []string {
	seen := make(map[string]bool)
	for code := range entities {
		seen[types.ParkCodeOf(code)] = true
	}
	parks := make([]string, 0, len(seen))
	for p := range seen {
		parks = append(parks, p)
	}
	sort.Strings(parks)
	return parks
}

func init() {
	runCmd.Flags().StringSliceVar(&runSkip, "skip", nil, "Steps to skip (recorded as done)")
	rootCmd.AddCommand(runCmd)
}
