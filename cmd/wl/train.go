package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/model"
	"github.com/waitline/waitline/internal/state"
	"github.com/waitline/waitline/internal/ui"
)

var (
	trainMinAgeHours int
	trainMinObs      int
	trainWorkers     int
	trainStopOnError bool
	trainSample      int
)

// newEngine assembles the modeling engine from the open app: dimensions
// as of asOf, the shared category encoder and the hyperparameter file.
func (a *app) newEngine(asOf time.Time) (*model.Engine, error) {
	ds, err := a.loadDimensions(asOf)
	if err != nil {
		return nil, err
	}
	enc, err := model.LoadEncoder(a.layout.EncodingMappings())
	if err != nil {
		return nil, fmt.Errorf("load encoder: %w", err)
	}
	hyper, err := model.LoadHyperparams(a.layout.HyperparamsFile())
	if err != nil {
		return nil, fmt.Errorf("load hyperparams: %w", err)
	}
	return &model.Engine{
		Layout:      a.layout,
		Index:       a.stores.Index,
		Entities:    ds.Entities,
		DateGroups:  ds.DateGroups,
		Seasons:     ds.Seasons,
		HoursByPark: ds.Hours,
		Encoder:     enc,
		Zone:        a.zone,
		Hyper:       hyper,
		Opts: model.TrainOptions{
			MinObservations: a.cfg.MinObservations,
			TrainerKind:     a.cfg.Trainer,
		},
	}, nil
}

var trainBatchCmd = &cobra.Command{
	Use:   "train-batch",
	Short: "Train models for every entity with new observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if trainMinObs > 0 {
			a.cfg.MinObservations = trainMinObs
		}
		eng, err := a.newEngine(time.Now())
		if err != nil {
			return err
		}
		status, err := state.LoadStatus(a.layout.PipelineStatus())
		if err != nil {
			return err
		}

		minAge := time.Duration(a.cfg.MinAgeHours) * time.Hour
		if cmd.Flags().Changed("min-age-hours") {
			minAge = time.Duration(trainMinAgeHours) * time.Hour
		}
		opts := model.BatchOptions{
			Workers:     trainWorkers,
			MinAge:      minAge,
			StopOnError: trainStopOnError,
		}

		var res *model.BatchResult
		err = a.withPipelineLock(func() error {
			res, err = eng.TrainBatch(ctx, status, opts)
			return err
		})
		if err != nil {
			return err
		}
		printBatchResult(res)
		if trainStopOnError && res.AnyFailed() {
			return &stepError{fmt.Errorf("%d entity model(s) failed", res.Failed+res.TimedOut)}
		}
		return nil
	},
}

func printBatchResult(res *model.BatchResult) {
	if jsonOutput {
		json.NewEncoder(os.Stdout).Encode(res)
		return
	}
	fmt.Printf("%s %d/%d entities trained with %d workers (%d failed, %d timed out, %d skipped)\n",
		ui.RenderPass("train:"), res.Trained, res.Total, res.Workers, res.Failed, res.TimedOut, res.Skipped)
	if len(res.Errors) > 0 {
		codes := make([]string, 0, len(res.Errors))
		for code := range res.Errors {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Printf("  %s %s: %s\n", ui.RenderFail(ui.IconFail), code, res.Errors[code])
		}
	}
}

var trainEntityCmd = &cobra.Command{
	Use:   "train-entity <entity-code>",
	Short: "Train one entity's model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if trainMinObs > 0 {
			a.cfg.MinObservations = trainMinObs
		}
		eng, err := a.newEngine(time.Now())
		if err != nil {
			return err
		}
		eng.Opts.Sample = trainSample

		res, err := eng.TrainEntity(ctx, args[0])
		if err != nil {
			return &stepError{fmt.Errorf("train %s: %w", args[0], err)}
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(res)
		}
		fmt.Printf("%s %s target=%s trainer=%s observations=%d\n",
			ui.RenderPass("trained:"), res.EntityCode, res.Target, res.TrainerKind, res.Observations)
		for variant, m := range res.Variants {
			marker := "  "
			if variant == res.ChosenVariant {
				marker = ui.StepIcon("ok") + " "
			}
			fmt.Printf("  %s%-14s mae=%.2f rmse=%.2f r2=%.3f\n", marker, variant, m.MAE, m.RMSE, m.R2)
		}
		return nil
	},
}

func init() {
	trainBatchCmd.Flags().IntVar(&trainMinAgeHours, "min-age-hours", 0, "Skip entities observed more recently than this")
	trainBatchCmd.Flags().IntVar(&trainMinObs, "min-observations", 0, "Observation floor for the full training path")
	trainBatchCmd.Flags().IntVar(&trainWorkers, "workers", 0, "Worker pool size (default: sized from CPU and RAM)")
	trainBatchCmd.Flags().BoolVar(&trainStopOnError, "stop-on-error", false, "Fail the run on the first entity error")
	rootCmd.AddCommand(trainBatchCmd)

	trainEntityCmd.Flags().IntVar(&trainSample, "sample", 0, "Cap observations for a quick experiment (most recent win)")
	trainEntityCmd.Flags().IntVar(&trainMinObs, "min-observations", 0, "Observation floor for the full training path")
	rootCmd.AddCommand(trainEntityCmd)
}
