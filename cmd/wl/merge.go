package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/merge"
	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/ui"
)

var mergeDate string

var mergeCmd = &cobra.Command{
	Use:   "merge-staging",
	Short: "Merge staged live-feed partitions into the canonical store",
	Long: `Merge staged live-feed partitions into the canonical fact store.

Without --date the merge covers yesterday's park date in Eastern time,
which is the morning-run default. Staged files are removed only after
their rows are committed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		date := merge.YesterdayParkDate(time.Now(), a.cfg.EasternLocation())
		if mergeDate != "" {
			d, err := time.ParseInLocation("2006-01-02", mergeDate, a.cfg.EasternLocation())
			if err != nil {
				return fmt.Errorf("bad --date %q: %w", mergeDate, err)
			}
			date = types.ParkDate(d.Format("2006-01-02"))
		}

		writer := facts.NewWriter(a.layout, a.stores.Dedup, a.stores.Index, a.zone, 0)
		var res *merge.Result
		err = a.withPipelineLock(func() error {
			res, err = merge.Run(ctx, a.layout, writer, date)
			return err
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			json.NewEncoder(os.Stdout).Encode(res)
		} else {
			fmt.Printf("%s %s: %d file(s), %d rows merged, %d duplicates\n",
				ui.RenderPass("merge:"), res.ParkDate, res.FilesMerged, res.RowsMerged, res.Duplicates)
		}
		if res.FilesFailed > 0 {
			return &stepError{fmt.Errorf("%d staged file(s) failed: %s", res.FilesFailed, res.FirstFailure)}
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeDate, "date", "", "Park date to merge (default: yesterday, Eastern)")
	rootCmd.AddCommand(mergeCmd)
}
