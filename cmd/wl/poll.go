package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/config"
	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/livefeed"
	"github.com/waitline/waitline/internal/lockfile"
	"github.com/waitline/waitline/internal/storage/sqlite"
	"github.com/waitline/waitline/internal/ui"
)

var (
	pollInterval      int
	pollNoHoursFilter bool
	pollParkIDs       []int
	pollOnce          bool
)

var pollCmd = &cobra.Command{
	Use:   "poll-live",
	Short: "Poll the live wait-time feed into the staging area",
	Long: `Poll the live feed and stage observations for the morning merge.

The poller holds its own lock and its own dedup set, so it runs
alongside the batch pipeline. Parks are polled only inside their
operating hours unless --no-hours-filter is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// The poller deliberately avoids openApp: it must not touch the
		// batch pipeline's stores or its lock.
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return &configError{err}
		}
		layout := resolveLayout(cfg)
		if err := layout.EnsureDirs(); err != nil {
			return &configError{err}
		}
		debug.SetEventLog(layout.EventLog())

		dedup, err := sqlite.OpenDedupSet(layout.LiveDedupDB())
		if err != nil {
			return err
		}
		defer dedup.Close()

		mapper, err := livefeed.LoadMapper(layout.QueueTimesMapping())
		if err != nil {
			return err
		}
		var hours *dimensions.HoursTable
		if !pollNoHoursFilter {
			hours, err = dimensions.LoadHours(layout.DimParkHours())
			if err != nil {
				if !os.IsNotExist(err) {
					return fmt.Errorf("load park hours: %w", err)
				}
				hours = nil
			}
		}

		interval := time.Duration(cfg.LivePollInterval) * time.Second
		if cmd.Flags().Changed("interval") {
			interval = time.Duration(pollInterval) * time.Second
		}

		poller := &livefeed.Poller{
			Client:        livefeed.NewClient(cfg.LiveFeedURL),
			Layout:        layout,
			Mapper:        mapper,
			Hours:         hours,
			NoHoursFilter: pollNoHoursFilter,
			Dedup:         dedup,
			ParkIDs:       pollParkIDs,
			Interval:      interval,
		}

		info := lockfile.LockInfo{PID: os.Getpid(), Root: layout.Root, Version: Version}
		lock, err := lockfile.AcquireWait(ctx, layout.QueueTimesLock(), info, 30*time.Second, time.Second)
		if err != nil {
			return err
		}
		defer lock.Release()

		if pollOnce {
			res, err := poller.PollOnce(ctx)
			if err != nil {
				return err
			}
			printPollResult(res)
			return nil
		}
		err = poller.Run(ctx, func(res *livefeed.Result, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "poll: %v\n", err)
				return
			}
			printPollResult(res)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func printPollResult(res *livefeed.Result) {
	fmt.Printf("%s %d/%d park(s), %d rows staged (%d dup, %d unmapped, %d closed, %d stale)\n",
		ui.RenderPass("poll:"), res.ParksPolled, res.ParksInWindow,
		res.RowsStaged, res.Duplicates, res.Unmapped, res.Closed, res.Stale)
	if res.ParksFailed > 0 {
		fmt.Printf("  %s %d park(s) failed\n", ui.RenderWarn(ui.IconWarn), res.ParksFailed)
	}
}

func init() {
	pollCmd.Flags().IntVar(&pollInterval, "interval", 0, "Poll interval in seconds (default from config)")
	pollCmd.Flags().BoolVar(&pollNoHoursFilter, "no-hours-filter", false, "Poll every mapped park regardless of operating hours")
	pollCmd.Flags().IntSliceVar(&pollParkIDs, "park-ids", nil, "Restrict polling to these provider park IDs")
	pollCmd.Flags().BoolVar(&pollOnce, "once", false, "Run a single poll cycle and exit")
	rootCmd.AddCommand(pollCmd)
}
