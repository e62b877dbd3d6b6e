package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/ui"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillEntity string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Reconstruct historical actual-wait curves from observed data",
	Long: `Reconstruct per-slot actual-wait curves for past park dates.

Observed ACTUAL waits anchor their slots; the gaps are imputed from the
entity's model over interpolated posted waits. Dates accept the same
expressions as --park-date (-30d, "last monday", 2006-01-02).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if backfillEntity == "" {
			return fmt.Errorf("--entity is required")
		}
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to are required")
		}
		now := time.Now().In(a.cfg.EasternLocation())
		fromT, err := parseTimeFlag(backfillFrom, now)
		if err != nil {
			return fmt.Errorf("bad --from: %w", err)
		}
		toT, err := parseTimeFlag(backfillTo, now)
		if err != nil {
			return fmt.Errorf("bad --to: %w", err)
		}
		from := types.ParkDate(fromT.Format("2006-01-02"))
		to := types.ParkDate(toT.Format("2006-01-02"))
		if from > to {
			return fmt.Errorf("--from %s is after --to %s", from, to)
		}

		f, err := a.newForecaster(now)
		if err != nil {
			return err
		}
		written, skipped, err := f.BackfillRange(ctx, backfillEntity, from, to)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s..%s: %d curve(s) written, %d skipped\n",
			ui.RenderPass("backfill:"), backfillEntity, from, to, written, skipped)
		return nil
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First park date")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last park date (inclusive)")
	backfillCmd.Flags().StringVar(&backfillEntity, "entity", "", "Entity code to backfill")
	rootCmd.AddCommand(backfillCmd)
}
