package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/model"
	"github.com/waitline/waitline/internal/ui"
)

var wtiDate string

var wtiCmd = &cobra.Command{
	Use:   "wti",
	Short: "Build per-park wait time index curves from predicted actuals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		date, err := resolveParkDate(wtiDate, a)
		if err != nil {
			return err
		}
		rows, err := model.BuildWTI(ctx, a.layout, date)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &stepError{fmt.Errorf("no curves found for %s", date)}
		}
		if err := model.SaveWTI(a.layout, rows); err != nil {
			return err
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(rows)
		}
		parks := make(map[string]int)
		for _, r := range rows {
			parks[r.ParkCode]++
		}
		fmt.Printf("%s %s: %d row(s) across %d park(s)\n",
			ui.RenderPass("wti:"), date, len(rows), len(parks))
		return nil
	},
}

func init() {
	wtiCmd.Flags().StringVar(&wtiDate, "park-date", "", "Park date (default: tomorrow)")
	rootCmd.AddCommand(wtiCmd)
}
