package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/model"
	"github.com/waitline/waitline/internal/ui"
)

var aggregatesCmd = &cobra.Command{
	Use:   "build-posted-aggregates",
	Short: "Build the posted-wait aggregate table used as prediction fallback",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		groups, err := dimensions.LoadDateGroups(a.layout.DimDateGroup())
		if err != nil {
			groups = dimensions.DateGroups{}
		}

		agg, err := model.BuildAggregates(ctx, a.layout, groups, time.Now())
		if err != nil {
			return err
		}
		if err := agg.Save(a.layout.PostedAggregates()); err != nil {
			return err
		}
		fmt.Printf("%s %d aggregate cells -> %s\n",
			ui.RenderPass("aggregates:"), agg.Len(), a.layout.PostedAggregates())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(aggregatesCmd)
}
