package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/ui"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Entity index maintenance",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the entity index and dedup set from canonical partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		return a.withPipelineLock(func() error {
			entities, rows, err := facts.RebuildIndex(ctx, a.layout, a.stores.Index, a.zone)
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			fmt.Printf("%s %d entities from %d rows\n", ui.RenderPass("index:"), entities, rows)

			inserted, err := facts.RebuildDedup(ctx, a.layout, a.stores.Dedup)
			if err != nil {
				return fmt.Errorf("rebuild dedup: %w", err)
			}
			fmt.Printf("%s %d keys\n", ui.RenderPass("dedup:"), inserted)
			return nil
		})
	},
}

func init() {
	indexCmd.AddCommand(indexRebuildCmd)
	rootCmd.AddCommand(indexCmd)
}
