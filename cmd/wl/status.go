package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/config"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/state"
	"github.com/waitline/waitline/internal/ui"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pipeline status record",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Status is read-only: no stores, no lock.
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return &configError{err}
		}
		layout := resolveLayout(cfg)

		if !statusWatch {
			return printStatus(layout)
		}
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			fmt.Print("\033[H\033[2J")
			if err := printStatus(layout); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				if ctx.Err() == context.Canceled {
					return nil
				}
				return ctx.Err()
			case <-ticker.C:
			}
		}
	},
}

func printStatus(layout paths.Layout) error {
	status, err := state.LoadStatus(layout.PipelineStatus())
	if err != nil {
		return err
	}
	seq, startedAt, steps, training, lastUpdated := status.Snapshot()

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"seq":          seq,
			"started_at":   startedAt,
			"steps":        steps,
			"training":     training,
			"last_updated": lastUpdated,
		})
	}

	if seq == 0 {
		fmt.Println(ui.RenderMuted("no pipeline run recorded"))
		return nil
	}
	fmt.Println(ui.RenderHeader(fmt.Sprintf("pipeline run #%d  started %s",
		seq, startedAt.Local().Format("2006-01-02 15:04:05"))))
	for _, step := range state.StepOrder {
		st, ok := steps[step]
		if !ok {
			fmt.Printf("  %s %-12s %s\n", ui.StepIcon("pending"), step, ui.RenderMuted("pending"))
			continue
		}
		line := fmt.Sprintf("  %s %-12s %s", ui.StepIcon(string(st.State)), step, st.State)
		if st.Error != "" {
			line += "  " + ui.RenderFail(st.Error)
		}
		if step == "training" && training.Total > 0 {
			line += fmt.Sprintf("  %d/%d (%d workers)", training.Done, training.Total, training.Workers)
			if training.CurrentEntity != "" {
				line += "  " + ui.RenderMuted(training.CurrentEntity)
			}
		}
		fmt.Println(line)
	}
	fmt.Println(ui.SeparatorLight)
	fmt.Printf("last updated %s\n", ui.RenderMuted(lastUpdated.Local().Format("2006-01-02 15:04:05")))
	return nil
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Refresh every two seconds")
	rootCmd.AddCommand(statusCmd)
}
