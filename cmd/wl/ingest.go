package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/ingest"
	"github.com/waitline/waitline/internal/source"
	"github.com/waitline/waitline/internal/state"
	"github.com/waitline/waitline/internal/ui"
)

var (
	ingestFullRebuild     bool
	ingestScopes          []string
	ingestWatch           bool
	ingestListQuarantined bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest source drop files into the canonical fact store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		tally, err := state.LoadTally(a.layout.FailureTally())
		if err != nil {
			return err
		}
		if ingestListQuarantined {
			return printQuarantined(tally, a)
		}

		if a.cfg.SourceDir == "" {
			return &configError{fmt.Errorf("source_dir is not configured")}
		}
		store, err := source.NewDirStore(a.cfg.SourceDir)
		if err != nil {
			return &configError{err}
		}
		registry, err := source.LoadRegistry(a.cfg.SourcesFile)
		if err != nil {
			return &configError{err}
		}
		catalog, err := state.LoadCatalog(a.layout.ProcessedCatalog())
		if err != nil {
			return err
		}

		runner := &ingest.Runner{
			Store:         store,
			Registry:      registry,
			Writer:        facts.NewWriter(a.layout, a.stores.Dedup, a.stores.Index, a.zone, 0),
			Dedup:         a.stores.Dedup,
			Catalog:       catalog,
			Tally:         tally,
			FailThreshold: a.cfg.FailThreshold,
			OldDays:       a.cfg.OldDays,
		}
		opts := ingest.Options{
			Scopes:      ingestScopes,
			Chunksize:   a.cfg.Chunksize,
			FullRebuild: ingestFullRebuild,
		}

		if ingestWatch {
			return a.withPipelineLock(func() error {
				return runner.Watch(ctx, a.cfg.SourceDir, opts, func(res *ingest.Result, err error) {
					if err != nil {
						fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
						return
					}
					printIngestResult(res)
				})
			})
		}

		var res *ingest.Result
		err = a.withPipelineLock(func() error {
			res, err = runner.Run(ctx, opts)
			return err
		})
		if err != nil {
			return err
		}
		printIngestResult(res)
		if res.Failed() {
			return &stepError{fmt.Errorf("%d file(s) failed", res.FilesFailed)}
		}
		return nil
	},
}

func printIngestResult(res *ingest.Result) {
	if jsonOutput {
		json.NewEncoder(os.Stdout).Encode(res)
		return
	}
	fmt.Printf("%s %d files processed, %d skipped, %d quarantined, %d failed\n",
		ui.RenderPass("ingest:"),
		res.FilesProcessed, res.FilesSkipped, res.FilesQuarantined, res.FilesFailed)
	fmt.Printf("  rows written %d (duplicates %d)\n", res.RowsWritten, res.Duplicates)
	for typ, n := range res.ByType {
		fmt.Printf("  %-8s %d\n", typ, n)
	}
}

func printQuarantined(tally *state.Tally, a *app) error {
	keys := tally.QuarantinedKeys(a.cfg.FailThreshold, a.cfg.OldDays, time.Now())
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(keys)
	}
	if len(keys) == 0 {
		fmt.Println("no quarantined source files")
		return nil
	}
	for _, key := range keys {
		entry, _ := tally.Entry(key)
		fmt.Printf("%s  failures=%d  last=%s\n",
			key, entry.Count, ui.RenderMuted(entry.LastErr))
	}
	return nil
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestFullRebuild, "full-rebuild", false, "Reprocess every source file from scratch")
	ingestCmd.Flags().StringSliceVar(&ingestScopes, "scopes", nil, "Restrict to the named property scopes")
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "Re-run incremental ingest when the source dir changes")
	ingestCmd.Flags().BoolVar(&ingestListQuarantined, "list-quarantined", false, "List permanently skipped source files")
	rootCmd.AddCommand(ingestCmd)
}
