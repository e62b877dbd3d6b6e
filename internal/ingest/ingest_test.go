package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/source"
	"github.com/waitline/waitline/internal/state"
	"github.com/waitline/waitline/internal/storage/sqlite"
	"github.com/waitline/waitline/internal/types"
)

type ingestEnv struct {
	runner *Runner
	layout paths.Layout
	srcDir string
	dedup  *sqlite.DedupSet
	index  *sqlite.EntityIndex
}

func newIngestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	layout := paths.New(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	srcDir := t.TempDir()
	store, err := source.NewDirStore(srcDir)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	dedup, err := sqlite.OpenDedupSet(layout.DedupDB())
	if err != nil {
		t.Fatalf("OpenDedupSet: %v", err)
	}
	t.Cleanup(func() { dedup.Close() })
	index, err := sqlite.OpenEntityIndex(layout.EntityIndexDB())
	if err != nil {
		t.Fatalf("OpenEntityIndex: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	catalog, err := state.LoadCatalog(layout.ProcessedCatalog())
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	tally, err := state.LoadTally(layout.FailureTally())
	if err != nil {
		t.Fatalf("LoadTally: %v", err)
	}
	loc := eastern(t)
	writer := facts.NewWriter(layout, dedup, index, func(string) *time.Location { return loc }, 0)
	registry := &source.Registry{
		Properties: []source.PropertyScope{{
			Name:           "wdw",
			StandbyPrefix:  "export/wait_times/wdw/",
			FastpassPrefix: "export/fastpass_times/wdw/",
			Timezone:       "America/New_York",
		}},
		LegacyPatterns: []string{"_2014"},
	}
	return &ingestEnv{
		runner: &Runner{
			Store:         store,
			Registry:      registry,
			Writer:        writer,
			Dedup:         dedup,
			Catalog:       catalog,
			Tally:         tally,
			FailThreshold: 3,
			OldDays:       600,
		},
		layout: layout,
		srcDir: srcDir,
		dedup:  dedup,
		index:  index,
	}
}

func (e *ingestEnv) addSource(t *testing.T, key, content string) {
	t.Helper()
	path := filepath.Join(e.srcDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestIngestSingleStandbyFile(t *testing.T) {
	ctx := context.Background()
	env := newIngestEnv(t)
	env.addSource(t, "export/wait_times/wdw/wdw_2024_01.csv",
		"entity_code,observed_at,submitted_posted_time,submitted_actual_time\n"+
			"MK101,2024-01-15T10:30:00,35,40\n")

	res, err := env.runner.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FilesProcessed != 1 || res.RowsWritten != 2 {
		t.Fatalf("result = %+v", res)
	}

	rows, err := facts.ReadFile(env.layout.FactPartition("mk", "2024-01-15"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("partition has %d rows", len(rows))
	}
	if rows[0].String() != "MK101,2024-01-15T10:30:00-05:00,POSTED,35" {
		t.Errorf("row 0 = %s", rows[0].String())
	}
	if rows[1].String() != "MK101,2024-01-15T10:30:00-05:00,ACTUAL,40" {
		t.Errorf("row 1 = %s", rows[1].String())
	}

	rec, err := env.index.Get(ctx, "MK101")
	if err != nil {
		t.Fatalf("index Get: %v", err)
	}
	if rec.PostedCount != 1 || rec.ActualCount != 1 {
		t.Fatalf("index record = %+v", rec)
	}
}

func TestIngestRerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newIngestEnv(t)
	env.addSource(t, "export/wait_times/wdw/wdw_2024_01.csv",
		"entity_code,observed_at,submitted_posted_time,submitted_actual_time\n"+
			"MK101,2024-01-15T10:30:00,35,40\n")

	if _, err := env.runner.Run(ctx, Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	countBefore, _ := env.dedup.Count(ctx)

	res, err := env.runner.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.FilesProcessed != 0 || res.FilesSkipped != 1 {
		t.Fatalf("second run result = %+v", res)
	}
	countAfter, _ := env.dedup.Count(ctx)
	if countBefore != countAfter {
		t.Fatalf("dedup set grew on re-run: %d -> %d", countBefore, countAfter)
	}
}

func TestIngestReprocessesChangedMarker(t *testing.T) {
	ctx := context.Background()
	env := newIngestEnv(t)
	key := "export/wait_times/wdw/wdw_2024_01.csv"
	env.addSource(t, key,
		"entity_code,observed_at,submitted_posted_time,submitted_actual_time\n"+
			"MK101,2024-01-15T10:30:00,35,\n")
	if _, err := env.runner.Run(ctx, Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Upstream re-uploads the file with one more row and a new mtime.
	env.addSource(t, key,
		"entity_code,observed_at,submitted_posted_time,submitted_actual_time\n"+
			"MK101,2024-01-15T10:30:00,35,\n"+
			"MK101,2024-01-15T10:35:00,30,\n")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(env.srcDir, filepath.FromSlash(key)), future, future); err != nil {
		t.Fatal(err)
	}

	res, err := env.runner.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.FilesProcessed != 1 {
		t.Fatalf("changed file not reprocessed: %+v", res)
	}
	rows, err := facts.ReadFile(env.layout.FactPartition("mk", "2024-01-15"))
	if err != nil {
		t.Fatal(err)
	}
	// Old row deduped, only the new one appended.
	if len(rows) != 2 {
		t.Fatalf("partition has %d rows, want 2", len(rows))
	}
}

func TestIngestLegacyFastpass(t *testing.T) {
	ctx := context.Background()
	env := newIngestEnv(t)
	env.addSource(t, "export/fastpass_times/wdw/fp_2014_06.csv",
		"junk,,,,,,,\n"+
			"MK20,15,6,2014,10,30,8888,0\n")

	res, err := env.runner.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FilesProcessed != 1 || res.RowsWritten != 1 {
		t.Fatalf("result = %+v", res)
	}
	rows, err := facts.ReadFile(env.layout.FactPartition("mk", "2014-06-15"))
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Type != types.WaitPriority || rows[0].Minutes != types.SoldOutMinutes {
		t.Fatalf("row = %+v", rows[0])
	}
}

func TestIngestUnknownFilesSkipped(t *testing.T) {
	ctx := context.Background()
	env := newIngestEnv(t)

	// A key under a scope prefix whose path matches neither format marker
	// is UNKNOWN: logged and skipped, never a failure.
	env.runner.Registry.Properties[0].StandbyPrefix = "export/misc/wdw/"
	env.addSource(t, "export/misc/wdw/readme.txt", "not data")

	res, err := env.runner.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FilesUnknown != 1 || res.FilesFailed != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestIngestQuarantine(t *testing.T) {
	ctx := context.Background()
	env := newIngestEnv(t)
	key := "export/wait_times/wdw/broken_2020.csv"
	env.addSource(t, key, "entity_code\nbroken\n")

	// Age the source file past the quarantine threshold.
	old := time.Now().AddDate(0, 0, -700)
	if err := os.Chtimes(filepath.Join(env.srcDir, filepath.FromSlash(key)), old, old); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		res, err := env.runner.Run(ctx, Options{})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if res.FilesFailed != 1 {
			t.Fatalf("run %d: expected failure, got %+v", i, res)
		}
	}

	// Fourth run: three failures and an ancient mtime mean quarantine.
	res, err := env.runner.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("final run: %v", err)
	}
	if res.FilesQuarantined != 1 || res.FilesFailed != 0 {
		t.Fatalf("final run = %+v", res)
	}
	quarantined := env.runner.Tally.QuarantinedKeys(3, 600, time.Now())
	if len(quarantined) != 1 || quarantined[0] != key {
		t.Fatalf("quarantined keys = %v", quarantined)
	}
}

func TestIngestFullRebuildClearsDedup(t *testing.T) {
	ctx := context.Background()
	env := newIngestEnv(t)
	env.addSource(t, "export/wait_times/wdw/wdw_2024_01.csv",
		"entity_code,observed_at,submitted_posted_time,submitted_actual_time\n"+
			"MK101,2024-01-15T10:30:00,35,\n")

	if _, err := env.runner.Run(ctx, Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := env.runner.Run(ctx, Options{FullRebuild: true})
	if err != nil {
		t.Fatalf("rebuild run: %v", err)
	}
	if res.FilesProcessed != 1 {
		t.Fatalf("rebuild skipped the file: %+v", res)
	}
	n, _ := env.dedup.Count(ctx)
	if n != 1 {
		t.Fatalf("dedup count after rebuild = %d, want 1", n)
	}
}
