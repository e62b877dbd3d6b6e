package merge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/storage/sqlite"
	"github.com/waitline/waitline/internal/types"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(types.ObservedAtLayout, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func obs(t *testing.T, entity, at string, typ types.WaitTimeType, minutes int) types.Observation {
	t.Helper()
	return types.Observation{EntityCode: entity, ObservedAt: mustTime(t, at), Type: typ, Minutes: minutes}
}

func newEnv(t *testing.T) (paths.Layout, *facts.Writer) {
	t.Helper()
	layout := paths.New(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
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
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	w := facts.NewWriter(layout, dedup, index, func(string) *time.Location { return loc }, 0)
	return layout, w
}

func TestYesterdayParkDate(t *testing.T) {
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		now  string
		want types.ParkDate
	}{
		// 04:00 Eastern belongs to the previous operational day, so
		// "yesterday" reaches back two calendar days.
		{"2026-01-27T04:00:00-05:00", "2026-01-25"},
		{"2026-01-27T08:00:00-05:00", "2026-01-26"},
		{"2026-01-27T23:30:00-05:00", "2026-01-26"},
	}
	for _, c := range cases {
		now := mustTime(t, c.now)
		if got := YesterdayParkDate(now, eastern); got != c.want {
			t.Errorf("YesterdayParkDate(%s) = %s, want %s", c.now, got, c.want)
		}
	}
}

func TestMorningMerge(t *testing.T) {
	ctx := context.Background()
	layout, w := newEnv(t)

	// Canonical store already has two of the staged rows.
	existing := []types.Observation{
		obs(t, "MK101", "2026-01-26T10:00:00-05:00", types.WaitPosted, 30),
		obs(t, "MK101", "2026-01-26T10:05:00-05:00", types.WaitPosted, 35),
	}
	if err := w.Add(ctx, existing); err != nil {
		t.Fatalf("seed canonical: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("seed flush: %v", err)
	}

	staged := append([]types.Observation{
		obs(t, "MK101", "2026-01-26T10:10:00-05:00", types.WaitPosted, 40),
		obs(t, "MK101", "2026-01-26T10:15:00-05:00", types.WaitPosted, 45),
		obs(t, "MK102", "2026-01-26T10:10:00-05:00", types.WaitPosted, 10),
		obs(t, "MK102", "2026-01-26T10:15:00-05:00", types.WaitPosted, 15),
		obs(t, "MK102", "2026-01-26T10:20:00-05:00", types.WaitPosted, 20),
	}, existing...)
	stagingPath := layout.StagingPartition("mk", "2026-01-26")
	if err := facts.WriteFile(stagingPath, staged); err != nil {
		t.Fatalf("write staging: %v", err)
	}

	res, err := Run(ctx, layout, w, "2026-01-26")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FilesMerged != 1 || res.RowsMerged != 5 || res.Duplicates != 2 {
		t.Fatalf("result = %+v", res)
	}

	// Staging file is gone, fact file holds the union.
	if _, err := os.Stat(stagingPath); !os.IsNotExist(err) {
		t.Fatalf("staging file still present: %v", err)
	}
	rows, err := facts.ReadFile(layout.FactPartition("mk", "2026-01-26"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 7 {
		t.Fatalf("fact file has %d rows, want 7", len(rows))
	}

	// Second merge over the same date: nothing left to do.
	res, err = Run(ctx, layout, w, "2026-01-26")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.FilesMerged != 0 || res.RowsMerged != 0 {
		t.Fatalf("second result = %+v", res)
	}
}

func TestMergeSkipsOtherDates(t *testing.T) {
	ctx := context.Background()
	layout, w := newEnv(t)

	keep := layout.StagingPartition("mk", "2026-01-25")
	if err := facts.WriteFile(keep, []types.Observation{
		obs(t, "MK101", "2026-01-25T10:00:00-05:00", types.WaitPosted, 30),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := Run(ctx, layout, w, "2026-01-26")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FilesMerged != 0 {
		t.Fatalf("merged a file from the wrong date: %+v", res)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("unrelated staging file touched: %v", err)
	}
}
