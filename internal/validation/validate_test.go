package validation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/types"
)

func newChecker(t *testing.T) (*Checker, paths.Layout) {
	t.Helper()
	layout := paths.New(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	c := &Checker{
		Layout: layout,
		Zone:   func(string) *time.Location { return loc },
		Now:    func() time.Time { return time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC) },
	}
	return c, layout
}

func obs(t *testing.T, entity, at string, typ types.WaitTimeType, minutes int) types.Observation {
	t.Helper()
	ts, err := time.Parse(types.ObservedAtLayout, at)
	if err != nil {
		t.Fatal(err)
	}
	return types.Observation{EntityCode: entity, ObservedAt: ts, Type: typ, Minutes: minutes}
}

func TestRunCleanPartition(t *testing.T) {
	c, layout := newChecker(t)
	rows := []types.Observation{
		obs(t, "MK101", "2026-01-20T10:00:00-05:00", types.WaitPosted, 30),
		obs(t, "MK101", "2026-01-20T10:05:00-05:00", types.WaitActual, 25),
		obs(t, "MK202", "2026-01-20T10:10:00-05:00", types.WaitPriority, types.SoldOutMinutes),
	}
	if err := facts.WriteFile(layout.FactPartition("mk", "2026-01-20"), rows); err != nil {
		t.Fatal(err)
	}

	report, err := c.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report == nil {
		t.Fatal("nothing checked")
	}
	if !report.Clean() || report.Rows != 3 || len(report.Findings) != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRunFlagsInvalidRows(t *testing.T) {
	c, layout := newChecker(t)
	rows := []types.Observation{
		// Out of range: POSTED above 1000.
		obs(t, "MK101", "2026-01-20T10:00:00-05:00", types.WaitPosted, 1500),
		// Wrong park for an mk partition.
		obs(t, "EP05", "2026-01-20T10:05:00-05:00", types.WaitActual, 25),
		// 6 AM rule: a 2 AM observation is correctly filed under the
		// previous calendar date.
		obs(t, "MK101", "2026-01-21T02:00:00-05:00", types.WaitActual, 25),
		// Outlier, still valid.
		obs(t, "MK101", "2026-01-21T03:00:00-05:00", types.WaitActual, 400),
	}
	if err := facts.WriteFile(layout.FactPartition("mk", "2026-01-20"), rows); err != nil {
		t.Fatal(err)
	}

	report, err := c.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Clean() {
		t.Fatal("invalid rows not flagged")
	}
	if report.Invalid != 2 || report.Outliers != 1 {
		t.Fatalf("invalid = %d, outliers = %d", report.Invalid, report.Outliers)
	}
	rules := make(map[string]int)
	for _, f := range report.Findings {
		rules[f.Rule]++
	}
	if rules[RuleRange] != 1 || rules[RulePartition] != 1 {
		t.Fatalf("rules = %v", rules)
	}
}

func TestRunFlagsDisorderAndDuplicates(t *testing.T) {
	c, layout := newChecker(t)
	// Write the file by hand: the canonical writer would sort these.
	content := "entity_code,observed_at,wait_time_type,wait_time_minutes\n" +
		"MK101,2026-01-20T11:00:00-05:00,POSTED,30\n" +
		"MK101,2026-01-20T10:00:00-05:00,POSTED,30\n" +
		"MK101,2026-01-20T11:00:00-05:00,POSTED,30\n" +
		"MK101,not-a-date,POSTED,30\n"
	path := layout.FactPartition("mk", "2026-01-20")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := c.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	rules := make(map[string]int)
	for _, f := range report.Findings {
		rules[f.Rule]++
	}
	if rules[RuleOrdering] != 1 || rules[RuleDuplicate] != 1 || rules[RuleSchema] != 1 {
		t.Fatalf("rules = %v (findings %+v)", rules, report.Findings)
	}
}

func TestRunLookbackWindow(t *testing.T) {
	c, layout := newChecker(t)
	old := []types.Observation{obs(t, "MK101", "2025-06-01T10:00:00-04:00", types.WaitPosted, 30)}
	fresh := []types.Observation{obs(t, "MK101", "2026-01-20T10:00:00-05:00", types.WaitPosted, 30)}
	if err := facts.WriteFile(layout.FactPartition("mk", "2025-06-01"), old); err != nil {
		t.Fatal(err)
	}
	if err := facts.WriteFile(layout.FactPartition("mk", "2026-01-20"), fresh); err != nil {
		t.Fatal(err)
	}

	report, err := c.Run(context.Background(), Options{LookbackDays: 30})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Partitions) != 1 || report.Partitions[0].Date != "2026-01-20" {
		t.Fatalf("partitions = %+v", report.Partitions)
	}

	report, err = c.Run(context.Background(), Options{All: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Partitions) != 2 {
		t.Fatalf("all-mode partitions = %d", len(report.Partitions))
	}
}

func TestRunNothingToCheck(t *testing.T) {
	c, _ := newChecker(t)
	report, err := c.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report != nil {
		t.Fatalf("empty store produced a report: %+v", report)
	}
}

func TestSaveReport(t *testing.T) {
	c, layout := newChecker(t)
	rows := []types.Observation{obs(t, "MK101", "2026-01-20T10:00:00-05:00", types.WaitPosted, 30)}
	if err := facts.WriteFile(layout.FactPartition("mk", "2026-01-20"), rows); err != nil {
		t.Fatal(err)
	}
	report, err := c.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}

	path, err := c.Save(report)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var loaded Report
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatal(err)
	}
	if loaded.Rows != 1 || !loaded.Clean() {
		t.Fatalf("persisted report = %+v", loaded)
	}
}
