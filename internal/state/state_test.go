package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCatalogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_files.json")

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog empty: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("fresh catalog has %d entries", c.Len())
	}

	c.Record("export/wait_times/wdw/2024_01.csv", "2024-01-16T03:00:00Z")
	c.Record("export/fastpass_times/wdw/2024_01.csv", "2024-01-16T03:05:00Z")
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if !c2.Processed("export/wait_times/wdw/2024_01.csv", "2024-01-16T03:00:00Z") {
		t.Error("expected key to be processed with matching marker")
	}
	if c2.Processed("export/wait_times/wdw/2024_01.csv", "2024-01-17T00:00:00Z") {
		t.Error("marker mismatch should not count as processed")
	}
	if got := c2.Keys(); len(got) != 2 || got[0] != "export/fastpass_times/wdw/2024_01.csv" {
		t.Errorf("Keys() = %v", got)
	}
}

func TestTallyQuarantine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed_files.json")
	tl, err := LoadTally(path)
	if err != nil {
		t.Fatalf("LoadTally: %v", err)
	}

	now := time.Now().UTC()
	oldSrc := now.Add(-700 * 24 * time.Hour)
	freshSrc := now.Add(-24 * time.Hour)

	// Old source, enough failures: quarantined.
	for i := 0; i < 3; i++ {
		tl.RecordFailure("old_key", "stream reset", oldSrc)
	}
	// Fresh source, enough failures: keeps retrying.
	for i := 0; i < 5; i++ {
		tl.RecordFailure("fresh_key", "stream reset", freshSrc)
	}
	// Old source, too few failures: keeps retrying.
	tl.RecordFailure("once_key", "boom", oldSrc)

	if !tl.Quarantined("old_key", 3, 600, now) {
		t.Error("old_key should be quarantined")
	}
	if tl.Quarantined("fresh_key", 3, 600, now) {
		t.Error("fresh_key should not be quarantined")
	}
	if tl.Quarantined("once_key", 3, 600, now) {
		t.Error("once_key should not be quarantined")
	}
	if got := tl.QuarantinedKeys(3, 600, now); len(got) != 1 || got[0] != "old_key" {
		t.Errorf("QuarantinedKeys = %v", got)
	}

	// Success clears the entry.
	tl.ClearFailure("old_key")
	if tl.Quarantined("old_key", 3, 600, now) {
		t.Error("cleared key should not be quarantined")
	}

	if err := tl.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	tl2, err := LoadTally(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	e, ok := tl2.Entry("fresh_key")
	if !ok || e.Count != 5 || e.LastErr != "stream reset" {
		t.Errorf("reloaded entry = %+v ok=%v", e, ok)
	}
}

func TestStatusTransitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline_status.json")
	s, err := LoadStatus(path)
	if err != nil {
		t.Fatalf("LoadStatus: %v", err)
	}
	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.StepRunning("merge"); err != nil {
		t.Fatal(err)
	}
	if err := s.StepDone("merge"); err != nil {
		t.Fatal(err)
	}
	if err := s.StepRunning("ingest"); err != nil {
		t.Fatal(err)
	}
	if err := s.StepFailed("ingest", errors.New("first error")); err != nil {
		t.Fatal(err)
	}
	// Second failure does not overwrite the first error text.
	if err := s.StepFailed("ingest", errors.New("second error")); err != nil {
		t.Fatal(err)
	}

	s2, err := LoadStatus(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	seq, _, steps, _, lastUpdated := s2.Snapshot()
	if seq == 0 {
		t.Error("sequence number not advancing")
	}
	if lastUpdated.IsZero() {
		t.Error("last_updated not stamped")
	}
	if steps["merge"].State != StepOK {
		t.Errorf("merge state = %s", steps["merge"].State)
	}
	if steps["ingest"].State != StepFailed || steps["ingest"].Error != "first error" {
		t.Errorf("ingest step = %+v", steps["ingest"])
	}
}

func TestStatusTraining(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline_status.json")
	s, _ := LoadStatus(path)
	if err := s.TrainingInit(3, 2); err != nil {
		t.Fatal(err)
	}
	s.TrainingStarted("MK101")
	s.TrainingResult("MK101", TrainOK)
	s.TrainingResult("EP09", TrainTimeout)

	s2, _ := LoadStatus(path)
	_, _, _, tr, _ := s2.Snapshot()
	if tr.Total != 3 || tr.Workers != 2 || tr.Done != 2 {
		t.Errorf("training = %+v", tr)
	}
	if tr.Results["EP09"] != TrainTimeout {
		t.Errorf("EP09 result = %q", tr.Results["EP09"])
	}
}

func TestStatusMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	s, err := LoadStatus(path)
	if err != nil {
		t.Fatalf("LoadStatus: %v", err)
	}
	if _, ok := s.Step("merge"); ok {
		t.Error("empty status should have no steps")
	}
	// First transition creates the file.
	if err := s.StepRunning("merge"); err != nil {
		t.Fatalf("StepRunning: %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("status file not created: %v", statErr)
	}
}
