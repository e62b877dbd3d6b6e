package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPartitionPaths(t *testing.T) {
	l := New("/data/wt")
	got := l.FactPartition("mk", "2024-01-15")
	want := filepath.Join("/data/wt", "fact", "clean", "2024-01", "mk_2024-01-15.csv")
	if got != want {
		t.Errorf("FactPartition = %q, want %q", got, want)
	}
	got = l.StagingPartition("ep", "2026-01-26")
	want = filepath.Join("/data/wt", "staging", "live", "2026-01", "ep_2026-01-26.csv")
	if got != want {
		t.Errorf("StagingPartition = %q, want %q", got, want)
	}
}

func TestEnsureDirs(t *testing.T) {
	l := New(t.TempDir())
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{l.StateDir(), l.FactCleanDir(), l.StagingLiveDir(), l.ForecastDir(), l.LogsDir()} {
		fi, err := os.Stat(d)
		if err != nil {
			t.Errorf("missing dir %s: %v", d, err)
			continue
		}
		if !fi.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}
