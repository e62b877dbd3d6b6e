package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/waitline/waitline/internal/storage"
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

func TestDedupSetFilter(t *testing.T) {
	ctx := context.Background()
	set, err := OpenDedupSet(filepath.Join(t.TempDir(), "dedup.db"))
	if err != nil {
		t.Fatalf("OpenDedupSet: %v", err)
	}
	defer set.Close()

	a := obs(t, "MK101", "2024-01-15T10:30:00-05:00", types.WaitPosted, 35)
	b := obs(t, "MK101", "2024-01-15T10:30:00-05:00", types.WaitActual, 40)

	tx, err := set.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fresh, err := tx.Filter([]types.Observation{a, b, a}) // in-batch duplicate
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(fresh) != 2 {
		t.Fatalf("expected 2 fresh rows, got %d", len(fresh))
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t.Run("cross-run duplicate", func(t *testing.T) {
		tx, err := set.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		defer tx.Rollback()
		fresh, err := tx.Filter([]types.Observation{a})
		if err != nil {
			t.Fatalf("Filter: %v", err)
		}
		if len(fresh) != 0 {
			t.Fatalf("expected duplicate to be dropped, got %d rows", len(fresh))
		}
	})

	t.Run("contains and count", func(t *testing.T) {
		ok, err := set.Contains(ctx, a.Key())
		if err != nil || !ok {
			t.Fatalf("Contains(a) = %v, %v; want true", ok, err)
		}
		miss := obs(t, "MK101", "2024-01-15T10:30:00-05:00", types.WaitPosted, 36)
		ok, err = set.Contains(ctx, miss.Key())
		if err != nil || ok {
			t.Fatalf("Contains(miss) = %v, %v; want false", ok, err)
		}
		n, err := set.Count(ctx)
		if err != nil || n != 2 {
			t.Fatalf("Count = %d, %v; want 2", n, err)
		}
	})

	t.Run("rollback discards", func(t *testing.T) {
		c := obs(t, "EP09", "2024-03-10T12:00:00-04:00", types.WaitPriority, 8888)
		tx, err := set.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if _, err := tx.Filter([]types.Observation{c}); err != nil {
			t.Fatalf("Filter: %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("Rollback: %v", err)
		}
		ok, err := set.Contains(ctx, c.Key())
		if err != nil || ok {
			t.Fatalf("rolled-back row visible: %v, %v", ok, err)
		}
	})

	t.Run("clear", func(t *testing.T) {
		if err := set.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		n, _ := set.Count(ctx)
		if n != 0 {
			t.Fatalf("Count after Clear = %d", n)
		}
	})
}

func TestDedupSetPersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dedup.db")

	set, err := OpenDedupSet(path)
	if err != nil {
		t.Fatalf("OpenDedupSet: %v", err)
	}
	a := obs(t, "DL05", "2024-07-01T09:00:00-07:00", types.WaitActual, 20)
	tx, _ := set.Begin(ctx)
	if _, err := tx.Filter([]types.Observation{a}); err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := set.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	set2, err := OpenDedupSet(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer set2.Close()
	ok, err := set2.Contains(ctx, a.Key())
	if err != nil || !ok {
		t.Fatalf("row lost across reopen: %v, %v", ok, err)
	}
}

func TestEntityIndexUpsert(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenEntityIndex(filepath.Join(t.TempDir(), "entity_index.db"))
	if err != nil {
		t.Fatalf("OpenEntityIndex: %v", err)
	}
	defer idx.Close()

	first := types.EntityDelta{
		EntityCode:   "MK101",
		FirstDate:    "2024-01-15",
		LastDate:     "2024-01-15",
		LastObserved: mustTime(t, "2024-01-15T10:30:00-05:00"),
		Rows:         2, PostedCount: 1, ActualCount: 1,
	}
	if err := idx.RecordBatch(ctx, []types.EntityDelta{first}); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	rec, err := idx.Get(ctx, "MK101")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.RowCount != 2 || rec.PostedCount != 1 || rec.ActualCount != 1 {
		t.Fatalf("unexpected counts: %+v", rec)
	}
	if rec.FirstDate != "2024-01-15" || rec.LastDate != "2024-01-15" {
		t.Fatalf("unexpected dates: %+v", rec)
	}

	// Second batch widens dates and adds counts.
	second := types.EntityDelta{
		EntityCode:   "MK101",
		FirstDate:    "2024-01-10",
		LastDate:     "2024-01-20",
		LastObserved: mustTime(t, "2024-01-20T15:00:00-05:00"),
		Rows:         3, ActualCount: 2, PriorityCount: 1,
	}
	if err := idx.RecordBatch(ctx, []types.EntityDelta{second}); err != nil {
		t.Fatalf("RecordBatch second: %v", err)
	}
	rec, err = idx.Get(ctx, "MK101")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.RowCount != 5 || rec.ActualCount != 3 || rec.PriorityCount != 1 {
		t.Fatalf("counts did not accumulate: %+v", rec)
	}
	if rec.FirstDate != "2024-01-10" || rec.LastDate != "2024-01-20" {
		t.Fatalf("dates did not widen: %+v", rec)
	}
	want := mustTime(t, "2024-01-20T15:00:00-05:00")
	if !rec.LastObserved.Equal(want) {
		t.Fatalf("LastObserved = %v, want %v", rec.LastObserved, want)
	}

	if _, err := idx.Get(ctx, "NOPE1"); err != storage.ErrNotFound {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestEntityIndexCandidates(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenEntityIndex(filepath.Join(t.TempDir(), "entity_index.db"))
	if err != nil {
		t.Fatalf("OpenEntityIndex: %v", err)
	}
	defer idx.Close()

	seed := func(code, lastObs string, actual int64) {
		t.Helper()
		err := idx.RecordBatch(ctx, []types.EntityDelta{{
			EntityCode:   code,
			FirstDate:    "2024-01-01",
			LastDate:     types.ParkDate(lastObs[:10]),
			LastObserved: mustTime(t, lastObs),
			Rows:         actual, ActualCount: actual,
		}})
		if err != nil {
			t.Fatalf("seed %s: %v", code, err)
		}
	}
	seed("MK101", "2024-06-01T12:00:00-04:00", 600)
	seed("EP09", "2024-06-02T12:00:00-04:00", 600)
	seed("AK01", "2024-06-03T12:00:00-04:00", 600)

	cutoff := mustTime(t, "2024-06-02T18:00:00-04:00")
	got, err := idx.ListCandidates(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	// AK01's last observation is after the cutoff (too fresh).
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].EntityCode != "EP09" || got[1].EntityCode != "MK101" {
		t.Fatalf("wrong order: %s, %s", got[0].EntityCode, got[1].EntityCode)
	}

	// Marking modeled removes an entity until it sees newer data.
	if err := idx.MarkModeled(ctx, "EP09", time.Now(), "boosted"); err != nil {
		t.Fatalf("MarkModeled: %v", err)
	}
	got, err = idx.ListCandidates(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(got) != 1 || got[0].EntityCode != "MK101" {
		t.Fatalf("expected only MK101, got %v", got)
	}

	rec, err := idx.Get(ctx, "EP09")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.LastModeledAt == nil || rec.ModelKind != "boosted" {
		t.Fatalf("MarkModeled not recorded: %+v", rec)
	}

	if err := idx.MarkModeled(ctx, "NOPE1", time.Now(), "mean"); err != storage.ErrNotFound {
		t.Fatalf("MarkModeled missing = %v, want ErrNotFound", err)
	}
}

func TestEntityIndexListAll(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenEntityIndex(filepath.Join(t.TempDir(), "entity_index.db"))
	if err != nil {
		t.Fatalf("OpenEntityIndex: %v", err)
	}
	defer idx.Close()

	for _, code := range []string{"TDL03", "MK101", "AK01"} {
		err := idx.RecordBatch(ctx, []types.EntityDelta{{
			EntityCode: code, FirstDate: "2024-01-01", LastDate: "2024-01-01",
			LastObserved: mustTime(t, "2024-01-01T10:00:00-05:00"), Rows: 1, PostedCount: 1,
		}})
		if err != nil {
			t.Fatalf("RecordBatch %s: %v", code, err)
		}
	}
	all, err := idx.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records", len(all))
	}
	if all[0].EntityCode != "AK01" || all[2].EntityCode != "TDL03" {
		t.Fatalf("not ordered by entity code: %v, %v", all[0].EntityCode, all[2].EntityCode)
	}
}
