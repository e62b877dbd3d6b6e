package livefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/storage/sqlite"
)

const parksBody = `[
  {"id": 1, "name": "Walt Disney Attractions", "parks": [
    {"id": 6, "name": "Disney Magic Kingdom", "timezone": "America/New_York"},
    {"id": 5, "name": "Epcot", "timezone": "America/New_York"}
  ]},
  {"id": 2, "name": "Unmapped Operator", "parks": [
    {"id": 999, "name": "Somewhere Else", "timezone": "UTC"}
  ]}
]`

func feedServer(t *testing.T, queueBodies map[int]string) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/parks.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, parksBody)
	})
	for id, body := range queueBodies {
		body := body
		mux.HandleFunc(fmt.Sprintf("/parks/%d/queue_times.json", id), func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func newPoller(t *testing.T, client *Client) *Poller {
	t.Helper()
	layout := paths.New(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	dedup, err := sqlite.OpenDedupSet(layout.LiveDedupDB())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dedup.Close() })
	return &Poller{
		Client:        client,
		Layout:        layout,
		Mapper:        &Mapper{byID: map[mapKey]string{}},
		Dedup:         dedup,
		NoHoursFilter: true,
		Now: func() time.Time {
			return time.Date(2026, 1, 26, 15, 10, 0, 0, time.UTC)
		},
	}
}

func queueBody(rides string) string {
	return `{"lands": [{"id": 1, "name": "Main", "rides": [` + rides + `]}], "rides": []}`
}

func TestPollOnceStagesOpenRides(t *testing.T) {
	ctx := context.Background()
	client := feedServer(t, map[int]string{
		6: queueBody(`
			{"id": 101, "name": "Space Ride", "is_open": true, "wait_time": 45, "last_updated": "2026-01-26T15:00:00Z"},
			{"id": 102, "name": "Dark Ride", "is_open": false, "wait_time": 0, "last_updated": "2026-01-26T15:00:00Z"}`),
		5: queueBody(`
			{"id": 201, "name": "Globe", "is_open": true, "wait_time": 20, "last_updated": "2026-01-26T15:05:00Z"}`),
	})
	p := newPoller(t, client)

	res, err := p.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.ParksPolled != 2 || res.RowsStaged != 2 || res.Closed != 1 {
		t.Fatalf("result = %+v", res)
	}

	// Fallback codes: no mapping table was loaded.
	rows, err := facts.ReadFile(p.Layout.StagingPartition("mk", "2026-01-26"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].EntityCode != "MK101" || rows[0].Minutes != 45 {
		t.Fatalf("mk staging = %+v", rows)
	}
	// observed_at carries the park's local offset, not Z.
	if got := rows[0].ObservedAt.Format("2006-01-02T15:04:05-07:00"); got != "2026-01-26T10:00:00-05:00" {
		t.Fatalf("observed_at = %s", got)
	}
}

func TestPollOnceDedupsAcrossCycles(t *testing.T) {
	ctx := context.Background()
	client := feedServer(t, map[int]string{
		6: queueBody(`{"id": 101, "name": "Space Ride", "is_open": true, "wait_time": 45, "last_updated": "2026-01-26T15:00:00Z"}`),
		5: queueBody(``),
	})
	p := newPoller(t, client)

	if _, err := p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := p.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsStaged != 0 || res.Duplicates != 1 {
		t.Fatalf("second cycle = %+v", res)
	}
	rows, err := facts.ReadFile(p.Layout.StagingPartition("mk", "2026-01-26"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("staging grew on an unchanged board: %d rows", len(rows))
	}
}

func TestPollOnceDropsUnmappedWithTable(t *testing.T) {
	ctx := context.Background()
	client := feedServer(t, map[int]string{
		6: queueBody(`
			{"id": 101, "name": "Space Ride", "is_open": true, "wait_time": 45, "last_updated": "2026-01-26T15:00:00Z"},
			{"id": 777, "name": "New Ride", "is_open": true, "wait_time": 10, "last_updated": "2026-01-26T15:00:00Z"}`),
		5: queueBody(``),
	})
	p := newPoller(t, client)
	p.Mapper = &Mapper{
		byID:   map[mapKey]string{{park: "mk", rideID: 101}: "MK05"},
		loaded: true,
	}

	res, err := p.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsStaged != 1 || res.Unmapped != 1 {
		t.Fatalf("result = %+v", res)
	}
	rows, err := facts.ReadFile(p.Layout.StagingPartition("mk", "2026-01-26"))
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].EntityCode != "MK05" {
		t.Fatalf("curated mapping ignored: %+v", rows[0])
	}
}

func TestPollOnceCountsStale(t *testing.T) {
	ctx := context.Background()
	client := feedServer(t, map[int]string{
		6: queueBody(`{"id": 101, "name": "Space Ride", "is_open": true, "wait_time": 45, "last_updated": "2026-01-23T15:00:00Z"}`),
		5: queueBody(``),
	})
	p := newPoller(t, client)

	res, err := p.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Three days old: flagged but still staged.
	if res.Stale != 1 || res.RowsStaged != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestHoursWindowGatesPolling(t *testing.T) {
	dir := t.TempDir()
	hoursPath := filepath.Join(dir, "hours.csv")
	// MK open 09:00-21:00 Eastern on 2026-01-26; EP has no row at all.
	content := "park_date,park_code,version_type,opening_time,closing_time,valid_from,created_at\n" +
		"2026-01-26,mk,official,2026-01-26T09:00:00-05:00,2026-01-26T21:00:00-05:00,2026-01-01T00:00:00-05:00,2026-01-01T00:00:00-05:00\n"
	if err := os.WriteFile(hoursPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	hours, err := dimensions.LoadHours(hoursPath)
	if err != nil {
		t.Fatal(err)
	}

	p := &Poller{Hours: hours}
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		park string
		at   string
		want bool
	}{
		{"mk", "2026-01-26T07:29:00-05:00", false}, // before open-90
		{"mk", "2026-01-26T07:31:00-05:00", true},  // inside open-90
		{"mk", "2026-01-26T22:29:00-05:00", true},  // inside close+90
		{"mk", "2026-01-26T22:31:00-05:00", false}, // past close+90
		{"ep", "2026-01-26T03:00:00-05:00", true},  // no hours row: poll
	}
	for _, c := range cases {
		now, err := time.Parse("2006-01-02T15:04:05-07:00", c.at)
		if err != nil {
			t.Fatal(err)
		}
		if got := p.inWindow(c.park, now, eastern); got != c.want {
			t.Errorf("inWindow(%s, %s) = %v, want %v", c.park, c.at, got, c.want)
		}
	}
}

func TestLoadMapper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue_times_entity_mapping.csv")
	content := "entity_code,park_code,queue_times_id\n" +
		"MK05,mk,101.0\n" +
		"EP12,ep,201\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadMapper(path)
	if err != nil {
		t.Fatalf("LoadMapper: %v", err)
	}
	if code, ok := m.Map("mk", 101); !ok || code != "MK05" {
		t.Fatalf("Map(mk, 101) = %q, %v", code, ok)
	}
	if _, ok := m.Map("mk", 999); ok {
		t.Fatal("unmapped ride resolved with a loaded table")
	}

	// Missing file: fallback-only mapper, USH prefix for uh.
	m2, err := LoadMapper(filepath.Join(dir, "absent.csv"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if code, ok := m2.Map("uh", 42); !ok || code != "USH42" {
		t.Fatalf("fallback = %q, %v", code, ok)
	}
}
