package livefeed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/types"
)

const (
	// DefaultInterval is the poll period in continuous mode.
	DefaultInterval = 5 * time.Minute

	// DefaultStaleAfter is the provider-freshness threshold. Records
	// older than this at fetch time are staged anyway but flagged.
	DefaultStaleAfter = 24 * time.Hour

	windowBeforeOpen = 90 * time.Minute
	windowAfterClose = 90 * time.Minute
)

// Poller fetches live snapshots and appends them to the staging area.
// It holds its own dedup set, separate from the canonical one, so
// repeated polls of an unchanged board stage nothing.
type Poller struct {
	Client *Client
	Layout paths.Layout
	Mapper *Mapper

	// Hours gates polling to operating windows. Nil, or NoHoursFilter,
	// polls every mapped park on every cycle.
	Hours         *dimensions.HoursTable
	NoHoursFilter bool

	Dedup storage.DedupSet

	// ParkIDs restricts polling to a subset of provider IDs. Empty means
	// every mapped park.
	ParkIDs []int

	Interval   time.Duration
	StaleAfter time.Duration

	// Now is stubbed in tests.
	Now func() time.Time
}

// Result summarizes one poll cycle.
type Result struct {
	ParksInWindow int
	ParksPolled   int
	ParksFailed   int
	RowsStaged    int
	Duplicates    int
	Unmapped      int
	Closed        int
	Stale         int
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poller) staleAfter() time.Duration {
	if p.StaleAfter > 0 {
		return p.StaleAfter
	}
	return DefaultStaleAfter
}

// Run polls forever at the configured interval until ctx is canceled.
// The first cycle runs immediately.
func (p *Poller) Run(ctx context.Context, onCycle func(*Result, error)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := p.PollOnce(ctx)
		if onCycle != nil {
			onCycle(res, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs one fetch-map-dedup-stage cycle over the in-window parks.
// Per-park failures are counted, never fatal; a park list fetch failure is.
func (p *Poller) PollOnce(ctx context.Context) (*Result, error) {
	res := &Result{}

	parks, err := p.Client.Parks(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch park list: %w", err)
	}

	wanted := make(map[int]bool, len(p.ParkIDs))
	for _, id := range p.ParkIDs {
		wanted[id] = true
	}

	now := p.now()
	for _, park := range parks {
		code, mapped := ParkIDs[park.ID]
		if !mapped {
			continue
		}
		if len(wanted) > 0 && !wanted[park.ID] {
			continue
		}
		loc, err := time.LoadLocation(park.Timezone)
		if err != nil {
			debug.Logf("park %s: bad timezone %q, using UTC\n", code, park.Timezone)
			loc = time.UTC
		}
		if !p.inWindow(code, now, loc) {
			continue
		}
		res.ParksInWindow++

		if err := p.pollPark(ctx, park.ID, code, loc, now, res); err != nil {
			res.ParksFailed++
			debug.LogEvent("LIVE_PARK_FAILED", code, err.Error())
			continue
		}
		res.ParksPolled++
	}
	return res, nil
}

// inWindow reports whether now falls in [open-90m, close+90m] for the
// park's current operational date. Missing hours rows and blank-sentinel
// times poll rather than skip: a gap in the dimension must not silence
// the feed.
func (p *Poller) inWindow(parkCode string, now time.Time, loc *time.Location) bool {
	if p.NoHoursFilter || p.Hours == nil {
		return true
	}
	date := types.ParkDateOf(now.In(loc), loc)
	h, ok := p.Hours.Lookup(parkCode, date, now)
	if !ok || !h.HasTimes {
		return true
	}
	start := h.Opening.Add(-windowBeforeOpen)
	end := h.Closing.Add(windowAfterClose)
	return !now.Before(start) && !now.After(end)
}

func (p *Poller) pollPark(ctx context.Context, parkID int, parkCode string, loc *time.Location, now time.Time, res *Result) error {
	rides, err := p.Client.QueueTimes(ctx, parkID)
	if err != nil {
		return err
	}

	var batch []types.Observation
	for _, ride := range rides {
		if !ride.IsOpen {
			res.Closed++
			continue
		}
		entity, ok := p.Mapper.Map(parkCode, ride.ID)
		if !ok {
			res.Unmapped++
			debug.Logf("unmapped ride %d (%s) in %s\n", ride.ID, ride.Name, parkCode)
			continue
		}
		observed := ride.LastUpdated.In(loc)
		if now.Sub(observed) > p.staleAfter() {
			res.Stale++
			debug.LogEvent("LIVE_STALE", entity, observed.Format(types.ObservedAtLayout))
		}
		batch = append(batch, types.Observation{
			EntityCode: entity,
			ObservedAt: observed,
			Type:       types.WaitPosted,
			Minutes:    ride.WaitTime,
		})
	}
	if len(batch) == 0 {
		return nil
	}

	tx, err := p.Dedup.Begin(ctx)
	if err != nil {
		return err
	}
	fresh, err := tx.Filter(batch)
	if err != nil {
		tx.Rollback()
		return err
	}
	res.Duplicates += len(batch) - len(fresh)
	if len(fresh) == 0 {
		return tx.Commit()
	}
	if err := p.stage(parkCode, loc, fresh); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	res.RowsStaged += len(fresh)
	return nil
}

// stage appends fresh rows to the staging partitions for their park
// dates. A poll near 6 AM local can straddle two operational dates.
func (p *Poller) stage(parkCode string, loc *time.Location, rows []types.Observation) error {
	byDate := make(map[types.ParkDate][]types.Observation)
	for _, o := range rows {
		date := types.ParkDateOf(o.ObservedAt, loc)
		byDate[date] = append(byDate[date], o)
	}
	dates := make([]types.ParkDate, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	for _, date := range dates {
		path := p.Layout.StagingPartition(parkCode, date)
		if err := facts.MergeAppend(path, byDate[date]); err != nil {
			return fmt.Errorf("stage %s: %w", path, err)
		}
	}
	return nil
}
