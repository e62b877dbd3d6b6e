package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/waitline/waitline/internal/types"
)

// Fastpass column names in the current ("new") format; the legacy format
// carries the same fields positionally.
var prioCols = []string{"FATTID", "FDAY", "FMONTH", "FYEAR", "FHOUR", "FMIN", "FWINHR", "FWINMIN"}

// soldOutThreshold marks a return-window encoding as "sold out for the
// day": the provider writes a sentinel >= 8000 into the window-hour field.
const soldOutThreshold = 8000

// rolloverGrace is how far a return window may precede the observation
// before it is read as next-day rather than clock noise.
const rolloverGrace = -15 * time.Minute

// prioRow is one decoded fastpass row before minute computation.
type prioRow struct {
	entity           string
	year, month, day int
	hourObs, minObs  int
	hourRet, minRet  int
	winRaw           int
	soldOut          bool
}

// splitCompact decodes the compact time encodings the current format
// mixes into its hour columns: HHMMSS (>= 10000), HHMM (>= 100), or a
// plain hour. hasMin reports whether the value carried its own minutes.
func splitCompact(v int) (hour, minute int, hasMin bool) {
	switch {
	case v >= 10000:
		return v / 10000, (v % 10000) / 100, true
	case v >= 100:
		return v / 100, v % 100, true
	default:
		return v, 0, false
	}
}

func clip(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// finish turns a decoded row into an observation. A pathological date
// (such as year 2813 from reading a legacy file with the wrong convention)
// is a row parse error, never a silently wrong value.
func (r prioRow) finish(loc *time.Location) (types.Observation, error) {
	if r.year < 2000 || r.year > 2100 {
		return types.Observation{}, fmt.Errorf("pathological year %d", r.year)
	}
	if r.month < 1 || r.month > 12 || r.day < 1 || r.day > 31 {
		return types.Observation{}, fmt.Errorf("bad date %04d-%02d-%02d", r.year, r.month, r.day)
	}
	hObs := clip(r.hourObs, 0, 23)
	mObs := clip(r.minObs, 0, 59)
	observed := time.Date(r.year, time.Month(r.month), r.day, hObs, mObs, 0, 0, loc)

	minutes := types.SoldOutMinutes
	if !r.soldOut {
		ret := time.Date(r.year, time.Month(r.month), r.day,
			clip(r.hourRet, 0, 23), clip(r.minRet, 0, 59), 0, 0, loc)
		if ret.Sub(observed) < rolloverGrace {
			ret = ret.AddDate(0, 0, 1)
		}
		minutes = int(math.Round(ret.Sub(observed).Minutes()))
	}
	return types.Observation{
		EntityCode: r.entity,
		ObservedAt: observed,
		Type:       types.WaitPriority,
		Minutes:    minutes,
	}, nil
}

// collapsePriority keeps the last PRIORITY row per (entity, observed_at)
// within a chunk; repeated snapshots of the same window supersede each
// other.
func collapsePriority(batch []types.Observation) []types.Observation {
	type k struct {
		entity string
		at     string
	}
	last := make(map[k]int, len(batch))
	for i, o := range batch {
		last[k{o.EntityCode, o.ObservedAt.Format(types.ObservedAtLayout)}] = i
	}
	out := make([]types.Observation, 0, len(last))
	for i, o := range batch {
		if last[k{o.EntityCode, o.ObservedAt.Format(types.ObservedAtLayout)}] == i {
			out = append(out, o)
		}
	}
	return out
}

// FastpassParser reads the current fastpass export: headered CSV with the
// FATTID/FDAY/... columns, compact time encodings, and the sold-out
// sentinel. One PRIORITY record per surviving row.
type FastpassParser struct{}

func (FastpassParser) Parse(ctx context.Context, r io.Reader, loc *time.Location, chunksize int, emit EmitFunc) (ParseStats, error) {
	if chunksize <= 0 {
		chunksize = DefaultChunksize
	}
	var stats ParseStats

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("read fastpass header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"FATTID", "FDAY", "FMONTH", "FYEAR", "FHOUR", "FWINHR"} {
		if _, ok := cols[required]; !ok {
			return stats, fmt.Errorf("fastpass file missing column %q", required)
		}
	}

	at := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok {
			return ""
		}
		return field(record, i)
	}

	batch := make([]types.Observation, 0, chunksize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := emit(collapsePriority(batch)); err != nil {
			return err
		}
		batch = make([]types.Observation, 0, chunksize)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if _, ok := err.(*csv.ParseError); ok {
				stats.ParseFails++
				continue
			}
			return stats, err
		}
		stats.RowsRead++

		row, ok := decodeNewFastpass(record, at)
		if !ok {
			stats.Dropped++
			continue
		}
		o, err := row.finish(loc)
		if err != nil {
			stats.ParseFails++
			continue
		}
		if !o.InRange() {
			stats.Invalid++
		}
		batch = append(batch, o)
		if len(batch) >= chunksize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	return stats, flush()
}

func decodeNewFastpass(record []string, at func([]string, string) string) (prioRow, bool) {
	entity := strings.ToUpper(strings.TrimSpace(at(record, "FATTID")))
	if entity == "" {
		return prioRow{}, false
	}
	year, ok1 := atoiField(at(record, "FYEAR"))
	month, ok2 := atoiField(at(record, "FMONTH"))
	day, ok3 := atoiField(at(record, "FDAY"))
	hourRaw, ok4 := atoiField(at(record, "FHOUR"))
	winRaw, ok5 := atoiField(at(record, "FWINHR"))
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return prioRow{}, false
	}

	row := prioRow{entity: entity, year: year, month: month, day: day, winRaw: winRaw}
	row.soldOut = winRaw >= soldOutThreshold

	// Observation instant: compact encodings carry their own minutes,
	// a plain hour takes them from FMIN.
	h, m, hasMin := splitCompact(hourRaw)
	row.hourObs = h
	if hasMin {
		row.minObs = m
	} else if v, ok := atoiField(at(record, "FMIN")); ok {
		row.minObs = v
	}

	if !row.soldOut {
		h, m, hasMin = splitCompact(winRaw)
		row.hourRet = h
		if hasMin {
			row.minRet = m
		} else if v, ok := atoiField(at(record, "FWINMIN")); ok {
			row.minRet = v
		}
	}
	return row, true
}

func atoiField(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(math.Round(f)), true
	}
	return 0, false
}
