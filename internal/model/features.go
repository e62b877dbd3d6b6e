package model

import (
	"math"
	"sort"
	"time"

	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/types"
)

// decayHalfLifeDays is the training-weight half life: an observation two
// years old counts half as much as one from today.
const decayHalfLifeDays = 730.0

// FeatureRow is one training or inference example. Categorical fields
// are already label-encoded; -1 marks a missing join.
type FeatureRow struct {
	EntityCode string
	ParkCode   string
	Date       types.ParkDate
	ObservedAt time.Time

	MinsSince6AM int
	DateGroupID  int
	Season       int
	SeasonYear   int
	ParkID       int
	EntityID     int

	MinsSinceParkOpen int
	ParkOpenHour      int
	ParkCloseHour     int
	ParkHoursOpen     float64
	EMHMorning        int
	EMHEvening        int
	HasParkHours      bool

	Posted    float64
	HasPosted bool

	Weight float64
	Target float64
}

// baseFeatureNames is the feature order shared by both variants; the
// with-posted variant appends posted_wait_time.
var baseFeatureNames = []string{
	"pred_mins_since_6am",
	"pred_dategroupid",
	"pred_season",
	"pred_season_year",
	"park_code",
	"entity_code",
	"pred_mins_since_park_open",
	"pred_park_open_hour",
	"pred_park_close_hour",
	"pred_park_hours_open",
	"pred_emh_morning",
	"pred_emh_evening",
}

// FeatureNames returns the column order of Vector for a variant.
func FeatureNames(withPosted bool) []string {
	names := append([]string(nil), baseFeatureNames...)
	if withPosted {
		names = append(names, "posted_wait_time")
	}
	return names
}

// Vector flattens the row in FeatureNames order. Missing joins become
// -1, the convention tree models split on naturally.
func (r *FeatureRow) Vector(withPosted bool) []float64 {
	v := []float64{
		float64(r.MinsSince6AM),
		float64(r.DateGroupID),
		float64(r.Season),
		float64(r.SeasonYear),
		float64(r.ParkID),
		float64(r.EntityID),
		float64(r.MinsSinceParkOpen),
		float64(r.ParkOpenHour),
		float64(r.ParkCloseHour),
		r.ParkHoursOpen,
		float64(r.EMHMorning),
		float64(r.EMHEvening),
	}
	if withPosted {
		if r.HasPosted {
			v = append(v, r.Posted)
		} else {
			v = append(v, -1)
		}
	}
	return v
}

// MinsSince6AM maps a local instant onto the operational day's clock:
// minutes since 06:00, wrapping past-midnight hours onto the end.
func MinsSince6AM(t time.Time) int {
	return ((t.Hour()*60+t.Minute())-360+1440) % 1440
}

// GeoDecayWeight is 0.5^(days_since/730).
func GeoDecayWeight(observedAt, now time.Time) float64 {
	days := now.Sub(observedAt).Seconds() / 86400.0
	if days < 0 {
		days = 0
	}
	return math.Pow(0.5, days/decayHalfLifeDays)
}

// FeatureBuilder joins an entity's observations against the dimension
// tables. Hours is the pre-resolved (date → hours) map for the entity's
// park, built once per run via HoursTable.LookupAll; the builder never
// resolves versions row by row.
type FeatureBuilder struct {
	DateGroups dimensions.DateGroups
	Seasons    dimensions.Seasons
	Hours      map[types.ParkDate]dimensions.Hours
	Encoder    *Encoder
	Zone       *time.Location
	Now        time.Time
}

// Build produces one feature row per observation of the target type.
// When withPosted is set, each row carries the nearest same-day POSTED
// value as a covariate.
func (b *FeatureBuilder) Build(rows []types.Observation, target types.WaitTimeType, withPosted bool) []FeatureRow {
	var posted postedIndex
	if withPosted {
		posted = indexPosted(rows, b.Zone)
	}

	out := make([]FeatureRow, 0, len(rows))
	for _, o := range rows {
		if o.Type != target {
			continue
		}
		date := types.ParkDateOf(o.ObservedAt, b.Zone)
		park := o.ParkCode()

		fr := FeatureRow{
			EntityCode:   o.EntityCode,
			ParkCode:     park,
			Date:         date,
			ObservedAt:   o.ObservedAt,
			MinsSince6AM: MinsSince6AM(o.ObservedAt),
			DateGroupID:  -1,
			Season:       -1,
			SeasonYear:   -1,
			ParkID:       b.Encoder.Encode("park_code", park),
			EntityID:     b.Encoder.Encode("entity_code", o.EntityCode),

			MinsSinceParkOpen: -1,
			ParkOpenHour:      -1,
			ParkCloseHour:     -1,
			ParkHoursOpen:     -1,

			Weight: GeoDecayWeight(o.ObservedAt, b.Now),
			Target: float64(o.Minutes),
		}
		if g, ok := b.DateGroups[date]; ok {
			fr.DateGroupID = b.Encoder.Encode("pred_dategroupid", g.GroupID)
		}
		if s, ok := b.Seasons[date]; ok {
			fr.Season = b.Encoder.Encode("pred_season", s.Label)
			fr.SeasonYear = b.Encoder.Encode("pred_season_year", s.SeasonYear)
		}
		if h, ok := b.Hours[date]; ok && h.HasTimes {
			fr.HasParkHours = true
			fr.MinsSinceParkOpen = int(o.ObservedAt.Sub(h.Opening).Minutes())
			fr.ParkOpenHour = h.Opening.In(b.Zone).Hour()
			fr.ParkCloseHour = h.Closing.In(b.Zone).Hour()
			fr.ParkHoursOpen = h.Closing.Sub(h.Opening).Hours()
			if h.EMHMorning {
				fr.EMHMorning = 1
			}
			if h.EMHEvening {
				fr.EMHEvening = 1
			}
		}
		if withPosted {
			if p, ok := posted.nearest(date, o.ObservedAt); ok {
				fr.Posted = float64(p)
				fr.HasPosted = true
			}
		}
		out = append(out, fr)
	}
	return out
}

type postedSample struct {
	at      time.Time
	minutes int
}

// postedIndex holds the POSTED series per park_date, sorted by time, so
// the covariate join is a binary search instead of a scan.
type postedIndex map[types.ParkDate][]postedSample

func indexPosted(rows []types.Observation, zone *time.Location) postedIndex {
	idx := make(postedIndex)
	for _, o := range rows {
		if o.Type != types.WaitPosted {
			continue
		}
		date := types.ParkDateOf(o.ObservedAt, zone)
		idx[date] = append(idx[date], postedSample{at: o.ObservedAt, minutes: o.Minutes})
	}
	for date := range idx {
		samples := idx[date]
		sort.Slice(samples, func(i, j int) bool { return samples[i].at.Before(samples[j].at) })
	}
	return idx
}

// nearest returns the same-day POSTED sample closest in time to at.
func (idx postedIndex) nearest(date types.ParkDate, at time.Time) (int, bool) {
	samples := idx[date]
	if len(samples) == 0 {
		return 0, false
	}
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].at.Before(at) })
	best := -1
	var bestDiff time.Duration
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(samples) {
			continue
		}
		diff := samples[j].at.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if best == -1 || diff < bestDiff {
			best, bestDiff = j, diff
		}
	}
	return samples[best].minutes, true
}
