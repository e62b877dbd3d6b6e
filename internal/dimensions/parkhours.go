package dimensions

import (
	"strconv"
	"strings"
	"time"

	"github.com/waitline/waitline/internal/types"
)

// BlankHours is the sentinel producers write when a park's opening or
// closing time is unknown. A row carrying it still wins version selection;
// callers see HasTimes=false.
const BlankHours = "1999-01-01T00:00:00-08:00"

// Version types in selection order. Unknown types sort last.
var versionPriority = map[string]int{
	"official":   1,
	"final":      2,
	"predicted":  3,
	"historical": 4,
}

// HoursVersion is one row of dim_park_hours_versioned.csv. A zero
// ValidUntil means the version is still current.
type HoursVersion struct {
	Date        types.ParkDate
	ParkCode    string
	VersionType string
	Opening     time.Time
	Closing     time.Time
	EMHMorning  bool
	EMHEvening  bool
	Confidence  float64
	ValidFrom   time.Time
	ValidUntil  time.Time
	CreatedAt   time.Time
}

// Hours is the resolved answer for one (park, date).
type Hours struct {
	Opening     time.Time
	Closing     time.Time
	EMHMorning  bool
	EMHEvening  bool
	VersionType string
	Confidence  float64
	// HasTimes is false when the winning version carried the blank
	// sentinel instead of real opening and closing times.
	HasTimes bool
}

type hoursKey struct {
	park string
	date types.ParkDate
}

// HoursTable holds every version row grouped by (park, date) so lookups
// never rescan the file.
type HoursTable struct {
	byKey map[hoursKey][]HoursVersion
}

// LoadHours reads dim_park_hours_versioned.csv. Rows with an unparseable
// park_date or valid_from are skipped rather than failing the load; the
// producers append continuously and a torn row must not block the run.
func LoadHours(path string) (*HoursTable, error) {
	t, err := readTable(path, "park_date", "park_code", "version_type", "valid_from")
	if err != nil {
		return nil, err
	}
	ht := &HoursTable{byKey: make(map[hoursKey][]HoursVersion)}
	for _, row := range t.rows {
		date := types.ParkDate(t.field(row, "park_date"))
		if !date.Valid() {
			continue
		}
		validFrom, ok := parseHoursTime(t.field(row, "valid_from"))
		if !ok {
			continue
		}
		v := HoursVersion{
			Date:        date,
			ParkCode:    strings.ToLower(t.field(row, "park_code")),
			VersionType: strings.ToLower(t.field(row, "version_type")),
			EMHMorning:  t.boolField(row, "emh_morning"),
			EMHEvening:  t.boolField(row, "emh_evening"),
			ValidFrom:   validFrom,
		}
		v.Opening, _ = parseHoursTime(t.field(row, "opening_time"))
		v.Closing, _ = parseHoursTime(t.field(row, "closing_time"))
		v.ValidUntil, _ = parseHoursTime(t.field(row, "valid_until"))
		v.CreatedAt, _ = parseHoursTime(t.field(row, "created_at"))
		v.Confidence, _ = strconv.ParseFloat(t.field(row, "confidence"), 64)
		key := hoursKey{park: v.ParkCode, date: date}
		ht.byKey[key] = append(ht.byKey[key], v)
	}
	return ht, nil
}

// Lookup resolves the best version for (park, date) as of asOf: only
// versions whose [valid_from, valid_until) window contains asOf compete,
// ranked by version type priority, ties broken by newest created_at.
func (ht *HoursTable) Lookup(park string, date types.ParkDate, asOf time.Time) (Hours, bool) {
	versions := ht.byKey[hoursKey{park: strings.ToLower(park), date: date}]
	var best *HoursVersion
	for i := range versions {
		v := &versions[i]
		if v.ValidFrom.After(asOf) {
			continue
		}
		if !v.ValidUntil.IsZero() && !v.ValidUntil.After(asOf) {
			continue
		}
		if best == nil || betterVersion(v, best) {
			best = v
		}
	}
	if best == nil {
		return Hours{}, false
	}
	h := Hours{
		Opening:     best.Opening,
		Closing:     best.Closing,
		EMHMorning:  best.EMHMorning,
		EMHEvening:  best.EMHEvening,
		VersionType: best.VersionType,
		Confidence:  best.Confidence,
		HasTimes:    !isBlankHours(best.Opening) && !isBlankHours(best.Closing),
	}
	return h, true
}

// LookupAll resolves every (park, date) pair in one pass, for bulk joins
// during feature building.
func (ht *HoursTable) LookupAll(asOf time.Time) map[string]map[types.ParkDate]Hours {
	out := make(map[string]map[types.ParkDate]Hours)
	for key := range ht.byKey {
		h, ok := ht.Lookup(key.park, key.date, asOf)
		if !ok {
			continue
		}
		byDate := out[key.park]
		if byDate == nil {
			byDate = make(map[types.ParkDate]Hours)
			out[key.park] = byDate
		}
		byDate[key.date] = h
	}
	return out
}

func betterVersion(a, b *HoursVersion) bool {
	pa, pb := priorityOf(a.VersionType), priorityOf(b.VersionType)
	if pa != pb {
		return pa < pb
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func priorityOf(versionType string) int {
	if p, ok := versionPriority[versionType]; ok {
		return p
	}
	return 99
}

func parseHoursTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{types.ObservedAtLayout, time.RFC3339, "2006-01-02 15:04:05-07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func isBlankHours(t time.Time) bool {
	return t.IsZero() || t.Year() == 1999
}
