// Package types defines the core data types for the wait-time pipeline:
// canonical observations, wait-time kinds, park dates, and the entity
// index records derived from them.
package types

import (
	"fmt"
	"strings"
	"time"
)

// WaitTimeType is the kind of wait-time observation.
type WaitTimeType string

const (
	// WaitPosted is the wait time posted by the park.
	WaitPosted WaitTimeType = "POSTED"
	// WaitActual is a timed actual wait.
	WaitActual WaitTimeType = "ACTUAL"
	// WaitPriority is the minutes until a priority-queue return window opens.
	WaitPriority WaitTimeType = "PRIORITY"
)

// SoldOutMinutes is the sentinel recorded for a PRIORITY observation when
// the return window is sold out for the day. Preserved verbatim end to end.
const SoldOutMinutes = 8888

// ValidWaitTimeType reports whether s is one of the three canonical kinds.
func ValidWaitTimeType(s string) bool {
	switch WaitTimeType(s) {
	case WaitPosted, WaitActual, WaitPriority:
		return true
	}
	return false
}

// ObservedAtLayout is the canonical serialization of observed_at: local
// wall time with the park's UTC offset, second resolution.
const ObservedAtLayout = "2006-01-02T15:04:05-07:00"

// Observation is one canonical fact row.
type Observation struct {
	EntityCode string       // uppercase, e.g. "MK101"
	ObservedAt time.Time    // park-local wall time with offset
	Type       WaitTimeType // POSTED, ACTUAL or PRIORITY
	Minutes    int
}

// Key returns the dedup identity of the observation. Two observations with
// equal keys are the same fact regardless of which source produced them.
func (o Observation) Key() ObservationKey {
	return ObservationKey{
		EntityCode: o.EntityCode,
		ObservedAt: o.ObservedAt.Format(ObservedAtLayout),
		Type:       o.Type,
		Minutes:    o.Minutes,
	}
}

// ParkCode derives the park code from the entity code prefix.
func (o Observation) ParkCode() string { return ParkCodeOf(o.EntityCode) }

// String formats the observation as a canonical CSV row (no newline).
func (o Observation) String() string {
	return fmt.Sprintf("%s,%s,%s,%d", o.EntityCode, o.ObservedAt.Format(ObservedAtLayout), o.Type, o.Minutes)
}

// ObservationKey is the comparable 4-tuple identity of an observation.
type ObservationKey struct {
	EntityCode string
	ObservedAt string
	Type       WaitTimeType
	Minutes    int
}

// ParkDate is an operational date under the 6 AM rule, formatted 2006-01-02.
type ParkDate string

// MonthDir returns the YYYY-MM partition directory segment for the date.
func (d ParkDate) MonthDir() string {
	if len(d) < 7 {
		return string(d)
	}
	return string(d[:7])
}

// Time returns the date at midnight in loc. Returns the zero time if the
// date does not parse.
func (d ParkDate) Time(loc *time.Location) time.Time {
	t, err := time.ParseInLocation("2006-01-02", string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Valid reports whether the date parses as 2006-01-02.
func (d ParkDate) Valid() bool {
	_, err := time.Parse("2006-01-02", string(d))
	return err == nil
}

// ParkDateOf applies the 6 AM rule: a local time before 06:00 belongs to
// the previous operational date. The observation is shifted into loc first,
// so the rule follows the park's wall clock across DST transitions.
func ParkDateOf(observedAt time.Time, loc *time.Location) ParkDate {
	local := observedAt.In(loc)
	return ParkDate(local.Add(-6 * time.Hour).In(loc).Format("2006-01-02"))
}

// ParkCodeOf extracts the lowercase park code from an entity code: the
// leading letters up to the first digit ("MK101" -> "mk").
func ParkCodeOf(entityCode string) string {
	i := 0
	for i < len(entityCode) {
		c := entityCode[i]
		if c >= '0' && c <= '9' {
			break
		}
		i++
	}
	return strings.ToLower(entityCode[:i])
}

// EntityRecord is one row of the entity index.
type EntityRecord struct {
	EntityCode    string     `json:"entity_code"`
	FirstDate     ParkDate   `json:"first_date"`
	LastDate      ParkDate   `json:"last_date"`
	LastObserved  time.Time  `json:"last_observed"`
	RowCount      int64      `json:"row_count"`
	PostedCount   int64      `json:"posted_count"`
	ActualCount   int64      `json:"actual_count"`
	PriorityCount int64      `json:"priority_count"`
	LastModeledAt *time.Time `json:"last_modeled_at,omitempty"`
	ModelKind     string     `json:"model_kind,omitempty"` // "boosted" or "mean"
}

// TargetCount returns the observation count for the given modeling target.
func (r *EntityRecord) TargetCount(target WaitTimeType) int64 {
	switch target {
	case WaitPriority:
		return r.PriorityCount
	case WaitActual:
		return r.ActualCount
	case WaitPosted:
		return r.PostedCount
	}
	return 0
}

// EntityDelta is an upsert-increment for one entity, computed per write
// batch: counts add, dates widen, LastObserved advances.
type EntityDelta struct {
	EntityCode    string
	FirstDate     ParkDate
	LastDate      ParkDate
	LastObserved  time.Time
	Rows          int64
	PostedCount   int64
	ActualCount   int64
	PriorityCount int64
}

// DeltasFor aggregates a batch of observations into per-entity deltas,
// using loc to derive each row's park date. Order of the result follows
// first appearance in the batch.
func DeltasFor(batch []Observation, loc *time.Location) []EntityDelta {
	byEntity := make(map[string]*EntityDelta)
	var order []string
	for _, o := range batch {
		d, ok := byEntity[o.EntityCode]
		if !ok {
			d = &EntityDelta{EntityCode: o.EntityCode}
			byEntity[o.EntityCode] = d
			order = append(order, o.EntityCode)
		}
		date := ParkDateOf(o.ObservedAt, loc)
		if d.FirstDate == "" || date < d.FirstDate {
			d.FirstDate = date
		}
		if date > d.LastDate {
			d.LastDate = date
		}
		if o.ObservedAt.After(d.LastObserved) {
			d.LastObserved = o.ObservedAt
		}
		d.Rows++
		switch o.Type {
		case WaitPosted:
			d.PostedCount++
		case WaitActual:
			d.ActualCount++
		case WaitPriority:
			d.PriorityCount++
		}
	}
	out := make([]EntityDelta, 0, len(order))
	for _, code := range order {
		out = append(out, *byEntity[code])
	}
	return out
}
