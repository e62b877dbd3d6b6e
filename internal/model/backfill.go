package model

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/types"
)

var backfillHeader = []string{"entity_code", "park_date", "time_slot", "actual", "source"}

// BackfillEntity reconstructs the actual-wait curve for a past date:
// observed ACTUAL rows fill their slots directly; the rest are imputed
// from the with-POSTED model over the observed POSTED series, linearly
// interpolated across gaps inside the operating window. Slots outside
// the window never appear; a closed park yields an error.
func (f *Forecaster) BackfillEntity(ctx context.Context, entityCode string, date types.ParkDate) ([]CurvePoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	park := types.ParkCodeOf(entityCode)
	zone := f.Zone(park)
	hours, ok := f.HoursByPark[park][date]
	if !ok || !hours.HasTimes {
		return nil, fmt.Errorf("no park hours for %s on %s", park, date)
	}

	rows, err := facts.ReadFile(f.Layout.FactPartition(park, date))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	var actuals, posted []types.Observation
	for _, o := range rows {
		if o.EntityCode != entityCode {
			continue
		}
		switch o.Type {
		case types.WaitActual:
			actuals = append(actuals, o)
		case types.WaitPosted:
			posted = append(posted, o)
		}
	}

	slots := slotTimes(hours)
	postedAt := interpolatePosted(posted, slots)

	// The with-POSTED model imputes whenever observed POSTED covers the
	// slot; without coverage fall back to the without-POSTED variant.
	withModel, withErr := LoadRegressor(f.Layout.ModelDir(entityCode), VariantWithPosted)
	withoutModel, withoutErr := LoadRegressor(f.Layout.ModelDir(entityCode), VariantWithoutPosted)
	if withErr != nil && withoutErr != nil {
		return nil, fmt.Errorf("no model for %s: %w", entityCode, withoutErr)
	}

	points := make([]CurvePoint, 0, len(slots))
	for i, slot := range slots {
		point := CurvePoint{Slot: slot.In(zone)}
		if v, ok := observedInSlot(actuals, slot); ok {
			f64 := float64(v)
			point.Actual = &f64
			point.Source = SourceObserved
			points = append(points, point)
			continue
		}

		fr := f.slotFeatures(entityCode, park, date, slot, hours, zone)
		switch {
		case postedAt[i] != nil && withErr == nil:
			fr.Posted = *postedAt[i]
			fr.HasPosted = true
			v := withModel.Predict(fr.Vector(true))
			point.Actual = &v
			point.Source = SourceImputed
		case withoutErr == nil:
			v := withoutModel.Predict(fr.Vector(false))
			point.Actual = &v
			point.Source = SourceImputed
		}
		points = append(points, point)
	}

	path := f.Layout.BackfillFile(entityCode, date)
	err = writeCurveCSV(path, backfillHeader, points, func(p CurvePoint) []string {
		return []string{entityCode, string(date), p.SlotLabel(), formatOptional(p.Actual), p.Source}
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// BackfillRange backfills every date in [from, to] for an entity,
// skipping dates without park hours.
func (f *Forecaster) BackfillRange(ctx context.Context, entityCode string, from, to types.ParkDate) (written, skipped int, err error) {
	park := types.ParkCodeOf(entityCode)
	zone := f.Zone(park)
	for t := from.Time(zone); !t.After(to.Time(zone)); t = t.AddDate(0, 0, 1) {
		date := types.ParkDate(t.Format("2006-01-02"))
		if _, err := f.BackfillEntity(ctx, entityCode, date); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, skipped, ctxErr
			}
			skipped++
			continue
		}
		written++
	}
	return written, skipped, nil
}

// observedInSlot returns the ACTUAL value falling inside [slot, slot+5m).
func observedInSlot(actuals []types.Observation, slot time.Time) (int, bool) {
	end := slot.Add(SlotMinutes * time.Minute)
	for _, o := range actuals {
		if !o.ObservedAt.Before(slot) && o.ObservedAt.Before(end) {
			return o.Minutes, true
		}
	}
	return 0, false
}

// interpolatePosted resolves a POSTED value per slot: linear
// interpolation between the nearest samples on either side, extended
// flat before the first and after the last sample. Nil everywhere when
// the day has no POSTED at all.
func interpolatePosted(posted []types.Observation, slots []time.Time) []*float64 {
	out := make([]*float64, len(slots))
	if len(posted) == 0 {
		return out
	}
	for i, slot := range slots {
		mid := slot.Add(SlotMinutes * time.Minute / 2)
		var before, after *types.Observation
		for j := range posted {
			o := &posted[j]
			if !o.ObservedAt.After(mid) {
				before = o
			} else {
				after = o
				break
			}
		}
		switch {
		case before != nil && after != nil:
			span := after.ObservedAt.Sub(before.ObservedAt).Seconds()
			var v float64
			if span <= 0 {
				v = float64(before.Minutes)
			} else {
				frac := mid.Sub(before.ObservedAt).Seconds() / span
				v = float64(before.Minutes) + frac*float64(after.Minutes-before.Minutes)
			}
			out[i] = &v
		case before != nil:
			v := float64(before.Minutes)
			out[i] = &v
		case after != nil:
			v := float64(after.Minutes)
			out[i] = &v
		}
	}
	return out
}
