package model

import (
	"context"
	"fmt"
	"time"

	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/types"
)

// MaxForecastHorizon bounds how far ahead curves are generated.
const MaxForecastHorizon = 2 * 365 * 24 * time.Hour

var forecastHeader = []string{"entity_code", "park_date", "time_slot", "actual_predicted", "posted_predicted"}

// Forecaster generates future wait curves from trained models and the
// posted aggregates.
type Forecaster struct {
	Layout      paths.Layout
	Entities    dimensions.EntitySet
	DateGroups  dimensions.DateGroups
	Seasons     dimensions.Seasons
	HoursByPark map[string]map[types.ParkDate]dimensions.Hours
	Encoder     *Encoder
	Agg         *Aggregates
	Zone        func(parkCode string) *time.Location
	Now         func() time.Time
}

func (f *Forecaster) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// ForecastEntity writes curves/forecast/{entity}_{date}.csv and returns
// its points. The date must carry park hours and lie within the horizon.
func (f *Forecaster) ForecastEntity(ctx context.Context, entityCode string, date types.ParkDate) ([]CurvePoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	park := types.ParkCodeOf(entityCode)
	zone := f.Zone(park)

	if horizon := date.Time(zone).Sub(f.now()); horizon > MaxForecastHorizon {
		return nil, fmt.Errorf("%s is beyond the %d-day forecast horizon", date, int(MaxForecastHorizon.Hours()/24))
	}
	hours, ok := f.HoursByPark[park][date]
	if !ok || !hours.HasTimes {
		return nil, fmt.Errorf("no park hours for %s on %s", park, date)
	}

	reg, err := LoadRegressor(f.Layout.ModelDir(entityCode), VariantWithoutPosted)
	if err != nil {
		return nil, fmt.Errorf("load model for %s: %w", entityCode, err)
	}

	dateGroup := ""
	if g, ok := f.DateGroups[date]; ok {
		dateGroup = g.GroupID
	}

	points := make([]CurvePoint, 0, 256)
	for _, slot := range slotTimes(hours) {
		fr := f.slotFeatures(entityCode, park, date, slot, hours, zone)
		actual := reg.Predict(fr.Vector(false))
		point := CurvePoint{Slot: slot.In(zone), Actual: &actual, Source: SourcePredicted}
		if posted, ok := f.Agg.Predict(entityCode, dateGroup, slot.In(zone).Hour()); ok {
			point.Posted = &posted
		}
		points = append(points, point)
	}

	path := f.Layout.ForecastFile(entityCode, date)
	err = writeCurveCSV(path, forecastHeader, points, func(p CurvePoint) []string {
		return []string{entityCode, string(date), p.SlotLabel(), formatOptional(p.Actual), formatOptional(p.Posted)}
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// slotFeatures builds the synthetic inference row for one slot.
func (f *Forecaster) slotFeatures(entityCode, park string, date types.ParkDate, slot time.Time, hours dimensions.Hours, zone *time.Location) FeatureRow {
	local := slot.In(zone)
	fr := FeatureRow{
		EntityCode:   entityCode,
		ParkCode:     park,
		Date:         date,
		ObservedAt:   local,
		MinsSince6AM: MinsSince6AM(local),
		DateGroupID:  -1,
		Season:       -1,
		SeasonYear:   -1,
		ParkID:       f.Encoder.Encode("park_code", park),
		EntityID:     f.Encoder.Encode("entity_code", entityCode),

		HasParkHours:      true,
		MinsSinceParkOpen: int(slot.Sub(hours.Opening).Minutes()),
		ParkOpenHour:      hours.Opening.In(zone).Hour(),
		ParkCloseHour:     hours.Closing.In(zone).Hour(),
		ParkHoursOpen:     hours.Closing.Sub(hours.Opening).Hours(),
	}
	if g, ok := f.DateGroups[date]; ok {
		fr.DateGroupID = f.Encoder.Encode("pred_dategroupid", g.GroupID)
	}
	if s, ok := f.Seasons[date]; ok {
		fr.Season = f.Encoder.Encode("pred_season", s.Label)
		fr.SeasonYear = f.Encoder.Encode("pred_season_year", s.SeasonYear)
	}
	if hours.EMHMorning {
		fr.EMHMorning = 1
	}
	if hours.EMHEvening {
		fr.EMHEvening = 1
	}
	return fr
}

// ForecastPark forecasts every modeled entity of a park for a date.
// Entities without a saved model are skipped and counted.
func (f *Forecaster) ForecastPark(ctx context.Context, park string, date types.ParkDate, entities []string) (written, skipped int, err error) {
	for _, entity := range entities {
		if types.ParkCodeOf(entity) != park {
			continue
		}
		if _, err := f.ForecastEntity(ctx, entity, date); err != nil {
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
