package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/model"
	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/ui"
)

var (
	forecastPark string
	forecastDate string
)

// newForecaster assembles the curve generator: dimensions as of asOf,
// the encoder, and the posted aggregates when they have been built.
func (a *app) newForecaster(asOf time.Time) (*model.Forecaster, error) {
	ds, err := a.loadDimensions(asOf)
	if err != nil {
		return nil, err
	}
	enc, err := model.LoadEncoder(a.layout.EncodingMappings())
	if err != nil {
		return nil, fmt.Errorf("load encoder: %w", err)
	}
	agg, err := model.LoadAggregates(a.layout.PostedAggregates())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load aggregates: %w", err)
		}
		agg = nil
	}
	return &model.Forecaster{
		Layout:      a.layout,
		Entities:    ds.Entities,
		DateGroups:  ds.DateGroups,
		Seasons:     ds.Seasons,
		HoursByPark: ds.Hours,
		Encoder:     enc,
		Agg:         agg,
		Zone:        a.zone,
	}, nil
}

// parkEntities lists the dimension's entity codes for one park, sorted.
func parkEntities(f *model.Forecaster, park string) []string {
	var codes []string
	for code := range f.Entities {
		if types.ParkCodeOf(code) == park {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Generate 5-minute forecast curves for a park's entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		date, err := resolveParkDate(forecastDate, a)
		if err != nil {
			return err
		}
		f, err := a.newForecaster(time.Now())
		if err != nil {
			return err
		}

		parks := []string{forecastPark}
		if forecastPark == "" {
			parks = parksOf(f.Entities)
		}
		var total int
		for _, park := range parks {
			entities := parkEntities(f, park)
			if len(entities) == 0 {
				return fmt.Errorf("no entities in dimension for park %q", park)
			}
			written, skipped, err := f.ForecastPark(ctx, park, date, entities)
			if err != nil {
				return err
			}
			total += written
			fmt.Printf("%s %s %s: %d curve(s) written, %d skipped\n",
				ui.RenderPass("forecast:"), park, date, written, skipped)
		}
		if total == 0 {
			return &stepError{fmt.Errorf("no forecast curves produced for %s", date)}
		}
		return nil
	},
}

// resolveParkDate parses a --park-date flag, defaulting to tomorrow in
// Eastern time. Relative expressions like +1d and "next saturday" work.
func resolveParkDate(s string, a *app) (types.ParkDate, error) {
	now := time.Now().In(a.cfg.EasternLocation())
	if s == "" {
		return types.ParkDate(now.AddDate(0, 0, 1).Format("2006-01-02")), nil
	}
	t, err := parseTimeFlag(s, now)
	if err != nil {
		return "", err
	}
	return types.ParkDate(t.Format("2006-01-02")), nil
}

func init() {
	forecastCmd.Flags().StringVar(&forecastPark, "park", "", "Park code to forecast (default: every park in the dimension)")
	forecastCmd.Flags().StringVar(&forecastDate, "park-date", "", "Park date (default: tomorrow; accepts +1d, \"next saturday\", 2006-01-02)")
	rootCmd.AddCommand(forecastCmd)
}
