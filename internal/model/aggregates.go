package model

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/utils"
)

// AggKey addresses one posted-aggregate cell.
type AggKey struct {
	Entity    string
	DateGroup string
	Hour      int
}

// AggRow is one persisted aggregate.
type AggRow struct {
	AggKey
	Median float64
	Mean   float64
	Count  int
}

// Aggregates is the posted-wait lookup used to impute future POSTED
// values. Fallback levels are precomputed at build/load time so a miss
// costs map lookups, not scans.
type Aggregates struct {
	rows []AggRow

	exact        map[AggKey]float64
	byEntityDG   map[[2]string]float64
	byEntityHour map[string]map[int]float64
	byEntity     map[string]float64
	byParkHour   map[string]map[int]float64
}

var aggregatesHeader = []string{"entity_code", "dategroupid", "hour", "posted_median", "posted_mean", "posted_count"}

type weightedSample struct {
	value  float64
	weight float64
}

// BuildAggregates scans every canonical fact file once and computes the
// recency-weighted median and mean POSTED wait per
// (entity, dategroupid, hour).
func BuildAggregates(ctx context.Context, layout paths.Layout, groups dimensions.DateGroups, now time.Time) (*Aggregates, error) {
	cells := make(map[AggKey][]weightedSample)

	err := facts.ScanAll(layout, func(p facts.PartitionInfo, rows []types.Observation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dg := ""
		if g, ok := groups[p.Date]; ok {
			dg = g.GroupID
		}
		for _, o := range rows {
			if o.Type != types.WaitPosted {
				continue
			}
			key := AggKey{Entity: o.EntityCode, DateGroup: dg, Hour: o.ObservedAt.Hour()}
			cells[key] = append(cells[key], weightedSample{
				value:  float64(o.Minutes),
				weight: GeoDecayWeight(o.ObservedAt, now),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	agg := &Aggregates{rows: make([]AggRow, 0, len(cells))}
	for key, samples := range cells {
		agg.rows = append(agg.rows, AggRow{
			AggKey: key,
			Median: weightedMedian(samples),
			Mean:   weightedMean(samples),
			Count:  len(samples),
		})
	}
	sort.Slice(agg.rows, func(i, j int) bool {
		a, b := agg.rows[i], agg.rows[j]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.DateGroup != b.DateGroup {
			return a.DateGroup < b.DateGroup
		}
		return a.Hour < b.Hour
	})
	agg.buildFallbacks()
	return agg, nil
}

// Save writes aggregates/posted_aggregates.csv atomically.
func (a *Aggregates) Save(path string) error {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(aggregatesHeader); err != nil {
		return err
	}
	for _, r := range a.rows {
		rec := []string{
			r.Entity,
			r.DateGroup,
			strconv.Itoa(r.Hour),
			strconv.FormatFloat(r.Median, 'f', 2, 64),
			strconv.FormatFloat(r.Mean, 'f', 2, 64),
			strconv.Itoa(r.Count),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, []byte(sb.String()), 0644)
}

// LoadAggregates reads a saved aggregate table and rebuilds the
// fallback maps.
func LoadAggregates(path string) (*Aggregates, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	if len(header) < len(aggregatesHeader) || header[0] != aggregatesHeader[0] {
		return nil, fmt.Errorf("%s: unexpected header %v", path, header)
	}

	agg := &Aggregates{}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		hour, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, fmt.Errorf("%s: bad hour %q", path, rec[2])
		}
		median, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad median %q", path, rec[3])
		}
		mean, _ := strconv.ParseFloat(rec[4], 64)
		count, _ := strconv.Atoi(rec[5])
		agg.rows = append(agg.rows, AggRow{
			AggKey: AggKey{Entity: rec[0], DateGroup: rec[1], Hour: hour},
			Median: median,
			Mean:   mean,
			Count:  count,
		})
	}
	agg.buildFallbacks()
	return agg, nil
}

// Len returns the number of aggregate cells.
func (a *Aggregates) Len() int { return len(a.rows) }

// Predict returns the imputed POSTED wait with a five-level fallback:
// exact cell, entity+dategroup, entity+hour, entity, then park+hour.
func (a *Aggregates) Predict(entity, dateGroup string, hour int) (float64, bool) {
	if v, ok := a.exact[AggKey{Entity: entity, DateGroup: dateGroup, Hour: hour}]; ok {
		return v, true
	}
	if v, ok := a.byEntityDG[[2]string{entity, dateGroup}]; ok {
		return v, true
	}
	if byHour, ok := a.byEntityHour[entity]; ok {
		if v, ok := byHour[hour]; ok {
			return v, true
		}
	}
	if v, ok := a.byEntity[entity]; ok {
		return v, true
	}
	if byHour, ok := a.byParkHour[types.ParkCodeOf(entity)]; ok {
		if v, ok := byHour[hour]; ok {
			return v, true
		}
	}
	return 0, false
}

func (a *Aggregates) buildFallbacks() {
	a.exact = make(map[AggKey]float64, len(a.rows))
	entityDG := make(map[[2]string][]float64)
	entityHour := make(map[string]map[int][]float64)
	entity := make(map[string][]float64)
	parkHour := make(map[string]map[int][]float64)

	for _, r := range a.rows {
		a.exact[r.AggKey] = r.Median
		dgKey := [2]string{r.Entity, r.DateGroup}
		entityDG[dgKey] = append(entityDG[dgKey], r.Median)
		if entityHour[r.Entity] == nil {
			entityHour[r.Entity] = make(map[int][]float64)
		}
		entityHour[r.Entity][r.Hour] = append(entityHour[r.Entity][r.Hour], r.Median)
		entity[r.Entity] = append(entity[r.Entity], r.Median)
		park := types.ParkCodeOf(r.Entity)
		if parkHour[park] == nil {
			parkHour[park] = make(map[int][]float64)
		}
		parkHour[park][r.Hour] = append(parkHour[park][r.Hour], r.Median)
	}

	a.byEntityDG = make(map[[2]string]float64, len(entityDG))
	for k, vs := range entityDG {
		a.byEntityDG[k] = median(vs)
	}
	a.byEntityHour = make(map[string]map[int]float64, len(entityHour))
	for ent, byHour := range entityHour {
		a.byEntityHour[ent] = make(map[int]float64, len(byHour))
		for h, vs := range byHour {
			a.byEntityHour[ent][h] = median(vs)
		}
	}
	a.byEntity = make(map[string]float64, len(entity))
	for ent, vs := range entity {
		a.byEntity[ent] = median(vs)
	}
	a.byParkHour = make(map[string]map[int]float64, len(parkHour))
	for park, byHour := range parkHour {
		a.byParkHour[park] = make(map[int]float64, len(byHour))
		for h, vs := range byHour {
			a.byParkHour[park][h] = median(vs)
		}
	}
}

func weightedMedian(samples []weightedSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]weightedSample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].value < sorted[j].value })
	var total float64
	for _, s := range sorted {
		total += s.weight
	}
	var cum float64
	for _, s := range sorted {
		cum += s.weight
		if cum >= total/2 {
			return s.value
		}
	}
	return sorted[len(sorted)-1].value
}

func weightedMean(samples []weightedSample) float64 {
	var sum, wsum float64
	for _, s := range samples {
		sum += s.value * s.weight
		wsum += s.weight
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

func median(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
