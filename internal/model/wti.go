package model

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/utils"
)

var wtiHeader = []string{"park_code", "park_date", "time_slot", "wti", "n_entities", "min_actual", "max_actual"}

// WTIRow is one park-level slot of the wait time index.
type WTIRow struct {
	ParkCode  string
	Date      types.ParkDate
	Slot      string
	WTI       float64
	NEntities int
	MinActual float64
	MaxActual float64
}

type wtiKey struct {
	park string
	date types.ParkDate
	slot string
}

// BuildWTI aggregates every curve file for date into park-level rows:
// the mean actual across entities per 5-minute slot, with the entity
// count and spread. Null actuals (closed or unpredicted slots) are
// excluded; a slot with no non-null actual is omitted entirely.
// Backfill curves win over forecast curves for the same entity.
func BuildWTI(ctx context.Context, layout paths.Layout, date types.ParkDate) ([]WTIRow, error) {
	type acc struct {
		sum      float64
		n        int
		min, max float64
	}
	cells := make(map[wtiKey]*acc)
	seenEntity := make(map[string]bool)

	collect := func(dir string, actualCol int) error {
		pattern := filepath.Join(dir, fmt.Sprintf("*_%s.csv", date))
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		sort.Strings(matches)
		for _, path := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			entity, rows, err := readCurveFile(path, actualCol)
			if err != nil {
				return err
			}
			if seenEntity[entity] {
				continue
			}
			seenEntity[entity] = true
			park := types.ParkCodeOf(entity)
			for slot, actual := range rows {
				key := wtiKey{park: park, date: date, slot: slot}
				a := cells[key]
				if a == nil {
					a = &acc{min: actual, max: actual}
					cells[key] = a
				}
				a.sum += actual
				a.n++
				if actual < a.min {
					a.min = actual
				}
				if actual > a.max {
					a.max = actual
				}
			}
		}
		return nil
	}

	if err := collect(layout.BackfillDir(), 3); err != nil {
		return nil, err
	}
	if err := collect(layout.ForecastDir(), 3); err != nil {
		return nil, err
	}

	rows := make([]WTIRow, 0, len(cells))
	for key, a := range cells {
		rows = append(rows, WTIRow{
			ParkCode:  key.park,
			Date:      key.date,
			Slot:      key.slot,
			WTI:       a.sum / float64(a.n),
			NEntities: a.n,
			MinActual: a.min,
			MaxActual: a.max,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ParkCode != b.ParkCode {
			return a.ParkCode < b.ParkCode
		}
		return a.Slot < b.Slot
	})
	return rows, nil
}

// readCurveFile extracts (slot → actual) for one curve file, skipping
// null actuals. The entity code comes from the first data row.
func readCurveFile(path string, actualCol int) (string, map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return "", nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	entity := ""
	rows := make(map[string]float64)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("read %s: %w", path, err)
		}
		if entity == "" {
			entity = rec[0]
		}
		if actualCol >= len(rec) || rec[actualCol] == "" {
			continue
		}
		v, err := strconv.ParseFloat(rec[actualCol], 64)
		if err != nil {
			continue
		}
		rows[rec[2]] = v
	}
	return entity, rows, nil
}

// SaveWTI merges rows into wti/wti.csv, replacing any previous rows for
// the same (park, date) and keeping the rest.
func SaveWTI(layout paths.Layout, rows []WTIRow) error {
	replaced := make(map[string]map[types.ParkDate]bool)
	for _, r := range rows {
		if replaced[r.ParkCode] == nil {
			replaced[r.ParkCode] = make(map[types.ParkDate]bool)
		}
		replaced[r.ParkCode][r.Date] = true
	}

	existing, err := loadWTI(layout.WTIFile())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	merged := make([]WTIRow, 0, len(existing)+len(rows))
	for _, r := range existing {
		if replaced[r.ParkCode][r.Date] {
			continue
		}
		merged = append(merged, r)
	}
	merged = append(merged, rows...)
	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.ParkCode != b.ParkCode {
			return a.ParkCode < b.ParkCode
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.Slot < b.Slot
	})

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(wtiHeader); err != nil {
		return err
	}
	for _, r := range merged {
		rec := []string{
			r.ParkCode,
			string(r.Date),
			r.Slot,
			strconv.FormatFloat(r.WTI, 'f', 1, 64),
			strconv.Itoa(r.NEntities),
			strconv.FormatFloat(r.MinActual, 'f', 1, 64),
			strconv.FormatFloat(r.MaxActual, 'f', 1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return utils.WriteFileAtomic(layout.WTIFile(), []byte(sb.String()), 0644)
}

func loadWTI(path string) ([]WTIRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	var rows []WTIRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if len(rec) < len(wtiHeader) {
			continue
		}
		wti, _ := strconv.ParseFloat(rec[3], 64)
		n, _ := strconv.Atoi(rec[4])
		minA, _ := strconv.ParseFloat(rec[5], 64)
		maxA, _ := strconv.ParseFloat(rec[6], 64)
		rows = append(rows, WTIRow{
			ParkCode:  rec[0],
			Date:      types.ParkDate(rec[1]),
			Slot:      rec[2],
			WTI:       wti,
			NEntities: n,
			MinActual: minA,
			MaxActual: maxA,
		})
	}
	return rows, nil
}
