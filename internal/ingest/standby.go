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

// StandbyParser reads the historical standby export: a headered CSV with
// an entity code, a local observation instant, and separate posted and
// actual wait columns. Each surviving row yields up to two canonical
// records.
type StandbyParser struct{}

// standby column names after lowercasing.
const (
	colEntityCode = "entity_code"
	colObservedAt = "observed_at"
	colPosted     = "submitted_posted_time"
	colActual     = "submitted_actual_time"
)

// Parse streams the file. Rows where both wait fields are empty or
// unparseable are dropped; rows with an out-of-range value are emitted and
// counted invalid.
func (StandbyParser) Parse(ctx context.Context, r io.Reader, loc *time.Location, chunksize int, emit EmitFunc) (ParseStats, error) {
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
		return stats, fmt.Errorf("read standby header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colEntityCode, colObservedAt} {
		if _, ok := cols[required]; !ok {
			return stats, fmt.Errorf("standby file missing column %q", required)
		}
	}
	postedIdx, hasPosted := cols[colPosted]
	actualIdx, hasActual := cols[colActual]
	if !hasPosted && !hasActual {
		return stats, fmt.Errorf("standby file has neither posted nor actual column")
	}

	batch := make([]types.Observation, 0, chunksize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := emit(batch); err != nil {
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
			// Malformed CSV line: drop the row, keep streaming.
			if _, ok := err.(*csv.ParseError); ok {
				stats.ParseFails++
				continue
			}
			return stats, err
		}
		stats.RowsRead++

		entity := strings.ToUpper(strings.TrimSpace(field(record, cols[colEntityCode])))
		rawAt := strings.TrimSpace(field(record, cols[colObservedAt]))
		if entity == "" || rawAt == "" {
			stats.Dropped++
			continue
		}

		posted, postedOK := numericField(record, postedIdx, hasPosted)
		actual, actualOK := numericField(record, actualIdx, hasActual)
		if !postedOK && !actualOK {
			stats.Dropped++
			continue
		}

		at, ok := parseObservedAt(rawAt, loc)
		if !ok {
			stats.ParseFails++
			continue
		}

		if postedOK {
			o := types.Observation{EntityCode: entity, ObservedAt: at, Type: types.WaitPosted, Minutes: posted}
			if !o.InRange() {
				stats.Invalid++
			}
			batch = append(batch, o)
		}
		if actualOK {
			o := types.Observation{EntityCode: entity, ObservedAt: at, Type: types.WaitActual, Minutes: actual}
			if !o.InRange() {
				stats.Invalid++
			}
			batch = append(batch, o)
		}
		if len(batch) >= chunksize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	return stats, flush()
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return record[i]
}

// numericField parses a wait column, rounding fractional minutes the way
// the source occasionally delivers them.
func numericField(record []string, i int, present bool) (int, bool) {
	if !present {
		return 0, false
	}
	s := strings.TrimSpace(field(record, i))
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "na") {
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
