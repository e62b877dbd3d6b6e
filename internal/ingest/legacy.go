package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"strings"
	"time"

	"github.com/waitline/waitline/internal/types"
)

// LegacyFastpassParser reads the 2012-era fastpass export: headerless,
// strictly positional. Row 0 is an inter-file header and is skipped; data
// starts at row 1. The first eight columns are FATTID, FDAY, FMONTH,
// FYEAR, FHOUR, FMIN, FWINHR, FWINMIN; anything after them is ignored.
// Hours and minutes are plain integers here, never compact encodings.
type LegacyFastpassParser struct{}

func (LegacyFastpassParser) Parse(ctx context.Context, r io.Reader, loc *time.Location, chunksize int, emit EmitFunc) (ParseStats, error) {
	if chunksize <= 0 {
		chunksize = DefaultChunksize
	}
	var stats ParseStats

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	// Skip the inter-file header row.
	if _, err := cr.Read(); err == io.EOF {
		return stats, nil
	} else if err != nil {
		// A malformed first line still counts as the skipped header.
		if _, ok := err.(*csv.ParseError); !ok {
			return stats, err
		}
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

		if len(record) < 8 {
			stats.Dropped++
			continue
		}
		row, ok := decodeLegacyFastpass(record)
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

func decodeLegacyFastpass(record []string) (prioRow, bool) {
	entity := strings.ToUpper(strings.TrimSpace(record[0]))
	if entity == "" {
		return prioRow{}, false
	}
	day, ok1 := atoiField(record[1])
	month, ok2 := atoiField(record[2])
	year, ok3 := atoiField(record[3])
	hourObs, ok4 := atoiField(record[4])
	winRaw, ok5 := atoiField(record[6])
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return prioRow{}, false
	}
	row := prioRow{
		entity: entity,
		year:   year, month: month, day: day,
		hourObs: hourObs,
		winRaw:  winRaw,
		soldOut: winRaw >= soldOutThreshold,
	}
	if v, ok := atoiField(record[5]); ok {
		row.minObs = v
	}
	if !row.soldOut {
		row.hourRet = winRaw
		if v, ok := atoiField(record[7]); ok {
			row.minRet = v
		}
	}
	return row, true
}
