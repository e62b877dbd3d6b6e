// Package ingest pulls historical source objects into the canonical store:
// discovery and classification, the three file-format parsers, chunked
// streaming, retries, and the processed-catalog/failure-tally bookkeeping.
package ingest

import (
	"context"
	"io"
	"time"

	"github.com/waitline/waitline/internal/types"
)

// DefaultChunksize is the row-batch ceiling for streamed parsing.
const DefaultChunksize = 250_000

// ParseStats counts what happened to a file's rows. Dropped rows are
// unusable (no value, unparseable); invalid rows were emitted but fall
// outside the documented value ranges and surface in validation.
type ParseStats struct {
	RowsRead   int64
	Dropped    int64
	Invalid    int64
	ParseFails int64
}

func (s *ParseStats) add(o ParseStats) {
	s.RowsRead += o.RowsRead
	s.Dropped += o.Dropped
	s.Invalid += o.Invalid
	s.ParseFails += o.ParseFails
}

// EmitFunc receives one parsed chunk. Returning an error aborts the parse.
type EmitFunc func(batch []types.Observation) error

// Parser turns one source file format into canonical observations. The
// reader's naive local instants are stamped into loc; chunks of at most
// chunksize rows go to emit.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, loc *time.Location, chunksize int, emit EmitFunc) (ParseStats, error)
}

// observedAtLayouts are the naive local formats historical sources use.
var observedAtLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// parseObservedAt reads a source timestamp. Offset-carrying strings keep
// their offset; naive strings are interpreted on the park's wall clock.
func parseObservedAt(s string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse(types.ObservedAtLayout, s); err == nil {
		return t, true
	}
	for _, layout := range observedAtLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
