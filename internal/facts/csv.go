// Package facts owns the canonical fact store: partitioned CSV files under
// fact/clean/YYYY-MM, one per (park, park date), rows sorted by observed_at.
// The Writer is the only pathway that appends to them; readers load whole
// partitions or a single entity's history.
package facts

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/utils"
)

// Header is the canonical CSV header for fact and staging files.
var Header = []string{"entity_code", "observed_at", "wait_time_type", "wait_time_minutes"}

// ParseRow converts one CSV record into an observation. The observed_at
// offset is preserved as a fixed zone.
func ParseRow(record []string) (types.Observation, error) {
	if len(record) != 4 {
		return types.Observation{}, fmt.Errorf("want 4 columns, got %d", len(record))
	}
	entity := strings.ToUpper(strings.TrimSpace(record[0]))
	if entity == "" {
		return types.Observation{}, fmt.Errorf("empty entity_code")
	}
	at, err := time.Parse(types.ObservedAtLayout, strings.TrimSpace(record[1]))
	if err != nil {
		return types.Observation{}, fmt.Errorf("bad observed_at %q: %w", record[1], err)
	}
	typ := strings.TrimSpace(record[2])
	if !types.ValidWaitTimeType(typ) {
		return types.Observation{}, fmt.Errorf("bad wait_time_type %q", record[2])
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(record[3]))
	if err != nil {
		return types.Observation{}, fmt.Errorf("bad wait_time_minutes %q: %w", record[3], err)
	}
	return types.Observation{
		EntityCode: entity,
		ObservedAt: at,
		Type:       types.WaitTimeType(typ),
		Minutes:    minutes,
	}, nil
}

func rowRecord(o types.Observation) []string {
	return []string{
		o.EntityCode,
		o.ObservedAt.Format(types.ObservedAtLayout),
		string(o.Type),
		strconv.Itoa(o.Minutes),
	}
}

// ReadFile parses a canonical CSV at path. A header row is required; rows
// that fail to parse are returned as an error since canonical files are
// written only by us.
func ReadFile(path string) ([]types.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f, path)
}

// ReadAll parses canonical CSV from r. name is used in error messages.
func ReadAll(r io.Reader, name string) ([]types.Observation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", name, err)
	}
	if !strings.EqualFold(header[0], Header[0]) {
		return nil, fmt.Errorf("%s: unexpected header %v", name, header)
	}
	var rows []types.Observation
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", name, line, err)
		}
		o, err := ParseRow(record)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", name, line, err)
		}
		rows = append(rows, o)
	}
	return rows, nil
}

// WriteFile writes rows (already sorted) to path atomically: temp sibling,
// fsync, rename. Used both for new partitions and for the merge-append
// replacement of existing ones.
func WriteFile(path string, rows []types.Observation) error {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(Header); err != nil {
		return err
	}
	for _, o := range rows {
		if err := w.Write(rowRecord(o)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, []byte(sb.String()), 0644)
}

// MergeAppend merges sorted new rows into the partition at path. When the
// file does not exist it is created. Existing rows stay put; new rows are
// merged in by observed_at without re-sorting what is already there.
func MergeAppend(path string, fresh []types.Observation) error {
	if len(fresh) == 0 {
		return nil
	}
	sorted := make([]types.Observation, len(fresh))
	copy(sorted, fresh)
	SortByObservedAt(sorted)

	existing, err := ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read partition %s: %w", path, err)
	}

	merged := mergeSorted(existing, sorted)
	if err := WriteFile(path, merged); err != nil {
		return fmt.Errorf("write partition %s: %w", path, err)
	}
	return nil
}

// mergeSorted merges two observed_at-sorted slices, existing rows first on
// ties so re-ingest never reorders a file.
func mergeSorted(a, b []types.Observation) []types.Observation {
	out := make([]types.Observation, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if !b[j].ObservedAt.Before(a[i].ObservedAt) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// SortByObservedAt sorts rows by observed_at, stable so equal instants keep
// their input order.
func SortByObservedAt(rows []types.Observation) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ObservedAt.Before(rows[j].ObservedAt)
	})
}
