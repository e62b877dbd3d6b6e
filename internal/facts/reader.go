package facts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/types"
)

// PartitionInfo identifies one fact partition on disk.
type PartitionInfo struct {
	Path string
	Park string
	Date types.ParkDate
}

// ListPartitions returns every fact partition under the layout, sorted by
// path. parkFilter restricts to one park when non-empty.
func ListPartitions(layout paths.Layout, parkFilter string) ([]PartitionInfo, error) {
	return listPartitionsIn(layout.FactCleanDir(), parkFilter)
}

// ListStagingPartitions returns every staged live partition.
func ListStagingPartitions(layout paths.Layout, parkFilter string) ([]PartitionInfo, error) {
	return listPartitionsIn(layout.StagingLiveDir(), parkFilter)
}

func listPartitionsIn(root, parkFilter string) ([]PartitionInfo, error) {
	months, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	var out []PartitionInfo
	for _, month := range months {
		if !month.IsDir() {
			continue
		}
		dir := filepath.Join(root, month.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, ok := parsePartitionName(f.Name())
			if !ok {
				continue
			}
			if parkFilter != "" && info.Park != parkFilter {
				continue
			}
			info.Path = filepath.Join(dir, f.Name())
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// parsePartitionName splits "{park}_{YYYY-MM-DD}.csv" into its parts.
func parsePartitionName(name string) (PartitionInfo, bool) {
	if !strings.HasSuffix(name, ".csv") {
		return PartitionInfo{}, false
	}
	base := strings.TrimSuffix(name, ".csv")
	i := strings.Index(base, "_")
	if i <= 0 || i == len(base)-1 {
		return PartitionInfo{}, false
	}
	park, date := base[:i], types.ParkDate(base[i+1:])
	if !date.Valid() {
		return PartitionInfo{}, false
	}
	return PartitionInfo{Park: park, Date: date}, true
}

// LoadEntity returns every fact row for entityCode sorted by observed_at.
// Only the partitions of the entity's park are opened.
func LoadEntity(layout paths.Layout, entityCode string) ([]types.Observation, error) {
	park := types.ParkCodeOf(entityCode)
	if park == "" {
		return nil, fmt.Errorf("entity code %q has no park prefix", entityCode)
	}
	parts, err := ListPartitions(layout, park)
	if err != nil {
		return nil, err
	}
	var rows []types.Observation
	for _, p := range parts {
		fileRows, err := ReadFile(p.Path)
		if err != nil {
			return nil, err
		}
		for _, o := range fileRows {
			if o.EntityCode == entityCode {
				rows = append(rows, o)
			}
		}
	}
	SortByObservedAt(rows)
	return rows, nil
}

// ScanAll streams every fact partition through fn, in path order. fn errors
// abort the scan.
func ScanAll(layout paths.Layout, fn func(PartitionInfo, []types.Observation) error) error {
	parts, err := ListPartitions(layout, "")
	if err != nil {
		return err
	}
	for _, p := range parts {
		rows, err := ReadFile(p.Path)
		if err != nil {
			return err
		}
		if err := fn(p, rows); err != nil {
			return err
		}
	}
	return nil
}
