// Package dimensions loads the externally produced dimension tables the
// modeling engine joins against. The tables are plain CSV with a header
// row; extra columns are ignored and missing required columns are an
// error at load time, not at join time.
package dimensions

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/waitline/waitline/internal/types"
)

// Entity is one row of dim_entity.csv.
type Entity struct {
	Code             string
	Name             string
	ParkCode         string
	PropertyCode     string
	HasPriorityQueue bool
}

// EntitySet maps entity_code to its dimension row.
type EntitySet map[string]Entity

// DateGroup is one row of dim_dategroupid.csv. GroupID is the label the
// encoder turns into a feature; the calendar fields ride along for the
// feature builder.
type DateGroup struct {
	Date      types.ParkDate
	GroupID   string
	Year      int
	Month     int
	DayOfWeek int
	Holiday   string
}

// DateGroups maps park_date to its calendar row.
type DateGroups map[types.ParkDate]DateGroup

// Season is one row of dim_season.csv.
type Season struct {
	Date       types.ParkDate
	Label      string
	SeasonYear string
}

// Seasons maps park_date to its season assignment.
type Seasons map[types.ParkDate]Season

// table is a header-indexed CSV. Column lookups are by name so producers
// can reorder or extend the files without breaking us.
type table struct {
	cols map[string]int
	rows [][]string
}

func readTable(path string, required ...string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%s: missing required column %q", path, name)
		}
	}

	t := &table{cols: cols}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

func (t *table) field(row []string, name string) string {
	i, ok := t.cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (t *table) intField(row []string, name string) int {
	n, _ := strconv.Atoi(t.field(row, name))
	return n
}

// boolField accepts Go and pandas spellings of booleans.
func (t *table) boolField(row []string, name string) bool {
	switch strings.ToLower(t.field(row, name)) {
	case "true", "1", "t", "yes", "y":
		return true
	}
	return false
}

// LoadEntities reads dim_entity.csv. Codes are uppercased; the park code
// falls back to the entity code prefix when the column is absent or blank.
func LoadEntities(path string) (EntitySet, error) {
	t, err := readTable(path, "entity_code")
	if err != nil {
		return nil, err
	}
	set := make(EntitySet, len(t.rows))
	for _, row := range t.rows {
		code := strings.ToUpper(t.field(row, "entity_code"))
		if code == "" {
			continue
		}
		park := strings.ToLower(t.field(row, "park_code"))
		if park == "" {
			park = types.ParkCodeOf(code)
		}
		set[code] = Entity{
			Code:             code,
			Name:             t.field(row, "entity_name"),
			ParkCode:         park,
			PropertyCode:     strings.ToLower(t.field(row, "property_code")),
			HasPriorityQueue: t.boolField(row, "priority_available"),
		}
	}
	return set, nil
}

// LoadDateGroups reads dim_dategroupid.csv.
func LoadDateGroups(path string) (DateGroups, error) {
	t, err := readTable(path, "park_date", "date_group_id")
	if err != nil {
		return nil, err
	}
	groups := make(DateGroups, len(t.rows))
	for _, row := range t.rows {
		date := types.ParkDate(t.field(row, "park_date"))
		if !date.Valid() {
			continue
		}
		groups[date] = DateGroup{
			Date:      date,
			GroupID:   t.field(row, "date_group_id"),
			Year:      t.intField(row, "year"),
			Month:     t.intField(row, "month"),
			DayOfWeek: t.intField(row, "day_of_week"),
			Holiday:   t.field(row, "holidaycode"),
		}
	}
	return groups, nil
}

// LoadSeasons reads dim_season.csv.
func LoadSeasons(path string) (Seasons, error) {
	t, err := readTable(path, "park_date", "season")
	if err != nil {
		return nil, err
	}
	seasons := make(Seasons, len(t.rows))
	for _, row := range t.rows {
		date := types.ParkDate(t.field(row, "park_date"))
		if !date.Valid() {
			continue
		}
		seasons[date] = Season{
			Date:       date,
			Label:      t.field(row, "season"),
			SeasonYear: t.field(row, "season_year"),
		}
	}
	return seasons, nil
}
