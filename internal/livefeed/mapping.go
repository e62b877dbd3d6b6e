package livefeed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// ParkIDs maps queue-times.com park IDs to our lowercase park codes.
// Only listed parks are ever polled.
var ParkIDs = map[int]string{
	6:   "mk",
	5:   "ep",
	7:   "hs",
	8:   "ak",
	16:  "dl",
	17:  "ca",
	64:  "ia",
	65:  "uf",
	334: "eu",
	66:  "uh",
	274: "tdl",
	275: "tds",
}

// parkPrefixes reverses the entity-code prefix convention for fallback
// code generation. uh is the odd one out: its entities carry USH.
var parkPrefixes = map[string]string{
	"mk":  "MK",
	"ep":  "EP",
	"hs":  "HS",
	"ak":  "AK",
	"dl":  "DL",
	"ca":  "CA",
	"ia":  "IA",
	"uf":  "UF",
	"eu":  "EU",
	"uh":  "USH",
	"tdl": "TDL",
	"tds": "TDS",
}

type mapKey struct {
	park   string
	rideID int
}

// Mapper resolves provider ride IDs to entity codes from the curated
// mapping table. When no table exists the mapper falls back to generated
// {PREFIX}{rideID} codes; when a table is loaded, unmapped rides are
// dropped so curated and generated codes never mix.
type Mapper struct {
	byID   map[mapKey]string
	loaded bool
}

// LoadMapper reads queue_times_entity_mapping.csv. A missing file is not
// an error; it yields a fallback-only mapper.
func LoadMapper(path string) (*Mapper, error) {
	m := &Mapper{byID: make(map[mapKey]string)}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
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
	for _, name := range []string{"entity_code", "park_code", "queue_times_id"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%s: missing required column %q", path, name)
		}
	}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		field := func(name string) string {
			i := cols[name]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		// The table is hand-maintained in spreadsheets; IDs arrive as
		// 123 or 123.0 depending on who saved it last.
		idf, err := strconv.ParseFloat(field("queue_times_id"), 64)
		if err != nil {
			continue
		}
		code := strings.ToUpper(field("entity_code"))
		park := strings.ToLower(field("park_code"))
		if code == "" || park == "" {
			continue
		}
		m.byID[mapKey{park: park, rideID: int(idf)}] = code
	}
	m.loaded = true
	return m, nil
}

// Map resolves a ride to an entity code. The second return is false when
// the ride must be dropped as unmapped.
func (m *Mapper) Map(parkCode string, rideID int) (string, bool) {
	if code, ok := m.byID[mapKey{park: parkCode, rideID: rideID}]; ok {
		return code, true
	}
	if m.loaded {
		return "", false
	}
	prefix, ok := parkPrefixes[parkCode]
	if !ok {
		prefix = strings.ToUpper(parkCode)
	}
	return fmt.Sprintf("%s%d", prefix, rideID), true
}
