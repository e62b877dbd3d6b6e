package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/waitline/waitline/internal/utils"
)

// Encoder is the persistent label map for categorical features. Mappings
// are appended-only: an ID, once assigned to a category, never changes
// and is never reused, so models trained against an older map stay
// valid. Unknown categories at inference time get fresh IDs instead of
// failing.
type Encoder struct {
	mu      sync.Mutex
	path    string
	columns map[string]map[string]int
	dirty   bool
}

type encoderDoc struct {
	Strategy  string                    `json:"strategy"`
	Columns   map[string]map[string]int `json:"columns"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// LoadEncoder reads state/encoding_mappings.json, starting empty when the
// file does not exist.
func LoadEncoder(path string) (*Encoder, error) {
	e := &Encoder{path: path, columns: make(map[string]map[string]int)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return e, nil
	}
	if err != nil {
		return nil, err
	}
	var doc encoderDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Columns != nil {
		e.columns = doc.Columns
	}
	return e, nil
}

// Encode returns the integer ID for a category, assigning the next free
// ID when the category is new.
func (e *Encoder) Encode(column, category string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.columns[column]
	if m == nil {
		m = make(map[string]int)
		e.columns[column] = m
	}
	if id, ok := m[category]; ok {
		return id
	}
	id := len(m)
	// IDs are dense per column but gaps can appear if a hand-edited map
	// skipped values; never collide with an existing assignment.
	for _, used := range m {
		if used >= id {
			id = used + 1
		}
	}
	m[category] = id
	e.dirty = true
	return id
}

// Decode reverses a mapping, for reports and tests.
func (e *Encoder) Decode(column string, id int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for cat, v := range e.columns[column] {
		if v == id {
			return cat, true
		}
	}
	return "", false
}

// Save persists the map when new categories were assigned since load.
func (e *Encoder) Save() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return nil
	}
	doc := encoderDoc{
		Strategy:  "label",
		Columns:   e.columns,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(e.path, append(data, '\n'), 0644); err != nil {
		return err
	}
	e.dirty = false
	return nil
}
