package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/waitline/waitline/internal/utils"
)

// FailureEntry records the retry history of one source object.
type FailureEntry struct {
	Count           int       `json:"count"`
	LastAt          time.Time `json:"last_at"`
	LastErr         string    `json:"last_err"`
	SrcLastModified time.Time `json:"src_last_modified"`
}

// Tally is the failure tally: per-key failure counts with the error text
// and the source's last-modified stamp. Keys that keep failing and whose
// source is ancient are quarantined (skipped permanently).
type Tally struct {
	path    string
	entries map[string]FailureEntry
}

// LoadTally reads the failure tally at path. Missing file yields an empty
// tally.
func LoadTally(path string) (*Tally, error) {
	t := &Tally{path: path, entries: make(map[string]FailureEntry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read failure tally %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		return nil, fmt.Errorf("parse failure tally %s: %w", path, err)
	}
	return t, nil
}

// RecordFailure increments the failure count for key.
func (t *Tally) RecordFailure(key, errText string, srcLastModified time.Time) {
	e := t.entries[key]
	e.Count++
	e.LastAt = time.Now().UTC()
	e.LastErr = errText
	e.SrcLastModified = srcLastModified
	t.entries[key] = e
}

// ClearFailure removes the entry for key after a successful run.
func (t *Tally) ClearFailure(key string) {
	delete(t.entries, key)
}

// Entry returns the failure entry for key.
func (t *Tally) Entry(key string) (FailureEntry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// Quarantined reports whether key should be skipped permanently: it has
// failed at least failThreshold times and the source object was last
// modified more than oldDays ago (so a fixed upstream re-upload, which
// changes the marker and mtime, naturally re-qualifies the key).
func (t *Tally) Quarantined(key string, failThreshold, oldDays int, now time.Time) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if e.Count < failThreshold {
		return false
	}
	if e.SrcLastModified.IsZero() {
		return false
	}
	return now.Sub(e.SrcLastModified) > time.Duration(oldDays)*24*time.Hour
}

// QuarantinedKeys returns the sorted list of currently quarantined keys.
func (t *Tally) QuarantinedKeys(failThreshold, oldDays int, now time.Time) []string {
	var keys []string
	for k := range t.entries {
		if t.Quarantined(k, failThreshold, oldDays, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of tracked failing keys.
func (t *Tally) Len() int { return len(t.entries) }

// Save writes the tally atomically.
func (t *Tally) Save() error {
	data, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure tally: %w", err)
	}
	return utils.WriteFileAtomic(t.path, data, 0644)
}
