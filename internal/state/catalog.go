// Package state manages the pipeline's JSON state files under state/:
// the processed-files catalog, the failure tally, and the pipeline status
// record. All files use write-replace semantics so concurrent readers
// never observe a torn file; a single writer (the pipeline driver, under
// pipeline.lock) mutates them.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/waitline/waitline/internal/utils"
)

// Catalog maps a source object key to the marker (last-modified stamp) it
// carried when it was last processed successfully. A key whose current
// marker equals the catalog entry is skipped on the next run.
type Catalog struct {
	path    string
	entries map[string]string
}

// LoadCatalog reads the catalog at path. A missing file yields an empty
// catalog, not an error.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path, entries: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return c, nil
}

// Marker returns the stored marker for key.
func (c *Catalog) Marker(key string) (string, bool) {
	m, ok := c.entries[key]
	return m, ok
}

// Processed reports whether key was already processed with this marker.
func (c *Catalog) Processed(key, marker string) bool {
	m, ok := c.entries[key]
	return ok && m == marker
}

// Record stores the marker for key. The caller persists with Save once the
// rows are durable; recording before the canonical commit would violate the
// crash-recovery contract.
func (c *Catalog) Record(key, marker string) {
	c.entries[key] = marker
}

// Forget removes a key, forcing re-processing on the next run.
func (c *Catalog) Forget(key string) {
	delete(c.entries, key)
}

// Len returns the number of cataloged keys.
func (c *Catalog) Len() int { return len(c.entries) }

// Reset drops all entries (full rebuild).
func (c *Catalog) Reset() {
	c.entries = make(map[string]string)
}

// Save writes the catalog atomically.
func (c *Catalog) Save() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	return utils.WriteFileAtomic(c.path, data, 0644)
}

// Keys returns the cataloged keys in sorted order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
