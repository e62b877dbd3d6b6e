// Package source abstracts the read-only object store the historical
// ingest pulls from: listing under per-property prefixes, streaming
// objects, and classifying keys into the parser variants.
package source

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one listed source object.
type ObjectInfo struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// Marker is the processed-catalog marker for the object: its last-modified
// stamp. A key is "already processed" only while its marker is unchanged.
func (o ObjectInfo) Marker() string {
	return o.LastModified.UTC().Format(time.RFC3339)
}

// ObjectStore lists and streams source objects. Implementations must be
// safe for sequential reuse; the ingest opens one object at a time.
type ObjectStore interface {
	// List returns every object whose key starts with prefix, in key
	// order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Open streams the object at key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
