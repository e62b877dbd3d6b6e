// Package factory opens the configured state-store backend. Callers get
// the storage interfaces and a single Close; which engine sits behind them
// is decided here and nowhere else.
package factory

import (
	"context"
	"fmt"

	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/storage/mysql"
	"github.com/waitline/waitline/internal/storage/sqlite"
)

// Stores bundles the open state stores for one process.
type Stores struct {
	Dedup storage.DedupSet
	Index storage.EntityIndex

	closers []func() error
}

// Open opens the dedup set and entity index for the given backend:
// "sqlite" (default, embedded under state/) or "mysql" (server-backed,
// dsn required).
func Open(ctx context.Context, backend string, layout paths.Layout, dsn string) (*Stores, error) {
	switch backend {
	case "", "sqlite":
		dedup, err := sqlite.OpenDedupSet(layout.DedupDB())
		if err != nil {
			return nil, fmt.Errorf("open dedup set: %w", err)
		}
		index, err := sqlite.OpenEntityIndex(layout.EntityIndexDB())
		if err != nil {
			dedup.Close()
			return nil, fmt.Errorf("open entity index: %w", err)
		}
		return &Stores{
			Dedup:   dedup,
			Index:   index,
			closers: []func() error{index.Close, dedup.Close},
		}, nil
	case "mysql":
		if dsn == "" {
			return nil, fmt.Errorf("store %q requires mysql_dsn in config", backend)
		}
		st, err := mysql.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Dedup:   st.Dedup(),
			Index:   st.Index(),
			closers: []func() error{st.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (want sqlite or mysql)", backend)
	}
}

// Close closes the underlying stores. Safe to call once.
func (s *Stores) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}
