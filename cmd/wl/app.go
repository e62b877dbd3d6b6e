package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/waitline/waitline/internal/config"
	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/lockfile"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/storage/factory"
	"github.com/waitline/waitline/internal/timeparsing"
	"github.com/waitline/waitline/internal/types"
)

// app bundles the per-command runtime: configuration, the data layout and
// the open state stores.
type app struct {
	cfg    *config.Config
	layout paths.Layout
	stores *factory.Stores
}

// openApp loads configuration and opens the configured state stores.
// Configuration failures map to exit code 3.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, &configError{err}
	}
	layout := resolveLayout(cfg)
	if err := layout.EnsureDirs(); err != nil {
		return nil, &configError{err}
	}
	debug.SetEventLog(layout.EventLog())

	stores, err := factory.Open(ctx, cfg.Store, layout, cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, layout: layout, stores: stores}, nil
}

// resolveLayout honors the --root override over the configured base.
func resolveLayout(cfg *config.Config) paths.Layout {
	base := cfg.OutputBase
	if rootDir != "" {
		base = rootDir
	}
	return paths.New(base)
}

func (a *app) close() {
	if a.stores != nil {
		a.stores.Close()
	}
}

// zone adapts the config lookup to the ZoneFunc signature used throughout.
func (a *app) zone(park string) *time.Location {
	return a.cfg.Location(park)
}

// withPipelineLock runs fn while holding the pipeline lock. A held lock is
// lock contention, exit code 2, unless the holder is stale.
func (a *app) withPipelineLock(fn func() error) error {
	info := lockfile.LockInfo{PID: os.Getpid(), Root: a.layout.Root, Version: Version}
	lock, err := lockfile.Acquire(a.layout.PipelineLock(), info)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// parseTimeFlag resolves a CLI time expression relative to now.
func parseTimeFlag(s string, now time.Time) (time.Time, error) {
	return timeparsing.ParseRelativeTime(s, now)
}

// dimensionSet is everything the modeling commands join against.
type dimensionSet struct {
	Entities   dimensions.EntitySet
	DateGroups dimensions.DateGroups
	Seasons    dimensions.Seasons
	Hours      map[string]map[types.ParkDate]dimensions.Hours
}

// loadDimensions reads the external dimension tables. Entity and park
// hours tables are required; date groups and seasons degrade to empty
// joins when missing.
func (a *app) loadDimensions(asOf time.Time) (*dimensionSet, error) {
	ents, err := dimensions.LoadEntities(a.layout.DimEntity())
	if err != nil {
		return nil, fmt.Errorf("load entity dimension: %w", err)
	}
	hoursTable, err := dimensions.LoadHours(a.layout.DimParkHours())
	if err != nil {
		return nil, fmt.Errorf("load park hours: %w", err)
	}

	ds := &dimensionSet{
		Entities: ents,
		Hours:    hoursTable.LookupAll(asOf),
	}
	if ds.DateGroups, err = dimensions.LoadDateGroups(a.layout.DimDateGroup()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load date groups: %w", err)
		}
		ds.DateGroups = dimensions.DateGroups{}
	}
	if ds.Seasons, err = dimensions.LoadSeasons(a.layout.DimSeason()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load seasons: %w", err)
		}
		ds.Seasons = dimensions.Seasons{}
	}
	return ds, nil
}
