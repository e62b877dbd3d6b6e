// Package paths maps the pipeline's on-disk layout under a single root.
// Every component receives a Layout instead of discovering directories on
// its own; the root itself comes from configuration.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/waitline/waitline/internal/types"
)

// Layout anchors all pipeline files under Root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root.
func New(root string) Layout { return Layout{Root: root} }

func (l Layout) join(parts ...string) string {
	return filepath.Join(append([]string{l.Root}, parts...)...)
}

// State and lock files.

func (l Layout) StateDir() string           { return l.join("state") }
func (l Layout) PipelineLock() string       { return l.join("state", "pipeline.lock") }
func (l Layout) QueueTimesLock() string     { return l.join("state", "queue_times.lock") }
func (l Layout) ProcessedCatalog() string   { return l.join("state", "processed_files.json") }
func (l Layout) FailureTally() string       { return l.join("state", "failed_files.json") }
func (l Layout) PipelineStatus() string     { return l.join("state", "pipeline_status.json") }
func (l Layout) DedupDB() string            { return l.join("state", "dedup.db") }
func (l Layout) EntityIndexDB() string      { return l.join("state", "entity_index.db") }
func (l Layout) LiveDedupDB() string        { return l.join("state", "live_dedup.db") }
func (l Layout) EncodingMappings() string   { return l.join("state", "encoding_mappings.json") }

// Fact and staging partitions.

func (l Layout) FactCleanDir() string   { return l.join("fact", "clean") }
func (l Layout) StagingLiveDir() string { return l.join("staging", "live") }

// FactPartition returns fact/clean/YYYY-MM/{park}_{date}.csv.
func (l Layout) FactPartition(park string, date types.ParkDate) string {
	return filepath.Join(l.FactCleanDir(), date.MonthDir(), PartitionName(park, date))
}

// StagingPartition returns staging/live/YYYY-MM/{park}_{date}.csv.
func (l Layout) StagingPartition(park string, date types.ParkDate) string {
	return filepath.Join(l.StagingLiveDir(), date.MonthDir(), PartitionName(park, date))
}

// PartitionName is the canonical partition file name, {park}_{date}.csv.
func PartitionName(park string, date types.ParkDate) string {
	return fmt.Sprintf("%s_%s.csv", park, date)
}

// Model, aggregate and curve outputs.

func (l Layout) ModelsDir() string            { return l.join("models") }
func (l Layout) ModelDir(entity string) string { return l.join("models", entity) }
func (l Layout) HyperparamsFile() string      { return l.join("models", "hyperparams.toml") }
func (l Layout) AggregatesDir() string        { return l.join("aggregates") }
func (l Layout) PostedAggregates() string     { return l.join("aggregates", "posted_aggregates.csv") }
func (l Layout) ForecastDir() string          { return l.join("curves", "forecast") }
func (l Layout) BackfillDir() string          { return l.join("curves", "backfill") }
func (l Layout) WTIDir() string               { return l.join("wti") }
func (l Layout) WTIFile() string              { return l.join("wti", "wti.csv") }

// ForecastFile returns curves/forecast/{entity}_{date}.csv.
func (l Layout) ForecastFile(entity string, date types.ParkDate) string {
	return filepath.Join(l.ForecastDir(), fmt.Sprintf("%s_%s.csv", entity, date))
}

// BackfillFile returns curves/backfill/{entity}_{date}.csv.
func (l Layout) BackfillFile(entity string, date types.ParkDate) string {
	return filepath.Join(l.BackfillDir(), fmt.Sprintf("%s_%s.csv", entity, date))
}

// Supporting directories.

func (l Layout) DimensionsDir() string { return l.join("dimensions") }
func (l Layout) ValidationDir() string { return l.join("validation") }
func (l Layout) ReportsDir() string    { return l.join("reports") }
func (l Layout) LogsDir() string       { return l.join("logs") }
func (l Layout) EventLog() string      { return l.join("logs", "events.log") }

// Dimension table files supplied by external producers.

func (l Layout) DimEntity() string    { return l.join("dimensions", "dim_entity.csv") }
func (l Layout) DimParkHours() string { return l.join("dimensions", "dim_park_hours_versioned.csv") }
func (l Layout) DimDateGroup() string { return l.join("dimensions", "dim_dategroupid.csv") }
func (l Layout) DimSeason() string    { return l.join("dimensions", "dim_season.csv") }

// QueueTimesMapping is the curated provider ride ID to entity code table.
func (l Layout) QueueTimesMapping() string {
	return l.join("dimensions", "queue_times_entity_mapping.csv")
}

// EnsureDirs creates the directories the pipeline writes into. Dimension
// tables are produced externally, so their directory is created too but
// never written by us.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.StateDir(),
		l.FactCleanDir(),
		l.StagingLiveDir(),
		l.ModelsDir(),
		l.AggregatesDir(),
		l.ForecastDir(),
		l.BackfillDir(),
		l.WTIDir(),
		l.DimensionsDir(),
		l.ValidationDir(),
		l.ReportsDir(),
		l.LogsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
