// Package config loads the pipeline configuration file and resolves the
// derived values (timezones, store backend, worker budget inputs) that the
// rest of the system consumes.
//
// The file is JSON by default (config/config.json) but viper accepts TOML
// and YAML variants by extension. A configuration problem is fatal before
// any state is written; callers translate it to exit code 3.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is where the configuration file lives when --config is not
// given, relative to the working directory.
const DefaultPath = "config/config.json"

// Defaults applied when the file omits a key.
const (
	DefaultFailThreshold    = 3
	DefaultOldDays          = 600
	DefaultChunksize        = 250000
	DefaultLivePollInterval = 300 // seconds
	DefaultMinObservations  = 500
	DefaultMinAgeHours      = 12
	DefaultWorkersCap       = 16
	DefaultPerWorkerRAMGB   = 2
	DefaultStore            = "sqlite"
	DefaultTrainer          = "mean"
)

// Config is the parsed configuration.
type Config struct {
	OutputBase       string            `mapstructure:"output_base"`
	FailThreshold    int               `mapstructure:"fail_threshold"`
	OldDays          int               `mapstructure:"old_days"`
	Chunksize        int               `mapstructure:"chunksize"`
	LivePollInterval int               `mapstructure:"live_poll_interval"`
	MinObservations  int               `mapstructure:"min_observations"`
	MinAgeHours      int               `mapstructure:"min_age_hours"`
	WorkersCap       int               `mapstructure:"workers_cap"`
	PerWorkerRAMGB   int               `mapstructure:"per_worker_ram_gb"`
	ParkTimezones    map[string]string `mapstructure:"park_timezones"`
	Trainer          string            `mapstructure:"trainer"`
	Store            string            `mapstructure:"store"`
	MySQLDSN         string            `mapstructure:"mysql_dsn"`
	SourceDir        string            `mapstructure:"source_dir"`
	SourcesFile      string            `mapstructure:"sources_file"`
	LiveFeedURL      string            `mapstructure:"live_feed_url"`

	locations map[string]*time.Location
}

// defaultParkTimezones covers the parks the pipeline has historically
// carried. config.json entries override or extend these.
var defaultParkTimezones = map[string]string{
	"mk": "America/New_York", "ep": "America/New_York",
	"hs": "America/New_York", "ak": "America/New_York",
	"bb": "America/New_York", "tl": "America/New_York",
	"ia": "America/New_York", "uf": "America/New_York",
	"eu": "America/New_York",
	"dl": "America/Los_Angeles", "ca": "America/Los_Angeles",
	"uh": "America/Los_Angeles",
	"tdl": "Asia/Tokyo", "tds": "Asia/Tokyo",
}

// Load reads the configuration file at path. An empty path means
// DefaultPath; a missing file at the default location yields the built-in
// defaults, while a missing file at an explicit location is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	if typ := configType(path); typ != "" {
		v.SetConfigType(typ)
	}

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) && !explicit {
			return finish(&Config{})
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return finish(&cfg)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	}
	return ""
}

// finish applies defaults and validates derived values.
func finish(cfg *Config) (*Config, error) {
	if cfg.OutputBase == "" {
		cfg.OutputBase = "waitline-data"
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = DefaultFailThreshold
	}
	if cfg.OldDays <= 0 {
		cfg.OldDays = DefaultOldDays
	}
	if cfg.Chunksize <= 0 {
		cfg.Chunksize = DefaultChunksize
	}
	if cfg.LivePollInterval <= 0 {
		cfg.LivePollInterval = DefaultLivePollInterval
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = DefaultMinObservations
	}
	if cfg.MinAgeHours <= 0 {
		cfg.MinAgeHours = DefaultMinAgeHours
	}
	if cfg.WorkersCap <= 0 {
		cfg.WorkersCap = DefaultWorkersCap
	}
	if cfg.PerWorkerRAMGB <= 0 {
		cfg.PerWorkerRAMGB = DefaultPerWorkerRAMGB
	}
	if cfg.Trainer == "" {
		cfg.Trainer = DefaultTrainer
	}
	if cfg.Store == "" {
		cfg.Store = DefaultStore
	}
	switch cfg.Store {
	case "sqlite", "mysql":
	default:
		return nil, fmt.Errorf("unknown store backend %q (want sqlite or mysql)", cfg.Store)
	}
	if cfg.Store == "mysql" && cfg.MySQLDSN == "" {
		return nil, fmt.Errorf("store mysql requires mysql_dsn")
	}
	if cfg.SourcesFile == "" {
		cfg.SourcesFile = "config/sources.yaml"
	}

	zones := make(map[string]string, len(defaultParkTimezones)+len(cfg.ParkTimezones))
	for k, v := range defaultParkTimezones {
		zones[k] = v
	}
	for k, v := range cfg.ParkTimezones {
		zones[strings.ToLower(k)] = v
	}
	cfg.ParkTimezones = zones

	cfg.locations = make(map[string]*time.Location, len(zones))
	for park, name := range zones {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("park %s: bad timezone %q: %w", park, name, err)
		}
		cfg.locations[park] = loc
	}
	return cfg, nil
}

// Location returns the park's timezone. Unknown parks default to Eastern,
// matching the historical behavior for new parks before configuration
// catches up.
func (c *Config) Location(park string) *time.Location {
	if loc, ok := c.locations[strings.ToLower(park)]; ok {
		return loc
	}
	return c.EasternLocation()
}

// HasPark reports whether the park has an explicit timezone entry.
func (c *Config) HasPark(park string) bool {
	_, ok := c.locations[strings.ToLower(park)]
	return ok
}

// EasternLocation returns America/New_York, the zone driving the morning
// merge's notion of "yesterday".
func (c *Config) EasternLocation() *time.Location {
	if loc, ok := c.locations["mk"]; ok {
		return loc
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}
