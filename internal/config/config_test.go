package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{"output_base": "/data/wt"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OutputBase != "/data/wt" {
		t.Errorf("OutputBase = %q", cfg.OutputBase)
	}
	if cfg.Chunksize != DefaultChunksize {
		t.Errorf("Chunksize = %d, want %d", cfg.Chunksize, DefaultChunksize)
	}
	if cfg.FailThreshold != DefaultFailThreshold {
		t.Errorf("FailThreshold = %d", cfg.FailThreshold)
	}
	if cfg.Store != "sqlite" {
		t.Errorf("Store = %q", cfg.Store)
	}
	if cfg.Location("mk").String() != "America/New_York" {
		t.Errorf("mk timezone = %s", cfg.Location("mk"))
	}
	if cfg.Location("tdl").String() != "Asia/Tokyo" {
		t.Errorf("tdl timezone = %s", cfg.Location("tdl"))
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"output_base": "/data/wt",
		"chunksize": 1000,
		"fail_threshold": 5,
		"park_timezones": {"zz": "Europe/Paris"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chunksize != 1000 {
		t.Errorf("Chunksize = %d", cfg.Chunksize)
	}
	if cfg.FailThreshold != 5 {
		t.Errorf("FailThreshold = %d", cfg.FailThreshold)
	}
	if cfg.Location("zz").String() != "Europe/Paris" {
		t.Errorf("zz timezone = %s", cfg.Location("zz"))
	}
	// Defaults still present for parks the file does not mention.
	if cfg.Location("dl").String() != "America/Los_Angeles" {
		t.Errorf("dl timezone = %s", cfg.Location("dl"))
	}
}

func TestLoadBadTimezone(t *testing.T) {
	path := writeConfig(t, "config.json", `{"park_timezones": {"mk": "Not/AZone"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad timezone")
	}
}

func TestLoadBadStore(t *testing.T) {
	path := writeConfig(t, "config.json", `{"store": "postgres"}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown store")
	}
}

func TestLoadMySQLRequiresDSN(t *testing.T) {
	path := writeConfig(t, "config.json", `{"store": "mysql"}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for mysql without dsn")
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.json")
	if _, err := Load(missing); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
}

func TestUnknownParkFallsBackToEastern(t *testing.T) {
	path := writeConfig(t, "config.json", `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Location("xx").String() != "America/New_York" {
		t.Errorf("unknown park timezone = %s", cfg.Location("xx"))
	}
}
