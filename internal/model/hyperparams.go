// Package model implements the per-entity modeling engine: feature
// construction, categorical encoding, training with a pluggable
// regressor, posted-value aggregates, forecast and backfill curves, and
// the park-level wait time index.
package model

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Hyperparams are the boosted-tree settings handed to the registered
// trainer. The mean trainer ignores them.
type Hyperparams struct {
	Objective      string  `toml:"objective"`
	MaxDepth       int     `toml:"max_depth"`
	LearningRate   float64 `toml:"learning_rate"`
	Rounds         int     `toml:"rounds"`
	Subsample      float64 `toml:"subsample"`
	MinChildWeight int     `toml:"min_child_weight"`
	EarlyStopping  int     `toml:"early_stopping"`
}

// DefaultHyperparams returns the fixed initial tuning.
func DefaultHyperparams() Hyperparams {
	return Hyperparams{
		Objective:      "reg:absoluteerror",
		MaxDepth:       6,
		LearningRate:   0.1,
		Rounds:         2000,
		Subsample:      0.5,
		MinChildWeight: 10,
		EarlyStopping:  0,
	}
}

// LoadHyperparams reads models/hyperparams.toml, falling back to the
// defaults when the file does not exist. Fields absent from the file
// keep their default values.
func LoadHyperparams(path string) (Hyperparams, error) {
	hp := DefaultHyperparams()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return hp, nil
	}
	if err != nil {
		return hp, err
	}
	if err := toml.Unmarshal(data, &hp); err != nil {
		return hp, fmt.Errorf("parse %s: %w", path, err)
	}
	return hp, nil
}
