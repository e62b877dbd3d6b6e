package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/dimensions"
	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/storage"
	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/utils"
)

// Split ratios for the chronological train/val/test partition.
const (
	DefaultTrainRatio = 0.70
	DefaultValRatio   = 0.15
)

// TrainOptions tune a training run.
type TrainOptions struct {
	MinObservations int
	TrainRatio      float64
	ValRatio        float64
	TrainerKind     string
	// Sample caps the observation count for quick experiments; most
	// recent rows win. Zero means no cap.
	Sample int
}

func (o TrainOptions) withDefaults() TrainOptions {
	if o.MinObservations <= 0 {
		o.MinObservations = 500
	}
	if o.TrainRatio <= 0 {
		o.TrainRatio = DefaultTrainRatio
	}
	if o.ValRatio <= 0 {
		o.ValRatio = DefaultValRatio
	}
	if o.TrainerKind == "" {
		o.TrainerKind = MeanKind
	}
	return o
}

// EntityResult is the outcome of training one entity.
type EntityResult struct {
	EntityCode    string
	Target        types.WaitTimeType
	TrainerKind   string
	MeanFallback  bool
	Observations  int
	Variants      map[string]Metrics
	ChosenVariant string
	TrainedAt     time.Time
}

// Engine trains entities against shared dimensions and the persistent
// encoder. It is safe for concurrent TrainEntity calls: the encoder is
// internally locked and every entity writes only its own model dir.
type Engine struct {
	Layout      paths.Layout
	Index       storage.EntityIndex
	Entities    dimensions.EntitySet
	DateGroups  dimensions.DateGroups
	Seasons     dimensions.Seasons
	HoursByPark map[string]map[types.ParkDate]dimensions.Hours
	Encoder     *Encoder
	Zone        func(parkCode string) *time.Location
	Hyper       Hyperparams
	Opts        TrainOptions

	// Now is stubbed in tests.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TargetFor picks the modeling target: PRIORITY when the dimension flags
// a priority queue, ACTUAL otherwise.
func (e *Engine) TargetFor(entityCode string) types.WaitTimeType {
	if ent, ok := e.Entities[entityCode]; ok && ent.HasPriorityQueue {
		return types.WaitPriority
	}
	return types.WaitActual
}

// TrainEntity loads the entity's observations, builds features, trains
// the variant models (or records a mean model below the observation
// floor) and persists everything under models/{entity}/. The entity
// index is stamped on success.
func (e *Engine) TrainEntity(ctx context.Context, entityCode string) (*EntityResult, error) {
	opts := e.Opts.withDefaults()
	now := e.now()
	target := e.TargetFor(entityCode)
	park := types.ParkCodeOf(entityCode)
	zone := e.Zone(park)

	rows, err := facts.LoadEntity(e.Layout, entityCode)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	if opts.Sample > 0 {
		rows = sampleRecent(rows, target, opts.Sample)
	}

	builder := &FeatureBuilder{
		DateGroups: e.DateGroups,
		Seasons:    e.Seasons,
		Hours:      e.HoursByPark[park],
		Encoder:    e.Encoder,
		Zone:       zone,
		Now:        now,
	}
	// POSTED is a covariate only for ACTUAL targets.
	withPosted := target == types.WaitActual
	features := builder.Build(rows, target, withPosted)

	res := &EntityResult{
		EntityCode:   entityCode,
		Target:       target,
		Observations: len(features),
		Variants:     make(map[string]Metrics),
		TrainedAt:    now,
	}

	dir := e.Layout.ModelDir(entityCode)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	if len(features) < opts.MinObservations {
		if err := e.trainMeanFallback(ctx, res, dir, features); err != nil {
			return nil, err
		}
	} else {
		if err := e.trainBoosted(ctx, res, dir, features, opts, withPosted); err != nil {
			return nil, err
		}
	}

	if err := e.Encoder.Save(); err != nil {
		return nil, fmt.Errorf("save encoder: %w", err)
	}
	if err := e.writeMetadata(res, dir, features); err != nil {
		return nil, err
	}
	if e.Index != nil {
		if err := e.Index.MarkModeled(ctx, entityCode, now, res.TrainerKind); err != nil {
			return nil, fmt.Errorf("mark modeled: %w", err)
		}
	}
	return res, nil
}

// trainMeanFallback records a mean model for thin entities. The mean is
// stored under the without_posted variant, the only one forecasting uses.
func (e *Engine) trainMeanFallback(ctx context.Context, res *EntityResult, dir string, features []FeatureRow) error {
	res.MeanFallback = true
	res.TrainerKind = MeanKind
	res.ChosenVariant = VariantWithoutPosted

	if len(features) == 0 {
		return fmt.Errorf("no %s observations for %s", res.Target, res.EntityCode)
	}
	ds := &Dataset{Rows: features}
	reg, err := MeanTrainer{}.Train(ctx, ds, nil, e.Hyper)
	if err != nil {
		return err
	}
	if err := reg.Save(dir, VariantWithoutPosted); err != nil {
		return err
	}
	res.Variants[VariantWithoutPosted] = Evaluate(reg, ds)
	return nil
}

func (e *Engine) trainBoosted(ctx context.Context, res *EntityResult, dir string, features []FeatureRow, opts TrainOptions, withPosted bool) error {
	trainer, err := NewTrainer(opts.TrainerKind)
	if err != nil {
		return err
	}
	res.TrainerKind = trainer.Kind()

	trainRows, valRows, testRows := splitByDate(features, opts.TrainRatio, opts.ValRatio)
	if len(trainRows) == 0 || len(testRows) == 0 {
		// Every observation shares a handful of dates; a chronological
		// split is meaningless, so fall back to the mean.
		debug.Logf("%s: degenerate date split, using mean model\n", res.EntityCode)
		return e.trainMeanFallback(ctx, res, dir, features)
	}

	variants := []string{VariantWithoutPosted}
	if withPosted {
		variants = append(variants, VariantWithPosted)
	}
	for _, variant := range variants {
		usePosted := variant == VariantWithPosted
		train := &Dataset{Rows: trainRows, WithPosted: usePosted}
		val := &Dataset{Rows: valRows, WithPosted: usePosted}
		test := &Dataset{Rows: testRows, WithPosted: usePosted}

		reg, err := trainer.Train(ctx, train, val, e.Hyper)
		if err != nil {
			return fmt.Errorf("train %s: %w", variant, err)
		}
		if err := reg.Save(dir, variant); err != nil {
			return fmt.Errorf("save %s: %w", variant, err)
		}
		res.Variants[variant] = Evaluate(reg, test)
	}

	res.ChosenVariant = VariantWithoutPosted
	if withPosted {
		res.ChosenVariant = VariantWithPosted
	}
	return nil
}

// entityMetadata is models/{entity}/metadata.json.
type entityMetadata struct {
	EntityCode    string             `json:"entity_code"`
	Target        string             `json:"target"`
	Trainer       string             `json:"trainer"`
	MeanFallback  bool               `json:"mean_fallback"`
	Features      []string           `json:"features"`
	TrainFrom     types.ParkDate     `json:"train_from,omitempty"`
	TrainTo       types.ParkDate     `json:"train_to,omitempty"`
	Observations  int                `json:"observations"`
	Variants      map[string]Metrics `json:"variants"`
	ChosenVariant string             `json:"chosen_variant"`
	CreatedAt     time.Time          `json:"created_at"`
}

func (e *Engine) writeMetadata(res *EntityResult, dir string, features []FeatureRow) error {
	meta := entityMetadata{
		EntityCode:    res.EntityCode,
		Target:        string(res.Target),
		Trainer:       res.TrainerKind,
		MeanFallback:  res.MeanFallback,
		Features:      FeatureNames(res.ChosenVariant == VariantWithPosted),
		Observations:  res.Observations,
		Variants:      res.Variants,
		ChosenVariant: res.ChosenVariant,
		CreatedAt:     res.TrainedAt.UTC(),
	}
	for _, fr := range features {
		if meta.TrainFrom == "" || fr.Date < meta.TrainFrom {
			meta.TrainFrom = fr.Date
		}
		if fr.Date > meta.TrainTo {
			meta.TrainTo = fr.Date
		}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(filepath.Join(dir, "metadata.json"), append(data, '\n'), 0644)
}

// splitByDate partitions chronologically by park_date so later dates
// never leak into training.
func splitByDate(rows []FeatureRow, trainRatio, valRatio float64) (train, val, test []FeatureRow) {
	seen := make(map[types.ParkDate]bool)
	var dates []types.ParkDate
	for _, r := range rows {
		if !seen[r.Date] {
			seen[r.Date] = true
			dates = append(dates, r.Date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	trainEnd := int(float64(len(dates)) * trainRatio)
	valEnd := int(float64(len(dates)) * (trainRatio + valRatio))
	rank := make(map[types.ParkDate]int, len(dates))
	for i, d := range dates {
		rank[d] = i
	}
	for _, r := range rows {
		switch i := rank[r.Date]; {
		case i < trainEnd:
			train = append(train, r)
		case i < valEnd:
			val = append(val, r)
		default:
			test = append(test, r)
		}
	}
	return train, val, test
}

// sampleRecent keeps the most recent n observations of the target type,
// plus every POSTED row (the covariate join needs them all).
func sampleRecent(rows []types.Observation, target types.WaitTimeType, n int) []types.Observation {
	var targets, posted []types.Observation
	for _, o := range rows {
		switch {
		case o.Type == target:
			targets = append(targets, o)
		case o.Type == types.WaitPosted && target != types.WaitPosted:
			posted = append(posted, o)
		}
	}
	if len(targets) > n {
		targets = targets[len(targets)-n:]
	}
	out := append(targets, posted...)
	facts.SortByObservedAt(out)
	return out
}
