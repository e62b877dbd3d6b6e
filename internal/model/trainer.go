package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/waitline/waitline/internal/utils"
)

// Variant names for the two covariate configurations.
const (
	VariantWithPosted    = "with_posted"
	VariantWithoutPosted = "without_posted"
)

// Dataset is a feature table bound to one covariate variant.
type Dataset struct {
	Rows       []FeatureRow
	WithPosted bool
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Rows) }

// Matrix flattens the dataset into X, y and training weights.
func (d *Dataset) Matrix() (x [][]float64, y, w []float64) {
	x = make([][]float64, len(d.Rows))
	y = make([]float64, len(d.Rows))
	w = make([]float64, len(d.Rows))
	for i := range d.Rows {
		x[i] = d.Rows[i].Vector(d.WithPosted)
		y[i] = d.Rows[i].Target
		w[i] = d.Rows[i].Weight
	}
	return x, y, w
}

// Regressor is a trained model ready for prediction and persistence.
type Regressor interface {
	Kind() string
	Predict(features []float64) float64
	Save(dir, variant string) error
}

// Trainer builds a Regressor from a train/validation pair. Gradient
// boosting backends register here from their own modules; the in-tree
// mean trainer is both the fallback and the default.
type Trainer interface {
	Kind() string
	Train(ctx context.Context, train, val *Dataset, hp Hyperparams) (Regressor, error)
}

var (
	trainerMu sync.RWMutex
	trainers  = map[string]func() Trainer{}
	loaders   = map[string]func(path string) (Regressor, error){}
)

// RegisterTrainer makes a training backend available under kind.
func RegisterTrainer(kind string, factory func() Trainer) {
	trainerMu.Lock()
	defer trainerMu.Unlock()
	trainers[kind] = factory
}

// RegisterLoader makes saved artifacts of a kind loadable for inference.
func RegisterLoader(kind string, loader func(path string) (Regressor, error)) {
	trainerMu.Lock()
	defer trainerMu.Unlock()
	loaders[kind] = loader
}

// NewTrainer returns the registered trainer for kind.
func NewTrainer(kind string) (Trainer, error) {
	trainerMu.RLock()
	defer trainerMu.RUnlock()
	factory, ok := trainers[kind]
	if !ok {
		known := make([]string, 0, len(trainers))
		for k := range trainers {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown trainer %q (registered: %v)", kind, known)
	}
	return factory(), nil
}

// artifactPath is the model file for a variant inside an entity dir.
func artifactPath(dir, variant string) string {
	return filepath.Join(dir, fmt.Sprintf("model_%s.json", variant))
}

// LoadRegressor reads a saved model artifact, dispatching on its kind.
func LoadRegressor(dir, variant string) (Regressor, error) {
	path := artifactPath(dir, variant)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	trainerMu.RLock()
	loader, ok := loaders[probe.Kind]
	trainerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no loader registered for model kind %q", probe.Kind)
	}
	return loader(path)
}

// MeanKind identifies the weighted-mean model.
const MeanKind = "mean"

// MeanTrainer fits a training-weighted mean. It is the fallback for
// entities below the observation floor and the default backend when no
// boosting module is linked in.
type MeanTrainer struct{}

func (MeanTrainer) Kind() string { return MeanKind }

func (MeanTrainer) Train(ctx context.Context, train, val *Dataset, hp Hyperparams) (Regressor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if train.Len() == 0 {
		return nil, fmt.Errorf("empty training set")
	}
	var sum, wsum float64
	for _, r := range train.Rows {
		sum += r.Target * r.Weight
		wsum += r.Weight
	}
	if wsum == 0 {
		return nil, fmt.Errorf("all training weights are zero")
	}
	return &MeanModel{MeanWait: sum / wsum, Count: train.Len()}, nil
}

// MeanModel predicts a constant.
type MeanModel struct {
	MeanWait float64 `json:"mean"`
	Count    int     `json:"count"`
}

func (m *MeanModel) Kind() string                { return MeanKind }
func (m *MeanModel) Predict(_ []float64) float64 { return m.MeanWait }

func (m *MeanModel) Save(dir, variant string) error {
	doc := struct {
		Kind string  `json:"kind"`
		Mean float64 `json:"mean"`
		N    int     `json:"count"`
	}{Kind: MeanKind, Mean: m.MeanWait, N: m.Count}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(artifactPath(dir, variant), append(data, '\n'), 0644)
}

func loadMeanModel(path string) (Regressor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Mean float64 `json:"mean"`
		N    int     `json:"count"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &MeanModel{MeanWait: doc.Mean, Count: doc.N}, nil
}

func init() {
	RegisterTrainer(MeanKind, func() Trainer { return MeanTrainer{} })
	RegisterLoader(MeanKind, loadMeanModel)
}

// Metrics summarize model quality on a held-out set. MAPE and
// correlation are nil when undefined (all-zero targets, constant series).
type Metrics struct {
	MAE         float64  `json:"mae"`
	RMSE        float64  `json:"rmse"`
	MAPE        *float64 `json:"mape"`
	R2          float64  `json:"r2"`
	Correlation *float64 `json:"correlation"`
}

// Evaluate computes test metrics for a regressor over a dataset.
func Evaluate(reg Regressor, ds *Dataset) Metrics {
	n := ds.Len()
	preds := make([]float64, n)
	targets := make([]float64, n)
	for i := range ds.Rows {
		preds[i] = reg.Predict(ds.Rows[i].Vector(ds.WithPosted))
		targets[i] = ds.Rows[i].Target
	}

	var m Metrics
	if n == 0 {
		return m
	}
	var absSum, sqSum, mean float64
	for i := range targets {
		diff := targets[i] - preds[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
		mean += targets[i]
	}
	mean /= float64(n)
	m.MAE = absSum / float64(n)
	m.RMSE = math.Sqrt(sqSum / float64(n))

	var mapeSum float64
	mapeN := 0
	for i := range targets {
		if targets[i] != 0 {
			mapeSum += math.Abs((targets[i] - preds[i]) / targets[i])
			mapeN++
		}
	}
	if mapeN > 0 {
		v := mapeSum / float64(mapeN) * 100
		m.MAPE = &v
	}

	var ssTot float64
	for i := range targets {
		d := targets[i] - mean
		ssTot += d * d
	}
	if ssTot > 0 {
		m.R2 = 1 - sqSum/ssTot
	}

	if corr, ok := pearson(targets, preds); ok {
		m.Correlation = &corr
	}
	return m
}

func pearson(a, b []float64) (float64, bool) {
	n := float64(len(a))
	if n == 0 {
		return 0, false
	}
	var ma, mb float64
	for i := range a {
		ma += a[i]
		mb += b[i]
	}
	ma /= n
	mb /= n
	var cov, va, vb float64
	for i := range a {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0, false
	}
	return cov / math.Sqrt(va*vb), true
}
