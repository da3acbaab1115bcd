package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"hazard-ensemble/internal/common"
)

// ForestParams configures the random forest.
type ForestParams struct {
	Trees    int
	MaxDepth int
	MinLeaf  int
	Seed     int64
}

// Forest is a class-balanced random forest over per-cell feature rows.
type Forest struct {
	base
	params     ForestParams
	width      int
	bins       *binner
	trees      []*tree
	importance []float64
}

func NewForest(grid Grid, params ForestParams) *Forest {
	return &Forest{base: newBase(common.ModelForest, KindStatistical, grid), params: params}
}

func (m *Forest) Train(data TrainingData) (ModelMetrics, error) {
	n := data.Len()
	if n == 0 {
		return nil, errors.New("empty training set")
	}
	positives := 0.0
	for _, y := range data.Labels {
		positives += y
	}
	if positives == 0 || positives == float64(n) {
		return nil, fmt.Errorf("training labels contain a single class")
	}

	width := len(data.Features[0])
	bins := newBinner(data.Features, width)
	binned := bins.transform(data.Features)

	// balanced class weights: n / (2 * n_class)
	wPos := float64(n) / (2 * positives)
	wNeg := float64(n) / (2 * (float64(n) - positives))

	rng := rand.New(rand.NewSource(m.params.Seed))
	grower := newTreeGrower(binned, bins, treeParams{
		maxDepth:  m.params.MaxDepth,
		minLeaf:   m.params.MinLeaf,
		colsample: math.Sqrt(float64(width)) / float64(width),
	}, rng)

	grad := make([]float64, n)
	hess := make([]float64, n)
	trees := make([]*tree, 0, m.params.Trees)
	for t := 0; t < m.params.Trees; t++ {
		for i := range grad {
			grad[i], hess[i] = 0, 0
		}
		rows := make([]int, n)
		for i := range rows {
			r := rng.Intn(n)
			rows[i] = r
			w := wNeg
			if data.Labels[r] > 0.5 {
				w = wPos
			}
			grad[r] -= w * data.Labels[r]
			hess[r] += w
		}
		trees = append(trees, grower.grow(uniqueRows(rows), grad, hess))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.width = width
	m.bins = bins
	m.trees = trees
	m.importance = normalized(grower.gain)

	eval := data.Aux.Validation
	if eval.Len() == 0 {
		eval = data.Dataset
	}
	pred := make([]float64, eval.Len())
	for i, row := range eval.Features {
		pred[i] = m.score(row)
	}
	metrics := classificationReport(pred, eval.Labels)
	metrics["trees"] = len(trees)
	metrics["train_rows"] = n
	metrics["positive_rate"] = positives / float64(n)

	m.trained = true
	m.metrics = metrics
	return metrics, nil
}

// score averages the leaf values, each a class-weighted hazard fraction.
func (m *Forest) score(row []float64) float64 {
	sum := 0.0
	for _, t := range m.trees {
		sum += t.predict(row)
	}
	return clip(sum/float64(len(m.trees)), 0, 1)
}

func (m *Forest) Predict(in PredictionInput) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.trained {
		return m.fallback(), nil
	}
	if err := m.checkFeatures(in.Features, m.width); err != nil {
		return nil, err
	}
	probs := make([]float64, len(in.Features))
	for i, row := range in.Features {
		probs[i] = m.score(row)
	}
	return m.grid.RescaleClip(probs, m.eps), nil
}

func (m *Forest) FeatureImportance() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.importance...)
}

type ensembleTreesState struct {
	Width      int       `json:"width"`
	Bins       *binner   `json:"bins"`
	Trees      []*tree   `json:"trees"`
	Importance []float64 `json:"importance"`
	Base       float64   `json:"base_score,omitempty"`
	LR         float64   `json:"learning_rate,omitempty"`
}

func (m *Forest) Persist(ns Namespace) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.persistBase(ns); err != nil {
		return err
	}
	return ns.Put("params", ensembleTreesState{Width: m.width, Bins: m.bins, Trees: m.trees, Importance: m.importance})
}

func (m *Forest) Restore(ns Namespace) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trained, err := m.restoreBase(ns)
	if err != nil || !trained {
		return false, err
	}
	var st ensembleTreesState
	ok, err := ns.Get("params", &st)
	if err != nil || !ok || len(st.Trees) == 0 || st.Bins == nil {
		m.trained = false
		return false, err
	}
	m.width = st.Width
	m.bins = st.Bins
	m.trees = st.Trees
	m.importance = st.Importance
	return true, nil
}

// uniqueRows drops bootstrap duplicates; their multiplicity already lives in
// the accumulated gradient and hessian.
func uniqueRows(rows []int) []int {
	seen := make(map[int]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
