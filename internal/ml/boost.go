package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"hazard-ensemble/internal/common"
)

// BoostParams configures gradient boosting.
type BoostParams struct {
	Rounds       int
	MaxDepth     int
	LearningRate float64
	Subsample    float64
	Colsample    float64
	Patience     int
	Seed         int64
}

// Boost is a log-loss gradient boosted tree model with positive class
// reweighting and early stopping on a held-out partition.
type Boost struct {
	base
	params     BoostParams
	width      int
	bins       *binner
	trees      []*tree
	baseScore  float64
	importance []float64
}

func NewBoost(grid Grid, params BoostParams) *Boost {
	return &Boost{base: newBase(common.ModelBoost, KindStatistical, grid), params: params}
}

func (m *Boost) Train(data TrainingData) (ModelMetrics, error) {
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
	scalePos := (float64(n) - positives) / positives

	width := len(data.Features[0])
	bins := newBinner(data.Features, width)
	binned := bins.transform(data.Features)
	rng := rand.New(rand.NewSource(m.params.Seed))
	grower := newTreeGrower(binned, bins, treeParams{
		maxDepth:   m.params.MaxDepth,
		minLeaf:    1,
		lambda:     1,
		colsample:  m.params.Colsample,
		minHessian: 1e-3,
	}, rng)

	baseScore := 0.0 // logit of 0.5
	margin := make([]float64, n)
	grad := make([]float64, n)
	hess := make([]float64, n)

	val := data.Aux.Validation
	valMargin := make([]float64, val.Len())
	bestLoss := math.Inf(1)
	bestRound, stale := 0, 0
	patience := m.params.Patience
	if patience <= 0 {
		patience = 20
	}

	var trees []*tree
	for round := 0; round < m.params.Rounds; round++ {
		for i := range margin {
			p := sigmoid(margin[i])
			w := 1.0
			if data.Labels[i] > 0.5 {
				w = scalePos
			}
			grad[i] = w * (p - data.Labels[i])
			hess[i] = w * math.Max(p*(1-p), 1e-6)
		}
		rows := m.subsample(rng, n)
		t := grower.grow(rows, grad, hess)
		for i := range t.Nodes {
			t.Nodes[i].Value *= m.params.LearningRate
		}
		trees = append(trees, t)
		for i, row := range data.Features {
			margin[i] += t.predict(row)
		}

		if val.Len() == 0 {
			continue
		}
		pred := make([]float64, val.Len())
		for i, row := range val.Features {
			valMargin[i] += t.predict(row)
			pred[i] = sigmoid(valMargin[i])
		}
		loss := logLoss(pred, val.Labels)
		if loss < bestLoss-1e-9 {
			bestLoss, bestRound, stale = loss, round+1, 0
		} else {
			stale++
			if stale >= patience {
				break
			}
		}
	}
	if val.Len() > 0 && bestRound > 0 {
		trees = trees[:bestRound]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.width = width
	m.bins = bins
	m.trees = trees
	m.baseScore = baseScore
	m.importance = normalized(grower.gain)

	eval := val
	if eval.Len() == 0 {
		eval = data.Dataset
	}
	pred := make([]float64, eval.Len())
	for i, row := range eval.Features {
		pred[i] = m.score(row)
	}
	metrics := classificationReport(pred, eval.Labels)
	metrics["boosting_rounds"] = len(trees)
	metrics["scale_pos_weight"] = scalePos
	metrics["train_rows"] = n

	m.trained = true
	m.metrics = metrics
	return metrics, nil
}

func (m *Boost) subsample(rng *rand.Rand, n int) []int {
	rows := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if m.params.Subsample >= 1 || rng.Float64() < m.params.Subsample {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		rows = append(rows, rng.Intn(n))
	}
	return rows
}

func (m *Boost) score(row []float64) float64 {
	margin := m.baseScore
	for _, t := range m.trees {
		margin += t.predict(row)
	}
	return sigmoid(margin)
}

func (m *Boost) Predict(in PredictionInput) ([]float64, error) {
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

func (m *Boost) FeatureImportance() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.importance...)
}

func (m *Boost) Persist(ns Namespace) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.persistBase(ns); err != nil {
		return err
	}
	return ns.Put("params", ensembleTreesState{
		Width:      m.width,
		Bins:       m.bins,
		Trees:      m.trees,
		Importance: m.importance,
		Base:       m.baseScore,
		LR:         m.params.LearningRate,
	})
}

func (m *Boost) Restore(ns Namespace) (bool, error) {
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
	m.baseScore = st.Base
	return true, nil
}
