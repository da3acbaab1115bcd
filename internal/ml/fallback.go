package ml

import (
	"fmt"
	"math"
	"sync"
)

// base holds what every predictor shares: geometry, the trained flag and the
// last training report. Untrained models answer with the uniform fallback.
type base struct {
	mu      sync.RWMutex
	name    string
	kind    Kind
	grid    Grid
	eps     float64
	trained bool
	metrics ModelMetrics
}

func newBase(name string, kind Kind, grid Grid) base {
	return base{name: name, kind: kind, grid: grid, eps: 0.01}
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) IsTrained() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.trained
}

// LastMetrics returns the report of the most recent successful training.
func (b *base) LastMetrics() ModelMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// fallback is the uniform K/N vector.
func (b *base) fallback() []float64 {
	return b.grid.Uniform()
}

// baseState is the persisted part of base.
type baseState struct {
	Trained bool         `json:"trained"`
	Metrics ModelMetrics `json:"metrics,omitempty"`
	Grid    Grid         `json:"grid"`
}

// persistBase must be called with b.mu held.
func (b *base) persistBase(ns Namespace) error {
	return ns.Put("meta", baseState{Trained: b.trained, Metrics: b.metrics, Grid: b.grid})
}

// restoreBase must be called with b.mu held. It rejects state written for a
// different board.
func (b *base) restoreBase(ns Namespace) (bool, error) {
	var st baseState
	ok, err := ns.Get("meta", &st)
	if err != nil || !ok {
		return false, err
	}
	if st.Grid != b.grid {
		return false, fmt.Errorf("%s: persisted grid %+v does not match %+v", b.name, st.Grid, b.grid)
	}
	b.trained = st.Trained
	b.metrics = st.Metrics
	return st.Trained, nil
}

// checkFeatures validates the shape of a prediction matrix.
func (b *base) checkFeatures(x [][]float64, width int) error {
	if len(x) != b.grid.Cells() {
		return fmt.Errorf("%s: expected %d feature rows, got %d", b.name, b.grid.Cells(), len(x))
	}
	for _, row := range x {
		if len(row) != width {
			return fmt.Errorf("%s: expected %d features, got %d", b.name, width, len(row))
		}
	}
	return nil
}

// sigmoid converts a score to a probability
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// historyOrCache picks the explicit prefix when given, else the private cache.
func historyOrCache(in PredictionInput, cache History) History {
	if in.History != nil {
		return in.History
	}
	return cache
}
