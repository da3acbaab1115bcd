package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"hazard-ensemble/internal/history"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	NopMetrics
	mu            sync.Mutex
	predictions   int
	failures      int
	trainingRuns  map[string]int
	modelFailures map[string]int
	registered    int
}

func (m *MockMetrics) PredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) PredictionFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockMetrics) TrainingRunInc(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trainingRuns == nil {
		m.trainingRuns = make(map[string]int)
	}
	m.trainingRuns[outcome]++
}

func (m *MockMetrics) ModelFailureInc(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modelFailures == nil {
		m.modelFailures = make(map[string]int)
	}
	m.modelFailures[model]++
}

func (m *MockMetrics) RoundsRegisteredInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered++
}

// stubFeatures is a small leak-free feature provider: for every cell it
// reports the last two outcomes and the running frequency.
type stubFeatures struct {
	grid Grid
}

func (f stubFeatures) ForPrediction(h History) ([][]float64, error) {
	out := make([][]float64, f.grid.Cells())
	for cell := range out {
		var last, prev, freq float64
		if n := len(h); n > 0 {
			last = h[n-1][cell]
			if n > 1 {
				prev = h[n-2][cell]
			}
			for _, r := range h {
				freq += r[cell]
			}
			freq /= float64(n)
		}
		out[cell] = []float64{last, prev, freq}
	}
	return out, nil
}

func (f stubFeatures) BuildDataset(h History, start, end int) (Dataset, error) {
	var ds Dataset
	for g := start; g < end && g < len(h); g++ {
		x, err := f.ForPrediction(h.Prefix(g))
		if err != nil {
			return Dataset{}, err
		}
		ds.Features = append(ds.Features, x...)
		ds.Labels = append(ds.Labels, h[g]...)
	}
	return ds, nil
}

func (f stubFeatures) Names() []string {
	return []string{"last", "prev", "freq"}
}

// testConfig shrinks the heavy models so tests stay fast.
func testConfig() Config {
	c := DefaultConfig()
	c.Models.Forest.Trees = 10
	c.Models.Boost.Rounds = 30
	c.Models.LSTM.Hidden = 8
	c.Models.LSTM.Epochs = 5
	c.Parallelism = 2
	return c
}

func newTestEnsemble(opts ...Option) *Ensemble {
	c := testConfig()
	return New(c, stubFeatures{grid: c.Grid}, opts...)
}

var (
	layoutA = []int{1, 7, 13, 19}
	layoutB = []int{5, 9, 17, 25}
)

func mustVector(positions []int) RoundVector {
	v, _ := NewRoundVector(DefaultGrid(), positions)
	return v
}

// alternatingHistory returns A,B,A,B,... of length n.
func alternatingHistory(n int) History {
	h := make(History, n)
	for i := range h {
		if i%2 == 0 {
			h[i] = mustVector(layoutA)
		} else {
			h[i] = mustVector(layoutB)
		}
	}
	return h
}

// randomHistory draws n rounds of K distinct hazards.
func randomHistory(n int, seed int64) History {
	rng := rand.New(rand.NewSource(seed))
	grid := DefaultGrid()
	h := make(History, n)
	for i := range h {
		perm := rng.Perm(grid.Cells())[:grid.Hazards]
		for j := range perm {
			perm[j]++
		}
		h[i] = mustVector(perm)
	}
	return h
}

// sliceProvider serves a fixed, growable list of rounds.
type sliceProvider struct {
	mu     sync.Mutex
	rounds []history.Round
}

func newSliceProvider(h History) *sliceProvider {
	p := &sliceProvider{}
	p.add(h)
	return p
}

func (p *sliceProvider) add(h History) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range h {
		p.rounds = append(p.rounds, history.Round{
			ID:        fmt.Sprintf("r-%04d", len(p.rounds)),
			Positions: r.Positions(),
		})
	}
}

func (p *sliceProvider) Rounds(ctx context.Context) ([]history.Round, error) {
	return p.RoundsAfter(ctx, "")
}

func (p *sliceProvider) RoundsAfter(_ context.Context, id string) ([]history.Round, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		return append([]history.Round(nil), p.rounds...), nil
	}
	for i, r := range p.rounds {
		if r.ID == id {
			return append([]history.Round(nil), p.rounds[i+1:]...), nil
		}
	}
	return append([]history.Round(nil), p.rounds...), nil
}

func (p *sliceProvider) LastRoundID(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rounds) == 0 {
		return "", nil
	}
	return p.rounds[len(p.rounds)-1].ID, nil
}

// failingModel always fails to train; panicking selects a panic over an error.
type failingModel struct {
	base
	panicking bool
}

func newFailingModel(panicking bool) *failingModel {
	return &failingModel{base: newBase("broken", KindHeuristic, DefaultGrid()), panicking: panicking}
}

func (m *failingModel) Train(TrainingData) (ModelMetrics, error) {
	if m.panicking {
		panic("boom")
	}
	return nil, errors.New("cannot train")
}

func (m *failingModel) Predict(PredictionInput) ([]float64, error) {
	return m.fallback(), nil
}

func (m *failingModel) Persist(ns Namespace) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistBase(ns)
}

func (m *failingModel) Restore(ns Namespace) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreBase(ns)
}
