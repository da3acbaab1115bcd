package ml

import (
	"fmt"
	"math"

	"hazard-ensemble/internal/common"

	"gonum.org/v1/gonum/floats"
)

// AntiRepeat scores cells by how rarely a hazard stays in place: last round's
// hazards are discounted by their learned repeat rate while cells that have
// stayed clear slowly accumulate risk.
type AntiRepeat struct {
	base
	minRounds   int
	repeatRates []float64
	globalRate  float64
	cache       History
}

func NewAntiRepeat(grid Grid, minRounds int) *AntiRepeat {
	return &AntiRepeat{
		base:        newBase(common.ModelAntiRepeat, KindHeuristic, grid),
		minRounds:   minRounds,
		repeatRates: grid.Uniform(),
		globalRate:  grid.BaseRate(),
	}
}

func (m *AntiRepeat) Train(data TrainingData) (ModelMetrics, error) {
	h := data.Aux.History
	if len(h) < m.minRounds {
		return nil, fmt.Errorf("need at least %d rounds, got %d", m.minRounds, len(h))
	}

	n := m.grid.Cells()
	repeats := make([]float64, n)
	inPrev := make([]float64, n)
	for g := 1; g < len(h); g++ {
		for _, pos := range h[g-1].Hazards() {
			inPrev[pos]++
			if h[g][pos] > 0.5 {
				repeats[pos]++
			}
		}
	}

	rates := make([]float64, n)
	for pos := range rates {
		if inPrev[pos] > 0 {
			rates[pos] = repeats[pos] / inPrev[pos]
		} else {
			rates[pos] = m.grid.BaseRate()
		}
	}
	global := m.grid.BaseRate()
	if total := floats.Sum(inPrev); total > 0 {
		global = floats.Sum(repeats) / total
	}

	metrics := ModelMetrics{
		"global_repeat_rate":    global,
		"avg_position_repeat":   floats.Sum(rates) / float64(n),
		"max_repeat_rate":       floats.Max(rates),
		"min_repeat_rate":       floats.Min(rates),
		"positions_high_repeat": positionsOf(topIndices(rates, 5)),
		"positions_low_repeat":  positionsOf(bottomIndices(rates, 5)),
		"rounds":                len(h),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeatRates = rates
	m.globalRate = global
	m.cache = append(History(nil), h...)
	m.trained = true
	m.metrics = metrics
	return metrics, nil
}

func (m *AntiRepeat) Predict(in PredictionInput) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.trained {
		return m.fallback(), nil
	}

	h := historyOrCache(in, m.cache)
	probs := m.fallback()
	if len(h) == 0 {
		return probs, nil
	}

	last := h[len(h)-1]
	for pos := range probs {
		if last[pos] > 0.5 {
			probs[pos] = m.repeatRates[pos] * 0.8
			continue
		}
		streak := 0
		for g := len(h) - 1; g >= 0 && h[g][pos] < 0.5; g-- {
			streak++
		}
		probs[pos] = m.grid.BaseRate() + math.Min(float64(streak)*0.02, 0.15)
	}

	if len(h) >= 2 {
		prev := h[len(h)-2]
		for pos := range probs {
			if last[pos] > 0.5 && prev[pos] > 0.5 {
				probs[pos] *= 0.5
			}
		}
	}

	for i := range probs {
		probs[i] = clip(probs[i], m.eps, 1-m.eps)
	}
	return probs, nil
}

func (m *AntiRepeat) Observe(round RoundVector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = m.cache.Append(round)
}

func (m *AntiRepeat) CachedRounds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

type antiRepeatState struct {
	RepeatRates []float64   `json:"repeat_rates"`
	GlobalRate  float64     `json:"global_rate"`
	Cache       [][]float64 `json:"cache"`
}

func (m *AntiRepeat) Persist(ns Namespace) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.persistBase(ns); err != nil {
		return err
	}
	return ns.Put("params", antiRepeatState{RepeatRates: m.repeatRates, GlobalRate: m.globalRate, Cache: m.cache.Matrix()})
}

func (m *AntiRepeat) Restore(ns Namespace) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trained, err := m.restoreBase(ns)
	if err != nil || !trained {
		return false, err
	}
	var st antiRepeatState
	ok, err := ns.Get("params", &st)
	if err != nil || !ok || len(st.RepeatRates) != m.grid.Cells() {
		m.trained = false
		return false, err
	}
	m.repeatRates = st.RepeatRates
	m.globalRate = st.GlobalRate
	m.cache = HistoryFromMatrix(st.Cache, m.grid.Cells())
	return true, nil
}

// positionsOf converts 0-based indices into 1-based positions.
func positionsOf(idx []int) []int {
	out := make([]int, len(idx))
	for i, v := range idx {
		out[i] = v + 1
	}
	return out
}
