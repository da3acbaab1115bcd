package ml

import (
	"fmt"

	"hazard-ensemble/internal/common"
)

// Markov is a second-order per-cell transition model blended with a
// cross-cell transition matrix. Counts are updated incrementally as new
// rounds are observed, so it adapts between full retrains.
type Markov struct {
	base
	minRounds int

	// counts[cell][prev2][prev1] holds {safe, hazard} outcome counts.
	counts     [][2][2][2]float64
	crossCount [][]float64 // crossCount[j][i]: j hazard after i hazard
	crossTotal []float64   // rounds in which i was a hazard and had a successor
	momentum   []float64   // histogram of changed cells between consecutive rounds
	cache      History
}

func NewMarkov(grid Grid, minRounds int) *Markov {
	m := &Markov{
		base:      newBase(common.ModelMarkov, KindHeuristic, grid),
		minRounds: minRounds,
	}
	m.reset()
	return m
}

func (m *Markov) reset() {
	n := m.grid.Cells()
	m.counts = make([][2][2][2]float64, n)
	m.crossCount = make([][]float64, n)
	for j := range m.crossCount {
		m.crossCount[j] = make([]float64, n)
	}
	m.crossTotal = make([]float64, n)
	m.momentum = make([]float64, 10)
}

func (m *Markov) Train(data TrainingData) (ModelMetrics, error) {
	h := data.Aux.History
	if len(h) < m.minRounds {
		return nil, fmt.Errorf("need at least %d rounds, got %d", m.minRounds, len(h))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	m.cache = nil
	for _, round := range h {
		m.observeLocked(round)
	}

	correct, total := 0.0, 0.0
	hits, evaluated := 0.0, 0.0
	for g := max(2, len(h)-20); g < len(h); g++ {
		pred := m.predictLocked(h.Prefix(g))
		for pos, p := range pred {
			hazard := h[g][pos] > 0.5
			if (p > m.grid.BaseRate()) == hazard {
				correct++
			}
			total++
		}
		hits += float64(countHits(pred, h[g], m.grid.Hazards))
		evaluated++
	}

	avgTransition := 0.0
	for pos := range m.counts {
		avgTransition += m.transition(pos, 0, 1) + m.transition(pos, 1, 1)
	}
	avgTransition /= float64(2 * len(m.counts))

	metrics := ModelMetrics{
		"accuracy_last_20":           ratio(correct, total),
		"hazards_found_last_20":      ratio(hits, evaluated),
		"n_games":                    len(h),
		"avg_transition_prob":        avgTransition,
		"change_momentum":            normalized(m.momentum),
		"most_predictable_positions": positionsOf(topIndices(m.predictabilityLocked(), 5)),
	}
	m.trained = true
	m.metrics = metrics
	return metrics, nil
}

// observeLocked folds one round into the counts and the cache.
func (m *Markov) observeLocked(round RoundVector) {
	h := m.cache
	if n := len(h); n >= 2 {
		for pos := range round {
			p2, p1, cur := bit(h[n-2][pos]), bit(h[n-1][pos]), bit(round[pos])
			m.counts[pos][p2][p1][cur]++
		}
	}
	if n := len(h); n >= 1 {
		prev := h[n-1].Hazards()
		cur := round.Hazards()
		for _, pi := range prev {
			m.crossTotal[pi]++
			for _, pj := range cur {
				m.crossCount[pj][pi]++
			}
		}
		changes := 0
		for pos := range round {
			if bit(round[pos]) != bit(h[n-1][pos]) {
				changes++
			}
		}
		m.momentum[min(changes, len(m.momentum)-1)]++
	}
	m.cache = h.Append(round)
}

// transition returns P(hazard | prev2, prev1) for a cell, Laplace-smoothed
// while fewer than three observations exist.
func (m *Markov) transition(pos, p2, p1 int) float64 {
	c := m.counts[pos][p2][p1]
	total := c[0] + c[1]
	if total >= 3 {
		return c[1] / total
	}
	return (c[1] + 1) / (total + 2)
}

func (m *Markov) cross(j, i int) float64 {
	if m.crossTotal[i] == 0 {
		return m.grid.BaseRate()
	}
	return m.crossCount[j][i] / m.crossTotal[i]
}

func (m *Markov) predictLocked(h History) []float64 {
	if len(h) < 2 {
		return m.fallback()
	}
	last, prev := h[len(h)-1], h[len(h)-2]
	lastHazards := last.Hazards()

	probs := make([]float64, m.grid.Cells())
	for pos := range probs {
		markov := m.transition(pos, bit(prev[pos]), bit(last[pos]))
		cross := m.grid.BaseRate()
		if len(lastHazards) > 0 {
			sum := 0.0
			for _, pb := range lastHazards {
				sum += m.cross(pos, pb)
			}
			cross = sum / float64(len(lastHazards))
		}
		probs[pos] = 0.7*markov + 0.3*cross
	}
	return m.grid.RescaleClip(probs, m.eps)
}

// predictabilityLocked is the spread of transition probabilities per cell.
func (m *Markov) predictabilityLocked() []float64 {
	out := make([]float64, m.grid.Cells())
	for pos := range out {
		lo, hi := 1.0, 0.0
		for p2 := 0; p2 < 2; p2++ {
			for p1 := 0; p1 < 2; p1++ {
				t := m.transition(pos, p2, p1)
				lo = min(lo, t)
				hi = max(hi, t)
			}
		}
		out[pos] = hi - lo
	}
	return out
}

func (m *Markov) Predict(in PredictionInput) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.trained {
		return m.fallback(), nil
	}
	return m.predictLocked(historyOrCache(in, m.cache)), nil
}

func (m *Markov) Observe(round RoundVector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeLocked(round)
}

func (m *Markov) CachedRounds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

type markovState struct {
	Counts     [][2][2][2]float64 `json:"counts"`
	CrossCount [][]float64        `json:"cross_count"`
	CrossTotal []float64          `json:"cross_total"`
	Momentum   []float64          `json:"momentum"`
	Cache      [][]float64        `json:"cache"`
}

func (m *Markov) Persist(ns Namespace) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.persistBase(ns); err != nil {
		return err
	}
	return ns.Put("params", markovState{
		Counts:     m.counts,
		CrossCount: m.crossCount,
		CrossTotal: m.crossTotal,
		Momentum:   m.momentum,
		Cache:      m.cache.Matrix(),
	})
}

func (m *Markov) Restore(ns Namespace) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trained, err := m.restoreBase(ns)
	if err != nil || !trained {
		return false, err
	}
	var st markovState
	ok, err := ns.Get("params", &st)
	n := m.grid.Cells()
	if err != nil || !ok || len(st.Counts) != n || len(st.CrossCount) != n || len(st.CrossTotal) != n {
		m.trained = false
		return false, err
	}
	m.counts = st.Counts
	m.crossCount = st.CrossCount
	m.crossTotal = st.CrossTotal
	m.momentum = st.Momentum
	m.cache = HistoryFromMatrix(st.Cache, n)
	return true, nil
}

func bit(v float64) int {
	if v > 0.5 {
		return 1
	}
	return 0
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func normalized(v []float64) []float64 {
	out := make([]float64, len(v))
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum == 0 {
		return out
	}
	for i, x := range v {
		out[i] = x / sum
	}
	return out
}

// countHits returns how many actual hazards fall into the k highest-scored cells.
func countHits(pred []float64, actual RoundVector, k int) int {
	hits := 0
	for _, idx := range topIndices(pred, k) {
		if actual[idx] > 0.5 {
			hits++
		}
	}
	return hits
}
