package ml

import (
	"fmt"
	"math"

	"hazard-ensemble/internal/common"

	"gonum.org/v1/gonum/stat"
)

// Dispersion models where hazards sit on the board and how they spread:
// per-cell frequency shaped by row and column marginals, drift between
// coarse 3x3 zones across rounds, and clustering of hazards next to each
// other.
type Dispersion struct {
	base
	minRounds int

	positionProbs []float64
	rowProbs      []float64
	colProbs      []float64
	zoneProbs     [3]float64
	adjacency     []float64
	migration     [9][9]float64
	distMean      float64
	distStd       float64
	cache         History
}

func NewDispersion(grid Grid, minRounds int) *Dispersion {
	return &Dispersion{
		base:      newBase(common.ModelDispersion, KindHeuristic, grid),
		minRounds: minRounds,
	}
}

func (m *Dispersion) Train(data TrainingData) (ModelMetrics, error) {
	h := data.Aux.History
	if len(h) < m.minRounds {
		return nil, fmt.Errorf("need at least %d rounds, got %d", m.minRounds, len(h))
	}

	g := m.grid
	n := g.Cells()
	pos := make([]float64, n)
	for cell := range pos {
		pos[cell] = stat.Mean(h.Column(cell), nil)
	}

	rows := make([]float64, g.Rows)
	cols := make([]float64, g.Cols)
	var zoneSum, zoneCnt [3]float64
	for cell, p := range pos {
		r, c := g.RowCol(cell)
		rows[r] += p / float64(g.Cols)
		cols[c] += p / float64(g.Rows)
		z := g.Zone(cell)
		zoneSum[z] += p
		zoneCnt[z]++
	}
	var zones [3]float64
	for z := range zones {
		if zoneCnt[z] > 0 {
			zones[z] = zoneSum[z] / zoneCnt[z]
		}
	}

	// P(hazard | some neighbour is a hazard in the same round) minus the base rate.
	adjacency := make([]float64, n)
	for cell := range adjacency {
		withNeighbour, hit := 0.0, 0.0
		for _, round := range h {
			for _, nb := range g.Neighbors(cell) {
				if round[nb] > 0.5 {
					withNeighbour++
					if round[cell] > 0.5 {
						hit++
					}
					break
				}
			}
		}
		if withNeighbour > 0 {
			adjacency[cell] = hit/withNeighbour - g.BaseRate()
		}
	}

	var dists []float64
	for _, round := range h {
		hz := round.Hazards()
		for i := 0; i < len(hz); i++ {
			for j := i + 1; j < len(hz); j++ {
				ri, ci := g.RowCol(hz[i])
				rj, cj := g.RowCol(hz[j])
				dists = append(dists, math.Hypot(float64(ri-rj), float64(ci-cj)))
			}
		}
	}
	distMean, distStd := 0.0, 0.0
	if len(dists) > 0 {
		var variance float64
		distMean, variance = stat.PopMeanVariance(dists, nil)
		distStd = math.Sqrt(variance)
	}

	var migration [9][9]float64
	for t := 1; t < len(h); t++ {
		for _, src := range h[t-1].Hazards() {
			for _, tgt := range h[t].Hazards() {
				migration[m.coarseZone(src)][m.coarseZone(tgt)]++
			}
		}
	}
	for src := range migration {
		total := 0.0
		for _, v := range migration[src] {
			total += v
		}
		for tgt := range migration[src] {
			if total > 0 {
				migration[src][tgt] /= total
			} else {
				migration[src][tgt] = 1.0 / 9
			}
		}
	}

	metrics := ModelMetrics{
		"zone_probs":          zones[:],
		"avg_hazard_distance": distMean,
		"std_hazard_distance": distStd,
		"max_adjacency_boost": maxOf(adjacency),
		"hottest_positions":   positionsOf(topIndices(pos, 5)),
		"coldest_positions":   positionsOf(bottomIndices(pos, 5)),
		"rounds":              len(h),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionProbs = pos
	m.rowProbs = rows
	m.colProbs = cols
	m.zoneProbs = zones
	m.adjacency = adjacency
	m.migration = migration
	m.distMean = distMean
	m.distStd = distStd
	m.cache = append(History(nil), h...)
	m.trained = true
	m.metrics = metrics
	return metrics, nil
}

// coarseZone maps a cell onto a 3x3 partition of the board.
func (m *Dispersion) coarseZone(cell int) int {
	r, c := m.grid.RowCol(cell)
	zr := min(r*3/m.grid.Rows, 2)
	zc := min(c*3/m.grid.Cols, 2)
	return zr*3 + zc
}

func (m *Dispersion) Predict(in PredictionInput) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.trained {
		return m.fallback(), nil
	}

	g := m.grid
	meanPos := math.Max(stat.Mean(m.positionProbs, nil), 0.01)
	probs := make([]float64, g.Cells())
	for cell := range probs {
		r, c := g.RowCol(cell)
		rowF := m.rowProbs[r] / meanPos
		colF := m.colProbs[c] / meanPos
		probs[cell] = m.positionProbs[cell] * math.Sqrt(colF*rowF)
	}

	h := historyOrCache(in, m.cache)
	if len(h) > 0 {
		last := h[len(h)-1].Hazards()
		if len(last) > 0 {
			mig := make([]float64, g.Cells())
			for cell := range mig {
				tgt := m.coarseZone(cell)
				for _, src := range last {
					mig[cell] += m.migration[m.coarseZone(src)][tgt]
				}
				mig[cell] /= float64(len(last))
			}
			total, migTotal := 0.0, 0.0
			for cell := range probs {
				total += probs[cell]
				migTotal += mig[cell]
			}
			if migTotal > 0 {
				for cell := range probs {
					probs[cell] = 0.7*probs[cell] + 0.3*mig[cell]*total/migTotal
				}
			}
		}

		for cell := range probs {
			neighbours := g.Neighbors(cell)
			hazards := 0
			for _, nb := range neighbours {
				if h[len(h)-1][nb] > 0.5 {
					hazards++
				}
			}
			if hazards > 0 {
				probs[cell] += m.adjacency[cell] * float64(hazards) / float64(len(neighbours)) * 0.3
			}
		}
	}

	for cell := range probs {
		probs[cell] = clip(probs[cell], m.eps, 1-m.eps)
	}
	return probs, nil
}

func (m *Dispersion) Observe(round RoundVector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = m.cache.Append(round)
}

func (m *Dispersion) CachedRounds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

type dispersionState struct {
	PositionProbs []float64     `json:"position_probs"`
	RowProbs      []float64     `json:"row_probs"`
	ColProbs      []float64     `json:"col_probs"`
	ZoneProbs     [3]float64    `json:"zone_probs"`
	Adjacency     []float64     `json:"adjacency"`
	Migration     [9][9]float64 `json:"migration"`
	DistMean      float64       `json:"dist_mean"`
	DistStd       float64       `json:"dist_std"`
	Cache         [][]float64   `json:"cache"`
}

func (m *Dispersion) Persist(ns Namespace) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.persistBase(ns); err != nil {
		return err
	}
	return ns.Put("params", dispersionState{
		PositionProbs: m.positionProbs,
		RowProbs:      m.rowProbs,
		ColProbs:      m.colProbs,
		ZoneProbs:     m.zoneProbs,
		Adjacency:     m.adjacency,
		Migration:     m.migration,
		DistMean:      m.distMean,
		DistStd:       m.distStd,
		Cache:         m.cache.Matrix(),
	})
}

func (m *Dispersion) Restore(ns Namespace) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trained, err := m.restoreBase(ns)
	if err != nil || !trained {
		return false, err
	}
	var st dispersionState
	ok, err := ns.Get("params", &st)
	n := m.grid.Cells()
	if err != nil || !ok || len(st.PositionProbs) != n || len(st.Adjacency) != n ||
		len(st.RowProbs) != m.grid.Rows || len(st.ColProbs) != m.grid.Cols {
		m.trained = false
		return false, err
	}
	m.positionProbs = st.PositionProbs
	m.rowProbs = st.RowProbs
	m.colProbs = st.ColProbs
	m.zoneProbs = st.ZoneProbs
	m.adjacency = st.Adjacency
	m.migration = st.Migration
	m.distMean = st.DistMean
	m.distStd = st.DistStd
	m.cache = HistoryFromMatrix(st.Cache, n)
	return true, nil
}

func maxOf(v []float64) float64 {
	out := math.Inf(-1)
	for _, x := range v {
		out = math.Max(out, x)
	}
	return out
}
