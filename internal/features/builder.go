// Package features turns a round history into per-cell feature rows for the
// statistical ensemble members. Rows for round g are derived from rounds
// strictly before g only.
package features

import (
	"fmt"
	"math"

	"hazard-ensemble/internal/ml"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	neighbourNames = []string{"neighbours_last", "neighbours_mean_5", "neighbour_correlation_20", "row_density_last", "col_density_last"}
	globalNames    = []string{"last_entropy", "similarity_prev", "similarity_2_3", "mean_hazard_distance", "repeated_last", "history_length"}
)

// Builder is the default feature provider of the ensemble.
type Builder struct {
	grid    ml.Grid
	spatial [][]float64
	names   []string
}

var _ ml.FeatureProvider = (*Builder)(nil)

func NewBuilder(grid ml.Grid) *Builder {
	names := append([]string(nil), spatialNames...)
	names = append(names, temporalNames()...)
	names = append(names, neighbourNames...)
	names = append(names, transitionNames...)
	names = append(names, globalNames...)
	return &Builder{grid: grid, spatial: spatialTable(grid), names: names}
}

// Names returns the column names in row order.
func (b *Builder) Names() []string {
	return b.names
}

// ForPrediction returns one row per cell for the round following h.
func (b *Builder) ForPrediction(h ml.History) ([][]float64, error) {
	cells := b.grid.Cells()
	for g, round := range h {
		if len(round) != cells {
			return nil, fmt.Errorf("round %d has %d cells, expected %d", g, len(round), cells)
		}
	}

	columns := make([][]float64, cells)
	for cell := range columns {
		columns[cell] = h.Column(cell)
	}
	global := b.global(h)

	rows := make([][]float64, cells)
	for cell := range rows {
		row := make([]float64, 0, len(b.names))
		row = append(row, b.spatial[cell]...)
		row = append(row, temporal(columns[cell])...)
		row = append(row, b.neighbour(h, columns, cell)...)
		row = append(row, transitions(columns[cell])...)
		row = append(row, global...)
		rows[cell] = row
	}
	return rows, nil
}

// BuildDataset stacks the rows of rounds [start, end), each labelled with
// that round's outcome.
func (b *Builder) BuildDataset(h ml.History, start, end int) (ml.Dataset, error) {
	if start < 0 || start > end {
		return ml.Dataset{}, fmt.Errorf("invalid dataset range [%d, %d)", start, end)
	}
	end = min(end, len(h))

	var ds ml.Dataset
	for g := start; g < end; g++ {
		rows, err := b.ForPrediction(h.Prefix(g))
		if err != nil {
			return ml.Dataset{}, err
		}
		ds.Features = append(ds.Features, rows...)
		ds.Labels = append(ds.Labels, h[g]...)
	}
	return ds, nil
}

func (b *Builder) neighbour(h ml.History, columns [][]float64, cell int) []float64 {
	out := make([]float64, len(neighbourNames))
	n := len(h)
	nbs := b.grid.Neighbors(cell)
	if n == 0 || len(nbs) == 0 {
		return out
	}
	lastRound := h[n-1]

	for _, nb := range nbs {
		out[0] += lastRound[nb]
	}
	out[0] /= float64(len(nbs))

	recent := h.Last(5)
	for _, round := range recent {
		for _, nb := range nbs {
			out[1] += round[nb]
		}
	}
	out[1] /= float64(len(nbs) * len(recent))

	own := last(columns[cell], 20)
	if len(own) > 2 {
		corr, counted := 0.0, 0
		for _, nb := range nbs {
			other := last(columns[nb], 20)
			if stat.Variance(own, nil) == 0 || stat.Variance(other, nil) == 0 {
				continue
			}
			corr += stat.Correlation(own, other, nil)
			counted++
		}
		if counted > 0 {
			out[2] = corr / float64(counted)
		}
	}

	r, c := b.grid.RowCol(cell)
	for cc := 0; cc < b.grid.Cols; cc++ {
		out[3] += lastRound[b.grid.Index(r, cc)]
	}
	for rr := 0; rr < b.grid.Rows; rr++ {
		out[4] += lastRound[b.grid.Index(rr, c)]
	}
	out[3] /= float64(b.grid.Cols)
	out[4] /= float64(b.grid.Rows)
	return out
}

// global describes the whole board and is repeated on every row.
func (b *Builder) global(h ml.History) []float64 {
	out := make([]float64, len(globalNames))
	n := len(h)
	out[5] = math.Log1p(float64(n)) / math.Log1p(1000)
	if n == 0 {
		return out
	}
	lastRound := h[n-1]
	hazards := lastRound.Hazards()

	rowCounts := make([]float64, b.grid.Rows)
	for _, i := range hazards {
		r, _ := b.grid.RowCol(i)
		rowCounts[r]++
	}
	if total := floats.Sum(rowCounts); total > 0 && b.grid.Rows > 1 {
		floats.Scale(1/total, rowCounts)
		out[0] = stat.Entropy(rowCounts) / math.Log(float64(b.grid.Rows))
	}

	if n > 1 {
		out[1] = jaccard(lastRound, h[n-2])
		out[4] = overlap(lastRound, h[n-2]) / float64(b.grid.Hazards)
	}
	var sims []float64
	for _, back := range []int{3, 4} {
		if n >= back {
			sims = append(sims, jaccard(lastRound, h[n-back]))
		}
	}
	out[2] = mean(sims)

	if len(hazards) > 1 {
		sum, pairs := 0.0, 0
		for i := 0; i < len(hazards); i++ {
			for j := i + 1; j < len(hazards); j++ {
				ri, ci := b.grid.RowCol(hazards[i])
				rj, cj := b.grid.RowCol(hazards[j])
				sum += math.Abs(float64(ri-rj)) + math.Abs(float64(ci-cj))
				pairs++
			}
		}
		out[3] = sum / float64(pairs) / float64(max(1, b.grid.Rows+b.grid.Cols-2))
	}
	return out
}

func overlap(a, b ml.RoundVector) float64 {
	n := 0.0
	for i := range a {
		if a[i] > 0.5 && b[i] > 0.5 {
			n++
		}
	}
	return n
}

func jaccard(a, b ml.RoundVector) float64 {
	union := 0.0
	for i := range a {
		if a[i] > 0.5 || b[i] > 0.5 {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return overlap(a, b) / union
}
