package ml

import (
	"math"
	"sort"
)

// Grid describes the board geometry and the number of hazards per round.
type Grid struct {
	Rows    int `json:"rows"`
	Cols    int `json:"cols"`
	Hazards int `json:"hazards"`
}

// DefaultGrid is the 5x5 board with four hazards.
func DefaultGrid() Grid {
	return Grid{Rows: 5, Cols: 5, Hazards: 4}
}

// Cells returns N, the number of cells.
func (g Grid) Cells() int {
	return g.Rows * g.Cols
}

// BaseRate returns K/N, the prior hazard probability of any cell.
func (g Grid) BaseRate() float64 {
	return float64(g.Hazards) / float64(g.Cells())
}

// Uniform returns a vector filled with the base rate.
func (g Grid) Uniform() []float64 {
	out := make([]float64, g.Cells())
	for i := range out {
		out[i] = g.BaseRate()
	}
	return out
}

// RowCol converts a 0-based cell index into row and column.
func (g Grid) RowCol(i int) (int, int) {
	return i / g.Cols, i % g.Cols
}

// Index converts row and column into a 0-based cell index.
func (g Grid) Index(r, c int) int {
	return r*g.Cols + c
}

// Neighbors returns the 8-neighbourhood of cell i.
func (g Grid) Neighbors(i int) []int {
	r, c := g.RowCol(i)
	out := make([]int, 0, 8)
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			nr, nc := r+dr, c+dc
			if nr >= 0 && nr < g.Rows && nc >= 0 && nc < g.Cols {
				out = append(out, g.Index(nr, nc))
			}
		}
	}
	return out
}

// Zone classifies a cell as corner (0), edge (1) or interior (2).
func (g Grid) Zone(i int) int {
	r, c := g.RowCol(i)
	rowBorder := r == 0 || r == g.Rows-1
	colBorder := c == 0 || c == g.Cols-1
	switch {
	case rowBorder && colBorder:
		return 0
	case rowBorder || colBorder:
		return 1
	default:
		return 2
	}
}

// SuggestionZone labels the board region of a cell for presentation:
// A is the top-left block, B the bottom-right block, C everything else.
func (g Grid) SuggestionZone(i int) string {
	r, c := g.RowCol(i)
	switch {
	case r < g.Rows*2/5 && c < g.Cols*3/5:
		return "A"
	case r >= g.Rows*3/5 && c >= g.Cols*2/5:
		return "B"
	default:
		return "C"
	}
}

// RescaleClip multiplies p so that it sums to K and clips every entry to
// [eps, 1-eps]. A vector summing to zero is replaced by the base rate.
func (g Grid) RescaleClip(p []float64, eps float64) []float64 {
	out := make([]float64, len(p))
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	if sum <= 0 {
		copy(out, g.Uniform())
		return out
	}
	scale := float64(g.Hazards) / sum
	for i, v := range p {
		out[i] = clip(v*scale, eps, 1-eps)
	}
	return out
}

func clip(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// topIndices returns the indices of the k largest values, largest first.
// Ties keep the lower index first.
func topIndices(p []float64, k int) []int {
	idx := make([]int, len(p))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] > p[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// bottomIndices returns the indices of the k smallest values, smallest first.
func bottomIndices(p []float64, k int) []int {
	idx := make([]int, len(p))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}
