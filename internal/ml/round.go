package ml

// RoundVector marks hazard cells of one round with 1 and safe cells with 0.
type RoundVector []float64

// History is the chronological sequence of completed rounds.
type History []RoundVector

// NewRoundVector builds a vector from 1-based positions. Positions outside
// [1, N] are returned as rejected and do not touch the vector; duplicates
// collapse onto one cell.
func NewRoundVector(grid Grid, positions []int) (RoundVector, []int) {
	vec := make(RoundVector, grid.Cells())
	var rejected []int
	for _, pos := range positions {
		if pos < 1 || pos > grid.Cells() {
			rejected = append(rejected, pos)
			continue
		}
		vec[pos-1] = 1
	}
	return vec, rejected
}

// Hazards returns the 0-based hazard indices.
func (r RoundVector) Hazards() []int {
	out := make([]int, 0, 4)
	for i, v := range r {
		if v > 0.5 {
			out = append(out, i)
		}
	}
	return out
}

// Count returns the number of hazard cells.
func (r RoundVector) Count() int {
	n := 0
	for _, v := range r {
		if v > 0.5 {
			n++
		}
	}
	return n
}

// Positions returns the 1-based hazard positions.
func (r RoundVector) Positions() []int {
	h := r.Hazards()
	for i := range h {
		h[i]++
	}
	return h
}

// Clone returns a copy that shares no storage with r.
func (r RoundVector) Clone() RoundVector {
	out := make(RoundVector, len(r))
	copy(out, r)
	return out
}

// Prefix returns the first n rounds without allowing appends to write into
// the shared backing array.
func (h History) Prefix(n int) History {
	if n > len(h) {
		n = len(h)
	}
	if n < 0 {
		n = 0
	}
	return h[:n:n]
}

// Append returns a new history with round added; h itself is unchanged.
func (h History) Append(round RoundVector) History {
	out := make(History, len(h), len(h)+1)
	copy(out, h)
	return append(out, round)
}

// Last returns the most recent n rounds (fewer if the history is shorter).
func (h History) Last(n int) History {
	if n >= len(h) {
		return h
	}
	return h[len(h)-n:]
}

// Column returns the hazard series of one cell.
func (h History) Column(cell int) []float64 {
	out := make([]float64, len(h))
	for g, row := range h {
		out[g] = row[cell]
	}
	return out
}

// Matrix converts the history into plain nested slices for persistence.
func (h History) Matrix() [][]float64 {
	out := make([][]float64, len(h))
	for i, row := range h {
		out[i] = []float64(row)
	}
	return out
}

// HistoryFromMatrix is the inverse of Matrix. Rows with the wrong length are
// dropped so a damaged snapshot never changes the history shape.
func HistoryFromMatrix(m [][]float64, cells int) History {
	out := make(History, 0, len(m))
	for _, row := range m {
		if len(row) != cells {
			continue
		}
		out = append(out, RoundVector(row))
	}
	return out
}
