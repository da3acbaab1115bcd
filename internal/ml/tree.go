package ml

import (
	"math/rand"
	"sort"
)

const maxBins = 32

// binner maps continuous features onto at most maxBins quantile buckets.
// Value x falls into bucket b when x <= edges[b] and x > edges[b-1].
type binner struct {
	Edges [][]float64 `json:"edges"`
}

func newBinner(x [][]float64, width int) *binner {
	b := &binner{Edges: make([][]float64, width)}
	col := make([]float64, len(x))
	for f := 0; f < width; f++ {
		for i, row := range x {
			col[i] = row[f]
		}
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)

		var edges []float64
		for q := 1; q < maxBins; q++ {
			v := sorted[q*(len(sorted)-1)/maxBins]
			if len(edges) == 0 || v > edges[len(edges)-1] {
				edges = append(edges, v)
			}
		}
		if len(edges) == 0 || edges[len(edges)-1] < sorted[len(sorted)-1] {
			edges = append(edges, sorted[len(sorted)-1])
		}
		b.Edges[f] = edges
	}
	return b
}

func (b *binner) bin(f int, v float64) int {
	edges := b.Edges[f]
	i := sort.SearchFloat64s(edges, v)
	if i >= len(edges) {
		i = len(edges) - 1
	}
	return i
}

// transform bins every row of x.
func (b *binner) transform(x [][]float64) [][]uint8 {
	out := make([][]uint8, len(x))
	for i, row := range x {
		out[i] = make([]uint8, len(b.Edges))
		for f := range b.Edges {
			out[i][f] = uint8(b.bin(f, row[f]))
		}
	}
	return out
}

// treeNode is a flattened tree node; leaves have Feature == -1.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

type tree struct {
	Nodes []treeNode `json:"nodes"`
}

func (t *tree) predict(row []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if row[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// treeParams controls growth of a single second-order tree.
type treeParams struct {
	maxDepth   int
	minLeaf    int
	lambda     float64
	colsample  float64 // fraction of features considered per split
	minHessian float64
}

// treeGrower fits trees on gradient/hessian pairs over binned data.
// Forest trees use g = -w*y, h = w so that leaves become weighted means.
type treeGrower struct {
	binned [][]uint8
	bins   *binner
	params treeParams
	rng    *rand.Rand
	gain   []float64 // accumulated split gain per feature
}

func newTreeGrower(binned [][]uint8, bins *binner, params treeParams, rng *rand.Rand) *treeGrower {
	return &treeGrower{
		binned: binned,
		bins:   bins,
		params: params,
		rng:    rng,
		gain:   make([]float64, len(bins.Edges)),
	}
}

func (tg *treeGrower) grow(rows []int, grad, hess []float64) *tree {
	t := &tree{}
	tg.split(t, rows, grad, hess, 0)
	return t
}

func (tg *treeGrower) leafValue(gSum, hSum float64) float64 {
	if hSum+tg.params.lambda <= 0 {
		return 0
	}
	return -gSum / (hSum + tg.params.lambda)
}

func (tg *treeGrower) split(t *tree, rows []int, grad, hess []float64, depth int) int {
	id := len(t.Nodes)
	t.Nodes = append(t.Nodes, treeNode{Feature: -1})

	gSum, hSum := 0.0, 0.0
	for _, r := range rows {
		gSum += grad[r]
		hSum += hess[r]
	}
	t.Nodes[id].Value = tg.leafValue(gSum, hSum)
	if depth >= tg.params.maxDepth || len(rows) < 2*tg.params.minLeaf || hSum <= 0 {
		return id
	}

	feature, bin, gain := tg.bestSplit(rows, grad, hess, gSum, hSum)
	if feature < 0 || gain <= 1e-12 {
		return id
	}
	tg.gain[feature] += gain

	var left, right []int
	for _, r := range rows {
		if int(tg.binned[r][feature]) <= bin {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	t.Nodes[id].Feature = feature
	t.Nodes[id].Threshold = tg.bins.Edges[feature][bin]
	l := tg.split(t, left, grad, hess, depth+1)
	r := tg.split(t, right, grad, hess, depth+1)
	t.Nodes[id].Left = l
	t.Nodes[id].Right = r
	return id
}

func (tg *treeGrower) bestSplit(rows []int, grad, hess []float64, gSum, hSum float64) (int, int, float64) {
	lambda := tg.params.lambda
	parent := gSum * gSum / (hSum + lambda)

	features := tg.sampleFeatures()
	bestFeature, bestBin, bestGain := -1, -1, 0.0
	var gh, hh [maxBins]float64
	var cnt [maxBins]int
	for _, f := range features {
		nb := len(tg.bins.Edges[f])
		if nb < 2 {
			continue
		}
		for b := 0; b < nb; b++ {
			gh[b], hh[b], cnt[b] = 0, 0, 0
		}
		for _, r := range rows {
			b := tg.binned[r][f]
			gh[b] += grad[r]
			hh[b] += hess[r]
			cnt[b]++
		}

		gl, hl, nl := 0.0, 0.0, 0
		for b := 0; b < nb-1; b++ {
			gl += gh[b]
			hl += hh[b]
			nl += cnt[b]
			nr := len(rows) - nl
			if nl < tg.params.minLeaf || nr < tg.params.minLeaf {
				continue
			}
			hr := hSum - hl
			if hl <= 0 || hr <= 0 || hl < tg.params.minHessian || hr < tg.params.minHessian {
				continue
			}
			gr := gSum - gl
			gain := gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - parent
			if gain > bestGain {
				bestFeature, bestBin, bestGain = f, b, gain
			}
		}
	}
	return bestFeature, bestBin, bestGain
}

func (tg *treeGrower) sampleFeatures() []int {
	width := len(tg.bins.Edges)
	k := int(float64(width)*tg.params.colsample + 0.5)
	if k < 1 {
		k = 1
	}
	if k >= width {
		out := make([]int, width)
		for i := range out {
			out[i] = i
		}
		return out
	}
	return tg.rng.Perm(width)[:k]
}
