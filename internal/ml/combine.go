package ml

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Combine blends per-model vectors by weight. Only models present in preds
// take part; their weights are renormalised by the weighted sum over the
// weight sum. The result is rescaled to sum K and clipped to [eps, 1-eps].
func Combine(preds map[string][]float64, weights map[string]float64, grid Grid, eps float64) []float64 {
	n := grid.Cells()
	sum := make([]float64, n)
	totalWeight := 0.0
	for _, name := range sortedNames(preds) {
		w := weights[name]
		if w <= 0 {
			continue
		}
		for i, p := range preds[name] {
			sum[i] += w * p
		}
		totalWeight += w
	}
	if totalWeight == 0 {
		// every present model has zero weight: fall back to a plain mean
		for _, name := range sortedNames(preds) {
			for i, p := range preds[name] {
				sum[i] += p
			}
			totalWeight++
		}
	}
	if totalWeight == 0 {
		return grid.Uniform()
	}
	for i := range sum {
		sum[i] /= totalWeight
	}
	return grid.RescaleClip(sum, eps)
}

// Uncertainty is the per-cell population standard deviation across models.
// With fewer than two models there is no disagreement to measure and every
// cell gets 0.5.
func Uncertainty(preds map[string][]float64, cells int) []float64 {
	out := make([]float64, cells)
	if len(preds) < 2 {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	col := make([]float64, 0, len(preds))
	names := sortedNames(preds)
	for i := range out {
		col = col[:0]
		for _, name := range names {
			col = append(col, preds[name][i])
		}
		_, variance := stat.PopMeanVariance(col, nil)
		out[i] = math.Sqrt(variance)
	}
	return out
}

// Confidence is the presented confidence of a "safe" claim, in percent.
func Confidence(p, uncertainty float64) float64 {
	return math.Max(5, (1-p)*100-uncertainty*30)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
