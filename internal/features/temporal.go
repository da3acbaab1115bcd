package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// windows are the look-back lengths of the frequency and trend features.
var windows = []int{3, 5, 10, 20, 50}

// streakScale normalises streak lengths.
const streakScale = 20.0

func temporalNames() []string {
	names := make([]string, 0, 2*len(windows)+7)
	for _, w := range windows {
		names = append(names, fmt.Sprintf("freq_%d", w), fmt.Sprintf("trend_%d", w))
	}
	return append(names,
		"freq_all", "since_last", "safe_streak", "hazard_streak",
		"hazard_last", "hazards_last_2", "variance_20",
	)
}

// temporal derives the per-cell features of one cell's hazard series.
func temporal(series []float64) []float64 {
	n := len(series)
	out := make([]float64, 0, 2*len(windows)+7)
	for _, w := range windows {
		tail := last(series, w)
		out = append(out, mean(tail), trend(tail))
	}

	sinceLast := float64(n)
	for g := n - 1; g >= 0; g-- {
		if series[g] > 0.5 {
			sinceLast = float64(n - 1 - g)
			break
		}
	}
	safeStreak, hazardStreak := streak(series, false), streak(series, true)

	lastHazard, lastTwo := 0.0, 0.0
	if n > 0 {
		lastHazard = series[n-1]
	}
	for _, v := range last(series, 2) {
		lastTwo += v
	}

	variance := 0.0
	if tail := last(series, 20); len(tail) > 1 {
		_, variance = stat.PopMeanVariance(tail, nil)
	}

	return append(out,
		mean(series),
		sinceLast/math.Max(float64(n), 1),
		math.Min(safeStreak/streakScale, 1),
		math.Min(hazardStreak/streakScale, 1),
		lastHazard,
		lastTwo/2,
		variance,
	)
}

var transitionNames = []string{"p_hazard_after_hazard", "p_hazard_after_safe", "p_stay", "p_change", "entropy_after_hazard", "entropy_after_safe"}

// transitions estimates the first-order behaviour of one cell, Laplace
// smoothed so short series stay near 0.5.
func transitions(series []float64) []float64 {
	var hh, fromH, hs, fromS, stay, pairs float64
	for g := 1; g < len(series); g++ {
		prev, cur := series[g-1] > 0.5, series[g] > 0.5
		if prev {
			fromH++
			if cur {
				hh++
			}
		} else {
			fromS++
			if cur {
				hs++
			}
		}
		if prev == cur {
			stay++
		}
		pairs++
	}
	pHH := (hh + 1) / (fromH + 2)
	pHS := (hs + 1) / (fromS + 2)
	pStay := (stay + 1) / (pairs + 2)
	return []float64{pHH, pHS, pStay, 1 - pStay, binaryEntropy(pHH), binaryEntropy(pHS)}
}

func last(series []float64, w int) []float64 {
	if w >= len(series) {
		return series
	}
	return series[len(series)-w:]
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.Mean(v, nil)
}

// trend is the mean of the newer half minus the mean of the older half.
func trend(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	half := len(v) / 2
	return mean(v[half:]) - mean(v[:half])
}

func streak(series []float64, hazard bool) float64 {
	n := 0.0
	for g := len(series) - 1; g >= 0 && (series[g] > 0.5) == hazard; g-- {
		n++
	}
	return n
}

func binaryEntropy(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return -(p*math.Log2(p) + (1-p)*math.Log2(1-p))
}
