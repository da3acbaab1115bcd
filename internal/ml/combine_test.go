package ml

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestCombine_SumsToK(t *testing.T) {
	grid := DefaultGrid()
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		preds := make(map[string][]float64)
		weights := make(map[string]float64)
		for _, name := range []string{"a", "b", "c", "d"} {
			if rng.Float64() < 0.3 {
				continue // absent model
			}
			raw := make([]float64, grid.Cells())
			for i := range raw {
				raw[i] = rng.Float64()
			}
			preds[name] = grid.RescaleClip(raw, 0.001)
			weights[name] = rng.Float64()
		}
		if len(preds) == 0 {
			continue
		}

		combined := Combine(preds, weights, grid, 0.01)
		require.Len(t, combined, grid.Cells())
		assert.InDelta(t, float64(grid.Hazards), floats.Sum(combined), 0.05)
		for _, p := range combined {
			assert.GreaterOrEqual(t, p, 0.01)
			assert.LessOrEqual(t, p, 0.99)
		}
	}
}

func TestCombine_IgnoresAbsentModels(t *testing.T) {
	grid := DefaultGrid()
	only := grid.Uniform()
	only[0], only[1] = 0.5, 0.02

	combined := Combine(map[string][]float64{"present": only}, map[string]float64{"present": 0.2, "absent": 0.8}, grid, 0.01)
	assert.InDeltaSlice(t, grid.RescaleClip(only, 0.01), combined, 1e-12)
}

func TestCombine_ZeroWeightsFallBackToMean(t *testing.T) {
	grid := DefaultGrid()
	combined := Combine(map[string][]float64{"x": grid.Uniform()}, map[string]float64{}, grid, 0.01)
	assert.InDeltaSlice(t, grid.Uniform(), combined, 1e-12)
}

func TestUncertainty(t *testing.T) {
	grid := DefaultGrid()

	single := Uncertainty(map[string][]float64{"a": grid.Uniform()}, grid.Cells())
	for _, u := range single {
		assert.Equal(t, 0.5, u)
	}

	a := grid.Uniform()
	b := grid.Uniform()
	a[3], b[3] = 0.1, 0.3
	u := Uncertainty(map[string][]float64{"a": a, "b": b}, grid.Cells())
	assert.InDelta(t, 0.1, u[3], 1e-12)
	assert.InDelta(t, 0.0, u[0], 1e-12)
}

func TestConfidence(t *testing.T) {
	testCases := []struct {
		name        string
		p           float64
		uncertainty float64
		expected    float64
	}{
		{"certain safe cell", 0.01, 0, 99},
		{"disagreement penalised", 0.10, 0.2, 84},
		{"floor", 0.99, 0.5, 5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, Confidence(tc.p, tc.uncertainty), 1e-9)
		})
	}
}

func TestTiers_Label(t *testing.T) {
	tiers := Tiers{Low: 0.12, Medium: 0.20, High: 0.30}
	assert.Equal(t, "low", tiers.Label(0.05))
	assert.Equal(t, "medium", tiers.Label(0.12))
	assert.Equal(t, "high", tiers.Label(0.25))
	assert.Equal(t, "very_high", tiers.Label(0.30))
}
