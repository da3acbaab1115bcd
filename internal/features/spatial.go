package features

import (
	"math"

	"hazard-ensemble/internal/ml"
)

var spatialNames = []string{
	"row_norm", "col_norm",
	"is_corner", "is_edge", "is_center", "is_near_center",
	"dist_center_manhattan", "dist_center_euclid",
	"quad_tl", "quad_tr", "quad_bl", "quad_br",
	"main_diag", "anti_diag", "ring",
}

// spatialTable computes the static per-cell geometry once per board.
func spatialTable(grid ml.Grid) [][]float64 {
	cr := float64(grid.Rows-1) / 2
	cc := float64(grid.Cols-1) / 2
	maxManhattan := math.Max(cr+cc, 1)
	maxEuclid := math.Max(math.Hypot(cr, cc), 1)
	maxRing := math.Max(math.Max(cr, cc), 1)

	out := make([][]float64, grid.Cells())
	for i := range out {
		r, c := grid.RowCol(i)
		dr, dc := math.Abs(float64(r)-cr), math.Abs(float64(c)-cc)
		zone := grid.Zone(i)

		out[i] = []float64{
			norm(r, grid.Rows),
			norm(c, grid.Cols),
			flag(zone == 0),
			flag(zone == 1),
			flag(zone == 2),
			flag(dr <= 1 && dc <= 1),
			(dr + dc) / maxManhattan,
			math.Hypot(dr, dc) / maxEuclid,
			flag(float64(r) < cr && float64(c) < cc),
			flag(float64(r) < cr && float64(c) > cc),
			flag(float64(r) > cr && float64(c) < cc),
			flag(float64(r) > cr && float64(c) > cc),
			flag(r == c),
			flag(r+c == grid.Cols-1),
			math.Max(dr, dc) / maxRing,
		}
	}
	return out
}

func norm(v, size int) float64 {
	if size <= 1 {
		return 0
	}
	return float64(v) / float64(size-1)
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
