package ml

import (
	"sort"
	"time"
)

// CellRisk is the presentation of one cell in a ranking.
type CellRisk struct {
	Position    int     `json:"position"`
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
	Uncertainty float64 `json:"uncertainty"`
	Tier        string  `json:"risk_tier"`
}

// Suggestion is the single cell recommended next.
type Suggestion struct {
	Position   int     `json:"position"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"strategy"`
	Zone       string  `json:"zone"`
	QValue     float64 `json:"q_value"`
}

// Contribution summarises one member's part in a prediction.
type Contribution struct {
	Weight       float64 `json:"weight"`
	TopDangerous []int   `json:"top_dangerous"`
}

// MLInfo carries ensemble counters alongside a prediction.
type MLInfo struct {
	TotalRounds        int   `json:"total_rounds"`
	TotalPredictions   int64 `json:"total_predictions"`
	RoundsSinceRetrain int   `json:"rounds_since_retrain"`
	ActiveModels       int   `json:"active_models"`
}

// Prediction is the ensemble's answer for the next round.
type Prediction struct {
	Suggestion      *Suggestion             `json:"suggestion,omitempty"`
	RankedSafe      []CellRisk              `json:"ranked_safe"`
	RankedDangerous []CellRisk              `json:"ranked_dangerous"`
	Contributions   map[string]Contribution `json:"per_model_contribution"`
	Weights         map[string]float64      `json:"current_weights"`
	Probabilities   []float64               `json:"probabilities"`
	Uncertainty     []float64               `json:"uncertainty"`
	Confidence      []float64               `json:"confidence"`
	ML              MLInfo                  `json:"ml"`
}

const (
	strategyLabel  = "ensemble_ml"
	dangerousCount = 4
)

// Predict ranks the cells of the next round. revealed holds 1-based cells
// already opened in the current round; they are left out of the rankings.
// n bounds the safe ranking (all unrevealed cells when n <= 0).
func (e *Ensemble) Predict(revealed []int, n int) (*Prediction, error) {
	start := time.Now()
	st := e.state.Load()
	models := st.trainedModels()
	if len(models) == 0 {
		e.metrics.PredictionFailuresInc()
		return nil, ErrPredictionUnavailable
	}

	grid := e.cfg.Grid
	preds := e.modelPredictions(models, st.History)
	combined := Combine(preds, st.Weights, grid, e.cfg.Epsilon)
	uncertainty := Uncertainty(preds, grid.Cells())

	confidence := make([]float64, grid.Cells())
	for i, p := range combined {
		confidence[i] = Confidence(p, uncertainty[i])
	}

	excluded := make(map[int]bool, len(revealed))
	for _, pos := range revealed {
		if pos >= 1 && pos <= grid.Cells() {
			excluded[pos-1] = true
		}
	}
	candidates := make([]int, 0, grid.Cells())
	for i := range combined {
		if !excluded[i] {
			candidates = append(candidates, i)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool { return combined[candidates[a]] < combined[candidates[b]] })

	risk := func(i int) CellRisk {
		return CellRisk{
			Position:    i + 1,
			Probability: combined[i],
			Confidence:  confidence[i],
			Uncertainty: uncertainty[i],
			Tier:        e.cfg.Tiers.Label(combined[i]),
		}
	}

	limit := len(candidates)
	if n > 0 && n < limit {
		limit = n
	}
	out := &Prediction{
		RankedSafe:    make([]CellRisk, 0, limit),
		Contributions: make(map[string]Contribution, len(preds)),
		Weights:       copyWeights(st.Weights),
		Probabilities: combined,
		Uncertainty:   uncertainty,
		Confidence:    confidence,
	}
	for _, i := range candidates[:limit] {
		out.RankedSafe = append(out.RankedSafe, risk(i))
	}
	for j := len(candidates) - 1; j >= 0 && len(out.RankedDangerous) < dangerousCount; j-- {
		out.RankedDangerous = append(out.RankedDangerous, risk(candidates[j]))
	}
	for name, p := range preds {
		out.Contributions[name] = Contribution{
			Weight:       st.Weights[name],
			TopDangerous: positionsOf(topIndices(p, dangerousCount)),
		}
	}
	if len(candidates) > 0 {
		best := candidates[0]
		out.Suggestion = &Suggestion{
			Position:   best + 1,
			Confidence: confidence[best],
			Strategy:   strategyLabel,
			Zone:       grid.SuggestionZone(best),
			QValue:     1 - combined[best],
		}
	}

	total := e.totalPredictions.Add(1)
	out.ML = MLInfo{
		TotalRounds:        len(st.History),
		TotalPredictions:   total,
		RoundsSinceRetrain: st.RoundsSinceRetrain,
		ActiveModels:       len(models),
	}

	e.metrics.PredictionsInc()
	e.metrics.PredictionLatencyObserve(time.Since(start).Seconds())
	e.emit("prediction", out)
	return out, nil
}
