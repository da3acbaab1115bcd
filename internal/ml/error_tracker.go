package ml

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// PredictionRecord is the outcome of scoring one round. Records are never
// mutated after creation.
type PredictionRecord struct {
	Round      int                  `json:"round"`
	At         time.Time            `json:"at"`
	Combined   []float64            `json:"combined"`
	Actual     []float64            `json:"actual"`
	PerModel   map[string][]float64 `json:"per_model"`
	MSE        float64              `json:"mse"`
	Found      int                  `json:"found"`
	ModelMSE   map[string]float64   `json:"model_mse"`
	ModelFound map[string]int       `json:"model_found"`
	Recall     map[int]float64      `json:"recall"`
	Precision  map[int]float64      `json:"precision"`
}

// PositionError reports how often a cell was wrongly called safe.
type PositionError struct {
	Position int     `json:"position"`
	Count    int     `json:"count"`
	Rate     float64 `json:"rate"`
}

// ErrorTracker keeps a bounded memory of scored rounds and derives model
// scores, recall and per-cell error rates from it. It is not safe for
// concurrent mutation; the ensemble clones it before each change and
// publishes the clone.
type ErrorTracker struct {
	grid        Grid
	memory      int
	window      int
	cutoffs     []int
	records     []*PredictionRecord
	falseSafe   []int
	evaluations int
}

func NewErrorTracker(grid Grid, memory, window int, cutoffs []int) *ErrorTracker {
	return &ErrorTracker{
		grid:      grid,
		memory:    memory,
		window:    window,
		cutoffs:   cutoffs,
		falseSafe: make([]int, grid.Cells()),
	}
}

// Clone returns a tracker that can be mutated without affecting t.
func (t *ErrorTracker) Clone() *ErrorTracker {
	c := *t
	c.records = append([]*PredictionRecord(nil), t.records...)
	c.falseSafe = append([]int(nil), t.falseSafe...)
	return &c
}

// Record scores combined and per-model predictions against the realised round.
func (t *ErrorTracker) Record(round int, perModel map[string][]float64, combined []float64, actual RoundVector) *PredictionRecord {
	k := t.grid.Hazards
	rec := &PredictionRecord{
		Round:      round,
		At:         time.Now().UTC(),
		Combined:   combined,
		Actual:     actual,
		PerModel:   perModel,
		MSE:        brier(combined, actual),
		Found:      countHits(combined, actual, k),
		ModelMSE:   make(map[string]float64, len(perModel)),
		ModelFound: make(map[string]int, len(perModel)),
		Recall:     make(map[int]float64, len(t.cutoffs)),
		Precision:  make(map[int]float64, len(t.cutoffs)),
	}
	for name, p := range perModel {
		rec.ModelMSE[name] = brier(p, actual)
		rec.ModelFound[name] = countHits(p, actual, k)
	}

	// Recall divides by the safe-cell count so it never falls as the cut
	// grows; Precision is the share of the cut that was safe.
	safest := bottomIndices(combined, len(combined))
	safeTotal := max(1, t.grid.Cells()-k)
	for _, cut := range t.cutoffs {
		if cut > len(safest) {
			continue
		}
		safe := 0
		for _, idx := range safest[:cut] {
			if actual[idx] < 0.5 {
				safe++
			}
		}
		rec.Recall[cut] = float64(safe) / float64(safeTotal)
		rec.Precision[cut] = float64(safe) / float64(cut)
	}

	for _, idx := range safest[:max(0, t.grid.Cells()-k)] {
		if actual[idx] > 0.5 {
			t.falseSafe[idx]++
		}
	}
	t.evaluations++

	t.records = append(t.records, rec)
	if t.memory > 0 && len(t.records) > t.memory {
		t.records = t.records[len(t.records)-t.memory:]
	}
	return rec
}

// Len returns the number of records held.
func (t *ErrorTracker) Len() int {
	return len(t.records)
}

// Evaluations returns the number of rounds ever scored.
func (t *ErrorTracker) Evaluations() int {
	return t.evaluations
}

// Records returns the held records, oldest first.
func (t *ErrorTracker) Records() []*PredictionRecord {
	return append([]*PredictionRecord(nil), t.records...)
}

func (t *ErrorTracker) recent() []*PredictionRecord {
	if len(t.records) <= t.window {
		return t.records
	}
	return t.records[len(t.records)-t.window:]
}

// Score is the adaptation score of one model over the recent window.
// Models without records score 0.5.
func (t *ErrorTracker) Score(model string) float64 {
	var found, mse []float64
	for _, rec := range t.recent() {
		if m, ok := rec.ModelMSE[model]; ok {
			mse = append(mse, m)
			found = append(found, float64(rec.ModelFound[model]))
		}
	}
	if len(mse) == 0 {
		return 0.5
	}
	hit := stat.Mean(found, nil) / float64(t.grid.Hazards)
	score := 0.7*hit + 0.3*(1-min(stat.Mean(mse, nil)*5, 1))
	return clip(score, 0.05, 0.95)
}

// Scores returns Score for every named model.
func (t *ErrorTracker) Scores(models []string) map[string]float64 {
	out := make(map[string]float64, len(models))
	for _, name := range models {
		out[name] = t.Score(name)
	}
	return out
}

// RecentMSE is the mean ensemble MSE over the recent window.
func (t *ErrorTracker) RecentMSE() float64 {
	recs := t.recent()
	if len(recs) == 0 {
		return 0
	}
	sum := 0.0
	for _, rec := range recs {
		sum += rec.MSE
	}
	return sum / float64(len(recs))
}

// IdentificationRate is the mean share of hazards the ensemble placed in
// its top-K dangerous cells over the recent window.
func (t *ErrorTracker) IdentificationRate() float64 {
	recs := t.recent()
	if len(recs) == 0 {
		return 0
	}
	sum := 0.0
	for _, rec := range recs {
		sum += float64(rec.Found)
	}
	return sum / float64(len(recs)) / float64(t.grid.Hazards)
}

// Recall averages recall@K over the recent window.
func (t *ErrorTracker) Recall() map[int]float64 {
	return t.averageCuts(func(rec *PredictionRecord) map[int]float64 { return rec.Recall })
}

// Precision averages the safe share of the K safest cells over the recent window.
func (t *ErrorTracker) Precision() map[int]float64 {
	return t.averageCuts(func(rec *PredictionRecord) map[int]float64 { return rec.Precision })
}

func (t *ErrorTracker) averageCuts(field func(*PredictionRecord) map[int]float64) map[int]float64 {
	out := make(map[int]float64)
	counts := make(map[int]int)
	for _, rec := range t.recent() {
		for cut, v := range field(rec) {
			out[cut] += v
			counts[cut]++
		}
	}
	for cut := range out {
		out[cut] /= float64(counts[cut])
	}
	return out
}

// FalseSafe returns the n cells most often called safe while holding a hazard.
func (t *ErrorTracker) FalseSafe(n int) []PositionError {
	return t.positionErrors(n, func(count int) float64 { return float64(count) })
}

// ProblematicPositions ranks cells by false-safe count over evaluated rounds.
func (t *ErrorTracker) ProblematicPositions(n int) []PositionError {
	return t.positionErrors(n, func(count int) float64 {
		if t.evaluations == 0 {
			return 0
		}
		return float64(count) / float64(t.evaluations)
	})
}

func (t *ErrorTracker) positionErrors(n int, rate func(int) float64) []PositionError {
	out := make([]PositionError, 0, len(t.falseSafe))
	for idx, count := range t.falseSafe {
		if count == 0 {
			continue
		}
		out = append(out, PositionError{Position: idx + 1, Count: count, Rate: rate(count)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rate > out[j].Rate })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// TrackerSnapshot is the persisted form of an ErrorTracker.
type TrackerSnapshot struct {
	Records     []*PredictionRecord `json:"records"`
	FalseSafe   []int               `json:"false_safe"`
	Evaluations int                 `json:"evaluations"`
}

func (t *ErrorTracker) Snapshot() TrackerSnapshot {
	return TrackerSnapshot{Records: t.records, FalseSafe: t.falseSafe, Evaluations: t.evaluations}
}

// Restore replaces the tracker contents; snapshots for another board size
// are ignored.
func (t *ErrorTracker) Restore(s TrackerSnapshot) {
	if len(s.FalseSafe) != t.grid.Cells() {
		return
	}
	t.records = s.Records
	if t.memory > 0 && len(t.records) > t.memory {
		t.records = t.records[len(t.records)-t.memory:]
	}
	t.falseSafe = s.FalseSafe
	t.evaluations = s.Evaluations
}
