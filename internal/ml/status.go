package ml

import (
	"sort"
	"time"
)

// ModelStatus is the introspection entry of one member.
type ModelStatus struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Trained bool   `json:"trained"`
}

// Status is a cheap snapshot for health checks and dashboards.
type Status struct {
	Trained            bool               `json:"trained"`
	Training           bool               `json:"training_in_progress"`
	Models             []ModelStatus      `json:"models"`
	Weights            map[string]float64 `json:"weights"`
	TotalRounds        int                `json:"total_rounds"`
	RoundsSinceRetrain int                `json:"rounds_since_retrain"`
	RetrainEvery       int                `json:"retrain_every"`
	TotalPredictions   int64              `json:"total_predictions"`
	LastRoundID        string             `json:"last_round_id,omitempty"`
	LastRunID          string             `json:"last_run_id,omitempty"`
	LastRunAt          *time.Time         `json:"last_run_at,omitempty"`
}

// FeatureWeight pairs a feature name with its importance.
type FeatureWeight struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// MetricsReport is the full introspection payload.
//
// RecallAtK[k] is the number of truly safe cells among the k ranked safest,
// divided by the safe-cell count N-K, so it never decreases as k grows.
// PrecisionAtK[k] divides the same count by k; it is the figure older
// reports published under the name recall@k.
type MetricsReport struct {
	Status
	TrainingMetrics      map[string]ModelMetrics    `json:"training_metrics"`
	Validation           *ValidationSummary         `json:"validation,omitempty"`
	ModelScores          map[string]float64         `json:"model_scores"`
	RecentMSE            float64                    `json:"recent_mse"`
	IdentificationRate   float64                    `json:"identification_rate"`
	RecallAtK            map[int]float64            `json:"recall_at_k"`
	PrecisionAtK         map[int]float64            `json:"precision_at_k"`
	Evaluations          int                        `json:"evaluations"`
	FalseSafe            []PositionError            `json:"false_safe"`
	ProblematicPositions []PositionError            `json:"problematic_positions"`
	FeatureImportance    map[string][]FeatureWeight `json:"feature_importance,omitempty"`
	Runs                 []RunRecord                `json:"runs,omitempty"`
}

// Status reports the committed state without blocking on writers.
func (e *Ensemble) Status() Status {
	return e.statusOf(e.state.Load())
}

func (e *Ensemble) statusOf(st *State) Status {
	s := Status{
		Trained:            st.Trained,
		Training:           e.training.Load(),
		Weights:            copyWeights(st.Weights),
		TotalRounds:        len(st.History),
		RoundsSinceRetrain: st.RoundsSinceRetrain,
		RetrainEvery:       e.cfg.RetrainEvery,
		TotalPredictions:   e.totalPredictions.Load(),
		LastRoundID:        st.LastRoundID,
	}
	for _, name := range st.Order {
		m := st.Models[name]
		s.Models = append(s.Models, ModelStatus{Name: name, Kind: m.Kind(), Trained: m.IsTrained()})
	}
	if run := lastRun(st.Runs); run != nil {
		s.LastRunID = run.ID
		at := run.StartedAt
		s.LastRunAt = &at
	}
	return s
}

// Metrics extends Status with training reports and tracker figures.
func (e *Ensemble) Metrics() MetricsReport {
	st := e.state.Load()
	r := MetricsReport{
		Status:               e.statusOf(st),
		TrainingMetrics:      st.TrainingMetrics,
		Validation:           st.Validation,
		ModelScores:          st.Tracker.Scores(st.Order),
		RecentMSE:            st.Tracker.RecentMSE(),
		IdentificationRate:   st.Tracker.IdentificationRate(),
		RecallAtK:            st.Tracker.Recall(),
		PrecisionAtK:         st.Tracker.Precision(),
		Evaluations:          st.Tracker.Evaluations(),
		FalseSafe:            st.Tracker.FalseSafe(5),
		ProblematicPositions: st.Tracker.ProblematicPositions(5),
		Runs:                 st.Runs,
	}

	names := e.features.Names()
	for _, name := range st.Order {
		rep, ok := st.Models[name].(ImportanceReporter)
		if !ok || !st.Models[name].IsTrained() {
			continue
		}
		if r.FeatureImportance == nil {
			r.FeatureImportance = make(map[string][]FeatureWeight)
		}
		r.FeatureImportance[name] = topFeatures(rep.FeatureImportance(), names, 10)
	}
	return r
}

func topFeatures(importance []float64, names []string, n int) []FeatureWeight {
	out := make([]FeatureWeight, 0, len(importance))
	for i, v := range importance {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		out = append(out, FeatureWeight{Feature: name, Importance: v})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
