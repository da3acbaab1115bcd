// Package ml implements the adaptive hazard-cell ensemble: six heterogeneous
// predictors behind one contract, the combination and calibration layer, the
// error tracker that drives weight adaptation, the walk-forward training
// driver and the online update path.
//
// Every predictor produces, for the next round, a probability per grid cell
// that the cell holds a hazard. The ensemble blends them with adaptive weights
// and ranks the cells by safety.
package ml

// Kind classifies predictors by how they learn and update.
type Kind string

const (
	KindStatistical Kind = "statistical"
	KindSequence    Kind = "sequence"
	KindHeuristic   Kind = "heuristic"
)

// ModelMetrics is the free-form training report of a single model.
// A failed training run is recorded as {"error": message}.
type ModelMetrics map[string]any

// Dataset is a flat feature matrix with one row per (round, cell) pair.
type Dataset struct {
	Features [][]float64
	Labels   []float64
}

// Len returns the number of rows.
func (d Dataset) Len() int {
	return len(d.Labels)
}

// TrainingData reconciles the heterogeneous training inputs of all model kinds.
// Statistical models read the flat dataset; sequence and heuristic models read
// the raw history partition carried in Auxiliary.
type TrainingData struct {
	Dataset
	Aux Auxiliary
}

// Auxiliary carries inputs beyond the flat feature matrix.
type Auxiliary struct {
	History    History // chronological training partition
	Validation Dataset // optional held-out rows for early stopping
}

// PredictionInput is everything a model may look at to predict one round.
// History is an immutable prefix holding only rounds strictly before the
// target round; Features were derived from that same prefix.
type PredictionInput struct {
	Features [][]float64
	History  History
}

// Predictor is the contract every ensemble member implements.
type Predictor interface {
	// Name returns the stable identifier used for weights and persistence.
	Name() string

	// Kind reports the training/update family of the model.
	Kind() Kind

	// Train fits the model. A returned error leaves the model untrained.
	Train(data TrainingData) (ModelMetrics, error)

	// Predict returns one hazard probability per cell. Untrained models
	// return the uniform base rate instead of failing.
	Predict(in PredictionInput) ([]float64, error)

	// IsTrained reports whether Predict yields fitted output.
	IsTrained() bool

	// Persist writes fitted parameters (and cached history, if any) to ns.
	Persist(ns Namespace) error

	// Restore loads state written by Persist. It reports false when ns holds
	// no usable state for this model.
	Restore(ns Namespace) (bool, error)
}

// HistoryCache is implemented by models that keep a private copy of the
// history and update derived statistics incrementally.
type HistoryCache interface {
	// Observe appends a newly completed round to the private cache.
	Observe(round RoundVector)

	// CachedRounds returns the length of the private cache.
	CachedRounds() int
}

// ImportanceReporter is implemented by models that can rank input features.
type ImportanceReporter interface {
	FeatureImportance() []float64
}
