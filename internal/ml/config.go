package ml

import (
	"runtime"

	"hazard-ensemble/internal/cfg"
	"hazard-ensemble/internal/common"
)

// FeatureProvider turns a history prefix into per-cell feature rows. Output
// for a prefix of length g must not depend on any round at index >= g.
type FeatureProvider interface {
	// ForPrediction returns the N x F matrix for the round following h.
	ForPrediction(h History) ([][]float64, error)

	// BuildDataset stacks the matrices of rounds [start, end) with labels.
	BuildDataset(h History, start, end int) (Dataset, error)

	// Names returns the F column names.
	Names() []string
}

// Tiers are the probability cut-offs of the risk labels.
type Tiers struct {
	Low    float64
	Medium float64
	High   float64
}

// Label returns the risk tier of probability p.
func (t Tiers) Label(p float64) string {
	switch {
	case p < t.Low:
		return common.TierLow
	case p < t.Medium:
		return common.TierMedium
	case p < t.High:
		return common.TierHigh
	default:
		return common.TierVeryHigh
	}
}

// ModelConfig gathers the hyperparameters of the ensemble members.
type ModelConfig struct {
	Forest ForestParams
	Boost  BoostParams
	LSTM   LSTMParams
}

// Config holds everything the ensemble needs to run.
type Config struct {
	Grid               Grid
	MinRounds          int
	MinHeuristicRounds int
	RetrainEvery       int
	AdaptationRate     float64
	ErrorMemory        int
	PerformanceWindow  int
	TrainSplit         float64
	ValSplit           float64
	AccuracyThreshold  float64
	Epsilon            float64
	Tiers              Tiers
	InitialWeights     map[string]float64
	Models             ModelConfig
	Parallelism        int
	RecallCutoffs      []int
}

// DefaultConfig returns the configuration of the standard 5x5 board.
func DefaultConfig() Config {
	return Config{
		Grid:               DefaultGrid(),
		MinRounds:          common.DefaultMinRounds,
		MinHeuristicRounds: common.DefaultMinHeuristic,
		RetrainEvery:       common.DefaultRetrainEvery,
		AdaptationRate:     common.DefaultAdaptationRate,
		ErrorMemory:        common.DefaultErrorMemorySize,
		PerformanceWindow:  common.DefaultPerformanceWindow,
		TrainSplit:         common.DefaultTrainSplit,
		ValSplit:           common.DefaultValSplit,
		AccuracyThreshold:  common.DefaultAccuracyThreshold,
		Epsilon:            common.DefaultClipEpsilon,
		Tiers:              Tiers{Low: common.DefaultTierLow, Medium: common.DefaultTierMedium, High: common.DefaultTierHigh},
		InitialWeights:     copyWeights(common.DefaultWeights),
		Models:             modelConfigFrom(cfg.DefaultModelParams(), common.DefaultModelSeed),
		Parallelism:        runtime.NumCPU(),
		RecallCutoffs:      common.RecallCutoffs,
	}
}

// ConfigFromSettings maps loaded settings onto the ensemble configuration.
func ConfigFromSettings(s *cfg.Settings) Config {
	c := DefaultConfig()
	c.Grid = Grid{Rows: s.GridRows, Cols: s.GridCols, Hazards: s.Hazards}
	c.MinRounds = s.MinRounds
	c.MinHeuristicRounds = s.MinHeuristic
	c.RetrainEvery = s.RetrainEvery
	c.AdaptationRate = s.AdaptationRate
	c.ErrorMemory = s.ErrorMemorySize
	c.PerformanceWindow = s.PerformanceWindow
	c.TrainSplit = s.TrainSplit
	c.ValSplit = s.ValSplit
	c.AccuracyThreshold = s.AccuracyThreshold
	c.Tiers = Tiers{Low: s.TierLow, Medium: s.TierMedium, High: s.TierHigh}
	if len(s.Weights) > 0 {
		c.InitialWeights = copyWeights(s.Weights)
	}
	c.Models = modelConfigFrom(s.Models, s.ModelSeed)
	return c
}

func modelConfigFrom(p cfg.ModelParams, seed int64) ModelConfig {
	return ModelConfig{
		Forest: ForestParams{
			Trees:    p.ForestTrees,
			MaxDepth: p.ForestMaxDepth,
			MinLeaf:  p.ForestMinLeaf,
			Seed:     seed,
		},
		Boost: BoostParams{
			Rounds:       p.BoostRounds,
			MaxDepth:     p.BoostMaxDepth,
			LearningRate: p.BoostLearningRate,
			Subsample:    p.BoostSubsample,
			Colsample:    p.BoostColsample,
			Patience:     20,
			Seed:         seed,
		},
		LSTM: LSTMParams{
			Hidden:       p.LSTMHidden,
			Epochs:       p.LSTMEpochs,
			Batch:        p.LSTMBatch,
			LearningRate: p.LSTMLearningRate,
			Patience:     p.LSTMPatience,
			Seed:         seed,
		},
	}
}

// ModelFactory builds a fresh, untrained set of ensemble members.
type ModelFactory func(c Config) []Predictor

// DefaultModels returns the six standard members in weight order.
func DefaultModels(c Config) []Predictor {
	return []Predictor{
		NewForest(c.Grid, c.Models.Forest),
		NewBoost(c.Grid, c.Models.Boost),
		NewLSTM(c.Grid, c.Models.LSTM),
		NewAntiRepeat(c.Grid, c.MinHeuristicRounds),
		NewMarkov(c.Grid, c.MinHeuristicRounds),
		NewDispersion(c.Grid, c.MinHeuristicRounds),
	}
}

func copyWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
