package common

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvLogLevel          = "LOG_LEVEL"
	EnvDataPath          = "DATA_PATH"
	EnvGridRows          = "GRID_ROWS"
	EnvGridCols          = "GRID_COLS"
	EnvHazards           = "HAZARDS_PER_ROUND"
	EnvMinRounds         = "MIN_ROUNDS_FOR_TRAINING"
	EnvRetrainEvery      = "RETRAIN_EVERY_N_ROUNDS"
	EnvAdaptationRate    = "WEIGHT_ADAPTATION_RATE"
	EnvErrorMemorySize   = "ERROR_MEMORY_SIZE"
	EnvPerformanceWindow = "PERFORMANCE_WINDOW"
	EnvHistorySource     = "HISTORY_SOURCE"
	EnvSQLitePath        = "SQLITE_PATH"
	EnvRESTBaseURL       = "HISTORY_BASE_URL"
	EnvRESTTimeout       = "REST_TIMEOUT"
	EnvHistoryFile       = "HISTORY_FILE"
	EnvHTTPPort          = "HTTP_PORT"
	EnvMetricsPort       = "METRICS_PORT"
	EnvCatchUpInterval   = "CATCHUP_INTERVAL"
	EnvTrainOnStart      = "TRAIN_ON_START"
	EnvModelSeed         = "MODEL_SEED"
)

// History sources
const (
	SourceBolt   = "bolt"
	SourceSQLite = "sqlite"
	SourceREST   = "rest"
	SourceFile   = "file"
)

// Configuration defaults
const (
	DefaultGridRows          = 5
	DefaultGridCols          = 5
	DefaultHazards           = 4
	DefaultMinRounds         = 15
	DefaultMinHeuristic      = 5
	DefaultRetrainEvery      = 10
	DefaultAdaptationRate    = 0.05
	DefaultErrorMemorySize   = 200
	DefaultPerformanceWindow = 50
	DefaultTrainSplit        = 0.70
	DefaultValSplit          = 0.85
	DefaultClipEpsilon       = 0.01
	DefaultAccuracyThreshold = 0.16
	DefaultHTTPPort          = 8000
	DefaultMetricsPort       = 8080
	DefaultDataPath          = "data"
	DefaultHistorySource     = SourceBolt
	DefaultLogLevel          = "info"
	DefaultModelSeed         = 42
)

// Risk tier thresholds (upper bounds, exclusive)
const (
	DefaultTierLow    = 0.12
	DefaultTierMedium = 0.20
	DefaultTierHigh   = 0.30
)

// Risk tier labels
const (
	TierLow      = "low"
	TierMedium   = "medium"
	TierHigh     = "high"
	TierVeryHigh = "very_high"
)

// Model names
const (
	ModelForest     = "forest"
	ModelBoost      = "gboost"
	ModelLSTM       = "lstm"
	ModelAntiRepeat = "anti_repeat"
	ModelMarkov     = "markov"
	ModelDispersion = "dispersion"
)

// ModelNames lists every ensemble member in a stable order.
var ModelNames = []string{ModelForest, ModelBoost, ModelLSTM, ModelAntiRepeat, ModelMarkov, ModelDispersion}

// DefaultWeights are the ensemble priors before any adaptation.
var DefaultWeights = map[string]float64{
	ModelForest:     0.20,
	ModelBoost:      0.25,
	ModelLSTM:       0.20,
	ModelAntiRepeat: 0.15,
	ModelMarkov:     0.10,
	ModelDispersion: 0.10,
}

// RecallCutoffs are the prefix sizes used for recall@K reporting.
var RecallCutoffs = []int{5, 10, 15, 21}
