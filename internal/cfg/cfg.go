package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hazard-ensemble/internal/common"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	LogLevel          string
	DataPath          string
	GridRows          int
	GridCols          int
	Hazards           int
	MinRounds         int
	MinHeuristic      int
	RetrainEvery      int
	AdaptationRate    float64
	ErrorMemorySize   int
	PerformanceWindow int
	TrainSplit        float64
	ValSplit          float64
	AccuracyThreshold float64
	TierLow           float64
	TierMedium        float64
	TierHigh          float64
	Weights           map[string]float64
	Models            ModelParams
	ModelSeed         int64
	HistorySource     string
	SQLitePath        string
	RESTBaseURL       string
	RESTTimeout       time.Duration
	HistoryFile       string
	HTTPPort          int
	MetricsPort       int
	CatchUpInterval   time.Duration
	TrainOnStart      bool
}

// ModelParams holds hyperparameters of the individual ensemble members.
type ModelParams struct {
	ForestTrees       int     `yaml:"forestTrees"`
	ForestMaxDepth    int     `yaml:"forestMaxDepth"`
	ForestMinLeaf     int     `yaml:"forestMinLeaf"`
	BoostRounds       int     `yaml:"boostRounds"`
	BoostMaxDepth     int     `yaml:"boostMaxDepth"`
	BoostLearningRate float64 `yaml:"boostLearningRate"`
	BoostSubsample    float64 `yaml:"boostSubsample"`
	BoostColsample    float64 `yaml:"boostColsample"`
	LSTMHidden        int     `yaml:"lstmHidden"`
	LSTMEpochs        int     `yaml:"lstmEpochs"`
	LSTMBatch         int     `yaml:"lstmBatch"`
	LSTMLearningRate  float64 `yaml:"lstmLearningRate"`
	LSTMPatience      int     `yaml:"lstmPatience"`
}

// DefaultModelParams returns the hyperparameters used when nothing is configured.
func DefaultModelParams() ModelParams {
	return ModelParams{
		ForestTrees:       100,
		ForestMaxDepth:    8,
		ForestMinLeaf:     10,
		BoostRounds:       200,
		BoostMaxDepth:     5,
		BoostLearningRate: 0.03,
		BoostSubsample:    0.7,
		BoostColsample:    0.7,
		LSTMHidden:        32,
		LSTMEpochs:        80,
		LSTMBatch:         8,
		LSTMLearningRate:  0.005,
		LSTMPatience:      20,
	}
}

type ConfigFile struct {
	Grid struct {
		Rows    int `yaml:"rows"`
		Cols    int `yaml:"cols"`
		Hazards int `yaml:"hazards"`
	} `yaml:"grid"`

	Ensemble struct {
		MinRounds         int                `yaml:"minRounds"`
		MinHeuristic      int                `yaml:"minHeuristicRounds"`
		RetrainEvery      int                `yaml:"retrainEvery"`
		AdaptationRate    float64            `yaml:"adaptationRate"`
		ErrorMemorySize   int                `yaml:"errorMemorySize"`
		PerformanceWindow int                `yaml:"performanceWindow"`
		TrainSplit        float64            `yaml:"trainSplit"`
		ValSplit          float64            `yaml:"valSplit"`
		AccuracyThreshold float64            `yaml:"accuracyThreshold"`
		Weights           map[string]float64 `yaml:"weights"`
		Seed              int64              `yaml:"seed"`
		TrainOnStart      bool               `yaml:"trainOnStart"`
	} `yaml:"ensemble"`

	Tiers struct {
		Low    float64 `yaml:"low"`
		Medium float64 `yaml:"medium"`
		High   float64 `yaml:"high"`
	} `yaml:"tiers"`

	Models ModelParams `yaml:"models"`

	History struct {
		Source          string `yaml:"source"`
		SQLitePath      string `yaml:"sqlitePath"`
		BaseURL         string `yaml:"baseURL"`
		RESTTimeout     string `yaml:"restTimeout"`
		File            string `yaml:"file"`
		CatchUpInterval string `yaml:"catchUpInterval"`
	} `yaml:"history"`

	System struct {
		DataPath    string `yaml:"dataPath"`
		HTTPPort    int    `yaml:"httpPort"`
		MetricsPort int    `yaml:"metricsPort"`
		LogLevel    string `yaml:"logLevel"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	restTimeout, err := time.ParseDuration(config.History.RESTTimeout)
	if err != nil {
		restTimeout = 10 * time.Second
	}

	catchUp, err := time.ParseDuration(config.History.CatchUpInterval)
	if err != nil {
		catchUp = 0
	}

	settings := Settings{
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, orString(config.System.LogLevel, common.DefaultLogLevel)),
		DataPath:          getEnvOrDefault(common.EnvDataPath, orString(config.System.DataPath, common.DefaultDataPath)),
		GridRows:          getIntFromEnvOrConfig(common.EnvGridRows, config.Grid.Rows, common.DefaultGridRows),
		GridCols:          getIntFromEnvOrConfig(common.EnvGridCols, config.Grid.Cols, common.DefaultGridCols),
		Hazards:           getIntFromEnvOrConfig(common.EnvHazards, config.Grid.Hazards, common.DefaultHazards),
		MinRounds:         getIntFromEnvOrConfig(common.EnvMinRounds, config.Ensemble.MinRounds, common.DefaultMinRounds),
		MinHeuristic:      orInt(config.Ensemble.MinHeuristic, common.DefaultMinHeuristic),
		RetrainEvery:      getIntFromEnvOrConfig(common.EnvRetrainEvery, config.Ensemble.RetrainEvery, common.DefaultRetrainEvery),
		AdaptationRate:    getFloatFromEnvOrConfig(common.EnvAdaptationRate, config.Ensemble.AdaptationRate, common.DefaultAdaptationRate),
		ErrorMemorySize:   getIntFromEnvOrConfig(common.EnvErrorMemorySize, config.Ensemble.ErrorMemorySize, common.DefaultErrorMemorySize),
		PerformanceWindow: getIntFromEnvOrConfig(common.EnvPerformanceWindow, config.Ensemble.PerformanceWindow, common.DefaultPerformanceWindow),
		TrainSplit:        orFloat(config.Ensemble.TrainSplit, common.DefaultTrainSplit),
		ValSplit:          orFloat(config.Ensemble.ValSplit, common.DefaultValSplit),
		AccuracyThreshold: orFloat(config.Ensemble.AccuracyThreshold, common.DefaultAccuracyThreshold),
		TierLow:           orFloat(config.Tiers.Low, common.DefaultTierLow),
		TierMedium:        orFloat(config.Tiers.Medium, common.DefaultTierMedium),
		TierHigh:          orFloat(config.Tiers.High, common.DefaultTierHigh),
		Weights:           mergeWeights(config.Ensemble.Weights),
		Models:            mergeModelParams(config.Models),
		ModelSeed:         int64(getIntFromEnvOrConfig(common.EnvModelSeed, int(config.Ensemble.Seed), common.DefaultModelSeed)),
		HistorySource:     getEnvOrDefault(common.EnvHistorySource, orString(config.History.Source, common.DefaultHistorySource)),
		SQLitePath:        getEnvOrDefault(common.EnvSQLitePath, config.History.SQLitePath),
		RESTBaseURL:       getEnvOrDefault(common.EnvRESTBaseURL, config.History.BaseURL),
		RESTTimeout:       getDurationOrDefault(common.EnvRESTTimeout, restTimeout),
		HistoryFile:       getEnvOrDefault(common.EnvHistoryFile, config.History.File),
		HTTPPort:          getIntFromEnvOrConfig(common.EnvHTTPPort, config.System.HTTPPort, common.DefaultHTTPPort),
		MetricsPort:       getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		CatchUpInterval:   getDurationOrDefault(common.EnvCatchUpInterval, catchUp),
		TrainOnStart:      getBoolFromEnvOrConfig(common.EnvTrainOnStart, config.Ensemble.TrainOnStart),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		DataPath:          getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		GridRows:          getIntOrDefault(common.EnvGridRows, common.DefaultGridRows),
		GridCols:          getIntOrDefault(common.EnvGridCols, common.DefaultGridCols),
		Hazards:           getIntOrDefault(common.EnvHazards, common.DefaultHazards),
		MinRounds:         getIntOrDefault(common.EnvMinRounds, common.DefaultMinRounds),
		MinHeuristic:      common.DefaultMinHeuristic,
		RetrainEvery:      getIntOrDefault(common.EnvRetrainEvery, common.DefaultRetrainEvery),
		AdaptationRate:    getFloatOrDefault(common.EnvAdaptationRate, common.DefaultAdaptationRate),
		ErrorMemorySize:   getIntOrDefault(common.EnvErrorMemorySize, common.DefaultErrorMemorySize),
		PerformanceWindow: getIntOrDefault(common.EnvPerformanceWindow, common.DefaultPerformanceWindow),
		TrainSplit:        common.DefaultTrainSplit,
		ValSplit:          common.DefaultValSplit,
		AccuracyThreshold: common.DefaultAccuracyThreshold,
		TierLow:           common.DefaultTierLow,
		TierMedium:        common.DefaultTierMedium,
		TierHigh:          common.DefaultTierHigh,
		Weights:           mergeWeights(nil),
		Models:            DefaultModelParams(),
		ModelSeed:         int64(getIntOrDefault(common.EnvModelSeed, common.DefaultModelSeed)),
		HistorySource:     getEnvOrDefault(common.EnvHistorySource, common.DefaultHistorySource),
		SQLitePath:        os.Getenv(common.EnvSQLitePath),
		RESTBaseURL:       os.Getenv(common.EnvRESTBaseURL),
		RESTTimeout:       getDurationOrDefault(common.EnvRESTTimeout, 10*time.Second),
		HistoryFile:       os.Getenv(common.EnvHistoryFile),
		HTTPPort:          getIntOrDefault(common.EnvHTTPPort, common.DefaultHTTPPort),
		MetricsPort:       getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		CatchUpInterval:   getDurationOrDefault(common.EnvCatchUpInterval, 0),
		TrainOnStart:      getBoolOrDefault(common.EnvTrainOnStart, false),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// Cells returns the number of grid cells.
func (s *Settings) Cells() int {
	return s.GridRows * s.GridCols
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

func orString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func mergeWeights(configured map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(common.DefaultWeights))
	for name, w := range common.DefaultWeights {
		weights[name] = w
	}
	for name, w := range configured {
		weights[name] = w
	}
	return weights
}

func mergeModelParams(p ModelParams) ModelParams {
	d := DefaultModelParams()
	return ModelParams{
		ForestTrees:       orInt(p.ForestTrees, d.ForestTrees),
		ForestMaxDepth:    orInt(p.ForestMaxDepth, d.ForestMaxDepth),
		ForestMinLeaf:     orInt(p.ForestMinLeaf, d.ForestMinLeaf),
		BoostRounds:       orInt(p.BoostRounds, d.BoostRounds),
		BoostMaxDepth:     orInt(p.BoostMaxDepth, d.BoostMaxDepth),
		BoostLearningRate: orFloat(p.BoostLearningRate, d.BoostLearningRate),
		BoostSubsample:    orFloat(p.BoostSubsample, d.BoostSubsample),
		BoostColsample:    orFloat(p.BoostColsample, d.BoostColsample),
		LSTMHidden:        orInt(p.LSTMHidden, d.LSTMHidden),
		LSTMEpochs:        orInt(p.LSTMEpochs, d.LSTMEpochs),
		LSTMBatch:         orInt(p.LSTMBatch, d.LSTMBatch),
		LSTMLearningRate:  orFloat(p.LSTMLearningRate, d.LSTMLearningRate),
		LSTMPatience:      orInt(p.LSTMPatience, d.LSTMPatience),
	}
}

// validateSettings performs range checks on configuration values
func validateSettings(settings *Settings) error {
	// Validate grid shape
	if settings.GridRows <= 0 || settings.GridRows > 20 {
		return fmt.Errorf("grid rows must be between 1 and 20, got %d", settings.GridRows)
	}
	if settings.GridCols <= 0 || settings.GridCols > 20 {
		return fmt.Errorf("grid cols must be between 1 and 20, got %d", settings.GridCols)
	}
	if settings.Hazards <= 0 || settings.Hazards >= settings.Cells() {
		return fmt.Errorf("hazards per round must be between 1 and %d, got %d", settings.Cells()-1, settings.Hazards)
	}

	// Validate training constants
	if settings.MinRounds < 2 {
		return fmt.Errorf("minimum rounds for training must be at least 2, got %d", settings.MinRounds)
	}
	if settings.RetrainEvery <= 0 {
		return fmt.Errorf("retrain interval must be positive, got %d", settings.RetrainEvery)
	}
	if settings.AdaptationRate <= 0 || settings.AdaptationRate > 1 {
		return fmt.Errorf("weight adaptation rate must be in (0, 1], got %f", settings.AdaptationRate)
	}
	if settings.ErrorMemorySize <= 0 || settings.PerformanceWindow <= 0 {
		return fmt.Errorf("error memory size and performance window must be positive")
	}
	if settings.TrainSplit <= 0 || settings.ValSplit <= settings.TrainSplit || settings.ValSplit >= 1 {
		return fmt.Errorf("splits must satisfy 0 < train < val < 1, got %f/%f", settings.TrainSplit, settings.ValSplit)
	}

	// Validate tiers
	if !(settings.TierLow > 0 && settings.TierLow < settings.TierMedium && settings.TierMedium < settings.TierHigh && settings.TierHigh < 1) {
		return fmt.Errorf("risk tiers must be ascending in (0, 1), got %f/%f/%f", settings.TierLow, settings.TierMedium, settings.TierHigh)
	}

	// Validate weights
	sum := 0.0
	for name, w := range settings.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %s must be non-negative, got %f", name, w)
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("at least one model weight must be positive")
	}

	// Validate history source
	switch settings.HistorySource {
	case common.SourceBolt:
	case common.SourceSQLite:
		if settings.SQLitePath == "" {
			return fmt.Errorf("sqlite history source requires %s", common.EnvSQLitePath)
		}
	case common.SourceREST:
		if settings.RESTBaseURL == "" {
			return fmt.Errorf("rest history source requires %s", common.EnvRESTBaseURL)
		}
	case common.SourceFile:
		if settings.HistoryFile == "" {
			return fmt.Errorf("file history source requires %s", common.EnvHistoryFile)
		}
	default:
		return fmt.Errorf("unknown history source %q", settings.HistorySource)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}

	// Validate ports
	if settings.HTTPPort < 1024 || settings.HTTPPort > 65535 {
		return fmt.Errorf("http port must be between 1024 and 65535, got %d", settings.HTTPPort)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}

	// Validate model hyperparameters
	m := settings.Models
	if m.ForestTrees <= 0 || m.BoostRounds <= 0 || m.LSTMEpochs <= 0 {
		return fmt.Errorf("model iteration counts must be positive")
	}
	if m.BoostSubsample <= 0 || m.BoostSubsample > 1 || m.BoostColsample <= 0 || m.BoostColsample > 1 {
		return fmt.Errorf("boost subsample ratios must be in (0, 1]")
	}

	return nil
}
