package ml

// MetricsInterface defines the metrics the ensemble reports.
type MetricsInterface interface {
	PredictionsInc()
	PredictionFailuresInc()
	PredictionLatencyObserve(seconds float64)
	TrainingRunInc(outcome string)
	TrainingDurationObserve(seconds float64)
	TrainingInProgressSet(running bool)
	ModelFailureInc(model string)
	RoundsRegisteredInc()
	RoundsSinceRetrainSet(n int)
	HistoryRoundsSet(n int)
	WeightsSet(weights map[string]float64)
	RecallSet(k int, recall float64)
	EnsembleMSESet(mse float64)
	IdentificationRateSet(rate float64)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) PredictionsInc() {}
func (NopMetrics) PredictionFailuresInc() {}
func (NopMetrics) PredictionLatencyObserve(float64) {}
func (NopMetrics) TrainingRunInc(string) {}
func (NopMetrics) TrainingDurationObserve(float64) {}
func (NopMetrics) TrainingInProgressSet(bool) {}
func (NopMetrics) ModelFailureInc(string) {}
func (NopMetrics) RoundsRegisteredInc() {}
func (NopMetrics) RoundsSinceRetrainSet(int) {}
func (NopMetrics) HistoryRoundsSet(int) {}
func (NopMetrics) WeightsSet(map[string]float64) {}
func (NopMetrics) RecallSet(int, float64) {}
func (NopMetrics) EnsembleMSESet(float64) {}
func (NopMetrics) IdentificationRateSet(float64) {}
