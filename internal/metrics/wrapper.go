package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

// MetricsWrapper adapts Metrics to the narrow interface the ensemble depends on.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) PredictionsInc() {
	w.m.PredictionsTotal.Inc()
}

func (w *MetricsWrapper) PredictionFailuresInc() {
	w.m.PredictionFailures.Inc()
}

func (w *MetricsWrapper) PredictionLatencyObserve(seconds float64) {
	w.m.PredictionLatency.Observe(seconds)
}

func (w *MetricsWrapper) TrainingRunInc(outcome string) {
	w.m.TrainingRuns.WithLabelValues(outcome).Inc()
}

func (w *MetricsWrapper) TrainingDurationObserve(seconds float64) {
	w.m.TrainingDuration.Observe(seconds)
}

func (w *MetricsWrapper) TrainingInProgressSet(running bool) {
	if running {
		w.m.TrainingInProgress.Set(1)
		return
	}
	w.m.TrainingInProgress.Set(0)
}

func (w *MetricsWrapper) ModelFailureInc(model string) {
	w.m.ModelFailures.WithLabelValues(model).Inc()
}

func (w *MetricsWrapper) RoundsRegisteredInc() {
	w.m.RoundsRegistered.Inc()
}

func (w *MetricsWrapper) RoundsSinceRetrainSet(n int) {
	w.m.RoundsSinceRetrain.Set(float64(n))
}

func (w *MetricsWrapper) HistoryRoundsSet(n int) {
	w.m.HistoryRounds.Set(float64(n))
}

func (w *MetricsWrapper) WeightsSet(weights map[string]float64) {
	w.m.SetWeights(weights)
}

func (w *MetricsWrapper) RecallSet(k int, recall float64) {
	w.m.RecallAtK.WithLabelValues(strconv.Itoa(k)).Set(recall)
}

func (w *MetricsWrapper) EnsembleMSESet(mse float64) {
	w.m.EnsembleMSE.Set(mse)
}

func (w *MetricsWrapper) IdentificationRateSet(rate float64) {
	w.m.IdentificationRate.Set(rate)
}

func (w *MetricsWrapper) FeedClients() MetricsGauge {
	return &GaugeWrapper{w.m.FeedClients}
}

func (w *MetricsWrapper) ErrorsTotal() MetricsCounter {
	return &CounterWrapper{w.m.ErrorsTotal}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}
