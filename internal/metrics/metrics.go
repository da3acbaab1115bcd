// Package metrics provides Prometheus metrics collection for the hazard ensemble.
// It defines the prediction, training, adaptation and service metrics exposed
// via the Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ensemble service.
type Metrics struct {
	// Prediction metrics
	PredictionsTotal   prometheus.Counter   // Total number of ensemble predictions served
	PredictionFailures prometheus.Counter   // Predictions refused because no model was trained
	PredictionLatency  prometheus.Histogram // Prediction latency in seconds

	// Training metrics
	TrainingRuns       *prometheus.CounterVec // Training runs by outcome
	TrainingDuration   prometheus.Histogram   // Full retrain duration in seconds
	TrainingInProgress prometheus.Gauge       // 1 while a retrain holds the guard
	ModelFailures      *prometheus.CounterVec // Per-model training failures

	// Online update metrics
	RoundsRegistered   prometheus.Counter // Observed rounds appended through the online path
	RoundsSinceRetrain prometheus.Gauge   // Rounds appended since the last full retrain
	HistoryRounds      prometheus.Gauge   // Length of the canonical history

	// Adaptation and quality metrics
	ModelWeights       *prometheus.GaugeVec // Current ensemble weight per model
	RecallAtK          *prometheus.GaugeVec // Recent recall@K of the safest-ranked cells
	EnsembleMSE        prometheus.Gauge     // Mean squared error over the recent window
	IdentificationRate prometheus.Gauge     // Hazards identified / K in the last validation

	// Service metrics
	FeedClients prometheus.Gauge   // Connected websocket clients
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PredictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_predictions_total",
			Help: "Total number of ensemble predictions served",
		}),
		PredictionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_prediction_failures_total",
			Help: "Predictions refused because no model was trained",
		}),
		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ensemble_prediction_latency_seconds",
			Help:    "Ensemble prediction latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		TrainingRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_training_runs_total",
			Help: "Training runs by outcome",
		}, []string{"outcome"}),
		TrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ensemble_training_duration_seconds",
			Help:    "Full retrain duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		TrainingInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ensemble_training_in_progress",
			Help: "1 while a retrain is running",
		}),
		ModelFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_model_failures_total",
			Help: "Per-model training failures",
		}, []string{"model"}),
		RoundsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_rounds_registered_total",
			Help: "Observed rounds appended through the online path",
		}),
		RoundsSinceRetrain: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ensemble_rounds_since_retrain",
			Help: "Rounds appended since the last full retrain",
		}),
		HistoryRounds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ensemble_history_rounds",
			Help: "Length of the canonical round history",
		}),
		ModelWeights: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ensemble_model_weight",
			Help: "Current ensemble weight per model",
		}, []string{"model"}),
		RecallAtK: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ensemble_recall_at_k",
			Help: "Recent recall@K of the safest-ranked cells",
		}, []string{"k"}),
		EnsembleMSE: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ensemble_mse",
			Help: "Mean squared error of the combined vector over the recent window",
		}),
		IdentificationRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ensemble_identification_rate",
			Help: "Share of hazards found in the top-K dangerous set during the last validation",
		}),
		FeedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ensemble_feed_clients",
			Help: "Connected websocket feed clients",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}

// SetWeights publishes a full weight vector.
func (m *Metrics) SetWeights(weights map[string]float64) {
	for name, w := range weights {
		m.ModelWeights.WithLabelValues(name).Set(w)
	}
}
