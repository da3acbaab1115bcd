package ml

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hazard-ensemble/internal/history"

	"github.com/rs/zerolog/log"
)

// State is one committed snapshot of the ensemble. A published State is never
// mutated; writers build a new one and swap it in. Models are shared between
// snapshots and guard their own internals.
type State struct {
	Models             map[string]Predictor
	Order              []string
	Weights            map[string]float64
	History            History
	RoundIDs           []string
	Trained            bool
	RoundsSinceRetrain int
	LastRoundID        string
	SourceCursor       string
	Tracker            *ErrorTracker
	TrainingMetrics    map[string]ModelMetrics
	Validation         *ValidationSummary
	Runs               []RunRecord
}

func (s *State) clone() *State {
	c := *s
	return &c
}

// trainedModels returns the trained members in configured order.
func (s *State) trainedModels() []Predictor {
	out := make([]Predictor, 0, len(s.Order))
	for _, name := range s.Order {
		if m, ok := s.Models[name]; ok && m.IsTrained() {
			out = append(out, m)
		}
	}
	return out
}

// Event is pushed to the notifier after predictions, updates and training.
type Event struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Ensemble coordinates the members, their weights and the shared history.
// Reads (Predict, Status, Metrics) use the last committed State without
// locking; RegisterResult and training are serialised by writeMu, and a
// second concurrent training request is rejected.
type Ensemble struct {
	cfg      Config
	features FeatureProvider
	store    NamespaceStore
	provider history.Provider
	metrics  MetricsInterface
	factory  ModelFactory
	notify   func(Event)

	writeMu  sync.Mutex
	training atomic.Bool
	state    atomic.Pointer[State]
	knownIDs map[string]struct{} // guarded by writeMu

	totalPredictions atomic.Int64
}

// Option customises an Ensemble.
type Option func(*Ensemble)

// WithProvider sets the source of historical rounds.
func WithProvider(p history.Provider) Option {
	return func(e *Ensemble) { e.provider = p }
}

// WithStore sets where model and ensemble state is persisted.
func WithStore(s NamespaceStore) Option {
	return func(e *Ensemble) { e.store = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsInterface) Option {
	return func(e *Ensemble) { e.metrics = m }
}

// WithModelFactory replaces the standard six members.
func WithModelFactory(f ModelFactory) Option {
	return func(e *Ensemble) { e.factory = f }
}

// WithNotifier registers a callback for ensemble events. It is called
// synchronously and must not block.
func WithNotifier(fn func(Event)) Option {
	return func(e *Ensemble) { e.notify = fn }
}

// New creates an untrained ensemble.
func New(c Config, features FeatureProvider, opts ...Option) *Ensemble {
	e := &Ensemble{
		cfg:      c,
		features: features,
		store:    NewMemoryStore(),
		metrics:  NopMetrics{},
		factory:  DefaultModels,
		knownIDs: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state.Store(e.initialState())
	return e
}

func (e *Ensemble) initialState() *State {
	models := e.factory(e.cfg)
	st := &State{
		Models:          make(map[string]Predictor, len(models)),
		Order:           make([]string, 0, len(models)),
		Tracker:         e.newTracker(),
		TrainingMetrics: make(map[string]ModelMetrics),
	}
	for _, m := range models {
		st.Models[m.Name()] = m
		st.Order = append(st.Order, m.Name())
	}
	st.Weights = NormalizeWeights(e.cfg.InitialWeights, st.Order)
	return st
}

func (e *Ensemble) newTracker() *ErrorTracker {
	return NewErrorTracker(e.cfg.Grid, e.cfg.ErrorMemory, e.cfg.PerformanceWindow, e.cfg.RecallCutoffs)
}

// Config returns the configuration the ensemble runs with.
func (e *Ensemble) Config() Config {
	return e.cfg
}

// Snapshot returns the last committed state. Callers must treat it as
// read-only.
func (e *Ensemble) Snapshot() *State {
	return e.state.Load()
}

// IsTrained reports whether at least one member is trained.
func (e *Ensemble) IsTrained() bool {
	return e.state.Load().Trained
}

// IsTraining reports whether a full retrain is running.
func (e *Ensemble) IsTraining() bool {
	return e.training.Load()
}

func (e *Ensemble) emit(kind string, payload any) {
	if e.notify == nil {
		return
	}
	e.notify(Event{Type: kind, At: time.Now().UTC(), Payload: payload})
}

// modelPredictions runs every given model on the history prefix. It depends
// only on its arguments and immutable configuration, so validation and the
// online retroactive check share it. A model that errors or panics
// contributes the uniform vector.
func (e *Ensemble) modelPredictions(models []Predictor, prefix History) map[string][]float64 {
	features, err := e.features.ForPrediction(prefix)
	if err != nil {
		log.Warn().Err(err).Int("rounds", len(prefix)).Msg("Feature build failed, statistical models fall back")
	}
	in := PredictionInput{Features: features, History: prefix}

	out := make(map[string][]float64, len(models))
	for _, m := range models {
		p, err := safePredict(m, in)
		if err == nil && len(p) != e.cfg.Grid.Cells() {
			err = fmt.Errorf("returned %d values, expected %d", len(p), e.cfg.Grid.Cells())
		}
		if err != nil {
			log.Debug().Err(err).Str("model", m.Name()).Msg("Prediction failed, using uniform fallback")
			e.metrics.ModelFailureInc(m.Name())
			p = e.cfg.Grid.Uniform()
		}
		out[m.Name()] = p
	}
	return out
}

func safePredict(m Predictor, in PredictionInput) (p []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Predict(in)
}

func safeTrain(m Predictor, data TrainingData) (metrics ModelMetrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Train(data)
}

// persistedState is the shared namespace layout.
type persistedState struct {
	Weights            map[string]float64      `json:"weights"`
	Trained            bool                    `json:"trained"`
	RoundsSinceRetrain int                     `json:"rounds_since_retrain"`
	LastRoundID        string                  `json:"last_round_id"`
	SourceCursor       string                  `json:"source_cursor"`
	TotalPredictions   int64                   `json:"total_predictions"`
	Tracker            TrackerSnapshot         `json:"tracker"`
	TrainingMetrics    map[string]ModelMetrics `json:"training_metrics"`
	Validation         *ValidationSummary      `json:"validation,omitempty"`
	Grid               Grid                    `json:"grid"`
}

type persistedHistory struct {
	Rounds [][]float64 `json:"rounds"`
	IDs    []string    `json:"ids"`
}

// saveShared writes the shared namespace. Must be called with writeMu held.
func (e *Ensemble) saveShared(st *State) error {
	ns := e.store.Namespace(ensembleNamespace)
	err := ns.Put("state", persistedState{
		Weights:            st.Weights,
		Trained:            st.Trained,
		RoundsSinceRetrain: st.RoundsSinceRetrain,
		LastRoundID:        st.LastRoundID,
		SourceCursor:       st.SourceCursor,
		TotalPredictions:   e.totalPredictions.Load(),
		Tracker:            st.Tracker.Snapshot(),
		TrainingMetrics:    st.TrainingMetrics,
		Validation:         st.Validation,
		Grid:               e.cfg.Grid,
	})
	if err != nil {
		return fmt.Errorf("save ensemble state: %w", err)
	}
	if err := ns.Put("history", persistedHistory{Rounds: st.History.Matrix(), IDs: st.RoundIDs}); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	if err := ns.Put("runs", st.Runs); err != nil {
		return fmt.Errorf("save run log: %w", err)
	}
	return nil
}

// persistModels writes every member's namespace. Failures are logged and do
// not affect the others.
func (e *Ensemble) persistModels(models []Predictor) {
	for _, m := range models {
		if err := m.Persist(e.store.Namespace(modelNamespace(m.Name()))); err != nil {
			log.Error().Err(err).Str("model", m.Name()).Msg("Failed to persist model")
		}
	}
}

// Load restores the committed state from the store. Missing or unreadable
// state returns ErrColdStart and leaves the ensemble untrained.
func (e *Ensemble) Load() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ns := e.store.Namespace(ensembleNamespace)
	var ps persistedState
	ok, err := ns.Get("state", &ps)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrColdStart, err)
	}
	if !ok {
		return ErrColdStart
	}
	if ps.Grid != e.cfg.Grid {
		return fmt.Errorf("%w: persisted grid %+v does not match %+v", ErrColdStart, ps.Grid, e.cfg.Grid)
	}

	var ph persistedHistory
	if _, err := ns.Get("history", &ph); err != nil {
		return fmt.Errorf("%w: %v", ErrColdStart, err)
	}
	var runs []RunRecord
	if _, err := ns.Get("runs", &runs); err != nil {
		log.Warn().Err(err).Msg("Run log unreadable, starting a new one")
		runs = nil
	}

	st := e.initialState()
	st.History = HistoryFromMatrix(ph.Rounds, e.cfg.Grid.Cells())
	if len(ph.IDs) == len(st.History) {
		st.RoundIDs = ph.IDs
	} else {
		st.RoundIDs = make([]string, len(st.History))
	}
	if len(ps.Weights) > 0 {
		st.Weights = NormalizeWeights(ps.Weights, st.Order)
	}
	st.RoundsSinceRetrain = ps.RoundsSinceRetrain
	st.LastRoundID = ps.LastRoundID
	st.SourceCursor = ps.SourceCursor
	st.Tracker.Restore(ps.Tracker)
	if ps.TrainingMetrics != nil {
		st.TrainingMetrics = ps.TrainingMetrics
	}
	st.Validation = ps.Validation
	st.Runs = runs

	restored := 0
	for _, name := range st.Order {
		ok, err := st.Models[name].Restore(e.store.Namespace(modelNamespace(name)))
		if err != nil {
			log.Warn().Err(err).Str("model", name).Msg("Model state unreadable, model stays untrained")
			continue
		}
		if ok {
			restored++
		}
	}
	st.Trained = restored > 0

	e.knownIDs = make(map[string]struct{}, len(st.RoundIDs))
	for _, id := range st.RoundIDs {
		if id != "" {
			e.knownIDs[id] = struct{}{}
		}
	}
	e.totalPredictions.Store(ps.TotalPredictions)
	e.state.Store(st)
	e.metrics.HistoryRoundsSet(len(st.History))
	e.metrics.RoundsSinceRetrainSet(st.RoundsSinceRetrain)
	e.metrics.WeightsSet(st.Weights)

	log.Info().
		Int("rounds", len(st.History)).
		Int("models_restored", restored).
		Bool("trained", st.Trained).
		Msg("Ensemble state restored")
	if !st.Trained && ps.Trained {
		return errors.Join(ErrColdStart, errors.New("no model state could be restored"))
	}
	return nil
}
