package ml

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PositionAccuracy is the share of validated rounds in which a cell's
// hazard/safe call was right.
type PositionAccuracy struct {
	Position int     `json:"position"`
	Accuracy float64 `json:"accuracy"`
}

// ValidationSummary aggregates a walk-forward pass.
type ValidationSummary struct {
	Rounds               int                `json:"rounds"`
	AvgHazardsFound      float64            `json:"avg_hazards_found"`
	IdentificationRate   float64            `json:"identification_rate"`
	AvgPositionAccuracy  float64            `json:"avg_position_accuracy"`
	BestPositions        []PositionAccuracy `json:"best_positions"`
	WorstPositions       []PositionAccuracy `json:"worst_positions"`
	ProblematicPositions []PositionError    `json:"problematic_positions"`
	ModelScores          map[string]float64 `json:"model_scores"`
}

// TrainReport is the outcome of a full training run.
type TrainReport struct {
	RunID            string                  `json:"run_id"`
	Trigger          Trigger                 `json:"trigger"`
	Rounds           int                     `json:"rounds"`
	TrainRounds      int                     `json:"train_rounds"`
	ValidationRounds int                     `json:"validation_rounds"`
	TestRounds       int                     `json:"test_rounds"`
	ModelMetrics     map[string]ModelMetrics `json:"model_metrics"`
	Failed           []string                `json:"failed,omitempty"`
	Validation       *ValidationSummary      `json:"validation"`
	Weights          map[string]float64      `json:"weights"`
	Duration         time.Duration           `json:"duration"`
}

// TrainAll syncs new rounds from the provider, trains fresh members on the
// training partition, validates them walk-forward on the test partition,
// adapts the weights and commits the result. It blocks until done and
// returns ErrTrainingInProgress when another run is active.
func (e *Ensemble) TrainAll(ctx context.Context, trigger Trigger) (*TrainReport, error) {
	if !e.training.CompareAndSwap(false, true) {
		return nil, ErrTrainingInProgress
	}
	defer e.training.Store(false)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.trainLocked(ctx, trigger, NewRunID())
}

// StartTraining runs TrainAll in the background and returns its run id.
// The run is not tied to ctx's cancellation.
func (e *Ensemble) StartTraining(ctx context.Context, trigger Trigger) (string, error) {
	if !e.training.CompareAndSwap(false, true) {
		return "", ErrTrainingInProgress
	}
	runID := NewRunID()
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer e.training.Store(false)
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		if _, err := e.trainLocked(ctx, trigger, runID); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("Background training failed")
		}
	}()
	return runID, nil
}

// trainLocked must be called with writeMu held and the training flag set.
func (e *Ensemble) trainLocked(ctx context.Context, trigger Trigger, runID string) (*TrainReport, error) {
	start := time.Now()
	logger := log.With().Str("run_id", runID).Str("trigger", string(trigger)).Logger()
	e.metrics.TrainingInProgressSet(true)
	defer e.metrics.TrainingInProgressSet(false)
	e.emit("training", map[string]any{"run_id": runID, "status": "started"})

	st := e.state.Load().clone()
	if added, err := e.syncLocked(ctx, st); err != nil {
		logger.Warn().Err(err).Msg("History sync failed, training on known rounds")
	} else if added > 0 {
		logger.Info().Int("rounds", added).Msg("Synced new rounds from history source")
	}

	hist := st.History
	n := len(hist)
	run := RunRecord{ID: runID, Trigger: trigger, StartedAt: start.UTC(), Rounds: n}

	fail := func(outcome string, err error) (*TrainReport, error) {
		run.Duration = time.Since(start)
		run.Error = err.Error()
		st.Runs = appendRun(st.Runs, run)
		e.state.Store(st)
		if serr := e.saveShared(st); serr != nil {
			logger.Error().Err(serr).Msg("Failed to persist ensemble state")
		}
		e.metrics.TrainingRunInc(outcome)
		e.metrics.HistoryRoundsSet(n)
		e.emit("training", map[string]any{"run_id": runID, "status": "failed", "error": err.Error()})
		return nil, err
	}

	if n < e.cfg.MinRounds {
		return fail("insufficient_data", fmt.Errorf("%w: have %d rounds, need %d", ErrInsufficientData, n, e.cfg.MinRounds))
	}

	trainEnd := int(float64(n) * e.cfg.TrainSplit)
	valEnd := int(float64(n) * e.cfg.ValSplit)
	minStart := max(5, min(20, n/10))
	logger.Info().
		Str("rounds", humanize.Comma(int64(n))).
		Int("train_end", trainEnd).
		Int("val_end", valEnd).
		Msg("Training ensemble")

	models := e.factory(e.cfg)
	metrics, errs := e.trainModels(models, hist, trainEnd, valEnd, minStart)

	byName := make(map[string]Predictor, len(models))
	order := make([]string, 0, len(models))
	trainingMetrics := make(map[string]ModelMetrics, len(models))
	var (
		trained []Predictor
		failed  []string
		failure []error
	)
	for i, m := range models {
		name := m.Name()
		byName[name] = m
		order = append(order, name)
		if errs[i] != nil {
			failed = append(failed, name)
			failure = append(failure, &ModelTrainingError{Model: name, Err: errs[i]})
			trainingMetrics[name] = ModelMetrics{"error": errs[i].Error()}
			e.metrics.ModelFailureInc(name)
			logger.Warn().Err(errs[i]).Str("model", name).Msg("Model training failed")
			continue
		}
		trainingMetrics[name] = metrics[i]
		trained = append(trained, m)
		run.ModelsTrained = append(run.ModelsTrained, name)
	}
	run.ModelsFailed = failed
	st.TrainingMetrics = trainingMetrics

	if len(trained) == 0 {
		// the previously committed members keep serving
		return fail("failed", fmt.Errorf("no model could be trained: %w", errors.Join(failure...)))
	}
	st.Models = byName
	st.Order = order
	st.Weights = NormalizeWeights(st.Weights, st.Order)

	tracker := st.Tracker.Clone()
	records := e.walkForward(trained, st.Weights, hist, valEnd, n, tracker)
	summary := e.summarize(records, tracker, st.Order)

	// bring private caches up to the full history now that validation is done
	for _, m := range trained {
		cache, ok := m.(HistoryCache)
		if !ok {
			continue
		}
		for g := cache.CachedRounds(); g < n; g++ {
			cache.Observe(hist[g])
		}
	}

	st.Weights = AdaptWeights(st.Weights, tracker.Scores(st.Order), st.Order, e.cfg.AdaptationRate)
	st.Tracker = tracker
	st.Trained = true
	st.RoundsSinceRetrain = 0
	st.Validation = summary

	run.Duration = time.Since(start)
	run.IdentificationRate = summary.IdentificationRate
	st.Runs = appendRun(st.Runs, run)

	e.persistModels(models)
	if err := e.saveShared(st); err != nil {
		logger.Error().Err(err).Msg("Failed to persist ensemble state")
	}
	e.state.Store(st)

	e.metrics.TrainingRunInc("success")
	e.metrics.TrainingDurationObserve(run.Duration.Seconds())
	e.metrics.HistoryRoundsSet(n)
	e.metrics.RoundsSinceRetrainSet(0)
	e.metrics.WeightsSet(st.Weights)
	e.reportTracker(tracker)

	report := &TrainReport{
		RunID:            runID,
		Trigger:          trigger,
		Rounds:           n,
		TrainRounds:      trainEnd,
		ValidationRounds: valEnd - trainEnd,
		TestRounds:       n - valEnd,
		ModelMetrics:     st.TrainingMetrics,
		Failed:           failed,
		Validation:       summary,
		Weights:          copyWeights(st.Weights),
		Duration:         run.Duration,
	}

	logger.Info().
		Int("models_trained", len(trained)).
		Strs("models_failed", failed).
		Float64("identification_rate", summary.IdentificationRate).
		Str("took", humanize.RelTime(start, time.Now(), "", "")).
		Msg("Training complete")
	e.emit("training", report)
	return report, nil
}

// trainModels fits every member in parallel. Each model gets the input its
// kind needs; a panic is converted into that model's error.
func (e *Ensemble) trainModels(models []Predictor, hist History, trainEnd, valEnd, minStart int) ([]ModelMetrics, []error) {
	var (
		dataset, validation Dataset
		datasetErr          error
	)
	for _, m := range models {
		if m.Kind() == KindStatistical {
			dataset, datasetErr = e.features.BuildDataset(hist, minStart, trainEnd)
			if datasetErr == nil {
				validation, datasetErr = e.features.BuildDataset(hist, trainEnd, valEnd)
			}
			break
		}
	}
	trainHist := hist.Prefix(trainEnd)

	metrics := make([]ModelMetrics, len(models))
	errs := make([]error, len(models))

	var g errgroup.Group
	g.SetLimit(max(1, e.cfg.Parallelism))
	for i, m := range models {
		i, m := i, m
		g.Go(func() error {
			data := TrainingData{Aux: Auxiliary{History: trainHist}}
			if m.Kind() == KindStatistical {
				if datasetErr != nil {
					errs[i] = fmt.Errorf("build dataset: %w", datasetErr)
					return nil
				}
				data.Dataset = dataset
				data.Aux.Validation = validation
			}
			metrics[i], errs[i] = safeTrain(m, data)
			return nil
		})
	}
	_ = g.Wait()
	return metrics, errs
}

// walkForward scores rounds [from, to) using only the rounds before each one.
func (e *Ensemble) walkForward(models []Predictor, weights map[string]float64, hist History, from, to int, tracker *ErrorTracker) []*PredictionRecord {
	records := make([]*PredictionRecord, 0, max(0, to-from))
	for g := from; g < to; g++ {
		prefix := hist.Prefix(g)
		preds := e.modelPredictions(models, prefix)
		combined := Combine(preds, weights, e.cfg.Grid, e.cfg.Epsilon)
		records = append(records, tracker.Record(g, preds, combined, hist[g]))
	}
	return records
}

func (e *Ensemble) summarize(records []*PredictionRecord, tracker *ErrorTracker, order []string) *ValidationSummary {
	cells := e.cfg.Grid.Cells()
	s := &ValidationSummary{
		Rounds:               len(records),
		ProblematicPositions: tracker.ProblematicPositions(5),
		ModelScores:          tracker.Scores(order),
	}
	if len(records) == 0 {
		return s
	}

	correct := make([]float64, cells)
	found := 0.0
	for _, rec := range records {
		found += float64(rec.Found)
		for i, p := range rec.Combined {
			if (p > e.cfg.AccuracyThreshold) == (rec.Actual[i] > 0.5) {
				correct[i]++
			}
		}
	}

	acc := make([]PositionAccuracy, cells)
	total := 0.0
	for i := range acc {
		a := correct[i] / float64(len(records))
		acc[i] = PositionAccuracy{Position: i + 1, Accuracy: a}
		total += a
	}
	sort.SliceStable(acc, func(i, j int) bool { return acc[i].Accuracy > acc[j].Accuracy })

	k := min(5, cells)
	s.AvgHazardsFound = found / float64(len(records))
	s.IdentificationRate = s.AvgHazardsFound / float64(e.cfg.Grid.Hazards)
	s.AvgPositionAccuracy = total / float64(cells)
	s.BestPositions = append([]PositionAccuracy(nil), acc[:k]...)
	s.WorstPositions = make([]PositionAccuracy, 0, k)
	for i := cells - 1; i >= cells-k; i-- {
		s.WorstPositions = append(s.WorstPositions, acc[i])
	}
	return s
}

// reportTracker publishes the rolling tracker figures.
func (e *Ensemble) reportTracker(t *ErrorTracker) {
	e.metrics.EnsembleMSESet(t.RecentMSE())
	e.metrics.IdentificationRateSet(t.IdentificationRate())
	for k, v := range t.Recall() {
		e.metrics.RecallSet(k, v)
	}
}

// syncLocked appends rounds the provider has after st.SourceCursor. Rounds
// already known by id only advance the cursor. Returns the number added.
func (e *Ensemble) syncLocked(ctx context.Context, st *State) (int, error) {
	if e.provider == nil {
		return 0, nil
	}
	rounds, err := e.provider.RoundsAfter(ctx, st.SourceCursor)
	if err != nil {
		return 0, fmt.Errorf("fetch rounds after %q: %w", st.SourceCursor, err)
	}
	if len(rounds) == 0 {
		return 0, nil
	}

	hist := make(History, len(st.History), len(st.History)+len(rounds))
	copy(hist, st.History)
	ids := make([]string, len(st.RoundIDs), len(st.RoundIDs)+len(rounds))
	copy(ids, st.RoundIDs)

	added := 0
	for _, r := range rounds {
		st.SourceCursor = r.ID
		if _, ok := e.knownIDs[r.ID]; ok {
			continue
		}
		vec, _, ok := e.roundVector(r.Positions, r.ID, log.Logger)
		if !ok {
			continue
		}
		hist = append(hist, vec)
		ids = append(ids, r.ID)
		e.knownIDs[r.ID] = struct{}{}
		st.LastRoundID = r.ID
		added++
	}
	st.History = hist
	st.RoundIDs = ids
	return added, nil
}

// roundVector converts 1-based positions, dropping out-of-range entries.
// It reports false when no valid hazard remains.
func (e *Ensemble) roundVector(positions []int, id string, logger zerolog.Logger) (RoundVector, []int, bool) {
	vec, rejected := NewRoundVector(e.cfg.Grid, positions)
	if len(rejected) > 0 {
		logger.Warn().Str("round", id).Ints("rejected", rejected).Msg("Dropped out-of-range hazard positions")
	}
	count := vec.Count()
	if count == 0 {
		logger.Warn().Str("round", id).Msg("Round has no valid hazard, ignoring")
		return nil, rejected, false
	}
	if count != e.cfg.Grid.Hazards {
		logger.Warn().
			Str("round", id).
			Int("hazards", count).
			Int("expected", e.cfg.Grid.Hazards).
			Msg("Round hazard count differs from configuration")
	}
	return vec, rejected, true
}
