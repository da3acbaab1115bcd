package ml

import (
	"context"
	"sync"
	"testing"
	"time"

	"hazard-ensemble/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// sinkProvider also accepts appended rounds, like the bbolt store.
type sinkProvider struct {
	*sliceProvider
}

func (p sinkProvider) AppendRound(_ context.Context, r history.Round) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rounds = append(p.rounds, r)
	return nil
}

func trainedEnsemble(t *testing.T, rounds int, opts ...Option) *Ensemble {
	t.Helper()
	opts = append([]Option{WithProvider(newSliceProvider(alternatingHistory(rounds)))}, opts...)
	e := newTestEnsemble(opts...)
	_, err := e.TrainAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	return e
}

func TestEnsemble_PredictBeforeTraining(t *testing.T) {
	metrics := &MockMetrics{}
	e := newTestEnsemble(WithMetrics(metrics))

	_, err := e.Predict(nil, 5)
	assert.ErrorIs(t, err, ErrPredictionUnavailable)
	assert.Equal(t, 1, metrics.failures)
	assert.False(t, e.IsTrained())
}

func TestEnsemble_InsufficientData(t *testing.T) {
	metrics := &MockMetrics{}
	e := newTestEnsemble(WithProvider(newSliceProvider(alternatingHistory(10))), WithMetrics(metrics))

	_, err := e.TrainAll(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.False(t, e.IsTrained())
	assert.Equal(t, 10, e.Status().TotalRounds)
	assert.Equal(t, 1, metrics.trainingRuns["insufficient_data"])

	runs := e.Snapshot().Runs
	require.Len(t, runs, 1)
	assert.NotEmpty(t, runs[0].Error)
}

func TestEnsemble_TrainAllOnAlternation(t *testing.T) {
	metrics := &MockMetrics{}
	e := newTestEnsemble(WithProvider(newSliceProvider(alternatingHistory(60))), WithMetrics(metrics))

	report, err := e.TrainAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 60, report.Rounds)
	assert.Equal(t, 42, report.TrainRounds)
	assert.Equal(t, 9, report.ValidationRounds)
	assert.Equal(t, 9, report.TestRounds)
	assert.Empty(t, report.Failed)
	assert.Len(t, report.ModelMetrics, 6)
	assert.Equal(t, 1, metrics.trainingRuns["success"])

	require.NotNil(t, report.Validation)
	assert.Equal(t, 9, report.Validation.Rounds)
	assert.GreaterOrEqual(t, report.Validation.IdentificationRate, 0.95)
	assert.InDelta(t, 1.0, floats.Sum(weightValues(report.Weights)), 1e-9)

	// the Markov member has learned the alternation exactly
	for _, rec := range e.Snapshot().Tracker.recent() {
		assert.Less(t, rec.ModelMSE["markov"], 0.001)
	}

	status := e.Status()
	assert.True(t, status.Trained)
	assert.Equal(t, report.RunID, status.LastRunID)
	for _, ms := range status.Models {
		assert.True(t, ms.Trained, ms.Name)
	}
}

func weightValues(w map[string]float64) []float64 {
	out := make([]float64, 0, len(w))
	for _, v := range w {
		out = append(out, v)
	}
	return out
}

func TestEnsemble_Predict(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	e := trainedEnsemble(t, 60, WithNotifier(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))

	p, err := e.Predict([]int{2}, 5)
	require.NoError(t, err)

	require.Len(t, p.RankedSafe, 5)
	require.Len(t, p.RankedDangerous, 4)
	for _, c := range p.RankedSafe {
		assert.NotEqual(t, 2, c.Position)
	}
	for i := 1; i < len(p.RankedSafe); i++ {
		assert.LessOrEqual(t, p.RankedSafe[i-1].Probability, p.RankedSafe[i].Probability)
	}
	dangerous := make([]int, 0, 4)
	for _, c := range p.RankedDangerous {
		dangerous = append(dangerous, c.Position)
	}
	// round 60 follows layout B
	assert.ElementsMatch(t, layoutA, dangerous)

	assert.InDelta(t, 4.0, floats.Sum(p.Probabilities), 0.05)
	require.NotNil(t, p.Suggestion)
	assert.Equal(t, p.RankedSafe[0].Position, p.Suggestion.Position)
	assert.Equal(t, "ensemble_ml", p.Suggestion.Strategy)
	assert.Len(t, p.Contributions, 6)
	assert.Equal(t, int64(1), p.ML.TotalPredictions)
	assert.Equal(t, 6, p.ML.ActiveModels)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "prediction", events[len(events)-1].Type)
}

func TestEnsemble_FailingModelIsIsolated(t *testing.T) {
	metrics := &MockMetrics{}
	factory := func(c Config) []Predictor {
		return append(DefaultModels(c), newFailingModel(true))
	}
	e := newTestEnsemble(
		WithProvider(newSliceProvider(alternatingHistory(40))),
		WithModelFactory(factory),
		WithMetrics(metrics),
	)

	report, err := e.TrainAll(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, report.Failed)
	assert.Contains(t, report.ModelMetrics["broken"]["error"], "panic")
	for _, name := range DefaultModels(testConfig()) {
		assert.NotContains(t, report.ModelMetrics[name.Name()], "error")
	}
	assert.Equal(t, 1, metrics.modelFailures["broken"])

	p, err := e.Predict(nil, 0)
	require.NoError(t, err)
	assert.Len(t, p.RankedSafe, 25)
	assert.NotContains(t, p.Contributions, "broken")
}

func TestEnsemble_AllModelsFailingKeepsPreviousMembers(t *testing.T) {
	var failing bool
	factory := func(c Config) []Predictor {
		if failing {
			return []Predictor{newFailingModel(false)}
		}
		return DefaultModels(c)
	}
	e := newTestEnsemble(WithProvider(newSliceProvider(alternatingHistory(40))), WithModelFactory(factory))
	_, err := e.TrainAll(context.Background(), TriggerManual)
	require.NoError(t, err)

	failing = true
	_, err = e.TrainAll(context.Background(), TriggerManual)
	var mte *ModelTrainingError
	assert.ErrorAs(t, err, &mte)

	assert.True(t, e.IsTrained())
	_, err = e.Predict(nil, 5)
	assert.NoError(t, err)
}

func TestEnsemble_ConcurrentTrainingRejected(t *testing.T) {
	e := newTestEnsemble(WithProvider(newSliceProvider(alternatingHistory(60))))

	// hold the writer lock so the background run cannot finish early
	e.writeMu.Lock()
	runID, err := e.StartTraining(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.True(t, e.IsTraining())

	_, err = e.TrainAll(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrTrainingInProgress)
	_, err = e.StartTraining(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrTrainingInProgress)
	e.writeMu.Unlock()

	require.Eventually(t, func() bool { return !e.IsTraining() }, time.Minute, 10*time.Millisecond)
	assert.True(t, e.IsTrained())
	assert.Equal(t, runID, e.Status().LastRunID)
}

func TestEnsemble_WalkForwardHasNoLookahead(t *testing.T) {
	e := trainedEnsemble(t, 40)
	st := e.Snapshot()
	models := st.trainedModels()
	hist := st.History
	require.Len(t, hist, 40)

	baseline := e.walkForward(models, st.Weights, hist, 30, 35, e.newTracker())
	for i, g := 0, 30; g < 35; i, g = i+1, g+1 {
		// replace round g and everything after it with unrelated rounds
		altered := append(History(nil), hist.Prefix(g)...)
		altered = append(altered, randomHistory(len(hist)-g, int64(g))...)

		rec := e.walkForward(models, st.Weights, altered, g, g+1, e.newTracker())[0]
		assert.Equal(t, baseline[i].Combined, rec.Combined, "round %d", g)
		assert.Equal(t, baseline[i].PerModel, rec.PerModel, "round %d", g)
	}
}

func TestEnsemble_RegisterResult(t *testing.T) {
	ctx := context.Background()
	e := newTestEnsemble()

	t.Run("out of range positions are dropped", func(t *testing.T) {
		res, err := e.RegisterResult(ctx, []int{0, 3, 7, 26}, "")
		require.NoError(t, err)
		assert.NotEmpty(t, res.RoundID)
		assert.Equal(t, []int{0, 26}, res.Rejected)
		assert.Equal(t, 1, res.TotalRounds)
		assert.Nil(t, res.Scored)

		last := e.Snapshot().History[0]
		assert.Len(t, last, 25)
		assert.Equal(t, []int{3, 7}, last.Positions())
	})

	t.Run("no valid position is rejected", func(t *testing.T) {
		_, err := e.RegisterResult(ctx, []int{0, 30}, "bad")
		assert.ErrorIs(t, err, ErrInvalidRound)
		assert.Len(t, e.Snapshot().History, 1)
	})

	t.Run("duplicates are ignored", func(t *testing.T) {
		_, err := e.RegisterResult(ctx, layoutA, "dup")
		require.NoError(t, err)
		res, err := e.RegisterResult(ctx, layoutB, "dup")
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.Equal(t, 2, res.TotalRounds)
	})
}

func TestEnsemble_RegisterResultScoresBeforeAppending(t *testing.T) {
	e := trainedEnsemble(t, 40)
	before := e.Snapshot()

	// round 40 is layout A
	res, err := e.RegisterResult(context.Background(), layoutA, "live-1")
	require.NoError(t, err)
	require.NotNil(t, res.Scored)
	assert.GreaterOrEqual(t, res.Scored.Found, 3)
	assert.Equal(t, 41, res.TotalRounds)
	assert.Equal(t, before.Tracker.Evaluations()+1, e.Snapshot().Tracker.Evaluations())
	assert.InDelta(t, 1.0, floats.Sum(weightValues(res.Weights)), 1e-9)

	// the committed snapshot taken earlier is untouched
	assert.Len(t, before.History, 40)
}

func TestEnsemble_AutoRetrainAtThreshold(t *testing.T) {
	c := testConfig()
	c.RetrainEvery = 3
	metrics := &MockMetrics{}
	e := New(c, stubFeatures{grid: c.Grid}, WithProvider(newSliceProvider(alternatingHistory(40))), WithMetrics(metrics))
	_, err := e.TrainAll(context.Background(), TriggerManual)
	require.NoError(t, err)

	layouts := [][]int{layoutA, layoutB, layoutA}
	for i, layout := range layouts[:2] {
		res, err := e.RegisterResult(context.Background(), layout, "")
		require.NoError(t, err)
		assert.False(t, res.Retrained)
		assert.Equal(t, i+1, res.RoundsSinceRetrain)
	}

	res, err := e.RegisterResult(context.Background(), layouts[2], "")
	require.NoError(t, err)
	assert.True(t, res.Retrained)
	assert.False(t, res.NeedsRetrain)
	assert.Zero(t, res.RoundsSinceRetrain)
	require.NotNil(t, res.Retrain)
	assert.Equal(t, 43, res.Retrain.Rounds)
	assert.Equal(t, TriggerAuto, res.Retrain.Trigger)

	assert.Zero(t, e.Snapshot().RoundsSinceRetrain)
	assert.Equal(t, 2, metrics.trainingRuns["success"])
	assert.Equal(t, 3, metrics.registered)
}

func TestEnsemble_SinkAndCatchUp(t *testing.T) {
	ctx := context.Background()
	src := sinkProvider{newSliceProvider(alternatingHistory(40))}
	e := newTestEnsemble(WithProvider(src))
	_, err := e.TrainAll(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, "r-0039", e.Snapshot().SourceCursor)

	// a round registered online lands in the sink
	_, err = e.RegisterResult(ctx, layoutA, "live-1")
	require.NoError(t, err)
	last, err := src.LastRoundID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "live-1", last)

	// rounds added by another writer are picked up; the online one is skipped
	src.add(alternatingHistory(2))
	res, err := e.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Registered)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, e.Snapshot().History, 43)

	res, err = e.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Registered)
}

func TestEnsemble_PersistAndRestore(t *testing.T) {
	store := NewMemoryStore()
	e := trainedEnsemble(t, 50, WithStore(store))
	_, err := e.RegisterResult(context.Background(), layoutB, "live-1")
	require.NoError(t, err)

	want, err := e.Predict([]int{1}, 10)
	require.NoError(t, err)

	restored := newTestEnsemble(WithStore(store))
	require.NoError(t, restored.Load())
	assert.True(t, restored.IsTrained())

	got, err := restored.Predict([]int{1}, 10)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Probabilities, got.Probabilities, 1e-9)
	assert.Equal(t, want.RankedSafe[0].Position, got.RankedSafe[0].Position)

	st, rst := e.Snapshot(), restored.Snapshot()
	assert.Equal(t, len(st.History), len(rst.History))
	assert.Equal(t, st.RoundIDs, rst.RoundIDs)
	assert.Equal(t, st.RoundsSinceRetrain, rst.RoundsSinceRetrain)
	assert.Equal(t, st.Tracker.Evaluations(), rst.Tracker.Evaluations())
	for name, w := range st.Weights {
		assert.InDelta(t, w, rst.Weights[name], 1e-12)
	}

	// the restored ensemble knows the registered id
	res, err := restored.RegisterResult(context.Background(), layoutA, "live-1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestEnsemble_ColdStart(t *testing.T) {
	empty := newTestEnsemble(WithStore(NewMemoryStore()))
	assert.ErrorIs(t, empty.Load(), ErrColdStart)

	store := NewMemoryStore()
	trainedEnsemble(t, 40, WithStore(store))
	store.Corrupt(ensembleNamespace, "state")

	e := newTestEnsemble(WithStore(store))
	err := e.Load()
	assert.ErrorIs(t, err, ErrColdStart)
	assert.False(t, e.IsTrained())
	_, err = e.Predict(nil, 5)
	assert.ErrorIs(t, err, ErrPredictionUnavailable)
}

func TestEnsemble_Metrics(t *testing.T) {
	e := trainedEnsemble(t, 60)

	m := e.Metrics()
	assert.True(t, m.Trained)
	assert.Len(t, m.ModelScores, 6)
	assert.Len(t, m.RecallAtK, 4)
	assert.GreaterOrEqual(t, m.RecallAtK[10], m.RecallAtK[5])
	assert.GreaterOrEqual(t, m.RecallAtK[21], m.RecallAtK[15])
	// recall is normalised by the safe-cell count, precision by the cut
	assert.InDelta(t, m.PrecisionAtK[5]*5/21, m.RecallAtK[5], 1e-9)
	assert.InDelta(t, m.PrecisionAtK[21], m.RecallAtK[21], 1e-9)
	assert.Contains(t, m.FeatureImportance, "forest")
	assert.Contains(t, m.FeatureImportance, "gboost")
	assert.LessOrEqual(t, len(m.FeatureImportance["forest"]), 10)
	require.NotNil(t, m.Validation)
	assert.Len(t, m.Runs, 1)
}
