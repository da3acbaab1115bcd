package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainingDataFor(t *testing.T, h History, start, trainEnd int) TrainingData {
	t.Helper()
	f := stubFeatures{grid: DefaultGrid()}
	train, err := f.BuildDataset(h, start, trainEnd)
	require.NoError(t, err)
	val, err := f.BuildDataset(h, trainEnd, len(h))
	require.NoError(t, err)
	return TrainingData{Dataset: train, Aux: Auxiliary{History: h.Prefix(trainEnd), Validation: val}}
}

func predictionInputFor(t *testing.T, h History) PredictionInput {
	t.Helper()
	x, err := stubFeatures{grid: DefaultGrid()}.ForPrediction(h)
	require.NoError(t, err)
	return PredictionInput{Features: x, History: h}
}

func hazardIndices(positions []int) []int {
	out := make([]int, len(positions))
	for i, p := range positions {
		out[i] = p - 1
	}
	return out
}

func TestModels_UntrainedReturnUniform(t *testing.T) {
	grid := DefaultGrid()
	for _, m := range DefaultModels(testConfig()) {
		t.Run(m.Name(), func(t *testing.T) {
			assert.False(t, m.IsTrained())
			p, err := m.Predict(PredictionInput{})
			require.NoError(t, err)
			assert.Equal(t, grid.Uniform(), p)
		})
	}
}

func TestModels_TooLittleData(t *testing.T) {
	h := alternatingHistory(3)
	data := TrainingData{Aux: Auxiliary{History: h}}
	for _, m := range DefaultModels(testConfig()) {
		t.Run(m.Name(), func(t *testing.T) {
			_, err := m.Train(data)
			assert.Error(t, err)
			assert.False(t, m.IsTrained())
		})
	}
}

func TestMarkov_LearnsAlternation(t *testing.T) {
	h := alternatingHistory(40)
	m := NewMarkov(DefaultGrid(), 5)
	_, err := m.Train(TrainingData{Aux: Auxiliary{History: h}})
	require.NoError(t, err)

	// round 40 follows B, so layout A is next
	p, err := m.Predict(PredictionInput{History: h})
	require.NoError(t, err)
	assert.InDelta(t, 0.0001, brier(p, mustVector(layoutA)), 1e-9)
	assert.ElementsMatch(t, hazardIndices(layoutA), topIndices(p, 4))

	// after observing A the cache predicts B without an explicit history
	m.Observe(mustVector(layoutA))
	assert.Equal(t, 41, m.CachedRounds())
	p, err = m.Predict(PredictionInput{})
	require.NoError(t, err)
	assert.ElementsMatch(t, hazardIndices(layoutB), topIndices(p, 4))
}

func TestAntiRepeat_DiscountsLastHazards(t *testing.T) {
	h := alternatingHistory(40)
	m := NewAntiRepeat(DefaultGrid(), 5)
	metrics, err := m.Train(TrainingData{Aux: Auxiliary{History: h}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, metrics["global_repeat_rate"])

	p, err := m.Predict(PredictionInput{History: h})
	require.NoError(t, err)
	for _, idx := range hazardIndices(layoutB) {
		assert.Equal(t, 0.01, p[idx], "cell %d was a hazard last round", idx+1)
	}
	for _, idx := range hazardIndices(layoutA) {
		assert.InDelta(t, 0.18, p[idx], 1e-9)
	}
	// cell 2 has never held a hazard and saturates the streak bonus
	assert.InDelta(t, 0.31, p[1], 1e-9)
}

func TestDispersion_OutputBounds(t *testing.T) {
	h := randomHistory(40, 9)
	m := NewDispersion(DefaultGrid(), 5)
	metrics, err := m.Train(TrainingData{Aux: Auxiliary{History: h}})
	require.NoError(t, err)
	assert.NotEmpty(t, metrics)

	p, err := m.Predict(PredictionInput{History: h})
	require.NoError(t, err)
	require.Len(t, p, 25)
	for _, v := range p {
		assert.GreaterOrEqual(t, v, 0.01)
		assert.LessOrEqual(t, v, 0.99)
	}
}

func TestForest_SeparatesAlternation(t *testing.T) {
	h := alternatingHistory(40)
	m := NewForest(DefaultGrid(), testConfig().Models.Forest)
	metrics, err := m.Train(trainingDataFor(t, h, 2, 32))
	require.NoError(t, err)
	assert.Greater(t, metrics["auc"].(float64), 0.9)

	p, err := m.Predict(predictionInputFor(t, h))
	require.NoError(t, err)
	assert.ElementsMatch(t, hazardIndices(layoutA), topIndices(p, 4))
	assert.Len(t, m.FeatureImportance(), 3)
}

func TestBoost_SeparatesAlternation(t *testing.T) {
	h := alternatingHistory(40)
	m := NewBoost(DefaultGrid(), testConfig().Models.Boost)
	_, err := m.Train(trainingDataFor(t, h, 2, 32))
	require.NoError(t, err)

	p, err := m.Predict(predictionInputFor(t, h))
	require.NoError(t, err)
	assert.ElementsMatch(t, hazardIndices(layoutA), topIndices(p, 4))
}

func TestForest_RejectsSingleClass(t *testing.T) {
	m := NewForest(DefaultGrid(), testConfig().Models.Forest)
	_, err := m.Train(TrainingData{Dataset: Dataset{Features: [][]float64{{0}, {1}}, Labels: []float64{0, 0}}})
	assert.Error(t, err)
}

func TestLSTM_TrainsAndReports(t *testing.T) {
	h := alternatingHistory(30)
	m := NewLSTM(DefaultGrid(), testConfig().Models.LSTM)
	metrics, err := m.Train(TrainingData{Aux: Auxiliary{History: h}})
	require.NoError(t, err)
	assert.True(t, m.IsTrained())
	assert.Contains(t, metrics, "val_loss")
	assert.Equal(t, 5, metrics["seq_len"])

	p, err := m.Predict(PredictionInput{History: h})
	require.NoError(t, err)
	require.Len(t, p, 25)

	// a history shorter than the sequence length falls back to the base rate
	short, err := m.Predict(PredictionInput{History: h.Prefix(2)})
	require.NoError(t, err)
	assert.Equal(t, DefaultGrid().Uniform(), short)
}

func TestLSTM_ObserveFeedsCache(t *testing.T) {
	h := alternatingHistory(30)
	m := NewLSTM(DefaultGrid(), testConfig().Models.LSTM)
	_, err := m.Train(TrainingData{Aux: Auxiliary{History: h}})
	require.NoError(t, err)
	assert.Equal(t, 30, m.CachedRounds())

	// without an explicit prefix the cached rounds drive the prediction
	cached, err := m.Predict(PredictionInput{})
	require.NoError(t, err)
	explicit, err := m.Predict(PredictionInput{History: h})
	require.NoError(t, err)
	assert.Equal(t, explicit, cached)
	assert.NotEqual(t, DefaultGrid().Uniform(), cached)

	next := h.Append(mustVector(layoutA))
	m.Observe(mustVector(layoutA))
	assert.Equal(t, 31, m.CachedRounds())
	cached, err = m.Predict(PredictionInput{})
	require.NoError(t, err)
	explicit, err = m.Predict(PredictionInput{History: next})
	require.NoError(t, err)
	assert.Equal(t, explicit, cached)
}

func TestModels_PersistRestoreRoundTrip(t *testing.T) {
	h := alternatingHistory(40)
	data := trainingDataFor(t, h, 2, 32)
	data.Aux.History = h
	in := predictionInputFor(t, h)
	store := NewMemoryStore()

	trained := DefaultModels(testConfig())
	restored := DefaultModels(testConfig())
	for i, m := range trained {
		t.Run(m.Name(), func(t *testing.T) {
			_, err := m.Train(data)
			require.NoError(t, err)
			ns := store.Namespace(modelNamespace(m.Name()))
			require.NoError(t, m.Persist(ns))

			fresh := restored[i]
			ok, err := fresh.Restore(ns)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, fresh.IsTrained())

			want, err := m.Predict(in)
			require.NoError(t, err)
			got, err := fresh.Predict(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			cache, ok := m.(HistoryCache)
			if !ok {
				return
			}
			restoredCache, ok := fresh.(HistoryCache)
			require.True(t, ok)
			assert.Equal(t, cache.CachedRounds(), restoredCache.CachedRounds())
			want, err = m.Predict(PredictionInput{})
			require.NoError(t, err)
			got, err = fresh.Predict(PredictionInput{})
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestModels_RestoreEmptyNamespace(t *testing.T) {
	store := NewMemoryStore()
	for _, m := range DefaultModels(testConfig()) {
		ok, err := m.Restore(store.Namespace(modelNamespace(m.Name())))
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, m.IsTrained())
	}
}
