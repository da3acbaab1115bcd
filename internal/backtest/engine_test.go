package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"hazard-ensemble/internal/features"
	"hazard-ensemble/internal/history"
	"hazard-ensemble/internal/ml"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	layoutA = []int{1, 7, 13, 19}
	layoutB = []int{5, 9, 17, 25}
)

func alternatingRounds(n int) []history.Round {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rounds := make([]history.Round, n)
	for i := range rounds {
		layout := layoutA
		if i%2 == 1 {
			layout = layoutB
		}
		rounds[i] = history.Round{
			ID:        fmt.Sprintf("r-%03d", i),
			Positions: append([]int(nil), layout...),
			PlayedAt:  base.Add(time.Duration(i) * time.Minute),
		}
	}
	return rounds
}

// heuristicModels keeps the engine tests fast.
func heuristicModels(c ml.Config) []ml.Predictor {
	return []ml.Predictor{
		ml.NewMarkov(c.Grid, c.MinHeuristicRounds),
		ml.NewAntiRepeat(c.Grid, c.MinHeuristicRounds),
	}
}

func newTestEngine(rounds []history.Round) *Engine {
	c := ml.DefaultConfig()
	c.MinRounds = 15
	c.RetrainEvery = 10
	return NewEngine(c, features.NewBuilder(c.Grid), rounds).WithModels(heuristicModels)
}

func TestEngineReplay(t *testing.T) {
	rounds := alternatingRounds(40)
	rounds = append(rounds, history.Round{ID: "bad", Positions: []int{0, 30}})

	res, err := newTestEngine(rounds).Run(context.Background(), ModeReplay)
	require.NoError(t, err)

	assert.Equal(t, ModeReplay, res.Mode)
	assert.Equal(t, 41, res.Rounds)
	assert.Equal(t, 25, res.Evaluated, "rounds 15..39 are predicted after the first training")
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 3, res.Retrains, "initial training plus two scheduled retrains")
	require.NotNil(t, res.Train)

	retrained := 0
	for _, rr := range res.RoundResults {
		assert.GreaterOrEqual(t, rr.Index, 15)
		assert.Len(t, rr.Predicted, 4)
		assert.Len(t, rr.Actual, 4)
		if rr.Retrained {
			retrained++
		}
	}
	assert.Equal(t, 2, retrained)

	assert.GreaterOrEqual(t, res.IdentificationRate, 0.75)
	assert.Greater(t, res.SuggestionHitRate, 0.75)
	assert.Contains(t, res.Recall, 5)
	assert.NotEmpty(t, res.FinalWeights)
	assert.False(t, res.EndTime.Before(res.StartTime))
}

func TestEngineTrain(t *testing.T) {
	res, err := newTestEngine(alternatingRounds(40)).Run(context.Background(), ModeTrain)
	require.NoError(t, err)

	require.NotNil(t, res.Train)
	assert.Equal(t, 28, res.Train.TrainRounds)
	assert.Equal(t, 6, res.Train.TestRounds)
	assert.Equal(t, 6, res.Evaluated)
	assert.Equal(t, 1, res.Retrains)
	assert.Zero(t, res.Skipped)

	for _, rr := range res.RoundResults {
		assert.GreaterOrEqual(t, rr.Index, 34)
		assert.Equal(t, fmt.Sprintf("r-%03d", rr.Index), rr.RoundID)
		assert.False(t, rr.PlayedAt.IsZero())
		assert.NotZero(t, rr.Suggestion)
	}
	assert.InDelta(t, res.Train.Validation.IdentificationRate, res.IdentificationRate, 1e-9)
}

func TestEngineErrors(t *testing.T) {
	t.Run("unknown mode", func(t *testing.T) {
		_, err := newTestEngine(alternatingRounds(20)).Run(context.Background(), Mode("live"))
		assert.Error(t, err)
	})

	t.Run("too few rounds", func(t *testing.T) {
		_, err := newTestEngine(alternatingRounds(5)).Run(context.Background(), ModeTrain)
		assert.ErrorIs(t, err, ml.ErrInsufficientData)
	})

	t.Run("replay never trains", func(t *testing.T) {
		res, err := newTestEngine(alternatingRounds(5)).Run(context.Background(), ModeReplay)
		require.NoError(t, err)
		assert.Zero(t, res.Evaluated)
		assert.Nil(t, res.Train)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestEngine(alternatingRounds(20)).Run(ctx, ModeReplay)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRanking(t *testing.T) {
	p := []float64{0.3, 0.1, 0.9, 0.5}
	assert.Equal(t, []int{2, 3}, topK(p, 2))
	assert.Equal(t, []int{1}, bottomK(p, 1))
	assert.Equal(t, []int{3, 4}, positions(topK(p, 2)))
	assert.Equal(t, []float64{0.3, 0.1, 0.9, 0.5}, p, "input must not be reordered")
}
