package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"hazard-ensemble/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingProvider struct{ history.Static }

func (failingProvider) Rounds(context.Context) ([]history.Round, error) {
	return nil, errors.New("source offline")
}

func TestDataLoader(t *testing.T) {
	rounds := alternatingRounds(10)
	rounds = append(rounds, history.Round{ID: "undated", Positions: layoutA})
	base := rounds[0].PlayedAt

	t.Run("everything", func(t *testing.T) {
		dl := NewDataLoader()
		require.NoError(t, dl.Load(context.Background(), history.Static(rounds), time.Time{}, time.Time{}))
		assert.Equal(t, 11, dl.GetDataCount())
		assert.Equal(t, base, dl.StartTime)
		assert.Equal(t, base.Add(9*time.Minute), dl.EndTime)
	})

	t.Run("window", func(t *testing.T) {
		dl := NewDataLoader()
		require.NoError(t, dl.Load(context.Background(), history.Static(rounds), base.Add(2*time.Minute), base.Add(5*time.Minute)))
		assert.Equal(t, 5, dl.GetDataCount(), "four dated rounds plus the undated one")
		assert.Equal(t, "r-002", dl.Rounds()[0].ID)
	})

	t.Run("tail", func(t *testing.T) {
		dl := NewDataLoader()
		require.NoError(t, dl.Load(context.Background(), history.Static(rounds[:10]), time.Time{}, time.Time{}))
		dl.Tail(3)
		require.Equal(t, 3, dl.GetDataCount())
		assert.Equal(t, "r-007", dl.Rounds()[0].ID)
		assert.Equal(t, base.Add(7*time.Minute), dl.StartTime)
		dl.Tail(0)
		assert.Equal(t, 3, dl.GetDataCount())
	})

	t.Run("provider error", func(t *testing.T) {
		err := NewDataLoader().Load(context.Background(), failingProvider{}, time.Time{}, time.Time{})
		assert.ErrorContains(t, err, "source offline")
	})
}
