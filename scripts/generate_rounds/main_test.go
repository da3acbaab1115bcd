package main

import (
	"math/rand"
	"testing"

	"hazard-ensemble/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratedRoundsAreValid(t *testing.T) {
	for _, pattern := range []string{"uniform", "alternating", "sticky"} {
		t.Run(pattern, func(t *testing.T) {
			g := &generator{rng: rand.New(rand.NewSource(1)), cells: 25, hazards: 4, stickiness: 0.7}
			rounds, err := g.rounds(pattern, 50)
			require.NoError(t, err)
			require.Len(t, rounds, 50)

			assert.Len(t, history.Filter(rounds, 25, 4), 50)
			for i := 1; i < len(rounds); i++ {
				assert.True(t, rounds[i].PlayedAt.After(rounds[i-1].PlayedAt))
				assert.NotEqual(t, rounds[i].ID, rounds[i-1].ID)
			}
		})
	}
}

func TestAlternatingRepeatsTwoLayouts(t *testing.T) {
	g := &generator{rng: rand.New(rand.NewSource(7)), cells: 25, hazards: 4}
	rounds, err := g.rounds("alternating", 6)
	require.NoError(t, err)
	assert.Equal(t, rounds[0].Positions, rounds[2].Positions)
	assert.Equal(t, rounds[1].Positions, rounds[5].Positions)
}

func TestUnknownPattern(t *testing.T) {
	g := &generator{rng: rand.New(rand.NewSource(1)), cells: 25, hazards: 4}
	_, err := g.rounds("spiral", 3)
	assert.Error(t, err)
}
