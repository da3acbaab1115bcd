package backtest

import (
	"context"
	"fmt"
	"time"

	"hazard-ensemble/internal/history"

	"github.com/rs/zerolog/log"
)

// DataLoader loads the rounds an evaluation runs over.
type DataLoader struct {
	rounds    []history.Round
	StartTime time.Time
	EndTime   time.Time
}

// NewDataLoader creates a new data loader
func NewDataLoader() *DataLoader {
	return &DataLoader{
		rounds: make([]history.Round, 0),
	}
}

// Load reads every round from p, keeping those played within [from, to].
// A zero bound is open. Rounds without a timestamp are always kept.
func (dl *DataLoader) Load(ctx context.Context, p history.Provider, from, to time.Time) error {
	rounds, err := p.Rounds(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rounds: %w", err)
	}

	dl.rounds = dl.rounds[:0]
	for _, r := range rounds {
		if !r.PlayedAt.IsZero() {
			if !from.IsZero() && r.PlayedAt.Before(from) {
				continue
			}
			if !to.IsZero() && r.PlayedAt.After(to) {
				continue
			}
		}
		dl.rounds = append(dl.rounds, r)
	}
	dl.updateBounds()

	log.Info().
		Int("total_rounds", len(dl.rounds)).
		Time("data_start", dl.StartTime).
		Time("data_end", dl.EndTime).
		Msg("Rounds loaded successfully")
	return nil
}

// Tail keeps only the last n rounds; n <= 0 keeps everything.
func (dl *DataLoader) Tail(n int) {
	if n <= 0 || n >= len(dl.rounds) {
		return
	}
	dl.rounds = dl.rounds[len(dl.rounds)-n:]
	dl.updateBounds()
}

// Rounds returns the loaded rounds in chronological order.
func (dl *DataLoader) Rounds() []history.Round {
	return dl.rounds
}

// GetDataCount returns the number of loaded rounds.
func (dl *DataLoader) GetDataCount() int {
	return len(dl.rounds)
}

func (dl *DataLoader) updateBounds() {
	dl.StartTime, dl.EndTime = time.Time{}, time.Time{}
	for _, r := range dl.rounds {
		if r.PlayedAt.IsZero() {
			continue
		}
		if dl.StartTime.IsZero() || r.PlayedAt.Before(dl.StartTime) {
			dl.StartTime = r.PlayedAt
		}
		if r.PlayedAt.After(dl.EndTime) {
			dl.EndTime = r.PlayedAt
		}
	}
}
