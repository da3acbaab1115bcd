// Package history loads completed rounds from the places the game records
// them: the canonical bbolt store, the game's SQLite database, its HTTP
// export endpoint and flat files.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Round is one completed round. Positions are 1-based hazard cells.
type Round struct {
	ID        string    `json:"id"`
	Positions []int     `json:"positions"`
	PlayedAt  time.Time `json:"played_at"`
}

// Provider serves rounds in chronological order.
type Provider interface {
	// Rounds returns every known round, oldest first.
	Rounds(ctx context.Context) ([]Round, error)

	// RoundsAfter returns the rounds played after the round with the given
	// id, oldest first. An empty id means all rounds.
	RoundsAfter(ctx context.Context, id string) ([]Round, error)

	// LastRoundID returns the id of the most recent round, or "" when empty.
	LastRoundID(ctx context.Context) (string, error)
}

// Sink accepts rounds registered outside the provider's own source.
type Sink interface {
	AppendRound(ctx context.Context, r Round) error
}

// Validate checks that a round has exactly hazards distinct positions in
// [1, cells]. Positions are returned sorted.
func Validate(r Round, cells, hazards int) ([]int, error) {
	seen := make(map[int]struct{}, len(r.Positions))
	out := make([]int, 0, len(r.Positions))
	for _, p := range r.Positions {
		if p < 1 || p > cells {
			return nil, fmt.Errorf("round %s: position %d outside [1, %d]", r.ID, p, cells)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("round %s: duplicate position %d", r.ID, p)
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) != hazards {
		return nil, fmt.Errorf("round %s: %d hazards, expected %d", r.ID, len(out), hazards)
	}
	sort.Ints(out)
	return out, nil
}

// Filter keeps the valid rounds and logs the rest.
func Filter(rounds []Round, cells, hazards int) []Round {
	out := make([]Round, 0, len(rounds))
	for _, r := range rounds {
		positions, err := Validate(r, cells, hazards)
		if err != nil {
			log.Warn().Err(err).Str("round", r.ID).Msg("Skipping malformed round")
			continue
		}
		r.Positions = positions
		out = append(out, r)
	}
	return out
}

// Validated wraps a provider so that every returned round passes Validate.
type Validated struct {
	Provider
	Cells   int
	Hazards int
}

func (v Validated) Rounds(ctx context.Context) ([]Round, error) {
	rounds, err := v.Provider.Rounds(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(rounds, v.Cells, v.Hazards), nil
}

func (v Validated) RoundsAfter(ctx context.Context, id string) ([]Round, error) {
	rounds, err := v.Provider.RoundsAfter(ctx, id)
	if err != nil {
		return nil, err
	}
	return Filter(rounds, v.Cells, v.Hazards), nil
}

// AppendRound forwards to the wrapped provider when it is also a Sink.
func (v Validated) AppendRound(ctx context.Context, r Round) error {
	if sink, ok := v.Provider.(Sink); ok {
		return sink.AppendRound(ctx, r)
	}
	return nil
}

// after returns the rounds following id in an ordered slice; an unknown id
// yields everything.
func after(rounds []Round, id string) []Round {
	if id == "" {
		return rounds
	}
	for i, r := range rounds {
		if r.ID == id {
			return rounds[i+1:]
		}
	}
	return rounds
}

// lastID returns the id of the final round.
func lastID(rounds []Round) string {
	if len(rounds) == 0 {
		return ""
	}
	return rounds[len(rounds)-1].ID
}

// Static serves a fixed set of rounds that is already in chronological order.
type Static []Round

func (s Static) Rounds(context.Context) ([]Round, error) {
	return append([]Round(nil), s...), nil
}

func (s Static) RoundsAfter(_ context.Context, id string) ([]Round, error) {
	return append([]Round(nil), after(s, id)...), nil
}

func (s Static) LastRoundID(context.Context) (string, error) {
	return lastID(s), nil
}
