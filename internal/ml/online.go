package ml

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hazard-ensemble/internal/history"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RetroScore is how the prediction for a newly observed round would have
// fared, computed from the history before that round.
type RetroScore struct {
	Found  int             `json:"found"`
	MSE    float64         `json:"mse"`
	Recall map[int]float64 `json:"recall"`
}

// UpdateResult acknowledges a registered round.
type UpdateResult struct {
	RoundID            string             `json:"round_id"`
	Rejected           []int              `json:"rejected,omitempty"`
	Duplicate          bool               `json:"duplicate,omitempty"`
	RoundsSinceRetrain int                `json:"rounds_since_retrain"`
	TotalRounds        int                `json:"total_rounds"`
	NeedsRetrain       bool               `json:"needs_retrain"`
	Weights            map[string]float64 `json:"weights"`
	Scored             *RetroScore        `json:"scored,omitempty"`
	Retrained          bool               `json:"retrained"`
	Retrain            *TrainReport       `json:"retrain,omitempty"`
	RetrainError       string             `json:"retrain_error,omitempty"`
}

// RegisterResult records the hazard positions (1-based) of a completed
// round. Out-of-range positions are dropped; a round left without any
// hazard is rejected with ErrInvalidRound. If the ensemble is trained the
// prediction it would have made is scored first, then the round is appended
// and the counter of rounds since the last retrain advanced; reaching the
// configured threshold triggers a full retrain whose report is returned.
func (e *Ensemble) RegisterResult(ctx context.Context, positions []int, roundID string) (*UpdateResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.registerLocked(ctx, positions, roundID, false)
}

func (e *Ensemble) registerLocked(ctx context.Context, positions []int, roundID string, fromSource bool) (*UpdateResult, error) {
	if roundID == "" {
		roundID = uuid.NewString()
	}
	logger := log.With().Str("round", roundID).Logger()

	vec, rejected, ok := e.roundVector(positions, roundID, logger)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRound, positions)
	}

	st := e.state.Load()
	result := &UpdateResult{RoundID: roundID, Rejected: rejected}
	if _, known := e.knownIDs[roundID]; known {
		logger.Warn().Msg("Round already registered, ignoring")
		result.Duplicate = true
		result.RoundsSinceRetrain = st.RoundsSinceRetrain
		result.TotalRounds = len(st.History)
		result.Weights = copyWeights(st.Weights)
		return result, nil
	}

	next := st.clone()
	if st.Trained {
		preds := e.modelPredictions(st.trainedModels(), st.History)
		combined := Combine(preds, st.Weights, e.cfg.Grid, e.cfg.Epsilon)
		tracker := st.Tracker.Clone()
		rec := tracker.Record(len(st.History), preds, combined, vec)
		next.Tracker = tracker
		next.Weights = AdaptWeights(st.Weights, tracker.Scores(st.Order), st.Order, e.cfg.AdaptationRate)
		result.Scored = &RetroScore{Found: rec.Found, MSE: rec.MSE, Recall: rec.Recall}
		e.reportTracker(tracker)
		e.metrics.WeightsSet(next.Weights)
	}

	next.History = st.History.Append(vec)
	next.RoundIDs = append(append(make([]string, 0, len(st.RoundIDs)+1), st.RoundIDs...), roundID)
	next.RoundsSinceRetrain++
	next.LastRoundID = roundID
	if fromSource {
		next.SourceCursor = roundID
	}
	var caches []Predictor
	for _, m := range next.trainedModels() {
		if c, ok := m.(HistoryCache); ok {
			c.Observe(vec)
			caches = append(caches, m)
		}
	}
	e.knownIDs[roundID] = struct{}{}
	e.state.Store(next)

	if sink, ok := e.provider.(history.Sink); ok && !fromSource {
		r := history.Round{ID: roundID, Positions: vec.Positions(), PlayedAt: time.Now().UTC()}
		if err := sink.AppendRound(ctx, r); err != nil {
			logger.Error().Err(err).Msg("Failed to append round to history store")
		}
	}
	e.persistModels(caches)
	if err := e.saveShared(next); err != nil {
		logger.Error().Err(err).Msg("Failed to persist ensemble state")
	}

	e.metrics.RoundsRegisteredInc()
	e.metrics.RoundsSinceRetrainSet(next.RoundsSinceRetrain)
	e.metrics.HistoryRoundsSet(len(next.History))

	result.RoundsSinceRetrain = next.RoundsSinceRetrain
	result.TotalRounds = len(next.History)
	result.Weights = copyWeights(next.Weights)

	if next.RoundsSinceRetrain >= e.cfg.RetrainEvery {
		result.NeedsRetrain = true
		if e.training.CompareAndSwap(false, true) {
			report, err := e.trainLocked(ctx, TriggerAuto, NewRunID())
			e.training.Store(false)
			if err != nil {
				result.RetrainError = err.Error()
			} else {
				result.Retrained = true
				result.Retrain = report
				result.NeedsRetrain = false
				result.RoundsSinceRetrain = 0
				result.TotalRounds = report.Rounds
				result.Weights = copyWeights(report.Weights)
			}
		} else {
			logger.Info().Msg("Retrain due but another run is active")
		}
	}

	logger.Debug().
		Int("rounds_since_retrain", result.RoundsSinceRetrain).
		Bool("retrained", result.Retrained).
		Msg("Round registered")
	e.emit("update", result)
	return result, nil
}

// CatchUpResult summarises a catch-up pass.
type CatchUpResult struct {
	Registered int           `json:"registered"`
	Skipped    int           `json:"skipped"`
	Last       *UpdateResult `json:"last,omitempty"`
}

// CatchUp feeds every provider round after the last processed one through
// the online update path.
func (e *Ensemble) CatchUp(ctx context.Context) (*CatchUpResult, error) {
	if e.provider == nil {
		return &CatchUpResult{}, nil
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cursor := e.state.Load().SourceCursor
	rounds, err := e.provider.RoundsAfter(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("fetch rounds after %q: %w", cursor, err)
	}

	res := &CatchUpResult{}
	advanced := false
	for _, r := range rounds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, known := e.knownIDs[r.ID]; known || r.ID == "" {
			e.advanceCursor(r.ID)
			advanced = true
			res.Skipped++
			continue
		}
		upd, err := e.registerLocked(ctx, r.Positions, r.ID, true)
		if errors.Is(err, ErrInvalidRound) {
			e.advanceCursor(r.ID)
			advanced = true
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		res.Registered++
		res.Last = upd
		advanced = false
	}
	if advanced {
		if err := e.saveShared(e.state.Load()); err != nil {
			log.Error().Err(err).Msg("Failed to persist ensemble state")
		}
	}
	if res.Registered > 0 {
		log.Info().Int("registered", res.Registered).Int("skipped", res.Skipped).Msg("Caught up with history source")
	}
	return res, nil
}

func (e *Ensemble) advanceCursor(id string) {
	if id == "" {
		return
	}
	st := e.state.Load().clone()
	st.SourceCursor = id
	e.state.Store(st)
}
