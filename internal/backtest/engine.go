package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hazard-ensemble/internal/history"
	"hazard-ensemble/internal/ml"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mode selects how the engine evaluates the ensemble.
type Mode string

const (
	// ModeTrain runs a single full training over the rounds and reports
	// its walk-forward test partition.
	ModeTrain Mode = "train"
	// ModeReplay starts cold and feeds every round through the online
	// path, predicting each round before it is registered.
	ModeReplay Mode = "replay"
)

// RoundResult is the evaluation of one predicted round.
type RoundResult struct {
	Index          int             `json:"index"`
	RoundID        string          `json:"round_id"`
	PlayedAt       time.Time       `json:"played_at,omitempty"`
	Predicted      []int           `json:"predicted"`
	Actual         []int           `json:"actual"`
	Found          int             `json:"found"`
	MSE            float64         `json:"mse"`
	Recall         map[int]float64 `json:"recall"`
	Precision      map[int]float64 `json:"precision"`
	Suggestion     int             `json:"suggestion,omitempty"`
	SuggestionSafe bool            `json:"suggestion_safe"`
	Retrained      bool            `json:"retrained"`
}

// Results holds the outcome of a walk-forward evaluation.
type Results struct {
	Mode               Mode                       `json:"mode"`
	StartTime          time.Time                  `json:"start_time"`
	EndTime            time.Time                  `json:"end_time"`
	Rounds             int                        `json:"rounds"`
	Evaluated          int                        `json:"evaluated"`
	Skipped            int                        `json:"skipped"`
	AvgFound           float64                    `json:"avg_found"`
	IdentificationRate float64                    `json:"identification_rate"`
	MSE                float64                    `json:"mse"`
	SuggestionHitRate  float64                    `json:"suggestion_hit_rate"`
	Recall             map[int]float64            `json:"recall_at_k"`
	Precision          map[int]float64            `json:"precision_at_k"`
	Retrains           int                        `json:"retrains"`
	Train              *ml.TrainReport            `json:"train,omitempty"`
	FinalWeights       map[string]float64         `json:"final_weights"`
	Models             []ml.ModelStatus           `json:"models"`
	RoundResults       []RoundResult              `json:"round_results"`
	ModelScores        map[string]float64         `json:"model_scores,omitempty"`
	TrainingMetrics    map[string]ml.ModelMetrics `json:"training_metrics,omitempty"`
}

// Duration is the wall time the evaluation took.
func (r *Results) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Engine evaluates an ensemble configuration against a fixed history
// without lookahead. Each Run uses a throwaway in-memory state.
type Engine struct {
	config   ml.Config
	features ml.FeatureProvider
	rounds   []history.Round
	factory  ml.ModelFactory
}

// NewEngine creates an engine over rounds, which must be chronological.
func NewEngine(config ml.Config, features ml.FeatureProvider, rounds []history.Round) *Engine {
	// keep every scored round so the report covers the whole test span
	config.ErrorMemory = max(config.ErrorMemory, len(rounds))
	return &Engine{
		config:   config,
		features: features,
		rounds:   rounds,
		factory:  ml.DefaultModels,
	}
}

// WithModels replaces the ensemble members, mainly for tests.
func (e *Engine) WithModels(f ml.ModelFactory) *Engine {
	e.factory = f
	return e
}

// Run executes the evaluation in the given mode.
func (e *Engine) Run(ctx context.Context, mode Mode) (*Results, error) {
	log.Info().
		Str("mode", string(mode)).
		Str("rounds", humanize.Comma(int64(len(e.rounds)))).
		Msg("Starting walk-forward evaluation")

	res := &Results{Mode: mode, StartTime: time.Now(), Rounds: len(e.rounds)}
	var (
		ens *ml.Ensemble
		err error
	)
	switch mode {
	case ModeTrain:
		ens, err = e.runTrain(ctx, res)
	case ModeReplay:
		ens, err = e.runReplay(ctx, res)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	e.summarize(res)
	status := ens.Status()
	res.FinalWeights = status.Weights
	res.Models = status.Models
	report := ens.Metrics()
	res.ModelScores = report.ModelScores
	res.TrainingMetrics = report.TrainingMetrics
	res.EndTime = time.Now()

	log.Info().
		Int("evaluated", res.Evaluated).
		Float64("identification_rate", res.IdentificationRate).
		Str("took", humanize.RelTime(res.StartTime, res.EndTime, "", "")).
		Msg("Walk-forward evaluation complete")
	return res, nil
}

func (e *Engine) newEnsemble(opts ...ml.Option) *ml.Ensemble {
	opts = append([]ml.Option{
		ml.WithStore(ml.NewMemoryStore()),
		ml.WithModelFactory(e.factory),
	}, opts...)
	return ml.New(e.config, e.features, opts...)
}

// runTrain trains once on all rounds; the scored test partition becomes the
// per-round results.
func (e *Engine) runTrain(ctx context.Context, res *Results) (*ml.Ensemble, error) {
	ens := e.newEnsemble(ml.WithProvider(history.Static(e.rounds)))
	report, err := ens.TrainAll(ctx, ml.TriggerManual)
	if err != nil {
		return nil, fmt.Errorf("train ensemble: %w", err)
	}
	res.Train = report
	res.Retrains = 1

	st := ens.Snapshot()
	res.Skipped = len(e.rounds) - len(st.History)
	playedAt := make(map[string]time.Time, len(e.rounds))
	for _, r := range e.rounds {
		playedAt[r.ID] = r.PlayedAt
	}

	testStart := report.TrainRounds + report.ValidationRounds
	for _, rec := range st.Tracker.Records() {
		if rec.Round < testStart || rec.Round >= len(st.RoundIDs) {
			continue
		}
		id := st.RoundIDs[rec.Round]
		rr := e.fromRecord(rec, id, playedAt[id])
		safest := bottomK(rec.Combined, 1)
		rr.Suggestion = safest[0] + 1
		rr.SuggestionSafe = rec.Actual[safest[0]] < 0.5
		res.RoundResults = append(res.RoundResults, rr)
	}
	return ens, nil
}

// runReplay registers the rounds one by one from a cold start. The first
// full training happens as soon as enough rounds are known; afterwards each
// round is predicted before it is registered, and retrains follow the
// configured cadence.
func (e *Engine) runReplay(ctx context.Context, res *Results) (*ml.Ensemble, error) {
	ens := e.newEnsemble()
	tracker := ml.NewErrorTracker(e.config.Grid, len(e.rounds), len(e.rounds), e.config.RecallCutoffs)

	for i, r := range e.rounds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var pending *RoundResult
		if ens.IsTrained() {
			pred, err := ens.Predict(nil, 0)
			if err != nil {
				return nil, fmt.Errorf("predict round %s: %w", r.ID, err)
			}
			actual, _ := ml.NewRoundVector(e.config.Grid, r.Positions)
			rr := e.fromRecord(tracker.Record(i, nil, pred.Probabilities, actual), r.ID, r.PlayedAt)
			if pred.Suggestion != nil {
				rr.Suggestion = pred.Suggestion.Position
				rr.SuggestionSafe = actual[pred.Suggestion.Position-1] < 0.5
			}
			pending = &rr
		}

		upd, err := ens.RegisterResult(ctx, r.Positions, r.ID)
		if errors.Is(err, ml.ErrInvalidRound) {
			log.Warn().Str("round", r.ID).Msg("Skipping round without valid hazards")
			res.Skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("register round %s: %w", r.ID, err)
		}
		if upd.Duplicate {
			res.Skipped++
			continue
		}
		if upd.Retrained {
			res.Retrains++
			res.Train = upd.Retrain
		}
		if pending != nil {
			pending.Retrained = upd.Retrained
			res.RoundResults = append(res.RoundResults, *pending)
		}

		if !ens.IsTrained() && upd.TotalRounds >= e.config.MinRounds {
			report, err := ens.TrainAll(ctx, ml.TriggerStartup)
			switch {
			case err == nil:
				res.Train = report
				res.Retrains++
			case errors.Is(err, ml.ErrInsufficientData):
			default:
				log.Warn().Err(err).Str("round", r.ID).Msg("Initial training failed")
			}
		}
	}
	return ens, nil
}

func (e *Engine) fromRecord(rec *ml.PredictionRecord, id string, playedAt time.Time) RoundResult {
	return RoundResult{
		Index:     rec.Round,
		RoundID:   id,
		PlayedAt:  playedAt,
		Predicted: positions(topK(rec.Combined, e.config.Grid.Hazards)),
		Actual:    ml.RoundVector(rec.Actual).Positions(),
		Found:     rec.Found,
		MSE:       rec.MSE,
		Recall:    rec.Recall,
		Precision: rec.Precision,
	}
}

// summarize fills the aggregate figures from the per-round results.
func (e *Engine) summarize(res *Results) {
	res.Evaluated = len(res.RoundResults)
	if res.Evaluated == 0 {
		return
	}

	found := make([]float64, res.Evaluated)
	mse := make([]float64, res.Evaluated)
	hits := 0.0
	recall := make(map[int][]float64)
	precision := make(map[int][]float64)
	for i, rr := range res.RoundResults {
		found[i] = float64(rr.Found)
		mse[i] = rr.MSE
		if rr.SuggestionSafe {
			hits++
		}
		for cut, v := range rr.Recall {
			recall[cut] = append(recall[cut], v)
		}
		for cut, v := range rr.Precision {
			precision[cut] = append(precision[cut], v)
		}
	}

	res.AvgFound = stat.Mean(found, nil)
	res.IdentificationRate = res.AvgFound / float64(e.config.Grid.Hazards)
	res.MSE = stat.Mean(mse, nil)
	res.SuggestionHitRate = hits / float64(res.Evaluated)
	res.Recall = make(map[int]float64, len(recall))
	for cut, v := range recall {
		res.Recall[cut] = stat.Mean(v, nil)
	}
	res.Precision = make(map[int]float64, len(precision))
	for cut, v := range precision {
		res.Precision[cut] = stat.Mean(v, nil)
	}
}

// topK returns the indices of the k largest values, largest first.
func topK(p []float64, k int) []int {
	idx := argsort(p)
	k = min(k, len(idx))
	out := make([]int, 0, k)
	for i := len(idx) - 1; i >= len(idx)-k; i-- {
		out = append(out, idx[i])
	}
	return out
}

// bottomK returns the indices of the k smallest values, smallest first.
func bottomK(p []float64, k int) []int {
	idx := argsort(p)
	return idx[:min(k, len(idx))]
}

func argsort(p []float64) []int {
	vals := append([]float64(nil), p...)
	idx := make([]int, len(vals))
	floats.Argsort(vals, idx)
	return idx
}

func positions(idx []int) []int {
	out := make([]int, len(idx))
	for i, v := range idx {
		out[i] = v + 1
	}
	return out
}
