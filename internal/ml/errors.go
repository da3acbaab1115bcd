package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned by TrainAll when the history is shorter
	// than the configured minimum.
	ErrInsufficientData = errors.New("insufficient history")

	// ErrPredictionUnavailable is returned by Predict when no model is trained.
	ErrPredictionUnavailable = errors.New("prediction unavailable: no trained model")

	// ErrTrainingInProgress rejects a retrain while another one runs.
	ErrTrainingInProgress = errors.New("training already running")

	// ErrColdStart reports that no usable persisted state was found.
	ErrColdStart = errors.New("no persisted ensemble state")

	// ErrInvalidRound rejects an observed round with no in-range hazard.
	ErrInvalidRound = errors.New("round has no valid hazard positions")
)

// ModelTrainingError isolates the failure of a single model.
type ModelTrainingError struct {
	Model string
	Err   error
}

func (e *ModelTrainingError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelTrainingError) Unwrap() error {
	return e.Err
}
