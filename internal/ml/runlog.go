package ml

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Trigger names what started a training run.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerAuto    Trigger = "auto"
	TriggerStartup Trigger = "startup"
)

const maxRuns = 20

// RunRecord describes one completed or failed training run.
type RunRecord struct {
	ID                 string        `json:"id"`
	Trigger            Trigger       `json:"trigger"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	Rounds             int           `json:"rounds"`
	ModelsTrained      []string      `json:"models_trained"`
	ModelsFailed       []string      `json:"models_failed,omitempty"`
	IdentificationRate float64       `json:"identification_rate"`
	Error              string        `json:"error,omitempty"`
}

// NewRunID returns a fresh training run id.
func NewRunID() string {
	return uuid.NewString()
}

// appendRun returns runs with rec added, newest first, capped at maxRuns.
func appendRun(runs []RunRecord, rec RunRecord) []RunRecord {
	out := make([]RunRecord, 0, len(runs)+1)
	out = append(out, runs...)
	out = append(out, rec)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > maxRuns {
		out = out[:maxRuns]
	}
	return out
}

// lastRun returns the most recent run, if any.
func lastRun(runs []RunRecord) *RunRecord {
	if len(runs) == 0 {
		return nil
	}
	r := runs[0]
	return &r
}
