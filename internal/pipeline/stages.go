// Package pipeline runs the four-step trade analysis sequence. Steps run
// strictly in order, each consuming the previous step's output, and every
// completed step is published immediately rather than at the end of the
// run.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage is one numbered analysis step.
type Stage int

const (
	StageMarketRegime Stage = iota + 1
	StageDirection
	StageStrikes
	StagePositionSize
)

func (s Stage) Name() string {
	switch s {
	case StageMarketRegime:
		return "market-regime"
	case StageDirection:
		return "direction"
	case StageStrikes:
		return "strikes"
	case StagePositionSize:
		return "position-size"
	default:
		return "unknown"
	}
}

// StageResult is the published outcome of one completed step. V versions
// the envelope itself; a step's Result layout may evolve independently as
// long as consumers read fields by name.
type StageResult struct {
	V          int             `json:"v"`
	RunID      string          `json:"run_id"`
	StepNumber int             `json:"step_number"`
	StepName   string          `json:"step_name"`
	Result     json.RawMessage `json:"result"`
	DurationMs int64           `json:"duration_ms"`
	At         time.Time       `json:"at"`
}

// StageError names the step a run died on.
type StageError struct {
	Stage Stage
	Name  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %v", e.Stage, e.Name, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
