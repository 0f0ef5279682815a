// Package engine runs motion amplification over a frame sequence. It owns
// the three execution strategies (GPU, worker, CPU), picks one per run and
// reports progress and a single terminal event for every run.
package engine

import (
	"time"
)

// RunStatus is the lifecycle state of the engine's current run.
type RunStatus string

const (
	StatusIdle              RunStatus = "idle"
	StatusSelectingStrategy RunStatus = "selecting_strategy"
	StatusRunning           RunStatus = "running"
	StatusComplete          RunStatus = "complete"
	StatusFailed            RunStatus = "failed"
	StatusCancelled         RunStatus = "cancelled"
)

// Terminal reports whether s ends a run.
func (s RunStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Active reports whether s blocks a new run from starting.
func (s RunStatus) Active() bool {
	return s == StatusSelectingStrategy || s == StatusRunning
}

// RunState is a snapshot of the engine's current or most recent run.
type RunState struct {
	Status          RunStatus    `json:"status"`
	RunID           string       `json:"run_id,omitempty"`
	Strategy        StrategyKind `json:"strategy,omitempty"`
	ProgressPercent float64      `json:"progress_percent"`
	CurrentFrame    int          `json:"current_frame"`
	FrameCount      int          `json:"frame_count"`
	StartTime       *time.Time   `json:"start_time,omitempty"`
	Error           string       `json:"error,omitempty"`
}
