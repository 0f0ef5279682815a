package engine

import (
	"time"

	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/timeutil"
)

// EventType distinguishes progress from the terminal events.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Progress is one per-frame progress report.
type Progress struct {
	Percent      float64 `json:"progress_percent" msgpack:"progress"`
	CurrentFrame int     `json:"current_frame" msgpack:"current_frame"`
	TotalFrames  int     `json:"total_frames" msgpack:"total_frames"`
	FPS          float64 `json:"fps" msgpack:"fps"`
}

// progressAt builds the report for frame i of n, started at start.
func progressAt(clock timeutil.Clock, start time.Time, i, n int) Progress {
	p := Progress{
		Percent:      float64(i+1) / float64(n) * 100,
		CurrentFrame: i + 1,
		TotalFrames:  n,
	}
	if secs := clock.Since(start).Seconds(); secs > 0 {
		p.FPS = float64(i+1) / secs
	}
	return p
}

// Metadata describes a completed run.
type Metadata struct {
	RunID          string       `json:"run_id"`
	FrameCount     int          `json:"frame_count"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	StrategyUsed   StrategyKind `json:"strategy_used"`
}

// Result is the output of a completed run.
type Result struct {
	Frames   frame.Sequence
	Metadata Metadata
}

// Event is delivered on Run.Events and to broadcaster subscribers.
type Event struct {
	RunID    string       `json:"run_id"`
	Type     EventType    `json:"type"`
	Strategy StrategyKind `json:"strategy"`
	Progress
	Error    string    `json:"error,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Terminal reports whether this is the run's last event.
func (e Event) Terminal() bool {
	return e.Type != EventProgress
}
