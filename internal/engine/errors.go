package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/motionamp/internal/gpu"
)

var (
	// ErrCapability means no strategy, not even the CPU, can run.
	ErrCapability = errors.New("no processing strategy available")

	// ErrRunInProgress is returned by Start while another run is active.
	ErrRunInProgress = errors.New("processing run already in progress")

	// ErrTimeout means the worker sent no terminal message in time.
	ErrTimeout = errors.New("worker timed out without a terminal message")

	// ErrContextLost means the GPU context was invalidated during a run.
	ErrContextLost = fmt.Errorf("gpu strategy unavailable: %w", gpu.ErrContextLost)

	// ErrCancelled is returned by Run.Wait after a cancelled run.
	ErrCancelled = fmt.Errorf("run cancelled: %w", context.Canceled)

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("engine closed")
)

// FrameError reports a failure processing one frame of a run.
type FrameError struct {
	Index    int
	Strategy StrategyKind
	Err      error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s strategy: frame %d: %v", e.Strategy, e.Index, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// frameIndex extracts the failing frame index from err, or -1.
func frameIndex(err error) int {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Index
	}
	return -1
}
