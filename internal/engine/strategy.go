package engine

import (
	"context"
	"fmt"
	"runtime"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
)

// StrategyKind names an execution backend.
type StrategyKind string

const (
	StrategyGPU    StrategyKind = "gpu"
	StrategyWorker StrategyKind = "worker"
	StrategyCPU    StrategyKind = "cpu"
)

// ProgressFunc receives one report per processed frame, in order.
type ProgressFunc func(Progress)

// Strategy processes a whole sequence. Implementations read seq without
// modifying it, return a sequence of the same length and dimensions with
// frame 0 copied verbatim, stop at the next frame boundary once ctx is
// done and report ErrCancelled in that case.
type Strategy interface {
	Kind() StrategyKind
	Available() bool
	Run(ctx context.Context, seq frame.Sequence, p amplify.Params, report ProgressFunc) (frame.Sequence, error)
}

// Default suspension intervals.
const (
	DefaultCPUYieldEvery    = 5
	DefaultGPUYieldEvery    = 10
	DefaultWorkerYieldEvery = 5
)

// cancelled checks ctx without blocking.
func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// yield is the cooperative suspension point taken every n frames.
func yield(i, n int) {
	if n > 0 && i%n == 0 {
		runtime.Gosched()
	}
}

// runKernel is the sequential frame loop shared by the CPU strategy and
// the worker. Frame i is computed from the original frames i-1 and i.
func runKernel(ctx context.Context, kind StrategyKind, seq frame.Sequence, p amplify.Params, yieldEvery int, report func(i int)) (frame.Sequence, error) {
	k := amplify.NewKernel(p)
	out := make(frame.Sequence, len(seq))
	for i := range seq {
		if cancelled(ctx) {
			return nil, ErrCancelled
		}
		if i == 0 {
			out[0] = seq[0].Clone()
		} else {
			f, err := k.Apply(seq[i], seq[i-1])
			if err != nil {
				return nil, &FrameError{Index: i, Strategy: kind, Err: err}
			}
			out[i] = f
		}
		report(i)
		yield(i+1, yieldEvery)
	}
	return out, nil
}

func checkSequence(seq frame.Sequence) error {
	if err := seq.Validate(); err != nil {
		return fmt.Errorf("invalid frame sequence: %w", err)
	}
	return nil
}
