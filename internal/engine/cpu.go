package engine

import (
	"context"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/timeutil"
)

// CPUStrategy runs the kernel sequentially on the calling goroutine,
// yielding every YieldEvery frames. It is always available.
type CPUStrategy struct {
	YieldEvery int
	Clock      timeutil.Clock
}

func (c *CPUStrategy) Kind() StrategyKind { return StrategyCPU }
func (c *CPUStrategy) Available() bool    { return true }

func (c *CPUStrategy) Run(ctx context.Context, seq frame.Sequence, p amplify.Params, report ProgressFunc) (frame.Sequence, error) {
	if err := checkSequence(seq); err != nil {
		return nil, err
	}
	clock := c.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	start := clock.Now()
	return runKernel(ctx, StrategyCPU, seq, p, c.YieldEvery, func(i int) {
		report(progressAt(clock, start, i, len(seq)))
	})
}
