package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/gpu"
	"github.com/banshee-data/motionamp/internal/monitoring"
	"github.com/banshee-data/motionamp/internal/timeutil"
)

var gpuLogf = monitoring.Component("GPU")

// GPUStrategy runs the motion shader through a gpu.Pipeline. It owns the
// device objects exclusively. After a context loss it reports itself
// unavailable until the context is restored, then reinitialises lazily on
// the next availability check, never during a run.
type GPUStrategy struct {
	YieldEvery int
	Clock      timeutil.Clock

	// lost and stale are set from device callbacks, which may fire while
	// a run holds mu.
	lost     atomic.Bool
	stale    atomic.Bool
	restored atomic.Bool

	mu       sync.Mutex
	pipeline *gpu.Pipeline
	initErr  error
}

// NewGPUStrategy initialises the pipeline on dev. A failed init is
// recorded and the strategy reports unavailable.
func NewGPUStrategy(dev gpu.Device, yieldEvery int) *GPUStrategy {
	g := &GPUStrategy{
		YieldEvery: yieldEvery,
		pipeline:   gpu.NewPipeline(dev),
	}
	dev.SetContextHandlers(g.onContextLost, g.onContextRestored)
	g.mu.Lock()
	g.initLocked()
	g.mu.Unlock()
	return g
}

func (g *GPUStrategy) Kind() StrategyKind { return StrategyGPU }

func (g *GPUStrategy) initLocked() {
	if g.stale.Swap(false) {
		g.pipeline.Release()
	}
	g.initErr = g.pipeline.Init()
	if g.initErr != nil {
		gpuLogf("init failed, marking unsupported: %v", g.initErr)
		return
	}
	info := g.pipeline.Device().Info()
	gpuLogf("%s pipeline ready (max texture %d)", info.Backend, info.MaxTextureSize)
}

// Available reports whether a run could start now, reinitialising after a
// restored context.
func (g *GPUStrategy) Available() bool {
	if g.lost.Load() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyLocked()
}

// readyLocked reinitialises a stale pipeline once the context is back.
// Callers hold mu and are never inside a run.
func (g *GPUStrategy) readyLocked() bool {
	if g.lost.Load() {
		return false
	}
	if g.stale.Load() || !g.pipeline.Ready() {
		// A failed init stays unsupported until the context comes back.
		if g.initErr != nil && !g.restored.Swap(false) {
			return false
		}
		g.initLocked()
	}
	return g.pipeline.Ready()
}

// InitError returns the most recent initialisation failure, if any.
func (g *GPUStrategy) InitError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initErr
}

// Info returns the device description.
func (g *GPUStrategy) Info() gpu.Info {
	return g.pipeline.Device().Info()
}

func (g *GPUStrategy) onContextLost() {
	gpuLogf("context lost, pipeline marked for release")
	g.stale.Store(true)
	g.lost.Store(true)
}

func (g *GPUStrategy) onContextRestored() {
	gpuLogf("context restored, will reinitialise before next run")
	g.restored.Store(true)
	g.lost.Store(false)
}

// Release frees every device object.
func (g *GPUStrategy) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pipeline.Release()
}

func (g *GPUStrategy) Run(ctx context.Context, seq frame.Sequence, p amplify.Params, report ProgressFunc) (frame.Sequence, error) {
	if err := checkSequence(seq); err != nil {
		return nil, err
	}
	clock := g.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lost.Load() || g.stale.Load() || !g.pipeline.Ready() {
		return nil, ErrContextLost
	}

	w, h := seq.Size()
	if err := g.pipeline.Begin(gpu.UniformsFor(p, w, h), w, h); err != nil {
		return nil, g.classify(0, err)
	}

	start := clock.Now()
	out := make(frame.Sequence, len(seq))
	for i := range seq {
		if cancelled(ctx) {
			return nil, ErrCancelled
		}
		if i == 0 {
			out[0] = seq[0].Clone()
		} else {
			f, err := g.pipeline.Render(seq[i], seq[i-1])
			if err != nil {
				return nil, g.classify(i, err)
			}
			out[i] = f
		}
		report(progressAt(clock, start, i, len(seq)))
		yield(i+1, g.YieldEvery)
	}
	return out, nil
}

func (g *GPUStrategy) classify(i int, err error) error {
	if errors.Is(err, gpu.ErrContextLost) || g.lost.Load() || g.pipeline.Device().ContextLost() {
		return &FrameError{Index: i, Strategy: StrategyGPU, Err: ErrContextLost}
	}
	return &FrameError{Index: i, Strategy: StrategyGPU, Err: err}
}

// ProcessFrame is the realtime single-frame path. A restored context is
// reinitialised first. Any GPU failure falls back to amplify.QuickAmplify
// for this frame only. The returned kind says which path produced the
// frame.
func (g *GPUStrategy) ProcessFrame(cur, prev *frame.Frame, p amplify.Params) (*frame.Frame, StrategyKind, error) {
	if err := errors.Join(cur.Validate(), prev.Validate()); err != nil {
		return nil, "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.readyLocked() {
		err := g.pipeline.Begin(gpu.UniformsFor(p, cur.Width, cur.Height), cur.Width, cur.Height)
		if err == nil {
			var out *frame.Frame
			if out, err = g.pipeline.Render(cur, prev); err == nil {
				return out, StrategyGPU, nil
			}
		}
		gpuLogf("realtime frame failed, using CPU fallback: %v", err)
	}
	out, err := amplify.QuickAmplify(cur, prev, p)
	return out, StrategyCPU, err
}
