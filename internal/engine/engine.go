package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/monitoring"
	"github.com/banshee-data/motionamp/internal/timeutil"
)

var engineLogf = monitoring.Component("Engine")

// RunRecord describes a run at the moment it enters Running.
type RunRecord struct {
	RunID      string
	StartedAt  time.Time
	Strategy   StrategyKind
	FrameCount int
	Width      int
	Height     int
	Params     amplify.Params
}

// RunRecorder persists run lifecycle transitions. Recorder errors are
// logged and never affect the run.
type RunRecorder interface {
	Start(rec RunRecord) error
	Complete(runID string, meta Metadata) error
	Fail(runID string, cause error) error
	Cancel(runID string) error
}

// Options configures an Engine. Zero values take the defaults.
type Options struct {
	Capabilities Capabilities

	// GPU is nil when no device could be created.
	GPU *GPUStrategy

	// GPUEnabled is the user's preference; GPU still requires
	// Capabilities.GPU and an available strategy.
	GPUEnabled bool

	Recorder    RunRecorder
	Broadcaster *Broadcaster
	Clock       timeutil.Clock

	// Defaults are the base values for nil RawParams fields.
	Defaults *amplify.Params

	WorkerTimeout    time.Duration
	CPUYieldEvery    int
	GPUYieldEvery    int
	WorkerYieldEvery int
}

// Engine is the strategy dispatcher. It runs at most one sequence at a
// time and owns the state of the current or most recent run.
type Engine struct {
	caps     Capabilities
	clock    timeutil.Clock
	recorder RunRecorder
	bcast    *Broadcaster
	defaults amplify.Params

	gpu    *GPUStrategy
	worker *WorkerStrategy
	cpu    *CPUStrategy

	// tiers overrides selection in tests.
	tiers []Strategy

	mu         sync.Mutex
	state      RunState
	gpuEnabled bool
	active     *Run
	closed     bool
}

// New builds an engine from opts.
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	defaults := amplify.Defaults()
	if opts.Defaults != nil {
		defaults = *opts.Defaults
	}
	cpuYield := orDefault(opts.CPUYieldEvery, DefaultCPUYieldEvery)
	workerYield := orDefault(opts.WorkerYieldEvery, DefaultWorkerYieldEvery)

	e := &Engine{
		caps:     opts.Capabilities,
		clock:    clock,
		recorder: opts.Recorder,
		bcast:    opts.Broadcaster,
		defaults: defaults,
		gpu:      opts.GPU,
		worker: &WorkerStrategy{
			Enabled:    opts.Capabilities.Workers,
			Timeout:    opts.WorkerTimeout,
			YieldEvery: workerYield,
			Clock:      clock,
		},
		cpu:        &CPUStrategy{YieldEvery: cpuYield, Clock: clock},
		state:      RunState{Status: StatusIdle},
		gpuEnabled: opts.GPUEnabled,
	}
	if e.gpu != nil {
		e.gpu.YieldEvery = orDefault(opts.GPUYieldEvery, orDefault(e.gpu.YieldEvery, DefaultGPUYieldEvery))
		e.gpu.Clock = clock
	}
	return e
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Capabilities returns the startup capability snapshot.
func (e *Engine) Capabilities() Capabilities { return e.caps }

// Defaults returns the base parameter values.
func (e *Engine) Defaults() amplify.Params { return e.defaults }

// Broadcaster returns the event fan-out, or nil when none was configured.
func (e *Engine) Broadcaster() *Broadcaster { return e.bcast }

// Worker exposes the worker strategy for stats requests.
func (e *Engine) Worker() *WorkerStrategy { return e.worker }

// State returns a snapshot of the current or most recent run.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	if s.StartTime != nil {
		t := *s.StartTime
		s.StartTime = &t
	}
	return s
}

// SetGPUEnabled changes the user preference. It takes effect at the next
// selection, never mid-run.
func (e *Engine) SetGPUEnabled(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gpuEnabled = on
}

// GPUEnabled reports the user preference.
func (e *Engine) GPUEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gpuEnabled
}

// candidates lists the strategies in selection order.
func (e *Engine) candidates(gpuEnabled bool) []Strategy {
	if e.tiers != nil {
		return e.tiers
	}
	var out []Strategy
	if e.gpu != nil {
		if gpuEnabled && e.caps.GPU {
			out = append(out, e.gpu)
		} else {
			engineLogf("skipping gpu strategy: enabled=%t supported=%t", gpuEnabled, e.caps.GPU)
		}
	}
	out = append(out, e.worker, e.cpu)
	return out
}

// selectStrategy picks the first available strategy. It runs once per
// run, before any frame is processed.
func (e *Engine) selectStrategy(gpuEnabled bool) (Strategy, error) {
	for _, s := range e.candidates(gpuEnabled) {
		if s.Available() {
			return s, nil
		}
		engineLogf("%s strategy unavailable, trying next tier", s.Kind())
	}
	return nil, ErrCapability
}

// Start validates raw, selects a strategy and begins processing seq in
// the background. Validation and capability errors are returned here and
// leave the engine Idle; every later outcome arrives as the run's
// terminal event.
func (e *Engine) Start(ctx context.Context, seq frame.Sequence, raw amplify.RawParams) (*Run, error) {
	p, err := raw.ResolveWith(e.defaults)
	if err != nil {
		return nil, err
	}
	if err := checkSequence(seq); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.state.Status.Active() {
		e.mu.Unlock()
		return nil, ErrRunInProgress
	}
	prev := e.state
	e.state = RunState{Status: StatusSelectingStrategy, FrameCount: len(seq)}
	gpuEnabled := e.gpuEnabled
	e.mu.Unlock()

	strat, err := e.selectStrategy(gpuEnabled)
	if err != nil {
		e.mu.Lock()
		e.state = prev
		e.mu.Unlock()
		return nil, err
	}

	start := e.clock.Now()
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		id:       uuid.New().String(),
		strategy: strat.Kind(),
		ctx:      runCtx,
		cancel:   cancel,
		events:   make(chan Event, len(seq)+1),
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		// Close ran during selection and may have released the GPU.
		e.state = prev
		e.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	e.active = run
	e.state = RunState{
		Status:     StatusRunning,
		RunID:      run.id,
		Strategy:   run.strategy,
		FrameCount: len(seq),
		StartTime:  &start,
	}
	e.mu.Unlock()

	w, h := seq.Size()
	engineLogf("started run %s: %d frames %dx%d on %s (%s)", run.id, len(seq), w, h, run.strategy, p.Algorithm)
	if e.recorder != nil {
		rec := RunRecord{
			RunID:      run.id,
			StartedAt:  start,
			Strategy:   run.strategy,
			FrameCount: len(seq),
			Width:      w,
			Height:     h,
			Params:     p,
		}
		if err := e.recorder.Start(rec); err != nil {
			engineLogf("failed to record start of run %s: %v", run.id, err)
		}
	}

	go e.execute(run, strat, seq, p, start)
	return run, nil
}

// Process runs seq to completion and returns its result.
func (e *Engine) Process(ctx context.Context, seq frame.Sequence, raw amplify.RawParams) (*Result, error) {
	run, err := e.Start(ctx, seq, raw)
	if err != nil {
		return nil, err
	}
	go func() {
		for range run.Events() {
		}
	}()
	return run.Wait()
}

func (e *Engine) execute(run *Run, strat Strategy, seq frame.Sequence, p amplify.Params, start time.Time) {
	defer run.cancel()

	frames, err := strat.Run(run.ctx, seq, p, func(pr Progress) {
		if run.ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		if e.active == run {
			e.state.ProgressPercent = pr.Percent
			e.state.CurrentFrame = pr.CurrentFrame
		}
		e.mu.Unlock()
		e.emit(run, Event{RunID: run.id, Type: EventProgress, Strategy: run.strategy, Progress: pr})
	})
	elapsed := e.clock.Since(start).Seconds()

	switch {
	case run.ctx.Err() != nil || errors.Is(err, ErrCancelled):
		engineLogf("run %s cancelled after %.2fs", run.id, elapsed)
		e.finish(run, StatusCancelled, "")
		if e.recorder != nil {
			if rerr := e.recorder.Cancel(run.id); rerr != nil {
				engineLogf("failed to record cancellation of run %s: %v", run.id, rerr)
			}
		}
		run.result, run.err = nil, ErrCancelled
		e.emit(run, Event{RunID: run.id, Type: EventCancelled, Strategy: run.strategy})

	case err != nil:
		engineLogf("run %s failed: strategy=%s frame=%d params=%s: %v", run.id, run.strategy, frameIndex(err), paramSnapshot(p), err)
		e.finish(run, StatusFailed, err.Error())
		if e.recorder != nil {
			if rerr := e.recorder.Fail(run.id, err); rerr != nil {
				engineLogf("failed to record failure of run %s: %v", run.id, rerr)
			}
		}
		run.result, run.err = nil, err
		e.emit(run, Event{RunID: run.id, Type: EventFailed, Strategy: run.strategy, Error: err.Error()})

	default:
		meta := Metadata{
			RunID:          run.id,
			FrameCount:     len(frames),
			ElapsedSeconds: elapsed,
			StrategyUsed:   run.strategy,
		}
		engineLogf("completed run %s: %d frames in %.2fs on %s", run.id, len(frames), elapsed, run.strategy)
		e.finish(run, StatusComplete, "")
		if e.recorder != nil {
			if rerr := e.recorder.Complete(run.id, meta); rerr != nil {
				engineLogf("failed to record completion of run %s: %v", run.id, rerr)
			}
		}
		run.result, run.err = &Result{Frames: frames, Metadata: meta}, nil
		e.emit(run, Event{
			RunID:    run.id,
			Type:     EventComplete,
			Strategy: run.strategy,
			Progress: Progress{Percent: 100, CurrentFrame: len(frames), TotalFrames: len(frames)},
			Metadata: &meta,
		})
	}
	close(run.events)
	close(run.done)
}

func (e *Engine) finish(run *Run, status RunStatus, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != run {
		return
	}
	e.state.Status = status
	e.state.Error = msg
	if status == StatusComplete {
		e.state.ProgressPercent = 100
		e.state.CurrentFrame = e.state.FrameCount
	}
	e.active = nil
}

// emit queues ev on the run's channel and the broadcaster. The run channel
// holds one event per frame plus the terminal event, so it never blocks.
func (e *Engine) emit(run *Run, ev Event) {
	select {
	case run.events <- ev:
	default:
		engineLogf("run %s event queue full, dropped %s event", run.id, ev.Type)
	}
	if e.bcast != nil {
		e.bcast.Publish(ev)
	}
}

func paramSnapshot(p amplify.Params) string {
	roi := "none"
	if p.ROI != nil {
		roi = fmt.Sprintf("%d,%d %dx%d", p.ROI.X, p.ROI.Y, p.ROI.Width, p.ROI.Height)
	}
	return fmt.Sprintf("{amp=%g band=[%g,%g] levels=%d sigma=%g threshold=%g roi=%s algo=%s}",
		p.Amplification, p.FreqLow, p.FreqHigh, p.PyramidLevels, p.Sigma, p.ChromaThreshold, roi, p.Algorithm)
}

// ProcessFrameRealtime amplifies a single frame pair on the GPU, falling
// back to amplify.QuickAmplify for this frame when the GPU path fails or
// is not in use. It does not interact with batch runs.
func (e *Engine) ProcessFrameRealtime(cur, prev *frame.Frame, raw amplify.RawParams) (*frame.Frame, StrategyKind, error) {
	p, err := raw.ResolveWith(e.defaults)
	if err != nil {
		return nil, "", err
	}
	if err := cur.Validate(); err != nil {
		return nil, "", fmt.Errorf("current frame: %w", err)
	}
	if err := prev.Validate(); err != nil {
		return nil, "", fmt.Errorf("previous frame: %w", err)
	}
	if !cur.SameSize(prev) {
		return nil, "", fmt.Errorf("frame size mismatch: %dx%d vs %dx%d", cur.Width, cur.Height, prev.Width, prev.Height)
	}
	if e.gpu != nil && e.GPUEnabled() && e.caps.GPU {
		return e.gpu.ProcessFrame(cur, prev, p)
	}
	out, err := amplify.QuickAmplify(cur, prev, p)
	return out, StrategyCPU, err
}

// Close cancels any active run and releases GPU resources. Start fails
// with ErrClosed afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	run := e.active
	e.mu.Unlock()
	if run != nil {
		run.Cancel()
		<-run.done
	}
	if e.gpu != nil {
		e.gpu.Release()
	}
	return nil
}

// Run is a handle on one started run.
type Run struct {
	id       string
	strategy StrategyKind
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan Event
	done     chan struct{}

	// Set before done is closed.
	result *Result
	err    error
}

// ID returns the run's unique identifier.
func (r *Run) ID() string { return r.id }

// Strategy returns the strategy chosen for this run.
func (r *Run) Strategy() StrategyKind { return r.strategy }

// Events delivers progress in frame order followed by exactly one
// terminal event, then closes.
func (r *Run) Events() <-chan Event { return r.events }

// Cancel requests cancellation. It takes effect at the next frame
// boundary and is a no-op once the run has ended.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ends. A cancelled run returns ErrCancelled.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}
