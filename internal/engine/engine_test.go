package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/gpu/soft"
	"github.com/banshee-data/motionamp/internal/monitoring"
)

type recorderCall struct {
	op    string
	runID string
	info  string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recorderCall
	fail  error
}

func (r *fakeRecorder) add(op, id, info string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recorderCall{op, id, info})
	return r.fail
}

func (r *fakeRecorder) Start(rec RunRecord) error {
	return r.add("start", rec.RunID, fmt.Sprintf("%s %d %dx%d", rec.Strategy, rec.FrameCount, rec.Width, rec.Height))
}
func (r *fakeRecorder) Complete(id string, m Metadata) error {
	return r.add("complete", id, fmt.Sprintf("%d %s", m.FrameCount, m.StrategyUsed))
}
func (r *fakeRecorder) Fail(id string, err error) error { return r.add("fail", id, err.Error()) }
func (r *fakeRecorder) Cancel(id string) error          { return r.add("cancel", id, "") }

func (r *fakeRecorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.op)
	}
	return out
}

// gated wraps a strategy and parks it after reporting frame `at` until the
// run's context is done.
type gated struct {
	Strategy
	at      int
	reached chan struct{}
}

func newGated(s Strategy, at int) *gated {
	return &gated{Strategy: s, at: at, reached: make(chan struct{})}
}

func (g *gated) Run(ctx context.Context, seq frame.Sequence, p amplify.Params, report ProgressFunc) (frame.Sequence, error) {
	return g.Strategy.Run(ctx, seq, p, func(pr Progress) {
		report(pr)
		if pr.CurrentFrame == g.at {
			close(g.reached)
			<-ctx.Done()
		}
	})
}

// blocking never finishes on its own.
type blocking struct{ release chan struct{} }

func (blocking) Kind() StrategyKind { return StrategyCPU }
func (blocking) Available() bool    { return true }
func (b blocking) Run(ctx context.Context, seq frame.Sequence, p amplify.Params, report ProgressFunc) (frame.Sequence, error) {
	select {
	case <-b.release:
		return seq.Clone(), nil
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// closesEngine closes its engine while being probed for availability.
type closesEngine struct {
	blocking
	e *Engine
}

func (c closesEngine) Available() bool {
	c.e.Close()
	return true
}

type unavailable struct{ kind StrategyKind }

func (u unavailable) Kind() StrategyKind { return u.kind }
func (unavailable) Available() bool      { return false }
func (unavailable) Run(context.Context, frame.Sequence, amplify.Params, ProgressFunc) (frame.Sequence, error) {
	return nil, errors.New("must not run")
}

func drain(t *testing.T, run *Run) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func cpuEngine(opts Options) *Engine {
	opts.Capabilities = Capabilities{Workers: false, CPUs: 1}
	return New(opts)
}

func TestEngineEndToEnd(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := cpuEngine(Options{Recorder: rec})
	f0 := frame.Filled(4, 4, 100, 100, 100, 255)
	f1 := frame.Filled(4, 4, 150, 100, 100, 255)
	raw := amplify.RawParams{
		Amplification:   amplify.Float(20),
		FreqLow:         amplify.Float(0.1),
		FreqHigh:        amplify.Float(20),
		Sigma:           amplify.Float(1.5),
		ChromaThreshold: amplify.Float(0.01),
	}

	res, err := e.Process(context.Background(), frame.Sequence{f0, f1}, raw)
	require.NoError(t, err)
	require.Len(t, res.Frames, 2)
	assert.True(t, res.Frames[0].Equal(f0))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			r, g, b, a := res.Frames[1].At(x, y)
			assert.Equal(t, [4]byte{196, 100, 100, 255}, [4]byte{r, g, b, a}, "pixel %d,%d", x, y)
		}
	}

	assert.Equal(t, 2, res.Metadata.FrameCount)
	assert.Equal(t, StrategyCPU, res.Metadata.StrategyUsed)
	assert.NotEmpty(t, res.Metadata.RunID)

	st := e.State()
	assert.Equal(t, StatusComplete, st.Status)
	assert.Equal(t, res.Metadata.RunID, st.RunID)
	assert.InDelta(t, 100, st.ProgressPercent, 1e-9)
	assert.Equal(t, 2, st.CurrentFrame)
	assert.NotNil(t, st.StartTime)

	assert.Equal(t, []string{"start", "complete"}, rec.ops())
}

func TestEngineEventStream(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	sub, unsubscribe := b.Subscribe(32)
	defer unsubscribe()

	e := cpuEngine(Options{Broadcaster: b})
	seq := stepSeq(5, 6, 6, 10)
	run, err := e.Start(context.Background(), seq, amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StrategyCPU, run.Strategy())

	events := drain(t, run)
	require.Len(t, events, len(seq)+1)
	for i, ev := range events[:len(seq)] {
		assert.Equal(t, EventProgress, ev.Type)
		assert.Equal(t, run.ID(), ev.RunID)
		assert.Equal(t, i+1, ev.CurrentFrame)
		assert.False(t, ev.Terminal())
	}
	last := events[len(events)-1]
	assert.Equal(t, EventComplete, last.Type)
	require.NotNil(t, last.Metadata)
	assert.Equal(t, len(seq), last.Metadata.FrameCount)

	res, err := run.Wait()
	require.NoError(t, err)
	assert.Len(t, res.Frames, len(seq))

	var fanned []Event
	for len(fanned) < len(events) {
		fanned = append(fanned, <-sub)
	}
	assert.Equal(t, events, fanned)
	assert.Equal(t, uint64(len(events)), b.Stats().Published)
}

func TestEngineSelection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		gpuEnabled bool
		gpuCap     bool
		workers    bool
		lost       bool
		want       StrategyKind
	}{
		{"gpu first", true, true, true, false, StrategyGPU},
		{"gpu disabled by user", false, true, true, false, StrategyWorker},
		{"gpu not supported", true, false, true, false, StrategyWorker},
		{"context lost", true, true, true, true, StrategyWorker},
		{"cpu last resort", false, false, false, false, StrategyCPU},
		{"lost without workers", true, true, false, true, StrategyCPU},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dev := soft.New(soft.Options{})
			e := New(Options{
				Capabilities: Capabilities{GPU: tc.gpuCap, Workers: tc.workers},
				GPU:          NewGPUStrategy(dev, 0),
				GPUEnabled:   tc.gpuEnabled,
			})
			defer e.Close()
			if tc.lost {
				dev.LoseContext()
			}

			run, err := e.Start(context.Background(), stepSeq(3, 4, 4, 10), amplify.RawParams{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, run.Strategy())
			events := drain(t, run)
			assert.Equal(t, EventComplete, events[len(events)-1].Type)
			assert.Equal(t, tc.want, events[len(events)-1].Metadata.StrategyUsed)
		})
	}
}

func TestEngineGPUReturnsAfterRestore(t *testing.T) {
	t.Parallel()

	dev := soft.New(soft.Options{})
	e := New(Options{
		Capabilities: Capabilities{GPU: true, Workers: false},
		GPU:          NewGPUStrategy(dev, 0),
		GPUEnabled:   true,
	})
	defer e.Close()
	seq := stepSeq(3, 4, 4, 10)

	dev.LoseContext()
	res, err := e.Process(context.Background(), seq, amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StrategyCPU, res.Metadata.StrategyUsed)

	dev.RestoreContext()
	res, err = e.Process(context.Background(), seq, amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StrategyGPU, res.Metadata.StrategyUsed)

	e.SetGPUEnabled(false)
	res, err = e.Process(context.Background(), seq, amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StrategyCPU, res.Metadata.StrategyUsed)
}

func TestEngineValidationLeavesIdle(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := cpuEngine(Options{Recorder: rec})
	cases := []amplify.RawParams{
		{Amplification: amplify.Float(500)},
		{FreqLow: amplify.Float(3), FreqHigh: amplify.Float(2)},
		{Algorithm: amplify.String("optical-flow")},
	}
	for _, raw := range cases {
		_, err := e.Start(context.Background(), stepSeq(2, 2, 2, 1), raw)
		var ve *amplify.ValidationError
		assert.ErrorAs(t, err, &ve)
		assert.Equal(t, StatusIdle, e.State().Status)
	}

	_, err := e.Start(context.Background(), frame.Sequence{}, amplify.RawParams{})
	assert.ErrorIs(t, err, frame.ErrEmptySequence)
	assert.Equal(t, StatusIdle, e.State().Status)
	assert.Empty(t, rec.ops())
}

func TestEngineRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	e := cpuEngine(Options{})
	e.tiers = []Strategy{blocking{release: release}}
	seq := stepSeq(2, 2, 2, 1)

	run, err := e.Start(context.Background(), seq, amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, e.State().Status)

	_, err = e.Start(context.Background(), seq, amplify.RawParams{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, run.ID(), e.State().RunID)

	close(release)
	_, err = run.Wait()
	require.NoError(t, err)

	run2, err := e.Start(context.Background(), seq, amplify.RawParams{})
	require.NoError(t, err)
	assert.NotEqual(t, run.ID(), run2.ID())
	_, err = run2.Wait()
	require.NoError(t, err)
}

func TestEngineCancellation(t *testing.T) {
	t.Parallel()

	strategies := map[string]func() Strategy{
		"cpu":    func() Strategy { return &CPUStrategy{} },
		"worker": func() Strategy { return &WorkerStrategy{Enabled: true} },
	}
	for name, mk := range strategies {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rec := &fakeRecorder{}
			e := cpuEngine(Options{Recorder: rec})
			g := newGated(mk(), 2)
			e.tiers = []Strategy{g}

			run, err := e.Start(context.Background(), stepSeq(10, 4, 4, 5), amplify.RawParams{})
			require.NoError(t, err)
			<-g.reached
			run.Cancel()

			events := drain(t, run)
			require.Len(t, events, 3)
			assert.Equal(t, 1, events[0].CurrentFrame)
			assert.Equal(t, 2, events[1].CurrentFrame)
			assert.Equal(t, EventCancelled, events[2].Type)
			assert.Empty(t, events[2].Error)

			res, err := run.Wait()
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrCancelled)
			assert.Equal(t, StatusCancelled, e.State().Status)
			assert.Equal(t, []string{"start", "cancel"}, rec.ops())
		})
	}
}

type syncBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *syncBuffer) logf(format string, v ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, fmt.Sprintf(format, v...))
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

func TestEngineFailureIsTerminal(t *testing.T) {
	logs := &syncBuffer{}
	monitoring.SetLogger(logs.logf)
	defer monitoring.SetLogger(nil)

	rec := &fakeRecorder{fail: errors.New("disk full")}
	dev := soft.New(soft.Options{})
	e := New(Options{
		Capabilities: Capabilities{GPU: true, Workers: true},
		GPU:          NewGPUStrategy(dev, 0),
		GPUEnabled:   true,
		Recorder:     rec,
	})
	defer e.Close()
	dev.FailNext(soft.OpDraw, errors.New("device hung"))

	run, err := e.Start(context.Background(), stepSeq(4, 4, 4, 5), amplify.RawParams{})
	require.NoError(t, err)
	events := drain(t, run)
	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Contains(t, last.Error, "frame 1")
	assert.Contains(t, last.Error, "device hung")
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventProgress, ev.Type)
	}

	_, err = run.Wait()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Index)

	st := e.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, "device hung")
	assert.Equal(t, []string{"start", "fail"}, rec.ops())

	out := logs.String()
	assert.Contains(t, out, "[Engine] run "+run.ID()+" failed: strategy=gpu frame=1 params={amp=15")
	assert.Contains(t, out, "failed to record start")

	// No automatic retry on a lower tier; the next run starts fresh.
	res, err := e.Process(context.Background(), stepSeq(4, 4, 4, 5), amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StrategyGPU, res.Metadata.StrategyUsed)
}

func TestEngineNoStrategy(t *testing.T) {
	t.Parallel()

	e := cpuEngine(Options{})
	e.tiers = []Strategy{unavailable{StrategyGPU}, unavailable{StrategyCPU}}
	_, err := e.Start(context.Background(), stepSeq(2, 2, 2, 1), amplify.RawParams{})
	assert.ErrorIs(t, err, ErrCapability)
	assert.Equal(t, StatusIdle, e.State().Status)
}

func TestEngineRealtime(t *testing.T) {
	t.Parallel()

	dev := soft.New(soft.Options{})
	e := New(Options{
		Capabilities: Capabilities{GPU: true},
		GPU:          NewGPUStrategy(dev, 0),
		GPUEnabled:   true,
	})
	defer e.Close()
	prev := frame.Filled(5, 5, 100, 100, 100, 255)
	cur := frame.Filled(5, 5, 112, 100, 100, 255)

	_, kind, err := e.ProcessFrameRealtime(cur, prev, amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StrategyGPU, kind)

	dev.FailNext(soft.OpUpload, errors.New("upload failed"))
	out, kind, err := e.ProcessFrameRealtime(cur, prev, amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StrategyCPU, kind)
	want, _ := amplify.QuickAmplify(cur, prev, amplify.Defaults())
	assert.True(t, out.Equal(want))

	e.SetGPUEnabled(false)
	_, kind, err = e.ProcessFrameRealtime(cur, prev, amplify.RawParams{})
	require.NoError(t, err)
	assert.Equal(t, StrategyCPU, kind)

	_, _, err = e.ProcessFrameRealtime(cur, frame.New(2, 2), amplify.RawParams{})
	assert.Error(t, err)

	e.SetGPUEnabled(true)
	short := func() *frame.Frame { return &frame.Frame{Width: 4, Height: 4, Pix: make([]byte, 10)} }
	_, _, err = e.ProcessFrameRealtime(short(), short(), amplify.RawParams{})
	assert.ErrorContains(t, err, "has 10 bytes")
	_, _, err = e.ProcessFrameRealtime(cur, nil, amplify.RawParams{})
	assert.ErrorContains(t, err, "previous frame")
	_, _, err = e.ProcessFrameRealtime(cur, prev, amplify.RawParams{Sigma: amplify.Float(-1)})
	var ve *amplify.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestEngineClose(t *testing.T) {
	t.Parallel()

	dev := soft.New(soft.Options{})
	e := New(Options{
		Capabilities: Capabilities{GPU: true},
		GPU:          NewGPUStrategy(dev, 0),
		GPUEnabled:   true,
	})
	release := make(chan struct{})
	defer close(release)
	e.tiers = []Strategy{blocking{release: release}}

	run, err := e.Start(context.Background(), stepSeq(2, 2, 2, 1), amplify.RawParams{})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = run.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, dev.Live())

	_, err = e.Start(context.Background(), stepSeq(2, 2, 2, 1), amplify.RawParams{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngineCloseDuringSelection(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := cpuEngine(Options{Recorder: rec})
	release := make(chan struct{})
	defer close(release)
	e.tiers = []Strategy{closesEngine{blocking: blocking{release: release}, e: e}}

	run, err := e.Start(context.Background(), stepSeq(2, 2, 2, 1), amplify.RawParams{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, run)
	assert.Equal(t, StatusIdle, e.State().Status)
	assert.Empty(t, rec.ops())
}

func TestEngineDefaultsFromOptions(t *testing.T) {
	t.Parallel()

	base := amplify.Defaults()
	base.ChromaThreshold = 0.5
	e := cpuEngine(Options{Defaults: &base})
	seq := stepSeq(2, 3, 3, 60) // 60/255 < 0.5: gated out
	res, err := e.Process(context.Background(), seq, amplify.RawParams{})
	require.NoError(t, err)
	assert.True(t, res.Frames[1].Equal(seq[1]))
	assert.Equal(t, base, e.Defaults())
}

func TestRunStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []RunStatus{StatusComplete, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Active(), s)
	}
	for _, s := range []RunStatus{StatusSelectingStrategy, StatusRunning} {
		assert.True(t, s.Active(), s)
		assert.False(t, s.Terminal(), s)
	}
	assert.False(t, StatusIdle.Active())
	assert.False(t, StatusIdle.Terminal())
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	slow, cancelSlow := b.Subscribe(1)
	fast, cancelFast := b.Subscribe(4)
	defer cancelFast()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: EventProgress, Progress: Progress{CurrentFrame: i + 1}})
	}
	assert.Equal(t, 1, (<-slow).CurrentFrame)
	for i := 0; i < 3; i++ {
		assert.Equal(t, i+1, (<-fast).CurrentFrame)
	}
	st := b.Stats()
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, 2, st.Subscribers)

	cancelSlow()
	cancelSlow()
	_, ok := <-slow
	assert.False(t, ok)
	assert.Equal(t, 1, b.Stats().Subscribers)
}
