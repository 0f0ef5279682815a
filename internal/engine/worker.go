package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/monitoring"
	"github.com/banshee-data/motionamp/internal/timeutil"
)

// DefaultWorkerTimeout bounds how long the host waits for a terminal
// message.
const DefaultWorkerTimeout = 5 * time.Minute

var workerLogf = monitoring.Component("Worker")

// worker is a single-use processing unit on its own goroutine. It shares
// no memory with the host: both directions carry encoded messages only.
type worker struct {
	inbox  chan []byte
	outbox chan []byte
	kill   chan struct{}
	done   chan struct{}
	once   sync.Once

	yieldEvery int
	clock      timeutil.Clock

	// Owned by the worker goroutine.
	processing bool
	started    time.Time
	progress   Progress
}

func newWorker(yieldEvery int, clock timeutil.Clock) *worker {
	return &worker{
		inbox:      make(chan []byte, 8),
		outbox:     make(chan []byte),
		kill:       make(chan struct{}),
		done:       make(chan struct{}),
		yieldEvery: yieldEvery,
		clock:      clock,
	}
}

func startWorker(yieldEvery int, clock timeutil.Clock) *worker {
	w := newWorker(yieldEvery, clock)
	go w.serve()
	return w
}

// terminate stops the worker at its next frame boundary or blocked send.
func (w *worker) terminate() {
	w.once.Do(func() { close(w.kill) })
}

// post delivers an encoded message to the worker without blocking the
// host. It reports false when the inbox is full or the worker is gone.
func (w *worker) post(m Message) bool {
	b, err := encodeMessage(m)
	if err != nil {
		return false
	}
	select {
	case w.inbox <- b:
		return true
	default:
		return false
	}
}

func (w *worker) serve() {
	defer close(w.done)
	w.send(Message{Type: MsgReady})
	for {
		select {
		case <-w.kill:
			return
		case b := <-w.inbox:
			m, err := decodeMessage(b)
			if err != nil {
				w.send(Message{Type: MsgError, Message: err.Error(), FrameIndex: -1})
				continue
			}
			switch m.Type {
			case MsgProcess:
				w.process(m)
				return
			case MsgStats:
				w.sendStats()
			case MsgCancel:
				w.send(Message{Type: MsgCancelled})
				return
			default:
				w.send(Message{Type: MsgError, Message: fmt.Sprintf("unknown message type %q", m.Type), FrameIndex: -1})
			}
		}
	}
}

func (w *worker) send(m Message) {
	b, err := encodeMessage(m)
	if err != nil {
		b, _ = encodeMessage(Message{Type: MsgError, Message: err.Error(), FrameIndex: -1})
	}
	select {
	case w.outbox <- b:
	case <-w.kill:
	}
}

func (w *worker) sendStats() {
	s := WorkerStats{IsProcessing: w.processing, Progress: w.progress.Percent, FPS: w.progress.FPS}
	if w.processing {
		s.ElapsedSeconds = w.clock.Since(w.started).Seconds()
	}
	w.send(Message{Type: MsgStats, Stats: &s})
}

// poll drains pending host messages between frames.
func (w *worker) poll(cancel context.CancelFunc) {
	for {
		select {
		case b := <-w.inbox:
			m, err := decodeMessage(b)
			if err != nil {
				continue
			}
			switch m.Type {
			case MsgCancel:
				cancel()
			case MsgStats:
				w.sendStats()
			}
		case <-w.kill:
			cancel()
			return
		default:
			return
		}
	}
}

func (w *worker) process(m Message) {
	if m.Params == nil {
		w.send(Message{Type: MsgError, Message: "process message without params", FrameIndex: -1})
		return
	}
	if err := checkSequence(m.Frames); err != nil {
		w.send(Message{Type: MsgError, Message: err.Error(), FrameIndex: -1})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.processing = true
	w.started = w.clock.Now()
	n := len(m.Frames)
	out, err := runKernel(ctx, StrategyWorker, m.Frames, *m.Params, w.yieldEvery, func(i int) {
		w.progress = progressAt(w.clock, w.started, i, n)
		p := w.progress
		w.send(Message{Type: MsgProgress, Progress: &p})
		w.poll(cancel)
	})
	w.processing = false

	switch {
	case errors.Is(err, ErrCancelled):
		w.send(Message{Type: MsgCancelled})
	case err != nil:
		msg := err.Error()
		var fe *FrameError
		if errors.As(err, &fe) {
			msg = fe.Err.Error()
		}
		w.send(Message{Type: MsgError, Message: msg, FrameIndex: frameIndex(err)})
	default:
		w.send(Message{Type: MsgComplete, Data: out})
	}
}

// WorkerStrategy runs the kernel on a fresh worker per run and relays its
// messages. A run without a terminal message within Timeout fails with
// ErrTimeout and the worker is discarded.
type WorkerStrategy struct {
	Enabled    bool
	Timeout    time.Duration
	YieldEvery int
	Clock      timeutil.Clock

	spawn func(yieldEvery int, clock timeutil.Clock) *worker

	mu     sync.Mutex
	active *worker
	stats  *WorkerStats
}

func (s *WorkerStrategy) Kind() StrategyKind { return StrategyWorker }
func (s *WorkerStrategy) Available() bool    { return s.Enabled }

// RequestStats asks the active worker for a stats reply. It reports false
// when no worker is running.
func (s *WorkerStrategy) RequestStats() bool {
	s.mu.Lock()
	w := s.active
	s.mu.Unlock()
	return w != nil && w.post(Message{Type: MsgStats})
}

// LastStats returns the most recent stats reply, if any.
func (s *WorkerStrategy) LastStats() *WorkerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return nil
	}
	st := *s.stats
	return &st
}

func (s *WorkerStrategy) Run(ctx context.Context, seq frame.Sequence, p amplify.Params, report ProgressFunc) (frame.Sequence, error) {
	if err := checkSequence(seq); err != nil {
		return nil, err
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	spawn := s.spawn
	if spawn == nil {
		spawn = startWorker
	}

	if cancelled(ctx) {
		return nil, ErrCancelled
	}

	req := Message{Type: MsgProcess, Frames: seq, Params: &p}
	w := spawn(s.YieldEvery, clock)
	s.mu.Lock()
	s.active = w
	s.mu.Unlock()
	defer func() {
		w.terminate()
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	if !w.post(req) {
		return nil, errors.New("worker rejected process message")
	}

	cancelMsg, err := encodeMessage(Message{Type: MsgCancel})
	if err != nil {
		return nil, err
	}

	// cancelIn is the inbox only while a cancel is waiting for room, so a
	// full inbox delays the cancel instead of dropping it.
	var cancelIn chan<- []byte
	done := ctx.Done()
	cancelSent := false
	for {
		select {
		case <-done:
			done = nil
			cancelSent = true
			cancelIn = w.inbox

		case cancelIn <- cancelMsg:
			cancelIn = nil

		case <-timer.C():
			workerLogf("no terminal message after %s, terminating worker", timeout)
			return nil, ErrTimeout

		case b := <-w.outbox:
			m, err := decodeMessage(b)
			if err != nil {
				return nil, err
			}
			switch m.Type {
			case MsgReady:
			case MsgProgress:
				if !cancelSent && m.Progress != nil {
					report(*m.Progress)
				}
			case MsgStats:
				s.mu.Lock()
				s.stats = m.Stats
				s.mu.Unlock()
			case MsgComplete:
				if cancelSent {
					return nil, ErrCancelled
				}
				if len(m.Data) != len(seq) {
					return nil, fmt.Errorf("worker returned %d frames, want %d", len(m.Data), len(seq))
				}
				return m.Data, nil
			case MsgError:
				err := errors.New(m.Message)
				if m.FrameIndex > 0 {
					return nil, &FrameError{Index: m.FrameIndex, Strategy: StrategyWorker, Err: err}
				}
				return nil, fmt.Errorf("worker: %w", err)
			case MsgCancelled:
				return nil, ErrCancelled
			}
		}
	}
}
