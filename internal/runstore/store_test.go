package runstore

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/engine"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/monitoring"
	"github.com/banshee-data/motionamp/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) (*Store, *timeutil.MockClock) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.SetClock(clock)
	return s, clock
}

func record(id string, at time.Time) engine.RunRecord {
	p := amplify.Defaults()
	p.Algorithm = amplify.Hybrid
	p.ROI = &frame.Rect{X: 1, Y: 2, Width: 30, Height: 40}
	return engine.RunRecord{
		RunID:      id,
		StartedAt:  at,
		Strategy:   engine.StrategyWorker,
		FrameCount: 90,
		Width:      640,
		Height:     360,
		Params:     p,
	}
}

func TestOpenMigratesToLatest(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	v, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestVersion), v)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, s.MigrateUp())
}

func TestMigrateDownAndUp(t *testing.T) {
	t.Parallel()

	s, clock := openTestStore(t)
	require.NoError(t, s.MigrateTo(1))
	v, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.Error(t, s.Start(record("a", clock.Now())), "algorithm column is gone at version 1")

	require.NoError(t, s.MigrateUp())
	require.NoError(t, s.Start(record("a", clock.Now())))
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	s, clock := openTestStore(t)
	start := clock.Now()
	require.NoError(t, s.Start(record("run-1", start)))

	r, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "running", r.Status)
	assert.Equal(t, "worker", r.Strategy)
	assert.Equal(t, "hybrid", r.Algorithm)
	assert.Equal(t, 90, r.FrameCount)
	assert.True(t, r.CreatedAt.Equal(start))
	assert.Nil(t, r.CompletedAt)

	var p amplify.Params
	require.NoError(t, json.Unmarshal(r.Params, &p))
	if diff := cmp.Diff(record("", start).Params, p); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	clock.Advance(3 * time.Second)
	require.NoError(t, s.Complete("run-1", engine.Metadata{RunID: "run-1", FrameCount: 90, ElapsedSeconds: 2.5, StrategyUsed: engine.StrategyWorker}))

	r, err = s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "complete", r.Status)
	assert.InDelta(t, 2.5, r.ElapsedSecs, 1e-9)
	require.NotNil(t, r.CompletedAt)
	assert.True(t, r.CompletedAt.Equal(start.Add(3*time.Second)))
	assert.Empty(t, r.Error)

	// Terminal rows do not change again.
	assert.ErrorIs(t, s.Fail("run-1", errors.New("late")), ErrNotFound)
}

func TestFailAndCancelDeriveElapsed(t *testing.T) {
	t.Parallel()

	s, clock := openTestStore(t)
	require.NoError(t, s.Start(record("f", clock.Now())))
	require.NoError(t, s.Start(record("c", clock.Now())))
	clock.Advance(1500 * time.Millisecond)

	require.NoError(t, s.Fail("f", errors.New("gpu strategy: frame 3: device hung")))
	require.NoError(t, s.Cancel("c"))

	f, err := s.Get("f")
	require.NoError(t, err)
	assert.Equal(t, "failed", f.Status)
	assert.Equal(t, "gpu strategy: frame 3: device hung", f.Error)
	assert.InDelta(t, 1.5, f.ElapsedSecs, 1e-6)

	c, err := s.Get("c")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", c.Status)
	assert.Empty(t, c.Error)

	counts, err := s.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"failed": 1, "cancelled": 1}, counts)
}

func TestUnknownRun(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Cancel("nope"), ErrNotFound)
	assert.ErrorIs(t, s.Complete("nope", engine.Metadata{}), ErrNotFound)
}

func TestDuplicateStartFails(t *testing.T) {
	t.Parallel()

	s, clock := openTestStore(t)
	require.NoError(t, s.Start(record("dup", clock.Now())))
	assert.Error(t, s.Start(record("dup", clock.Now())))
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()

	s, clock := openTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Start(record(id, clock.Now())))
		clock.Advance(time.Second)
	}

	runs, err := s.List(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "d", runs[0].RunID)
	assert.Equal(t, "c", runs[1].RunID)

	all, err := s.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	n, err := s.MarkInterrupted()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	r, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "failed", r.Status)
	assert.Equal(t, "interrupted", r.Error)
}

func TestEngineRecordsRuns(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	s.SetClock(timeutil.RealClock{})
	e := engine.New(engine.Options{Capabilities: engine.Capabilities{CPUs: 1}, Recorder: s})

	seq := frame.Sequence{frame.Filled(4, 4, 100, 100, 100, 255), frame.Filled(4, 4, 150, 100, 100, 255)}
	res, err := e.Process(t.Context(), seq, amplify.RawParams{})
	require.NoError(t, err)

	r, err := s.Get(res.Metadata.RunID)
	require.NoError(t, err)
	assert.Equal(t, "complete", r.Status)
	assert.Equal(t, "cpu", r.Strategy)
	assert.Equal(t, 2, r.FrameCount)
	assert.Equal(t, 4, r.Width)
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("constraint failed")
	assert.ErrorIs(t, retryOnBusy(func() error { calls++; return boom }), boom)
	assert.Equal(t, 1, calls)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()

	s, clock := openTestStore(t)
	require.NoError(t, s.Start(record("x", clock.Now())))
	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/backup")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
}
