package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/config"
	"github.com/banshee-data/motionamp/internal/engine"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/monitoring"
	"github.com/banshee-data/motionamp/internal/runstore"
)

func init() {
	monitoring.SetLogger(nil)
}

func testSeq() frame.Sequence {
	return frame.Sequence{
		frame.Filled(4, 4, 100, 100, 100, 255),
		frame.Filled(4, 4, 110, 100, 100, 255),
		frame.Filled(4, 4, 120, 100, 100, 255),
	}
}

type fixture struct {
	engine *engine.Engine
	store  *runstore.Store
	bcast  *engine.Broadcaster
	srv    *httptest.Server
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	store, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bcast := engine.NewBroadcaster()
	eng := engine.New(engine.Options{
		Capabilities: engine.Capabilities{CPUs: 1},
		Recorder:     store,
		Broadcaster:  bcast,
	})
	t.Cleanup(func() { eng.Close() })

	mux, err := NewServer(eng, store, cfg).WithAdmin(store.AttachAdminRoutes).ServeMux()
	require.NoError(t, err)
	srv := httptest.NewServer(LoggingMiddleware(mux))
	t.Cleanup(srv.Close)
	return &fixture{engine: eng, store: store, bcast: bcast, srv: srv}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestStateEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	var st map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/state", &st))
	assert.Equal(t, "idle", st["status"])
	assert.Contains(t, st, "capabilities")
	assert.Contains(t, st["version"], "motionamp")

	res, err := f.engine.Process(t.Context(), testSeq(), amplify.RawParams{})
	require.NoError(t, err)

	st = nil
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/state", &st))
	assert.Equal(t, "complete", st["status"])
	assert.Equal(t, res.Metadata.RunID, st["run_id"])
	assert.Equal(t, "cpu", st["strategy"])
	assert.EqualValues(t, 100, st["progress_percent"])
	bc, ok := st["broadcast"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 4, bc["published"], "three progress events and one terminal event")
}

func TestRunsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	var empty []runstore.Run
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/runs", &empty))
	assert.Empty(t, empty)

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := f.engine.Process(t.Context(), testSeq(), amplify.RawParams{Amplification: amplify.Float(20)})
		require.NoError(t, err)
		ids = append(ids, res.Metadata.RunID)
	}

	var runs []runstore.Run
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/runs?limit=2", &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, "complete", runs[0].Status)

	var one runstore.Run
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/runs?id="+ids[0], &one))
	assert.Equal(t, ids[0], one.RunID)
	assert.Equal(t, 3, one.FrameCount)
	var p amplify.Params
	require.NoError(t, json.Unmarshal(one.Params, &p))
	assert.Equal(t, 20.0, p.Amplification)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/api/runs?id=missing", &errBody))
	assert.Contains(t, errBody["error"], "missing")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.srv.URL+"/api/runs?limit=zero", &errBody))
}

func TestRunsWithoutHistory(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Options{Capabilities: engine.Capabilities{CPUs: 1}})
	mux, err := NewServer(eng, nil, nil).ServeMux()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPresetsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	var presets []config.Preset
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/presets", &presets))
	require.Len(t, presets, 8)
	assert.Equal(t, "breathing", presets[0].Key)
}

func TestConfigEndpoint(t *testing.T) {
	t.Parallel()

	cfg := config.Empty()
	cfg.WorkerTimeout = amplify.String("90s")
	f := newFixture(t, cfg)

	var got struct {
		Defaults      amplify.Params `json:"defaults"`
		WorkerTimeout string         `json:"worker_timeout"`
		Caps          config.Caps    `json:"caps"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/config", &got))
	assert.Equal(t, amplify.Defaults(), got.Defaults)
	assert.Equal(t, "1m30s", got.WorkerTimeout)
	assert.Equal(t, 1280, got.Caps.MaxWidth, "no GPU caps")
}

func TestToggleGPU(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	resp, err := http.PostForm(f.srv.URL+"/api/gpu", url.Values{"enabled": {"true"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.engine.GPUEnabled())

	resp, err = http.PostForm(f.srv.URL+"/api/gpu", url.Values{"enabled": {"maybe"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for _, path := range []string{"/api/state", "/api/runs", "/api/presets", "/api/config"} {
		resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
	resp, err := http.Get(f.srv.URL + "/api/gpu")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdminRoutesMounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/debug/backup")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))
}

func TestStatusCodeColor(t *testing.T) {
	t.Parallel()

	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(304), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Equal(t, "101", statusCodeColor(101))
}
