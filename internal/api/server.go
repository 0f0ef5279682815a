// Package api exposes the engine over HTTP (state, run history, presets,
// config) and gRPC (a live progress stream).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/config"
	"github.com/banshee-data/motionamp/internal/engine"
	"github.com/banshee-data/motionamp/internal/monitoring"
	"github.com/banshee-data/motionamp/internal/runstore"
	"github.com/banshee-data/motionamp/internal/version"
)

var logf = monitoring.Component("API")

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const defaultRunLimit = 50

// RunSource is the read side of the run history.
type RunSource interface {
	Get(runID string) (*runstore.Run, error)
	List(limit int) ([]runstore.Run, error)
}

// Server serves the JSON API.
type Server struct {
	engine *engine.Engine
	runs   RunSource
	cfg    *config.Config
	admin  func(*http.ServeMux) error
}

// NewServer builds a server. runs may be nil when no history is kept.
func NewServer(eng *engine.Engine, runs RunSource, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Empty()
	}
	return &Server{engine: eng, runs: runs, cfg: cfg}
}

// WithAdmin registers a hook that mounts admin routes on the mux, e.g.
// (*runstore.Store).AttachAdminRoutes.
func (s *Server) WithAdmin(attach func(*http.ServeMux) error) *Server {
	s.admin = attach
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf("[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes, plus the admin routes when configured.
func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/presets", s.listPresets)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/gpu", s.toggleGPU)
	if s.admin != nil {
		if err := s.admin(mux); err != nil {
			return nil, fmt.Errorf("failed to attach admin routes: %w", err)
		}
	}
	return mux, nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logf("failed to encode response: %v", err)
	}
}

type stateResponse struct {
	engine.RunState
	GPUEnabled   bool                     `json:"gpu_enabled"`
	Capabilities engine.Capabilities      `json:"capabilities"`
	Broadcast    *engine.BroadcasterStats `json:"broadcast,omitempty"`
	Version      string                   `json:"version"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	resp := stateResponse{
		RunState:     s.engine.State(),
		GPUEnabled:   s.engine.GPUEnabled(),
		Capabilities: s.engine.Capabilities(),
		Version:      version.String(),
	}
	if b := s.engine.Broadcaster(); b != nil {
		st := b.Stats()
		resp.Broadcast = &st
	}
	writeJSON(w, resp)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.runs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Run history is disabled")
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		run, err := s.runs.Get(id)
		if errors.Is(err, runstore.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found", id))
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve run: %v", err))
			return
		}
		writeJSON(w, run)
		return
	}

	limit := defaultRunLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.runs.List(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []runstore.Run{}
	}
	writeJSON(w, runs)
}

func (s *Server) listPresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, config.Presets())
}

type configResponse struct {
	Defaults       amplify.Params `json:"defaults"`
	GPUEnabled     bool           `json:"gpu_enabled"`
	WorkersEnabled bool           `json:"workers_enabled"`
	WorkerTimeout  string         `json:"worker_timeout"`
	FrameRate      float64        `json:"frame_rate"`
	Caps           config.Caps    `json:"caps"`
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, configResponse{
		Defaults:       s.engine.Defaults(),
		GPUEnabled:     s.cfg.GetGPUEnabled(),
		WorkersEnabled: s.cfg.GetWorkersEnabled(),
		WorkerTimeout:  s.cfg.GetWorkerTimeout().String(),
		FrameRate:      s.cfg.GetFrameRate(),
		Caps:           s.cfg.GetCaps(s.engine.Capabilities().GPU),
	})
}

// toggleGPU flips the GPU preference for subsequent runs. It takes effect
// at the next strategy selection.
func (s *Server) toggleGPU(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	on, err := strconv.ParseBool(r.FormValue("enabled"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid 'enabled' parameter")
		return
	}
	s.engine.SetGPUEnabled(on)
	logf("GPU preference set to %v", on)
	writeJSON(w, map[string]bool{"gpu_enabled": s.engine.GPUEnabled()})
}
