// Package runstore persists the history of processing runs in SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/motionamp/internal/engine"
	"github.com/banshee-data/motionamp/internal/monitoring"
	"github.com/banshee-data/motionamp/internal/timeutil"
)

var logf = monitoring.Component("RunStore")

// ErrNotFound is returned when a run ID has no row.
var ErrNotFound = errors.New("run not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Run is one persisted run.
type Run struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      string          `json:"status"`
	Strategy    string          `json:"strategy"`
	Algorithm   string          `json:"algorithm"`
	FrameCount  int             `json:"frame_count"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	ElapsedSecs float64         `json:"elapsed_secs"`
	Params      json.RawMessage `json:"params"`
	Error       string          `json:"error,omitempty"`
}

// Store records run lifecycle transitions. It implements
// engine.RunRecorder.
type Store struct {
	db    *sql.DB
	path  string
	clock timeutil.Clock
}

var _ engine.RunRecorder = (*Store)(nil)

// Open opens or creates the database at path and migrates it to the
// latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := New(db)
	s.path = path
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	v, _, err := s.MigrateVersion()
	if err == nil {
		logf("opened %s at schema version %d", path, v)
	}
	return s, nil
}

// New wraps an already open database. The caller runs MigrateUp.
func New(db *sql.DB) *Store {
	return &Store{db: db, clock: timeutil.RealClock{}}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(c timeutil.Clock) { s.clock = c }

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the file the store was opened from, if any.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

// Start inserts a running row.
func (s *Store) Start(rec engine.RunRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encoding params for run %s: %w", rec.RunID, err)
	}
	query := `
		INSERT INTO runs (
			run_id, created_at, status, strategy, algorithm,
			frame_count, width, height, params_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(query,
			rec.RunID,
			formatTime(rec.StartedAt),
			string(engine.StatusRunning),
			string(rec.Strategy),
			string(rec.Params.Algorithm),
			rec.FrameCount,
			rec.Width,
			rec.Height,
			string(params),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", rec.RunID, err)
	}
	return nil
}

// Complete marks a run complete with its metadata.
func (s *Store) Complete(runID string, meta engine.Metadata) error {
	return s.finish(runID, engine.StatusComplete, meta.ElapsedSeconds, "")
}

// Fail marks a run failed with cause.
func (s *Store) Fail(runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(runID, engine.StatusFailed, -1, msg)
}

// Cancel marks a run cancelled.
func (s *Store) Cancel(runID string) error {
	return s.finish(runID, engine.StatusCancelled, -1, "")
}

// finish moves a running row to a terminal status. A negative elapsed is
// derived from created_at.
func (s *Store) finish(runID string, status engine.RunStatus, elapsed float64, errMsg string) error {
	now := s.clock.Now()
	if elapsed < 0 {
		var created string
		err := s.db.QueryRow(`SELECT created_at FROM runs WHERE run_id = ?`, runID).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		} else if err != nil {
			return fmt.Errorf("reading run %s: %w", runID, err)
		}
		elapsed = 0
		if t, err := parseTime(created); err == nil {
			elapsed = now.Sub(t).Seconds()
		}
	}

	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, elapsed_secs = ?, error = ?
		WHERE run_id = ? AND status = ?
	`
	var affected int64
	err := retryOnBusy(func() error {
		res, err := s.db.Exec(query,
			string(status),
			formatTime(now),
			elapsed,
			nullStr(errMsg),
			runID,
			string(engine.StatusRunning),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("updating run %s to %s: %w", runID, status, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: no running row for %s", ErrNotFound, runID)
	}
	logf("run %s %s after %.2fs", runID, status, elapsed)
	return nil
}

const runColumns = `
	id, run_id, created_at, completed_at, status, strategy, algorithm,
	frame_count, width, height, elapsed_secs, params_json, error
`

// Get returns a run by ID.
func (s *Store) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	return r, nil
}

// List returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (s *Store) List(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CountByStatus returns the number of runs per status.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// MarkInterrupted fails every row still marked running, e.g. after a
// crash. It returns the number of rows changed.
func (s *Store) MarkInterrupted() (int64, error) {
	var n int64
	err := retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE runs SET status = ?, completed_at = ?, error = ?
			WHERE status = ?`,
			string(engine.StatusFailed),
			formatTime(s.clock.Now()),
			"interrupted",
			string(engine.StatusRunning),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("marking interrupted runs: %w", err)
	}
	if n > 0 {
		logf("marked %d interrupted run(s) as failed", n)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r         Run
		created   string
		completed sql.NullString
		elapsed   sql.NullFloat64
		params    string
		errMsg    sql.NullString
	)
	err := sc.Scan(&r.ID, &r.RunID, &created, &completed, &r.Status, &r.Strategy, &r.Algorithm,
		&r.FrameCount, &r.Width, &r.Height, &elapsed, &params, &errMsg)
	if err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	r.ElapsedSecs = elapsed.Float64
	r.Params = json.RawMessage(params)
	r.Error = errMsg.String
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// retryOnBusy retries fn while SQLite reports the database as locked.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 20 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
