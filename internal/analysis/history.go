package analysis

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// DefaultHistorySize is how many reports History keeps.
const DefaultHistorySize = 10

// History keeps the most recent reports, oldest first.
type History struct {
	mu      sync.Mutex
	limit   int
	reports []*Report
}

// NewHistory returns a history holding up to limit reports. A
// non-positive limit uses DefaultHistorySize.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{limit: limit}
}

// Add appends r, evicting the oldest report when full.
func (h *History) Add(r *Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
	if over := len(h.reports) - h.limit; over > 0 {
		h.reports = append([]*Report(nil), h.reports[over:]...)
	}
}

// Reports returns a copy of the stored reports.
func (h *History) Reports() []*Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Report(nil), h.reports...)
}

// Latest returns the newest report or nil.
func (h *History) Latest() *Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == 0 {
		return nil
	}
	return h.reports[len(h.reports)-1]
}

// Reset drops every report.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = nil
}

// Export is the document written by WriteJSON.
type Export struct {
	Results    *Report   `json:"results"`
	History    []*Report `json:"history"`
	ExportTime time.Time `json:"export_time"`
	Version    string    `json:"version"`
}

// WriteJSON writes the latest report and the history as indented JSON.
func (h *History) WriteJSON(w io.Writer, version string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Export{
		Results:    h.Latest(),
		History:    h.Reports(),
		ExportTime: time.Now().UTC(),
		Version:    version,
	})
}

// WriteCSV writes the headline metrics of r as Metric,Value rows.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"Metric", "Value"},
		{"Peak Frequency (Hz)", strconv.FormatFloat(r.PeakFrequency, 'f', 2, 64)},
		{"Average Amplitude", strconv.FormatFloat(r.AverageAmplitude, 'f', 4, 64)},
		{"Motion Intensity", string(r.Intensity)},
		{"Dominant Motion", string(r.DominantMotion)},
		{"Amplification Gain", strconv.FormatFloat(r.Gain, 'f', 2, 64)},
		{"Total Frames", strconv.Itoa(r.Statistics.TotalFrames)},
		{"Analysis Time", r.Timestamp.Format(time.RFC3339)},
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("writing csv: %w", err)
	}
	return nil
}
