package metrics

// Poll trace output (CSV, JSON Lines) and summary formatting

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sample is one observed poll tick for one target.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	Workflow      string    `json:"workflow"`
	TargetID      string    `json:"target_id"`
	Device        string    `json:"device"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	Progress      float64   `json:"progress"`
	DownloadReady bool      `json:"download_ready"`
	LatencyMs     float64   `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
}

var traceColumns = []struct {
	name  string
	value func(Sample) string
}{
	{"timestamp", func(s Sample) string { return s.Timestamp.Format(time.RFC3339Nano) }},
	{"workflow", func(s Sample) string { return s.Workflow }},
	{"target_id", func(s Sample) string { return s.TargetID }},
	{"device", func(s Sample) string { return s.Device }},
	{"kind", func(s Sample) string { return s.Kind }},
	{"status", func(s Sample) string { return s.Status }},
	{"progress", func(s Sample) string { return strconv.FormatFloat(s.Progress, 'f', 1, 64) }},
	{"download_ready", func(s Sample) string { return strconv.FormatBool(s.DownloadReady) }},
	{"latency_ms", func(s Sample) string {
		if s.LatencyMs == 0 {
			return ""
		}
		return strconv.FormatFloat(s.LatencyMs, 'f', 3, 64)
	}},
	{"error", func(s Sample) string { return s.Error }},
}

// Writer appends poll samples to a CSV file, a JSON Lines file, or both.
// It is safe for concurrent use by the poll loops.
type Writer struct {
	mu      sync.Mutex
	files   []*os.File
	csv     *csv.Writer
	jsonl   *json.Encoder
	summary TraceSummary
}

// NewWriter opens the trace files. Either path may be empty.
func NewWriter(csvPath, jsonPath string) (*Writer, error) {
	w := &Writer{}
	if csvPath != "" {
		f, err := w.create(csvPath)
		if err != nil {
			return nil, err
		}
		w.csv = csv.NewWriter(f)
		header := make([]string, len(traceColumns))
		for i, c := range traceColumns {
			header[i] = c.name
		}
		w.csv.Write(header)
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			w.Close()
			return nil, fmt.Errorf("write trace header: %w", err)
		}
	}
	if jsonPath != "" {
		f, err := w.create(jsonPath)
		if err != nil {
			return nil, err
		}
		w.jsonl = json.NewEncoder(f)
	}
	return w, nil
}

func (w *Writer) create(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	w.files = append(w.files, f)
	return f, nil
}

// WriteSample records one tick in every open trace.
func (w *Writer) WriteSample(s Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csv != nil {
		row := make([]string, len(traceColumns))
		for i, c := range traceColumns {
			row[i] = c.value(s)
		}
		w.csv.Write(row)
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return fmt.Errorf("write trace row: %w", err)
		}
	}
	if w.jsonl != nil {
		if err := w.jsonl.Encode(s); err != nil {
			return fmt.Errorf("write trace line: %w", err)
		}
	}
	w.summary.add(s)
	return nil
}

// Summary folds every sample written so far.
func (w *Writer) Summary() TraceSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.summary
	out.FinalStatus = make(map[string]string, len(w.summary.FinalStatus))
	for k, v := range w.summary.FinalStatus {
		out.FinalStatus[k] = v
	}
	return out
}

// Close flushes and closes the trace files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.csv != nil {
		w.csv.Flush()
	}
	var errs []error
	for _, f := range w.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.files = nil
	return errors.Join(errs...)
}

// TraceSummary aggregates samples per target for the end-of-run report.
type TraceSummary struct {
	Polls        int
	Errors       int
	AvgLatencyMs float64
	MaxLatencyMs float64
	FinalStatus  map[string]string
}

func (s *TraceSummary) add(sm Sample) {
	if s.FinalStatus == nil {
		s.FinalStatus = make(map[string]string)
	}
	total := s.AvgLatencyMs * float64(s.Polls)
	s.Polls++
	if sm.Error != "" {
		s.Errors++
	}
	if sm.LatencyMs > s.MaxLatencyMs {
		s.MaxLatencyMs = sm.LatencyMs
	}
	s.AvgLatencyMs = (total + sm.LatencyMs) / float64(s.Polls)
	s.FinalStatus[sm.Device] = sm.Status
}

// Summarize folds samples into a TraceSummary.
func Summarize(samples []Sample) TraceSummary {
	s := TraceSummary{FinalStatus: make(map[string]string)}
	for _, sm := range samples {
		s.add(sm)
	}
	return s
}

// FormatSummary formats a trace summary for human-readable output
func FormatSummary(summary TraceSummary) string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Status polls: %d\n", summary.Polls)
	if summary.Polls > 0 {
		fmt.Fprintf(&buf, "Transient errors: %d (%.1f%%)\n",
			summary.Errors, float64(summary.Errors)/float64(summary.Polls)*100)
		fmt.Fprintf(&buf, "Latency: avg=%.1fms max=%.1fms\n", summary.AvgLatencyMs, summary.MaxLatencyMs)
	}
	return buf.String()
}
