package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.ObservePoll("capture", 20*time.Millisecond, nil)
	m.ObservePoll("capture", 30*time.Millisecond, errors.New("timeout"))
	m.ObserveTransition("capture", "capturing")
	m.SetActivePolls(3)
	m.ObserveDownload(2048, nil)
	m.ObserveDownload(0, errors.New("boom"))
	m.ObserveWorkflow("capture", "completed")

	if got := testutil.ToFloat64(m.polls.WithLabelValues("capture", "ok")); got != 1 {
		t.Errorf("ok polls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.polls.WithLabelValues("capture", "error")); got != 1 {
		t.Errorf("error polls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activePolls); got != 3 {
		t.Errorf("active polls = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.downloadBytes); got != 2048 {
		t.Errorf("download bytes = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(m.workflows.WithLabelValues("capture", "completed")); got != 1 {
		t.Errorf("workflows = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObservePoll("job", time.Second, nil)
	m.ObserveTransition("job", "running")
	m.SetActivePolls(1)
	m.ObserveDownload(1, nil)
	m.ObserveWorkflow("job", "failed")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveTransition("job", "running")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `ucops_operation_transitions_total{kind="job",status="running"} 1`) {
		t.Fatalf("metrics output missing transition counter:\n%s", body)
	}
}

func TestWriterCSVAndJSON(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "trace.csv")
	jsonPath := filepath.Join(dir, "trace.jsonl")

	w, err := NewWriter(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Timestamp: ts, Workflow: "wf", TargetID: "a", Device: "CUBE 10.0.0.1:22", Kind: "capture", Status: "capturing", Progress: 20, LatencyMs: 4.5},
		{Timestamp: ts.Add(2 * time.Second), Workflow: "wf", TargetID: "a", Device: "CUBE 10.0.0.1:22", Kind: "capture", Status: "completed", Progress: 100, DownloadReady: true},
	}
	for _, s := range samples {
		if err := w.WriteSample(s); err != nil {
			t.Fatalf("WriteSample: %v", err)
		}
	}
	if sum := w.Summary(); sum.Polls != 2 || sum.FinalStatus["CUBE 10.0.0.1:22"] != "completed" {
		t.Errorf("Summary() = %+v", sum)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	csvData, _ := os.ReadFile(csvPath)
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(lines))
	}
	if !strings.Contains(lines[1], "4.500") {
		t.Errorf("first row should carry latency: %s", lines[1])
	}

	jsonData, _ := os.ReadFile(jsonPath)
	var decoded []Sample
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	for dec.More() {
		var s Sample
		if err := dec.Decode(&s); err != nil {
			t.Fatalf("trace line should decode: %v\n%s", err, jsonData)
		}
		decoded = append(decoded, s)
	}
	if len(decoded) != 2 || !decoded[1].DownloadReady {
		t.Fatalf("unexpected decoded samples: %+v", decoded)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Sample{
		{Device: "a", Status: "running", LatencyMs: 10},
		{Device: "a", Status: "completed", LatencyMs: 30},
		{Device: "b", Status: "running", LatencyMs: 20, Error: "timeout"},
	})
	if s.Polls != 3 || s.Errors != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.AvgLatencyMs != 20 || s.MaxLatencyMs != 30 {
		t.Fatalf("unexpected latency: %+v", s)
	}
	if s.FinalStatus["a"] != "completed" {
		t.Fatalf("final status for a = %q", s.FinalStatus["a"])
	}
	if !strings.Contains(FormatSummary(s), "Transient errors: 1") {
		t.Fatalf("summary text: %s", FormatSummary(s))
	}
}
