package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

func TestLogFileCreation(t *testing.T) {
	l, err := NewLoggerWithOptions(LogLevelInfo, "", "")
	if err != nil {
		t.Fatalf("NewLoggerWithOptions: %v", err)
	}
	if l.file != nil || l.format != "text" {
		t.Errorf("console-only logger: file=%v format=%q", l.file, l.format)
	}
	l.Close()

	if _, err := NewLogger(LogLevelInfo, filepath.Join(t.TempDir(), "missing", "ucops.log")); err == nil {
		t.Error("expected error when the log directory does not exist")
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name    string
		level   LogLevel
		present []string
		absent  []string
	}{
		{
			name:   "silent",
			level:  LogLevelSilent,
			absent: []string{"start rejected", "workflow settled", "poll retry", "raw status"},
		},
		{
			name:    "info",
			level:   LogLevelInfo,
			present: []string{`level=error msg="start rejected"`, `level=warning msg="download skipped"`, `level=info msg="workflow settled"`},
			absent:  []string{"poll retry", "raw status"},
		},
		{
			name:    "debug",
			level:   LogLevelDebug,
			present: []string{`level=debug msg="poll retry"`, `level=trace msg="raw status"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ucops.log")
			l, err := NewLogger(tt.level, path)
			if err != nil {
				t.Fatalf("NewLogger: %v", err)
			}
			l.SetConsole(&bytes.Buffer{})

			l.Error("start rejected")
			l.Warn("download skipped")
			l.Info("workflow settled")
			l.Verbose("poll retry")
			l.Debug("raw status")
			l.Close()

			content := readLog(t, path)
			for _, want := range tt.present {
				if !strings.Contains(content, want) {
					t.Errorf("log should contain %q, got:\n%s", want, content)
				}
			}
			for _, unwanted := range tt.absent {
				if strings.Contains(content, unwanted) {
					t.Errorf("log should not contain %q, got:\n%s", unwanted, content)
				}
			}
		})
	}
}

func TestConsoleOnlyShowsErrorsBelowVerbose(t *testing.T) {
	var console bytes.Buffer
	l, _ := NewLogger(LogLevelInfo, "")
	l.SetConsole(&console)

	l.Info("quiet")
	l.Error("loud")

	out := console.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info should not reach the console at info level: %s", out)
	}
	if !strings.Contains(out, "loud") {
		t.Errorf("errors should reach the console: %s", out)
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := NewLoggerWithOptions(LogLevelError, path, "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.SetConsole(&bytes.Buffer{})

	l.Error("test message")
	l.Close()

	content := readLog(t, path)
	if !strings.Contains(content, `"level":"error"`) {
		t.Errorf("JSON output should contain level, got: %s", content)
	}
	if !strings.Contains(content, `"message":"test message"`) {
		t.Errorf("JSON output should contain message key, got: %s", content)
	}
}

func TestSetGetLevel(t *testing.T) {
	l, _ := NewLogger(LogLevelInfo, "")
	defer l.Close()

	if l.GetLevel() != LogLevelInfo {
		t.Errorf("GetLevel() = %d, want %d", l.GetLevel(), LogLevelInfo)
	}

	l.SetLevel(LogLevelDebug)
	if l.GetLevel() != LogLevelDebug {
		t.Errorf("GetLevel() = %d, want %d", l.GetLevel(), LogLevelDebug)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":        LogLevelInfo,
		"silent":  LogLevelSilent,
		"ERROR":   LogLevelError,
		"verbose": LogLevelVerbose,
		"trace":   LogLevelDebug,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLogTransition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := NewLogger(LogLevelVerbose, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.SetConsole(&bytes.Buffer{})

	l.LogTransition("t-1", "CUBE 10.0.0.1:22", "capture", "pending", "capturing", 10, "")
	l.LogTransition("t-2", "CUCM 10.0.0.2:22", "job", "running", "failed", 40, "auth failed")
	l.Close()

	content := readLog(t, path)
	for _, want := range []string{"operation status changed", "to=capturing", "operation failed", `error="auth failed"`, "target=t-2"} {
		if !strings.Contains(content, want) {
			t.Errorf("log should contain %q, got:\n%s", want, content)
		}
	}
}

func TestLogStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := NewLogger(LogLevelVerbose, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.SetConsole(&bytes.Buffer{})

	l.LogStartup("nightly-capture", "capture", 3, "http://localhost:8000", "capture.yaml")
	l.Close()

	content := readLog(t, path)
	if !strings.Contains(content, "Starting ucops workflow nightly-capture") {
		t.Error("should contain startup message")
	}
	if !strings.Contains(content, "capture.yaml") {
		t.Error("should contain manifest path")
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("nothing")
	l.Error("nothing")
	l.SetConsole(&bytes.Buffer{})
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil logger: %v", err)
	}
}
