package logging

// Structured logging for ucops

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

// ParseLevel maps a config string to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off", "none":
		return LogLevelSilent, nil
	case "error":
		return LogLevelError, nil
	case "", "info":
		return LogLevelInfo, nil
	case "verbose":
		return LogLevelVerbose, nil
	case "debug", "trace":
		return LogLevelDebug, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Fields are structured key/value pairs attached to a log line.
type Fields = logrus.Fields

// Logger provides structured logging. A nil *Logger discards everything.
type Logger struct {
	mu      sync.Mutex
	level   LogLevel
	format  string
	file    *os.File
	fileLog *logrus.Logger
	console *logrus.Logger
}

// NewLogger creates a new text logger
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	return NewLoggerWithOptions(level, logFile, "text")
}

// NewLoggerWithOptions creates a logger with an explicit output format
// ("text" or "json").
func NewLoggerWithOptions(level LogLevel, logFile, format string) (*Logger, error) {
	if format == "" {
		format = "text"
	}
	l := &Logger{
		level:   level,
		format:  format,
		console: newBackend(os.Stderr, format, false),
	}

	// Open log file if specified
	if logFile != "" {
		file, err := os.Create(logFile)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		l.file = file
		l.fileLog = newBackend(file, format, true)
	}

	return l, nil
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	l, _ := NewLogger(LogLevelSilent, "")
	return l
}

func newBackend(w io.Writer, format string, plain bool) *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(w)
	lg.SetLevel(logrus.TraceLevel)
	if format == "json" {
		lg.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "message"},
		})
	} else {
		lg.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			DisableColors: plain,
		})
	}
	return lg
}

// SetConsole redirects console output. The TUI points it at io.Discard
// while it owns the terminal.
func (l *Logger) SetConsole(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console.SetOutput(w)
}

// Close closes the logger and flushes all data
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.fileLog = nil
		return err
	}
	return nil
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.emit(LogLevelError, logrus.ErrorLevel, nil, fmt.Sprintf(format, v...))
}

// Warn logs at info level with warning severity.
func (l *Logger) Warn(format string, v ...interface{}) {
	l.emit(LogLevelInfo, logrus.WarnLevel, nil, fmt.Sprintf(format, v...))
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.emit(LogLevelInfo, logrus.InfoLevel, nil, fmt.Sprintf(format, v...))
}

// Verbose logs a verbose message
func (l *Logger) Verbose(format string, v ...interface{}) {
	l.emit(LogLevelVerbose, logrus.DebugLevel, nil, fmt.Sprintf(format, v...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.emit(LogLevelDebug, logrus.TraceLevel, nil, fmt.Sprintf(format, v...))
}

// InfoFields logs msg with structured fields.
func (l *Logger) InfoFields(fields Fields, msg string) {
	l.emit(LogLevelInfo, logrus.InfoLevel, fields, msg)
}

// VerboseFields logs msg with structured fields at verbose level.
func (l *Logger) VerboseFields(fields Fields, msg string) {
	l.emit(LogLevelVerbose, logrus.DebugLevel, fields, msg)
}

func (l *Logger) emit(min LogLevel, lvl logrus.Level, fields Fields, msg string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level < min {
		return
	}

	// Always write to log file if available
	if l.fileLog != nil {
		l.fileLog.WithFields(fields).Log(lvl, msg)
	}

	// Errors and warnings reach the console at any level, the rest only
	// when verbose or debug.
	if lvl <= logrus.WarnLevel || l.level >= LogLevelVerbose {
		l.console.WithFields(fields).Log(lvl, msg)
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	if l == nil {
		return LogLevelSilent
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// LogTransition logs a per-target status change. Terminal failures are
// logged at info, everything else at verbose.
func (l *Logger) LogTransition(targetID, device, kind, from, to string, progress float64, errMsg string) {
	fields := Fields{
		"target":   targetID,
		"device":   device,
		"kind":     kind,
		"from":     from,
		"to":       to,
		"progress": fmt.Sprintf("%.0f%%", progress),
	}
	if errMsg != "" {
		fields["error"] = errMsg
		l.InfoFields(fields, "operation failed")
		return
	}
	l.VerboseFields(fields, "operation status changed")
}

// LogStartup logs workflow launch information
func (l *Logger) LogStartup(workflow, kind string, targets int, apiURL, manifestPath string) {
	l.Info("Starting ucops workflow %s", workflow)
	l.Verbose("  Kind: %s", kind)
	l.Verbose("  Targets: %d", targets)
	l.Verbose("  Backend: %s", apiURL)
	if manifestPath != "" {
		l.Verbose("  Manifest: %s", manifestPath)
	}
}
