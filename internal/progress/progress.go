// Package progress renders a plain-text status line for a running
// workflow, for terminals where the interactive view is not wanted.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tturner/ucops/internal/aggregate"
	"github.com/tturner/ucops/internal/operation"
)

const barWidth = 40

// StatusLine redraws one line with the workflow's aggregate progress and
// prints a separate line whenever a target changes status.
type StatusLine struct {
	output      io.Writer
	enabled     bool
	description string
	startTime   time.Time
	lastUpdate  time.Time
	interval    time.Duration
	now         func() time.Time
	drawn       bool
}

// NewStatusLine creates a status line writing to stderr.
func NewStatusLine(description string) *StatusLine {
	return NewStatusLineTo(os.Stderr, description)
}

// NewStatusLineTo creates a status line writing to w.
func NewStatusLineTo(w io.Writer, description string) *StatusLine {
	now := time.Now()
	return &StatusLine{
		output:      w,
		enabled:     true,
		description: description,
		startTime:   now,
		interval:    250 * time.Millisecond,
		now:         time.Now,
	}
}

// Disable disables output
func (s *StatusLine) Disable() {
	s.enabled = false
}

// Enable enables output
func (s *StatusLine) Enable() {
	s.enabled = true
}

// Render redraws the aggregate line. Redraws are throttled unless the
// workflow reached a terminal status.
func (s *StatusLine) Render(sum aggregate.Summary) {
	if !s.enabled {
		return
	}
	now := s.now()
	if s.drawn && now.Sub(s.lastUpdate) < s.interval && !sum.Status.Terminal() {
		return
	}
	s.lastUpdate = now
	s.drawn = true
	fmt.Fprint(s.output, "\r"+s.line(sum, now))
}

func (s *StatusLine) line(sum aggregate.Summary, now time.Time) string {
	filled := int(float64(barWidth) * sum.Progress / 100)
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("=", filled)
	if filled < barWidth {
		bar += ">" + strings.Repeat("-", barWidth-filled-1)
	}

	var b strings.Builder
	if s.description != "" {
		b.WriteString(s.description + " ")
	}
	fmt.Fprintf(&b, "[%s] %5.1f%% | %d/%d settled | %s | Elapsed: %s",
		bar, sum.Progress, sum.Counts.Settled(), sum.Counts.Expected, sum.Status, formatDuration(now.Sub(s.startTime)))
	if sum.Health != "" && sum.Health != operation.HealthUnknown {
		fmt.Fprintf(&b, " | Health: %s", sum.Health)
	}
	return b.String()
}

// Transition prints one line for a target whose status changed, above
// the aggregate line.
func (s *StatusLine) Transition(name string, op operation.Operation) {
	if !s.enabled {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %-28s %-12s %3.0f%%", name, op.Status, op.Progress)
	if op.Remaining > 0 || op.Elapsed > 0 {
		fmt.Fprintf(&b, "  %s elapsed, %s left", formatDuration(op.Elapsed), formatDuration(op.Remaining))
	}
	if op.DownloadReady {
		b.WriteString("  ready")
	}
	if op.Error != "" {
		b.WriteString("  error: " + op.Error)
	}
	if s.drawn {
		fmt.Fprint(s.output, "\r\033[K")
		s.drawn = false
	}
	fmt.Fprintln(s.output, b.String())
}

// Finish draws the final line and ends it.
func (s *StatusLine) Finish(sum aggregate.Summary) {
	if !s.enabled {
		return
	}
	s.drawn = false
	s.Render(sum)
	fmt.Fprint(s.output, "\n") // New line after completion
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}
