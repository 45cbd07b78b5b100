package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tturner/ucops/internal/aggregate"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/orch/controller"
	"github.com/tturner/ucops/internal/target"
)

// Workflow is the part of the controller the watch screen uses.
type Workflow interface {
	Result() controller.Result
	Phase() controller.Phase
	Stop(ctx context.Context) error
}

// WatchOptions configure the watch screen.
type WatchOptions struct {
	// ExitOnSettle quits once every operation has settled.
	ExitOnSettle bool
	StopTimeout  time.Duration
}

type eventMsg controller.Event

type eventsClosedMsg struct{}

type stopDoneMsg struct{ err error }

type tickMsg time.Time

// WatchModel shows the live state of one workflow.
type WatchModel struct {
	wf     Workflow
	events <-chan controller.Event
	opts   WatchOptions
	styles Styles
	width  int

	result   controller.Result
	phase    controller.Phase
	stopping bool
	settled  bool
	detached bool
	message  string
	isError  bool
}

// NewWatchModel builds the model. events is usually a controller
// subscription.
func NewWatchModel(wf Workflow, events <-chan controller.Event, opts WatchOptions) *WatchModel {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	m := &WatchModel{
		wf:     wf,
		events: events,
		opts:   opts,
		styles: DefaultStyles,
		width:  100,
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tickCmd())
}

func waitForEvent(ch <-chan controller.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case eventMsg:
		m.refresh()
		if m.settled && m.opts.ExitOnSettle {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.refresh()
		return m, tea.Quit

	case tickMsg:
		m.refresh()
		if m.settled {
			return m, nil
		}
		return m, tickCmd()

	case stopDoneMsg:
		if msg.err != nil {
			m.setMessage("stop: "+msg.err.Error(), true)
		} else {
			m.setMessage("stop requested", false)
		}
		return m, nil

	case clipboardCopyMsg:
		if msg.err != nil {
			m.setMessage("copy failed: "+msg.err.Error(), true)
		} else {
			m.setMessage("status copied to clipboard", false)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *WatchModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.detached = !m.settled
		return m, tea.Quit
	case "s":
		if m.settled || m.stopping {
			return m, nil
		}
		m.stopping = true
		m.setMessage("stopping...", false)
		wf, timeout := m.wf, m.opts.StopTimeout
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return stopDoneMsg{err: wf.Stop(ctx)}
		}
	case "c", "y":
		text, err := StatusJSON(m.result)
		if err != nil {
			m.setMessage(err.Error(), true)
			return m, nil
		}
		return m, copyToClipboard(text)
	}
	return m, nil
}

func (m *WatchModel) refresh() {
	m.result = m.wf.Result()
	m.phase = m.wf.Phase()
	switch m.phase {
	case controller.PhaseSettled, controller.PhaseCollect, controller.PhaseDone:
		m.settled = true
	}
}

func (m *WatchModel) setMessage(text string, isError bool) {
	m.message = text
	m.isError = isError
}

// Detached reports whether the user left before the workflow settled.
func (m *WatchModel) Detached() bool { return m.detached }

// Settled reports whether the workflow had settled when the screen closed.
func (m *WatchModel) Settled() bool { return m.settled }

// View implements tea.Model.
func (m *WatchModel) View() string {
	s := m.styles
	r := m.result
	sum := r.Summary
	width := m.width
	if width < 60 {
		width = 60
	}

	var b strings.Builder
	title := "ucops"
	if r.Flow != "" {
		title += " · " + string(r.Flow)
	}
	if r.Name != "" {
		title += " · " + r.Name
	}
	b.WriteString(s.Title.Render(title))
	if r.WorkflowID != "" {
		b.WriteString(s.Dim.Render(" " + shortID(r.WorkflowID)))
	}
	b.WriteString("\n\n")

	status := WorkflowStyle(sum.Status, s).Render(string(sum.Status))
	header := fmt.Sprintf("%s  %d/%d settled", status, sum.Counts.Settled(), sum.Counts.Expected)
	if sum.Counts.Downloadable > 0 {
		header += fmt.Sprintf("  %d ready", sum.Counts.Downloadable)
	}
	if sum.Health != "" {
		header += "  health " + HealthStyle(sum.Health, s).Render(string(sum.Health))
	}
	b.WriteString(header + "\n")
	b.WriteString(ProgressBar("", sum.Progress, width-4, s) + "\n\n")

	if rows := m.rows(); len(rows) > 0 {
		table := Table{Headers: []string{"", "TARGET", "STATUS", "PROGRESS", "TIME", "NOTE"}, Rows: rows}
		b.WriteString(SectionBox("Operations", table.Render(s), width, s))
		b.WriteString("\n")
	}

	if m.message != "" {
		style := s.Info
		if m.isError {
			style = s.Error
		}
		b.WriteString(style.Render(m.message) + "\n")
	}

	hints := []KeyHint{{Key: "c", Label: "Copy status"}, {Key: "q", Label: "Quit"}}
	if !m.settled {
		hints = append([]KeyHint{{Key: "s", Label: "Stop"}}, hints...)
	}
	b.WriteString(s.Footer.Render(KeyHints(hints, s)))
	return b.String()
}

func (m *WatchModel) rows() [][]string {
	labels := make(map[string]target.Target, len(m.result.Targets))
	for _, t := range m.result.Targets {
		labels[t.ID] = t
	}
	rows := make([][]string, 0, len(m.result.Operations))
	for _, op := range m.result.Operations {
		label := op.TargetID
		if t, ok := labels[op.TargetID]; ok {
			label = t.String()
		}
		rows = append(rows, []string{
			StatusIcon(op.Status, m.styles),
			label,
			string(op.Status),
			fmt.Sprintf("%3.0f%%", op.Progress),
			timing(op),
			m.note(op),
		})
	}
	return rows
}

func timing(op operation.Operation) string {
	switch {
	case op.Remaining > 0:
		return op.Remaining.Round(time.Second).String() + " left"
	case op.Elapsed > 0:
		return op.Elapsed.Round(time.Second).String()
	}
	return ""
}

func (m *WatchModel) note(op operation.Operation) string {
	s := m.styles
	switch {
	case op.Error != "":
		return s.Error.Render(ellipsize(op.Error, 48))
	case op.Health != "" && op.Terminal():
		return HealthStyle(op.Health, s).Render(string(op.Health))
	case op.DownloadReady:
		return s.Success.Render("download ready")
	case op.Terminal() && op.Kind.ProducesArtifacts() && !op.FailedOrCancelled():
		return s.Dim.Render("finalizing")
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type statusTarget struct {
	Target        string                  `json:"target"`
	OperationID   string                  `json:"operation_id,omitempty"`
	Status        operation.Status        `json:"status"`
	Progress      float64                 `json:"progress"`
	DownloadReady bool                    `json:"download_ready"`
	Health        operation.HealthVerdict `json:"health,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

type statusDoc struct {
	WorkflowID string                   `json:"workflow_id"`
	Flow       string                   `json:"flow"`
	Status     aggregate.WorkflowStatus `json:"status"`
	Progress   float64                  `json:"progress"`
	Counts     aggregate.Counts         `json:"counts"`
	Health     operation.HealthVerdict  `json:"health,omitempty"`
	Targets    []statusTarget           `json:"targets"`
}

// StatusJSON renders the workflow state for sharing.
func StatusJSON(r controller.Result) (string, error) {
	doc := statusDoc{
		WorkflowID: r.WorkflowID,
		Flow:       string(r.Flow),
		Status:     r.Summary.Status,
		Progress:   r.Summary.Progress,
		Counts:     r.Summary.Counts,
		Health:     r.Summary.Health,
		Targets:    []statusTarget{},
	}
	byID := make(map[string]target.Target, len(r.Targets))
	for _, t := range r.Targets {
		byID[t.ID] = t
	}
	for _, op := range r.Operations {
		name := op.TargetID
		if t, ok := byID[op.TargetID]; ok {
			name = t.String()
		}
		doc.Targets = append(doc.Targets, statusTarget{
			Target:        name,
			OperationID:   op.Ref.ID,
			Status:        op.Status,
			Progress:      op.Progress,
			DownloadReady: op.DownloadReady,
			Health:        op.Health,
			Error:         op.Error,
		})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode status: %w", err)
	}
	return string(data), nil
}
