package tui

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/tturner/ucops/internal/aggregate"
	"github.com/tturner/ucops/internal/operation"
)

// Palette holds the colors every style is derived from.
type Palette struct {
	Text   lipgloss.Color
	Dim    lipgloss.Color
	Muted  lipgloss.Color
	Border lipgloss.Color
	Accent lipgloss.Color

	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Info    lipgloss.Color
	Running lipgloss.Color
}

// DefaultTheme is the dark palette used on every screen.
var DefaultTheme = Palette{
	Text:    lipgloss.Color("#c0caf5"),
	Dim:     lipgloss.Color("#565f89"),
	Muted:   lipgloss.Color("#414868"),
	Border:  lipgloss.Color("#414868"),
	Accent:  lipgloss.Color("#7aa2f7"),
	Success: lipgloss.Color("#9ece6a"),
	Warning: lipgloss.Color("#e0af68"),
	Error:   lipgloss.Color("#f7768e"),
	Info:    lipgloss.Color("#7dcfff"),
	Running: lipgloss.Color("#ff9e64"),
}

// Styles are the rendered forms of a Palette.
type Styles struct {
	Dim         lipgloss.Style
	Muted       lipgloss.Style
	Title       lipgloss.Style
	Header      lipgloss.Style
	SectionName lipgloss.Style

	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Running lipgloss.Style

	KeyBinding     lipgloss.Style
	KeyHint        lipgloss.Style
	ProgressFilled lipgloss.Style
	ProgressEmpty  lipgloss.Style
	Footer         lipgloss.Style
}

// NewStyles derives Styles from p.
func NewStyles(p Palette) Styles {
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	accent := fg(p.Accent).Bold(true)
	return Styles{
		Dim:         fg(p.Dim),
		Muted:       fg(p.Muted),
		Title:       accent.Padding(0, 1),
		Header:      accent,
		SectionName: fg(p.Dim).Bold(true),

		Success: fg(p.Success),
		Warning: fg(p.Warning),
		Error:   fg(p.Error),
		Info:    fg(p.Info),
		Running: fg(p.Running).Bold(true),

		KeyBinding:     accent,
		KeyHint:        fg(p.Dim),
		ProgressFilled: fg(p.Accent),
		ProgressEmpty:  fg(p.Muted),
		Footer:         fg(p.Dim).MarginTop(1),
	}
}

// DefaultStyles are derived from DefaultTheme.
var DefaultStyles = NewStyles(DefaultTheme)

// formTheme tints the huh base theme with p so the wizard forms match
// the watch screen.
func formTheme(p Palette) *huh.Theme {
	t := huh.ThemeBase()
	t.Focused.Base = t.Focused.Base.BorderForeground(p.Accent)
	t.Focused.Title = t.Focused.Title.Foreground(p.Accent).Bold(true)
	t.Focused.Description = t.Focused.Description.Foreground(p.Dim)
	t.Focused.ErrorIndicator = t.Focused.ErrorIndicator.Foreground(p.Error)
	t.Focused.ErrorMessage = t.Focused.ErrorMessage.Foreground(p.Error)
	t.Focused.SelectSelector = t.Focused.SelectSelector.Foreground(p.Accent)
	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(p.Success)
	t.Focused.MultiSelectSelector = t.Focused.MultiSelectSelector.Foreground(p.Accent)
	t.Focused.FocusedButton = t.Focused.FocusedButton.Background(p.Accent).Foreground(lipgloss.Color("#1a1b26"))
	t.Blurred = t.Focused
	t.Blurred.Base = t.Blurred.Base.BorderStyle(lipgloss.HiddenBorder())
	return t
}

// StatusIcon returns a colored indicator for an operation status.
func StatusIcon(status operation.Status, s Styles) string {
	switch status.Outcome() {
	case operation.OutcomeSuccess:
		return s.Success.Render("●")
	case operation.OutcomePartial:
		return s.Warning.Render("●")
	case operation.OutcomeFailure:
		return s.Error.Render("●")
	case operation.OutcomeCancelled:
		return s.Dim.Render("●")
	}
	if status.Phase() == operation.PhaseActive {
		return s.Running.Render("●")
	}
	return s.Dim.Render("○")
}

// WorkflowStyle picks the style for an aggregate status.
func WorkflowStyle(status aggregate.WorkflowStatus, s Styles) lipgloss.Style {
	switch status {
	case aggregate.Completed:
		return s.Success
	case aggregate.Partial:
		return s.Warning
	case aggregate.Failed:
		return s.Error
	case aggregate.Cancelled:
		return s.Dim
	case aggregate.NotStarted:
		return s.Muted
	}
	return s.Running
}

// HealthStyle picks the style for a health verdict.
func HealthStyle(v operation.HealthVerdict, s Styles) lipgloss.Style {
	switch v {
	case operation.HealthHealthy:
		return s.Success
	case operation.HealthDegraded:
		return s.Warning
	case operation.HealthCritical:
		return s.Error
	}
	return s.Dim
}
