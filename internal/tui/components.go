package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// SectionBox renders content in a rounded box under a heading.
func SectionBox(title, content string, width int, s Styles) string {
	if width < 20 {
		width = 60
	}
	body := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(DefaultTheme.Border).
		Width(width-2).
		Padding(0, 1).
		Render(content)
	return lipgloss.JoinVertical(lipgloss.Left, s.Header.Render(" "+title+" "), body)
}

// Table is a borderless column layout used by the watch screen and the
// CLI listings.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Render lays out the table with a rule under the header row. Short rows
// are padded with empty cells.
func (t Table) Render(s Styles) string {
	if len(t.Headers) == 0 || len(t.Rows) == 0 {
		return ""
	}
	rows := make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		rows[i] = make([]string, len(t.Headers))
		copy(rows[i], r)
	}
	cell := lipgloss.NewStyle().PaddingRight(2)
	header := s.SectionName.PaddingRight(2)
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.Muted).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers(t.Headers...).
		Rows(rows...).
		Render()
}

// ProgressBar renders "label ━━━━━━━━  42%" in width columns. An empty
// label drops the prefix.
func ProgressBar(label string, percent float64, width int, s Styles) string {
	percent = max(0, min(100, percent))
	pct := s.Dim.Render(fmt.Sprintf("%3.0f%%", percent))

	prefix := ""
	if label != "" {
		prefix = label + " "
	}
	barWidth := max(10, width-lipgloss.Width(prefix)-lipgloss.Width(pct)-1)
	done := int(float64(barWidth) * percent / 100)

	return prefix +
		s.ProgressFilled.Render(strings.Repeat("━", done)) +
		s.ProgressEmpty.Render(strings.Repeat("━", barWidth-done)) +
		" " + pct
}

// KeyHint is one shortcut in the footer.
type KeyHint struct {
	Key   string
	Label string
}

// KeyHints renders the footer, e.g. "[s] Stop    [q] Quit".
func KeyHints(hints []KeyHint, s Styles) string {
	var b strings.Builder
	for i, h := range hints {
		if i > 0 {
			b.WriteString("    ")
		}
		b.WriteString(s.KeyBinding.Render("[" + h.Key + "]"))
		b.WriteString(" ")
		b.WriteString(s.KeyHint.Render(h.Label))
	}
	return b.String()
}

// ellipsize shortens s to at most n runes.
func ellipsize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
