package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Table is a simple column layout for CLI listings.
type Table struct {
	Headers []string
	Rows    [][]string
}

// AddRow appends a row. Missing cells render empty.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Render writes the table to w, styled when w is a terminal and as
// tab-separated plain text otherwise (for piping).
func (t *Table) Render(w io.Writer) error {
	if !IsTTY(w) {
		return t.renderPlain(w)
	}
	_, err := fmt.Fprintln(w, t.renderStyled())
	return err
}

func (t *Table) renderPlain(w io.Writer) error {
	if len(t.Headers) > 0 {
		if _, err := fmt.Fprintln(w, strings.Join(t.Headers, "\t")); err != nil {
			return err
		}
	}
	for _, row := range t.Rows {
		if _, err := fmt.Fprintln(w, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) renderStyled() string {
	widths := t.widths()
	var lines []string
	if len(t.Headers) > 0 {
		lines = append(lines, t.line(t.Headers, widths, headerStyle))
	}
	for _, row := range t.Rows {
		lines = append(lines, t.line(row, widths, cellStyle))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (t *Table) line(cells []string, widths []int, style lipgloss.Style) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		parts[i] = style.Width(w + style.GetPaddingRight()).Render(cell)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (t *Table) widths() []int {
	n := len(t.Headers)
	for _, row := range t.Rows {
		n = max(n, len(row))
	}
	widths := make([]int, n)
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	return widths
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

// FormatAge describes how long ago t was, relative to now.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	if d >= 48*time.Hour {
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
	return FormatDuration(d) + " ago"
}

// FormatCost renders a dollar amount.
func FormatCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}
