package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

// UI writes command output. Styling is dropped when plain is set.
type UI struct {
	out   io.Writer
	err   io.Writer
	plain bool
}

func newUI(out, err io.Writer, plain bool) *UI {
	return &UI{out: out, err: err, plain: plain}
}

func (ui *UI) render(s lipgloss.Style, msg string) string {
	if ui.plain {
		return msg
	}
	return s.Render(msg)
}

func (ui *UI) Success(msg string) {
	_, _ = fmt.Fprintln(ui.out, ui.render(successStyle, "✓ "+msg))
}

func (ui *UI) Error(msg string) {
	_, _ = fmt.Fprintln(ui.err, ui.render(errorStyle, "✗ "+msg))
}

func (ui *UI) Warning(msg string) {
	_, _ = fmt.Fprintln(ui.out, ui.render(warningStyle, "⚠ "+msg))
}

func (ui *UI) Info(msg string) {
	_, _ = fmt.Fprintln(ui.out, ui.render(infoStyle, msg))
}

func (ui *UI) Subtle(msg string) {
	_, _ = fmt.Fprintln(ui.out, ui.render(subtleStyle, msg))
}

func (ui *UI) Println(msg string) {
	_, _ = fmt.Fprintln(ui.out, msg)
}

func (ui *UI) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(ui.out, format, args...)
}

// JSON prints v indented.
func (ui *UI) JSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ui.out, string(b))
	return err
}

// Table collects rows and prints them with aligned columns.
type Table struct {
	ui      *UI
	headers []string
	rows    [][]string
}

func (ui *UI) NewTable(headers ...string) *Table {
	return &Table{ui: ui, headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	parts := make([]string, len(t.headers))
	for i, h := range t.headers {
		parts[i] = padRight(h, widths[i])
	}
	t.ui.Println(t.ui.render(headerStyle, strings.TrimRight(strings.Join(parts, "  "), " ")))

	for i, w := range widths {
		parts[i] = strings.Repeat("─", w)
	}
	t.ui.Println(t.ui.render(subtleStyle, strings.Join(parts, "  ")))

	for _, row := range t.rows {
		cells := make([]string, len(t.headers))
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = padRight(cell, widths[i])
		}
		t.ui.Println(strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
