// Package style provides consistent terminal styling using Lipgloss.
package style

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column defines a table column with name and width.
type Column struct {
	Name  string
	Width int
	Align Alignment
	Style lipgloss.Style
}

// Alignment specifies column text alignment.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// Table renders aligned, styled rows for status output.
type Table struct {
	columns     []Column
	rows        [][]string
	rowStyles   []lipgloss.Style
	headerSep   bool
	indent      string
	headerStyle lipgloss.Style
}

// NewTable creates a table with the given columns.
func NewTable(columns ...Column) *Table {
	return &Table{
		columns:     columns,
		headerSep:   true,
		indent:      "  ",
		headerStyle: Bold,
	}
}

// SetIndent sets the left indent for the table.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// AddRow adds a row of values.
func (t *Table) AddRow(values ...string) *Table {
	return t.AddStyledRow(lipgloss.NewStyle(), values...)
}

// AddStyledRow adds a row rendered with the given style, for coloring
// whole rows by outcome.
func (t *Table) AddStyledRow(style lipgloss.Style, values ...string) *Table {
	for len(values) < len(t.columns) {
		values = append(values, "")
	}
	t.rows = append(t.rows, values)
	t.rowStyles = append(t.rowStyles, style)
	return t
}

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	var sb strings.Builder

	sb.WriteString(t.indent)
	for i, col := range t.columns {
		sb.WriteString(pad(t.headerStyle.Render(col.Name), col.Name, col.Width, col.Align))
		if i < len(t.columns)-1 {
			sb.WriteString("  ")
		}
	}
	sb.WriteString("\n")

	if t.headerSep {
		width := 0
		for i, col := range t.columns {
			width += col.Width
			if i < len(t.columns)-1 {
				width += 2
			}
		}
		sb.WriteString(t.indent)
		sb.WriteString(Dim.Render(strings.Repeat("─", width)))
		sb.WriteString("\n")
	}

	for r, row := range t.rows {
		sb.WriteString(t.indent)
		for i, col := range t.columns {
			val := ""
			if i < len(row) {
				val = row[i]
			}
			plain := truncate(stripAnsi(val), col.Width)
			styled := plain
			if col.Style.Value() != "" {
				styled = col.Style.Render(plain)
			} else {
				styled = t.rowStyles[r].Render(plain)
			}
			sb.WriteString(pad(styled, plain, col.Width, col.Align))
			if i < len(t.columns)-1 {
				sb.WriteString("  ")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// truncate shortens s to width runes, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	if width <= 1 {
		return string(runes[:width])
	}
	return string(runes[:width-1]) + "…"
}

// pad pads styled text to width using the plain text for measurement, so
// ANSI escapes don't skew the column.
func pad(styledText, plainText string, width int, align Alignment) string {
	plainLen := len([]rune(plainText))
	if plainLen >= width {
		return styledText
	}
	padding := strings.Repeat(" ", width-plainLen)
	if align == AlignRight {
		return padding + styledText
	}
	return styledText + padding
}

// ansiRegex matches CSI escape sequences: ESC [ <params> <final byte>
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripAnsi(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}
