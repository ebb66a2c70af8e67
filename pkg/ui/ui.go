// Package ui renders the command-line banners and summary tables.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	brand  = lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle = lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	border = lipgloss.AdaptiveColor{Light: "250", Dark: "238"}

	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(brand).
			Foreground(brand).
			Bold(true).
			Padding(0, 3)
	keyStyle    = lipgloss.NewStyle().Foreground(subtle)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(brand).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	// Dim is used for secondary output such as the prompt echo.
	Dim = lipgloss.NewStyle().Foreground(subtle)

	// OK marks a successful outcome.
	OK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)

	// Warn marks an interrupted or degraded outcome.
	Warn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

// Banner renders title in a double border.
func Banner(title string) string {
	return bannerStyle.Render(title)
}

// Field is one row of a key/value listing.
type Field struct {
	Key   string
	Value any
}

// Fields renders aligned key/value rows.
func Fields(fields ...Field) string {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Key))
	}

	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "  %s  %v\n", keyStyle.Render(fmt.Sprintf("%-*s", width, f.Key)), f.Value)
	}
	return b.String()
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(border)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
