// Package ui provides terminal rendering helpers for CLI output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// colorEnabled reports whether styled output should be used: stdout must be
// a terminal and NO_COLOR must not be set.
func colorEnabled() bool {
	if termenv.EnvNoColor() {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

// RenderPass renders a success marker.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders a warning marker.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders a failure marker.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent renders informational accents.
func RenderAccent(s string) string { return render(accentStyle, s) }
