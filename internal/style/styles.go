package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Shared text styles.
var (
	Bold  = lipgloss.NewStyle().Bold(true)
	Dim   = lipgloss.NewStyle().Faint(true)
	Good  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	Warn  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	Bad   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	Quiet = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// ForOutcome maps a tick outcome to a display style.
func ForOutcome(outcome string) lipgloss.Style {
	switch outcome {
	case "merged_and_advanced", "session_created":
		return Good
	case "nudged", "drift_reconciled":
		return Warn
	case "escalated", "error":
		return Bad
	default:
		return Quiet
	}
}

// TerminalWidth returns the current terminal width, or a sane default
// when stdout is not a terminal.
func TerminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 100
}
