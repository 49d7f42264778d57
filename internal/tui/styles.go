package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color constants.
const (
	primaryColor   = "#7C3AED" // Purple
	secondaryColor = "#10B981" // Green
	warningColor   = "#F59E0B" // Amber
	errorColor     = "#EF4444" // Red
	dimColor       = "#6B7280" // Gray
)

// Style variables for consistent TUI rendering.
var (
	// BoxStyle provides a rounded border box with primary color.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(primaryColor)).
			Padding(1, 2)

	// TitleStyle renders titles in primary color with bold.
	TitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(primaryColor)).
			Bold(true)

	// DimStyle renders dim/muted text.
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(dimColor))

	// SuccessStyle renders success messages in green.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(secondaryColor))

	// ErrorStyle renders error messages in red.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(errorColor))

	// WarningStyle renders warning messages in amber.
	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(warningColor))

	// StatusBarStyle provides styling for the status bar.
	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#1F2937")).
			Foreground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)

	// ProgressFullStyle renders filled progress indicators.
	ProgressFullStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color(secondaryColor))

	// ProgressEmptyStyle renders empty progress indicators.
	ProgressEmptyStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color(dimColor))
)

// Answer status icons (pre-rendered strings).
var (
	// IconAccepted marks an accepted answer.
	IconAccepted = SuccessStyle.Render("✓")

	// IconRejected marks an answer that needs another try.
	IconRejected = WarningStyle.Render("↻")

	// IconPaused marks a session stopped at its question limit.
	IconPaused = DimStyle.Render("⏸")

	// IconFailed marks an error.
	IconFailed = ErrorStyle.Render("✗")
)

// ProgressBar renders done out of total as filled and empty cells.
func ProgressBar(done, total int) string {
	if total <= 0 {
		return ""
	}
	if done > total {
		done = total
	}
	return ProgressFullStyle.Render(strings.Repeat("■", done)) +
		ProgressEmptyStyle.Render(strings.Repeat("□", total-done))
}
