package tui

import "github.com/charmbracelet/lipgloss"

// UI colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorDimmed).
			MarginTop(1)

	dimStyle = lipgloss.NewStyle().Foreground(ColorDimmed)

	errorStyle = lipgloss.NewStyle().Foreground(ColorDanger)

	tableBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)
)
