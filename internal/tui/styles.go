// Package tui holds the interactive terminal views.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette (ANSI 256).
const (
	ColorHeader  = lipgloss.Color("39")
	ColorLabel   = lipgloss.Color("245")
	ColorValue   = lipgloss.Color("255")
	ColorSubtle  = lipgloss.Color("241")
	ColorOK      = lipgloss.Color("42")
	ColorWarning = lipgloss.Color("214")
	ColorError   = lipgloss.Color("196")
	ColorBorder  = lipgloss.Color("63")
)

// Shared styles.
//
//nolint:gochecknoglobals // lipgloss styles are immutable values shared across views.
var (
	HeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorHeader)
	LabelStyle   = lipgloss.NewStyle().Foreground(ColorLabel)
	ValueStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorValue)
	SubtleStyle  = lipgloss.NewStyle().Foreground(ColorSubtle)
	SuccessStyle = lipgloss.NewStyle().Foreground(ColorOK)
	WarningStyle = lipgloss.NewStyle().Foreground(ColorWarning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(ColorError)
	BoxStyle     = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)
)
