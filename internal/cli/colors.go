// Package cli provides shared output utilities for the snapback command.
package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/snapback-dev/snapback/internal/watcher"
)

// Tokyo Night inspired color palette
var (
	ColorFg      = lipgloss.Color("#c0caf5")
	ColorFgMuted = lipgloss.Color("#565f89")
	ColorOK      = lipgloss.Color("#9ece6a")
	ColorInfo    = lipgloss.Color("#7aa2f7")
	ColorWarn    = lipgloss.Color("#e0af68")
	ColorError   = lipgloss.Color("#f7768e")
	ColorAccent  = lipgloss.Color("#d4a373")
)

// Common styles
var (
	StyleTitle  = lipgloss.NewStyle().Foreground(ColorFg).Bold(true)
	StyleLabel  = lipgloss.NewStyle().Foreground(ColorFgMuted)
	StyleValue  = lipgloss.NewStyle().Foreground(ColorFg)
	StyleOK     = lipgloss.NewStyle().Foreground(ColorOK).Bold(true)
	StyleWarn   = lipgloss.NewStyle().Foreground(ColorWarn)
	StyleError  = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	StyleAccent = lipgloss.NewStyle().Foreground(ColorAccent)
	StyleDim    = lipgloss.NewStyle().Foreground(ColorFgMuted).Faint(true)

	StyleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorFgMuted).
			Padding(0, 1)
)

// colorsEnabled caches whether colors should be used
var colorsEnabled *bool

// ColorsEnabled returns true if the terminal supports colors.
// Checks if stdout is a terminal and NO_COLOR env var is not set.
func ColorsEnabled() bool {
	if colorsEnabled != nil {
		return *colorsEnabled
	}

	enabled := IsTerminal(os.Stdout) && os.Getenv("NO_COLOR") == ""
	colorsEnabled = &enabled
	return enabled
}

// ForceColors enables or disables colors regardless of terminal detection.
func ForceColors(enabled bool) {
	colorsEnabled = &enabled
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Styled renders text with style only if colors are enabled.
func Styled(text string, style lipgloss.Style) string {
	if !ColorsEnabled() {
		return text
	}
	return style.Render(text)
}

func Bolden(text string) string {
	return Styled(text, StyleTitle)
}

func Dimmed(text string) string {
	return Styled(text, StyleDim)
}

// RiskStyle returns the style for a risk level.
func RiskStyle(level watcher.RiskLevel) lipgloss.Style {
	switch level {
	case watcher.RiskHigh:
		return StyleError
	case watcher.RiskMedium:
		return StyleWarn
	default:
		return StyleOK
	}
}

// Risk renders a risk level in its color.
func Risk(level watcher.RiskLevel) string {
	return Styled(string(level), RiskStyle(level))
}
