package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"conductor-council/internal/council"
)

var (
	// Colors
	colorPrimary   = lipgloss.Color("99")
	colorSecondary = lipgloss.Color("241")
	colorSuccess   = lipgloss.Color("82")
	colorWarning   = lipgloss.Color("214")
	colorError     = lipgloss.Color("196")
	colorHighlight = lipgloss.Color("212")
	colorMuted     = lipgloss.Color("245")
	colorActive    = lipgloss.Color("86")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorHighlight).
			MarginTop(1)

	memberNameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("81"))

	statusOKStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorSuccess)

	statusWarnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWarning)

	statusErrorStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorError)

	statusActiveStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorActive)

	statusIdleStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	pathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true)

	outputBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorSecondary).
			Padding(0, 1)

	errorBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorError).
			Padding(0, 1)

	dividerStyle = lipgloss.NewStyle().
			Foreground(colorSecondary)

	iconOK      = statusOKStyle.Render("✓")
	iconWarn    = statusWarnStyle.Render("!")
	iconError   = statusErrorStyle.Render("✗")
	iconMissing = statusErrorStyle.Render("○")
	iconActive  = statusActiveStyle.Render("●")
	iconQueued  = statusIdleStyle.Render("○")
	iconArrow   = lipgloss.NewStyle().Foreground(colorHighlight).Render("→")
)

func renderStateIcon(s council.State) string {
	switch s {
	case council.StateDone:
		return iconOK
	case council.StateRunning:
		return iconActive
	case council.StateRetrying:
		return iconArrow
	case council.StateTimedOut, council.StateCanceled:
		return iconWarn
	case council.StateError:
		return iconError
	case council.StateMissingCLI:
		return iconMissing
	default:
		return iconQueued
	}
}

func stateStyle(s council.State) lipgloss.Style {
	switch s {
	case council.StateDone:
		return statusOKStyle
	case council.StateRunning, council.StateRetrying:
		return statusActiveStyle
	case council.StateTimedOut, council.StateCanceled:
		return statusWarnStyle
	case council.StateError, council.StateMissingCLI:
		return statusErrorStyle
	default:
		return statusIdleStyle
	}
}

func renderDivider(width int) string {
	return dividerStyle.Render(strings.Repeat("─", width))
}
