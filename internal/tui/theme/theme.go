// Package theme provides the Lip Gloss color palette and reusable styles
// for the bridge status viewer. It is a leaf package with no internal
// imports besides the session phase and event kinds it colors.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/whatsapp-addon/bridge/internal/session"
)

// Phase colors.
var (
	ColorCreated      = lipgloss.Color("#7c3aed")
	ColorAwaitingAuth = lipgloss.Color("#d97706")
	ColorReady        = lipgloss.Color("#16a34a")
	ColorInvalidated  = lipgloss.Color("#dc2626")
	ColorRestarting   = lipgloss.Color("#2563eb")
	ColorDefault      = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// PhaseColor returns the Lip Gloss color for a session phase.
func PhaseColor(p session.Phase) lipgloss.Color {
	switch p {
	case session.PhaseCreated:
		return ColorCreated
	case session.PhaseAwaitingAuth:
		return ColorAwaitingAuth
	case session.PhaseReady:
		return ColorReady
	case session.PhaseInvalidated:
		return ColorInvalidated
	case session.PhaseRestarting:
		return ColorRestarting
	default:
		return ColorDefault
	}
}

// PhaseGlyph returns a Unicode glyph representing a session phase.
func PhaseGlyph(p session.Phase) string {
	switch p {
	case session.PhaseCreated:
		return "◎"
	case session.PhaseAwaitingAuth:
		return "▣"
	case session.PhaseReady:
		return "●"
	case session.PhaseInvalidated:
		return "✗"
	case session.PhaseRestarting:
		return "↻"
	default:
		return "·"
	}
}

// KindColor returns the color used for an event kind in the event log.
func KindColor(k session.Kind) lipgloss.Color {
	switch k {
	case session.AuthChallenge:
		return ColorAwaitingAuth
	case session.Ready:
		return ColorReady
	case session.Invalidated:
		return ColorInvalidated
	case session.Reconnecting:
		return ColorRestarting
	default:
		return ColorDimmed
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleBanner = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright).
		Background(ColorDanger).
		Padding(0, 1)
)
