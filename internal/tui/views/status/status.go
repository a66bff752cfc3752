package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/whatsapp-addon/bridge/internal/health"
	"github.com/whatsapp-addon/bridge/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected    bool
	Ready        int
	AwaitingAuth int
	Unavailable  int
	Total        int
	Health       *health.Report
	Width        int
}

// New creates a status bar model.
func New() Model {
	return Model{}
}

// SetCounts updates the session counts.
func (m *Model) SetCounts(total, ready, awaitingAuth, unavailable int) {
	m.Total = total
	m.Ready = ready
	m.AwaitingAuth = awaitingAuth
	m.Unavailable = unavailable
}

// View renders the status bar.
func (m Model) View() string {
	width := max(m.Width, 40)

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	counts := fmt.Sprintf("%d/%d ready  %d awaiting scan  %d unavailable",
		m.Ready, m.Total, m.AwaitingAuth, m.Unavailable)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + counts
	if m.Health != nil {
		color := theme.ColorHealthy
		if m.Health.Status != health.StatusOK {
			color = theme.ColorWarning
		}
		if m.Health.Delivery.Failed > 0 {
			color = theme.ColorDanger
		}
		content += sep + lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf(
			"hub: %d sent  %d failed  %d in flight",
			m.Health.Delivery.Delivered, m.Health.Delivery.Failed, m.Health.Delivery.InFlight,
		))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
