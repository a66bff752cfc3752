// Package app is the root Bubble Tea model of the bridge status viewer.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/whatsapp-addon/bridge/internal/health"
	"github.com/whatsapp-addon/bridge/internal/session"
	"github.com/whatsapp-addon/bridge/internal/tui/client"
	"github.com/whatsapp-addon/bridge/internal/tui/theme"
	"github.com/whatsapp-addon/bridge/internal/tui/views/events"
	"github.com/whatsapp-addon/bridge/internal/tui/views/status"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayEvents
)

// Feed is the live status feed. *client.WSClient implements it.
type Feed interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop(ctx context.Context) tea.Cmd
	Resync() error
}

// HealthSource fetches health reports. *client.HTTPClient implements it.
type HealthSource interface {
	GetHealth(ctx context.Context) (*health.Report, error)
}

type healthMsg struct {
	report *health.Report
	err    error
}

// Model is the root Bubble Tea model.
type Model struct {
	ws     Feed
	http   HealthSource
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	sessions map[string]*session.State
	order    []string // sorted session IDs

	selectedIdx int
	overlay     Overlay

	statusBar status.Model
	events    events.Model
	lastErr   string

	connected bool
}

// New creates the root model.
func New(ws Feed, http HealthSource) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:        ws,
		http:      http,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		sessions:  make(map[string]*session.State),
		statusBar: status.New(),
		events:    events.New(),
	}
}

// Init starts the WebSocket connection.
func (m Model) Init() tea.Cmd {
	if m.ws == nil {
		return nil
	}
	return m.ws.Listen(m.ctx)
}

func (m Model) fetchHealth() tea.Cmd {
	if m.http == nil {
		return nil
	}
	src, ctx := m.http, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rep, err := src.GetHealth(ctx)
		return healthMsg{report: rep, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.lastErr = ""
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.fetchHealth())

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
		}
		return m, m.ws.Listen(m.ctx)

	case client.WSSnapshotMsg:
		m.sessions = make(map[string]*session.State)
		for _, s := range msg.Payload.Sessions {
			m.sessions[s.ID] = s
		}
		m.rebuild()
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSDeltaMsg:
		for _, s := range msg.Payload.Updates {
			m.sessions[s.ID] = s
		}
		m.rebuild()
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSEventMsg:
		m.events.Add(events.Entry{
			Time:      msg.Payload.At,
			SessionID: msg.Payload.SessionID,
			Kind:      msg.Payload.Kind,
		})
		cmds := []tea.Cmd{m.ws.ReadLoop(m.ctx)}
		if msg.Payload.Kind == session.Ready || msg.Payload.Kind == session.Invalidated {
			cmds = append(cmds, m.fetchHealth())
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.statusBar.Health = msg.report
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		return m, tea.Quit
	}

	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
		case m.overlay == OverlayEvents && key.Matches(msg, m.keys.Up):
			m.events.ScrollUp(1)
		case m.overlay == OverlayEvents && key.Matches(msg, m.keys.Down):
			m.events.ScrollDown(1)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Down):
		if len(m.order) > 0 {
			m.selectedIdx = (m.selectedIdx + 1) % len(m.order)
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if len(m.order) > 0 {
			m.selectedIdx = (m.selectedIdx - 1 + len(m.order)) % len(m.order)
		}
		return m, nil

	case key.Matches(msg, m.keys.Enter):
		if len(m.order) > 0 {
			m.overlay = OverlayDetail
		}
		return m, nil

	case key.Matches(msg, m.keys.Events):
		m.overlay = OverlayEvents
		return m, nil

	case key.Matches(msg, m.keys.Health):
		return m, m.fetchHealth()

	case key.Matches(msg, m.keys.Resync):
		if m.ws != nil {
			if err := m.ws.Resync(); err != nil {
				m.lastErr = err.Error()
			}
		}
		return m, nil
	}

	return m, nil
}

// Selected returns the highlighted session, or nil.
func (m Model) Selected() *session.State {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.order) {
		return nil
	}
	return m.sessions[m.order[m.selectedIdx]]
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusBar.View()}
	if !m.connected {
		banner := " DISCONNECTED  Reconnecting..."
		if m.lastErr != "" {
			banner += "  (" + m.lastErr + ")"
		}
		sections = append(sections, theme.StyleBanner.Render(banner))
	}

	switch m.overlay {
	case OverlayEvents:
		sections = append(sections, m.events.View(m.width, m.height-4))
	case OverlayDetail:
		sections = append(sections, m.renderDetail())
	default:
		sections = append(sections, m.renderSessions())
	}

	sections = append(sections,
		theme.StyleDimmed.Render("  j/k:navigate  enter:detail  e:events  h:health  r:resync  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderSessions() string {
	lines := []string{theme.StyleHeader.Render("=== SESSIONS ===")}
	for i, id := range m.order {
		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}
		lines = append(lines, prefix+renderSessionLine(m.sessions[id]))
	}
	if len(m.order) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No sessions reported"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSessionLine(s *session.State) string {
	color := theme.PhaseColor(s.Phase)
	glyph := lipgloss.NewStyle().Foreground(color).Render(theme.PhaseGlyph(s.Phase))
	name := lipgloss.NewStyle().Width(20).Render(truncate(s.ID, 20))
	phase := lipgloss.NewStyle().Foreground(color).Width(14).Render(s.Phase.String())
	counters := theme.StyleDimmed.Render(fmt.Sprintf("msgs %d  presence %d  restarts %d",
		s.Messages, s.Presences, s.Restarts))
	return glyph + " " + name + phase + counters
}

func (m Model) renderDetail() string {
	s := m.Selected()
	if s == nil {
		return theme.StyleDimmed.Render("  No session selected")
	}

	field := func(label, value string) string {
		return theme.StyleDimmed.Render(fmt.Sprintf("%-14s", label)) + value
	}
	lines := []string{
		theme.StyleHeader.Render(" " + s.ID + " "),
		field("phase", s.Phase.String()),
		field("created", s.CreatedAt.Format(time.DateTime)),
		field("ready", formatTime(s.ReadyAt)),
		field("last event", formatTime(s.LastEventAt)),
		field("qr codes", fmt.Sprint(s.Challenges)),
		field("reconnects", fmt.Sprint(s.Reconnects)),
		field("restarts", fmt.Sprint(s.Restarts)),
		field("messages", fmt.Sprint(s.Messages)),
		field("presences", fmt.Sprint(s.Presences)),
		field("presence loop", fmt.Sprint(s.PresenceTicker)),
	}
	if s.LastError != "" {
		lines = append(lines, field("last error", lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(s.LastError)))
	}

	recent := m.events.For(s.ID)
	if len(recent) > 0 {
		lines = append(lines, "", theme.StyleHeader.Render("recent events"))
		for _, e := range recent[max(len(recent)-5, 0):] {
			lines = append(lines, events.FormatEntry(e))
		}
	}

	return theme.StyleBorder.Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateTime)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func (m *Model) rebuild() {
	m.order = make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		m.order = append(m.order, id)
	}
	sort.Strings(m.order)
	if m.selectedIdx >= len(m.order) {
		m.selectedIdx = max(len(m.order)-1, 0)
	}

	var ready, auth, unavailable int
	for _, s := range m.sessions {
		switch s.Phase {
		case session.PhaseReady:
			ready++
		case session.PhaseAwaitingAuth:
			auth++
		case session.PhaseRestarting, session.PhaseInvalidated:
			unavailable++
		}
	}
	m.statusBar.SetCounts(len(m.sessions), ready, auth, unavailable)
}
