package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/whatsapp-addon/bridge/internal/health"
	"github.com/whatsapp-addon/bridge/internal/server"
	"github.com/whatsapp-addon/bridge/internal/session"
	"github.com/whatsapp-addon/bridge/internal/tui/client"
)

type fakeFeed struct {
	resyncs int
	err     error
}

func (f *fakeFeed) Listen(context.Context) tea.Cmd   { return nil }
func (f *fakeFeed) ReadLoop(context.Context) tea.Cmd { return nil }
func (f *fakeFeed) Resync() error {
	f.resyncs++
	return f.err
}

type fakeHealth struct{ report *health.Report }

func (f fakeHealth) GetHealth(context.Context) (*health.Report, error) { return f.report, nil }

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func newTestModel() (Model, *fakeFeed) {
	feed := &fakeFeed{}
	m := New(feed, fakeHealth{&health.Report{Status: health.StatusOK}})
	m.width = 100
	m.height = 30
	return m, feed
}

func snapshot(states ...*session.State) client.WSSnapshotMsg {
	return client.WSSnapshotMsg{Payload: server.SnapshotPayload{Sessions: states}}
}

func TestDisconnectOverlay(t *testing.T) {
	m, _ := newTestModel()
	m.connected = false

	v := m.View()
	if !strings.Contains(v, "DISCONNECTED") {
		t.Error("disconnect overlay should contain 'DISCONNECTED'")
	}
	if !strings.Contains(v, "Reconnecting") {
		t.Error("disconnect overlay should contain 'Reconnecting'")
	}

	m = update(t, m, client.WSConnectedMsg{})
	if strings.Contains(m.View(), "DISCONNECTED") {
		t.Error("banner should disappear once connected")
	}
}

func TestSnapshotAndDelta(t *testing.T) {
	m, _ := newTestModel()
	m = update(t, m, snapshot(
		&session.State{ID: "bob", Phase: session.PhaseAwaitingAuth},
		&session.State{ID: "alice", Phase: session.PhaseReady},
	))

	if len(m.order) != 2 || m.order[0] != "alice" {
		t.Fatalf("order = %v, want sorted ids", m.order)
	}
	if m.statusBar.Ready != 1 || m.statusBar.AwaitingAuth != 1 {
		t.Errorf("counts = %+v", m.statusBar)
	}

	m = update(t, m, client.WSDeltaMsg{Payload: server.DeltaPayload{Updates: []*session.State{
		{ID: "bob", Phase: session.PhaseReady},
	}}})
	if m.statusBar.Ready != 2 {
		t.Errorf("ready after delta = %d, want 2", m.statusBar.Ready)
	}

	v := m.View()
	if !strings.Contains(v, "alice") || !strings.Contains(v, "bob") {
		t.Errorf("view missing sessions:\n%s", v)
	}
}

func TestSnapshotClampsSelection(t *testing.T) {
	m, _ := newTestModel()
	m = update(t, m, snapshot(&session.State{ID: "a"}, &session.State{ID: "b"}, &session.State{ID: "c"}))
	m = update(t, m, runes("k"))
	if m.Selected().ID != "c" {
		t.Fatalf("selected = %s, want wraparound to c", m.Selected().ID)
	}

	m = update(t, m, snapshot(&session.State{ID: "a"}))
	if m.Selected() == nil || m.Selected().ID != "a" {
		t.Errorf("selection not clamped: %+v", m.Selected())
	}
}

func TestNavigationAndOverlays(t *testing.T) {
	m, feed := newTestModel()
	m = update(t, m, snapshot(&session.State{ID: "a"}, &session.State{ID: "b"}))

	m = update(t, m, runes("j"))
	if m.Selected().ID != "b" {
		t.Fatalf("selected = %s, want b", m.Selected().ID)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.overlay != OverlayDetail {
		t.Fatal("enter should open the detail overlay")
	}
	if !strings.Contains(m.View(), "restarts") {
		t.Error("detail view should list counters")
	}

	// Navigation keys do not move the selection under an overlay.
	m = update(t, m, runes("j"))
	if m.Selected().ID != "b" {
		t.Error("selection moved under overlay")
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.overlay != OverlayNone {
		t.Fatal("esc should close the overlay")
	}

	m = update(t, m, runes("e"))
	if m.overlay != OverlayEvents || !strings.Contains(m.View(), "EVENTS") {
		t.Fatal("e should open the event log")
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})

	feed.err = errors.New("not connected")
	m = update(t, m, runes("r"))
	if feed.resyncs != 1 {
		t.Errorf("resyncs = %d, want 1", feed.resyncs)
	}
	if m.lastErr != "not connected" {
		t.Errorf("lastErr = %q", m.lastErr)
	}
}

func TestEventsAreLogged(t *testing.T) {
	m, _ := newTestModel()
	m = update(t, m, client.WSEventMsg{Payload: server.EventPayload{
		SessionID: "alice", Kind: session.Invalidated, At: time.Now(),
	}})
	if len(m.events.Entries) != 1 || m.events.Entries[0].Kind != session.Invalidated {
		t.Fatalf("entries = %+v", m.events.Entries)
	}
}

func TestHealthRefresh(t *testing.T) {
	m, _ := newTestModel()
	_, cmd := m.Update(runes("h"))
	if cmd == nil {
		t.Fatal("h should fetch health")
	}
	msg := cmd()
	m = update(t, m, msg)
	if m.statusBar.Health == nil || m.statusBar.Health.Status != health.StatusOK {
		t.Errorf("health = %+v", m.statusBar.Health)
	}
}

func TestQuit(t *testing.T) {
	m, _ := newTestModel()
	_, cmd := m.Update(runes("q"))
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should return tea.Quit")
	}
	if m.ctx.Err() == nil {
		t.Error("quit should cancel the model context")
	}
}
