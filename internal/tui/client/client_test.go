package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whatsapp-addon/bridge/internal/health"
	"github.com/whatsapp-addon/bridge/internal/server"
	"github.com/whatsapp-addon/bridge/internal/session"
)

func TestDeriveHTTPBase(t *testing.T) {
	tests := map[string]string{
		"ws://127.0.0.1:3000/ws":     "http://127.0.0.1:3000",
		"wss://ha.example.com/ws":    "https://ha.example.com",
		"not a url with no host ::/": "http://127.0.0.1:3000",
	}
	for in, want := range tests {
		if got := DeriveHTTPBase(in); got != want {
			t.Errorf("DeriveHTTPBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/health":
			json.NewEncoder(w).Encode(health.Report{Status: health.StatusOK})
		case "/api/sessions":
			json.NewEncoder(w).Encode([]session.State{{ID: "a", Phase: session.PhaseReady}})
		case "/api/sessions/a":
			json.NewEncoder(w).Encode(session.State{ID: "a", Phase: session.PhaseReady})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewHTTPClient(srv.URL, "tok")

	rep, err := c.GetHealth(ctx)
	if err != nil || rep.Status != health.StatusOK {
		t.Fatalf("GetHealth = %+v, %v", rep, err)
	}
	states, err := c.GetSessions(ctx)
	if err != nil || len(states) != 1 || states[0].Phase != session.PhaseReady {
		t.Fatalf("GetSessions = %+v, %v", states, err)
	}
	if _, err := c.GetSession(ctx, "a"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if _, err := c.GetSession(ctx, "missing"); err == nil {
		t.Fatal("GetSession(missing) should fail")
	}

	if _, err := NewHTTPClient(srv.URL, "").GetHealth(ctx); err == nil {
		t.Fatal("request without token should fail")
	}
}

func TestWSClientReceivesFeed(t *testing.T) {
	resync := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(server.WSMessage{Type: server.MsgSnapshot, Payload: server.SnapshotPayload{
			Sessions: []*session.State{{ID: "a", Phase: session.PhaseAwaitingAuth}},
		}})
		conn.WriteJSON(map[string]string{"type": "something_new"})
		conn.WriteJSON(server.WSMessage{Type: server.MsgEvent, Payload: server.EventPayload{
			SessionID: "a", Kind: session.Ready, At: time.Now(),
		}})

		var msg server.WSMessage
		if err := conn.ReadJSON(&msg); err == nil && msg.Type == server.MsgResync {
			resync <- struct{}{}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), "tok", nil)
	defer c.Close()

	if _, ok := c.Listen(ctx)().(WSConnectedMsg); !ok {
		t.Fatal("Listen did not connect")
	}

	snap, ok := c.ReadLoop(ctx)().(WSSnapshotMsg)
	if !ok || len(snap.Payload.Sessions) != 1 || snap.Payload.Sessions[0].Phase != session.PhaseAwaitingAuth {
		t.Fatalf("first message = %+v", snap)
	}

	ev, ok := c.ReadLoop(ctx)().(WSEventMsg)
	if !ok || ev.Payload.Kind != session.Ready {
		t.Fatalf("second message = %+v, unknown types should be skipped", ev)
	}

	if err := c.Resync(); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	select {
	case <-resync:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the resync request")
	}

	if _, ok := c.ReadLoop(ctx)().(WSDisconnectedMsg); !ok {
		t.Fatal("closed feed should report a disconnect")
	}
}

func TestResyncWithoutConnection(t *testing.T) {
	c := NewWSClient("ws://127.0.0.1:1/ws", "", nil)
	if err := c.Resync(); err == nil {
		t.Fatal("Resync without a connection should fail")
	}
}
