// Package client talks to a running bridge: the /ws status feed for live
// session state and the JSON status API for on-demand reads.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/whatsapp-addon/bridge/internal/server"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// WSClient manages the WebSocket connection to the bridge status feed.
type WSClient struct {
	url   string
	token string
	log   *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, resync)
	conn    *websocket.Conn
	delay   time.Duration
	pingCtx context.CancelFunc // cancels the active ping goroutine
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{url: url, token: token, log: logger, delay: reconnectBaseDelay}
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// WSSnapshotMsg delivers a full session snapshot.
type WSSnapshotMsg struct{ Payload server.SnapshotPayload }

// WSDeltaMsg delivers incremental session updates.
type WSDeltaMsg struct{ Payload server.DeltaPayload }

// WSEventMsg announces one lifecycle event.
type WSEventMsg struct{ Payload server.EventPayload }

type wireMessage struct {
	Type    server.MessageType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

// Listen returns a Bubble Tea command that connects, retrying with
// backoff until it succeeds or ctx is done.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		for {
			if ctx.Err() != nil {
				return nil
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
			if err != nil {
				c.mu.Lock()
				delay := c.delay
				c.delay = min(c.delay*2, reconnectMaxDelay)
				c.mu.Unlock()
				c.log.Debug("ws dial failed", "url", c.url, "error", err, "retry_in", delay)

				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
				continue
			}

			// Cancel any previous ping goroutine.
			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.delay = reconnectBaseDelay
			c.pingCtx = pingCancel
			c.mu.Unlock()

			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(pongTimeout))
				return nil
			})
			conn.SetReadDeadline(time.Now().Add(pongTimeout))

			go c.pingLoop(pingCtx, conn)

			return WSConnectedMsg{}
		}
	}
}

// ReadLoop returns a Bubble Tea command that reads until the next feed
// message. It should be reissued after every message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: errNotConnected}
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				if ctx.Err() != nil {
					return nil
				}
				return WSDisconnectedMsg{Err: err}
			}

			var msg wireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if teaMsg := decode(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Resync asks the bridge for a fresh snapshot.
func (c *WSClient) Resync() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(server.WSMessage{Type: server.MsgResync})
}

// Close drops the current connection, if any.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingCtx != nil {
		c.pingCtx()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func decode(msg wireMessage) tea.Msg {
	switch msg.Type {
	case server.MsgSnapshot:
		var p server.SnapshotPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSSnapshotMsg{Payload: p}
		}
	case server.MsgDelta:
		var p server.DeltaPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSDeltaMsg{Payload: p}
		}
	case server.MsgEvent:
		var p server.EventPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSEventMsg{Payload: p}
		}
	}
	return nil
}
