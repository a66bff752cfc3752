package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whatsapp-addon/bridge/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the feed is full.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeTimeout = 10 * time.Second

// StateSource provides session states for snapshots and deltas.
// *supervisor.Supervisor implements it.
type StateSource interface {
	Snapshot() []*session.State
	State(id string) (*session.State, error)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			// The reader sees the closed conn and removes the client,
			// which ends the drain.
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans session state out to status feed clients. It
// implements supervisor.Observer: changes are collected and flushed as
// one delta per throttle window, and full snapshots go out periodically.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	source   StateSource
	log      *slog.Logger

	throttle       time.Duration
	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu    sync.Mutex
	pending    map[string]struct{}
	flushTimer *time.Timer
}

func NewBroadcaster(throttle, snapshotInterval time.Duration, maxConns int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		log:      logger,
		throttle: throttle,
		stop:     make(chan struct{}),
		pending:  make(map[string]struct{}),
	}
	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()
	return b
}

// SetSource configures where session states come from. Must be called
// before clients connect.
func (b *Broadcaster) SetSource(src StateSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source = src
}

func (b *Broadcaster) getSource() StateSource {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.source
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn)
	b.clients[c] = true
	b.mu.Unlock()

	b.sendSnapshot(c)
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Resync sends c a full snapshot.
func (b *Broadcaster) Resync(c *client) {
	b.sendSnapshot(c)
}

func (b *Broadcaster) sendSnapshot(c *client) {
	data, ok := b.snapshotMessage()
	if !ok {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot
	}
}

func (b *Broadcaster) snapshotMessage() ([]byte, bool) {
	src := b.getSource()
	if src == nil {
		return nil, false
	}
	data, err := json.Marshal(WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Sessions: src.Snapshot()},
	})
	if err != nil {
		b.log.Error("snapshot marshal failed", "error", err)
		return nil, false
	}
	return data, true
}

// SessionChanged queues id for the next delta.
func (b *Broadcaster) SessionChanged(id string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending[id] = struct{}{}
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// SessionEvent announces ev right away and queues its session for the
// next delta.
func (b *Broadcaster) SessionEvent(ev session.Event) {
	b.broadcast(WSMessage{
		Type: MsgEvent,
		Payload: EventPayload{
			SessionID: ev.SessionID,
			Kind:      ev.Kind,
			At:        time.Now(),
		},
	})
	b.SessionChanged(ev.SessionID)
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	ids := b.pending
	b.pending = make(map[string]struct{})
	b.flushTimer = nil
	b.flushMu.Unlock()

	src := b.getSource()
	if len(ids) == 0 || src == nil {
		return
	}
	updates := make([]*session.State, 0, len(ids))
	for id := range ids {
		if st, err := src.State(id); err == nil {
			updates = append(updates, st)
		}
	}
	if len(updates) == 0 {
		return
	}
	b.broadcast(WSMessage{Type: MsgDelta, Payload: DeltaPayload{Updates: updates}})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			if data, ok := b.snapshotMessage(); ok {
				b.broadcastRaw(data)
			}
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("broadcast marshal failed", "type", msg.Type, "error", err)
		return
	}
	b.broadcastRaw(data)
}

func (b *Broadcaster) broadcastRaw(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.mu.RLock()
		live := b.clients[c]
		var slow bool
		if live {
			select {
			case c.send <- data:
			default:
				slow = true
			}
		}
		b.mu.RUnlock()
		if slow {
			b.log.Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// Close stops periodic snapshots and disconnects every client.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.snapshotTicker.Stop()

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}
