// Package mock provides an in-memory protocol connection. Tests drive it
// directly with Emit; --mock mode runs a Script against it to simulate a
// phone pairing and chatting without a real gateway.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/whatsapp-addon/bridge/internal/session"
)

var errConnClosed = errors.New("mock connection closed")

// Call records one action invoked on a Conn.
type Call struct {
	Method string
	Args   []string
	Opts   map[string]any
}

// Conn implements session.Conn in memory.
type Conn struct {
	id     string
	dir    string
	events chan session.Event

	// sendMu lets Close wait out in-flight Emits before closing events
	sendMu sync.RWMutex

	mu       sync.Mutex
	calls    []Call
	failures map[string]error
	closed   bool
	done     chan struct{}
}

func NewConn(id, dir string) *Conn {
	return &Conn{
		id:       id,
		dir:      dir,
		events:   make(chan session.Event, 64),
		failures: make(map[string]error),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) StorageDir() string { return c.dir }

// Emit queues ev for the session. It reports false if the connection is
// already closed.
func (c *Conn) Emit(ev session.Event) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// FailWith makes every later call to method return err. A nil err clears it.
func (c *Conn) FailWith(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, method)
		return
	}
	c.failures[method] = err
}

// Calls returns a copy of the recorded actions.
func (c *Conn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Events() <-chan session.Event { return c.events }

func (c *Conn) record(ctx context.Context, method string, opts map[string]any, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.calls = append(c.calls, Call{Method: method, Args: args, Opts: opts})
	return c.failures[method]
}

func (c *Conn) SendMessage(ctx context.Context, to string, body json.RawMessage, options map[string]any) error {
	return c.record(ctx, "sendMessage", options, to, string(body))
}

func (c *Conn) SetStatus(ctx context.Context, status string) error {
	return c.record(ctx, "setStatus", nil, status)
}

func (c *Conn) SubscribePresence(ctx context.Context, userID string) error {
	return c.record(ctx, "presenceSubscribe", nil, userID)
}

func (c *Conn) SendPresenceUpdate(ctx context.Context, presenceType, to string) error {
	return c.record(ctx, "sendPresenceUpdate", nil, presenceType, to)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.sendMu.Lock()
	close(c.events)
	c.sendMu.Unlock()
	return nil
}
