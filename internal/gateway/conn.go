// Package gateway connects sessions to the chat-protocol gateway, a
// sidecar that owns the actual chat connections. Each session holds one
// WebSocket to the gateway carrying JSON frames: lifecycle events flow in,
// action calls flow out and are answered by correlated result frames.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whatsapp-addon/bridge/internal/session"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var (
	// ErrDisconnected is returned by calls made while the link to the
	// gateway is down, or that were in flight when it dropped.
	ErrDisconnected = errors.New("gateway disconnected")
	// ErrClosed is returned by calls on a closed connection.
	ErrClosed = errors.New("gateway connection closed")
)

// RemoteError is a call the gateway answered with an error.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Method, e.Message)
}

type Options struct {
	// URL is the gateway's WebSocket endpoint. The session id is added
	// as the "session" query parameter.
	URL              string
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential
	// backoff between reconnect attempts.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Logger             *slog.Logger
}

// Dialer opens gateway connections. It implements session.Dialer.
type Dialer struct {
	opts Options
	ws   *websocket.Dialer
}

func NewDialer(opts Options) *Dialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = reconnectBaseDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = reconnectMaxDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dialer{
		opts: opts,
		ws:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}
}

// Dial returns a connection that links to the gateway in the background
// and keeps relinking until closed or logged out. It fails only when the
// gateway URL is unusable.
func (d *Dialer) Dial(ctx context.Context, id, storageDir string) (session.Conn, error) {
	u, err := url.Parse(d.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("gateway url %q: scheme must be ws or wss", d.opts.URL)
	}
	q := u.Query()
	q.Set("session", id)
	u.RawQuery = q.Encode()

	log := d.opts.Logger.With("session", id)
	creds := newCredStore(storageDir)
	if _, err := creds.Load(); err != nil {
		log.Warn("ignoring saved credentials", "path", creds.Path(), "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:      id,
		url:     u.String(),
		opts:    d.opts,
		dialer:  d.ws,
		log:     log,
		creds:   creds,
		events:  make(chan session.Event, 64),
		pending: make(map[string]chan error),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Conn is one session's link to the gateway. It implements session.Conn.
type Conn struct {
	id     string
	url    string
	opts   Options
	dialer *websocket.Dialer
	log    *slog.Logger
	creds  *credStore
	events chan session.Event

	mu        sync.Mutex
	writeMu   sync.Mutex // serialises all conn writes (hello, calls, pings)
	conn      *websocket.Conn
	pending   map[string]chan error
	loggedOut bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) Events() <-chan session.Event { return c.events }

// Close drops the link and stops reconnecting. The events channel is
// closed once the background loop has exited.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		<-c.done
	})
	return nil
}

func (c *Conn) run() {
	defer close(c.done)
	defer close(c.events)

	delay := c.opts.ReconnectBaseDelay
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if !c.emit(session.Event{Kind: session.Reconnecting}) {
				return
			}
			t := time.NewTimer(delay)
			select {
			case <-c.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = min(delay*2, c.opts.ReconnectMaxDelay)
		}

		conn, err := c.connect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("gateway dial failed", "url", c.url, "error", err, "retry_in", delay)
			continue
		}
		delay = c.opts.ReconnectBaseDelay

		c.serve(conn)

		c.mu.Lock()
		loggedOut := c.loggedOut
		c.mu.Unlock()
		if loggedOut || c.ctx.Err() != nil {
			return
		}
		c.log.Info("gateway link dropped, reconnecting")
	}
}

// connect dials the gateway and introduces the session with its saved
// credentials.
func (c *Conn) connect() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}

	hello, err := json.Marshal(helloPayload{Session: c.id, Creds: c.creds.Current()})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame{Type: frameHello, Data: hello}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return nil, c.ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	go c.pingLoop(conn)
	return conn, nil
}

// serve reads frames until the link fails.
func (c *Conn) serve(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		pending := c.pending
		c.pending = make(map[string]chan error)
		c.mu.Unlock()
		conn.Close()
		for _, ch := range pending {
			ch <- ErrDisconnected
		}
	}()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.log.Warn("malformed gateway frame", "error", err)
				continue
			}
			if c.ctx.Err() == nil {
				c.log.Debug("gateway read failed", "error", err)
			}
			return
		}
		if !c.handle(f) {
			return
		}
	}
}

// handle processes one inbound frame. It returns false when the link
// should be dropped.
func (c *Conn) handle(f frame) bool {
	switch f.Type {
	case frameQR:
		var code string
		if err := json.Unmarshal(f.Data, &code); err != nil || code == "" {
			c.log.Warn("qr frame without code", "error", err)
			return true
		}
		return c.emit(session.Event{Kind: session.AuthChallenge, Challenge: code})

	case frameReady:
		return c.emit(session.Event{Kind: session.Ready})

	case frameMessage, framePresence:
		record := map[string]any{}
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &record); err != nil {
				c.log.Warn("dropping undecodable record", "type", f.Type, "error", err)
				return true
			}
		}
		kind := session.Message
		if f.Type == framePresence {
			kind = session.Presence
		}
		return c.emit(session.Event{Kind: kind, Record: record})

	case frameRestart:
		return c.emit(session.Event{Kind: session.Reconnecting})

	case frameCreds:
		if err := c.creds.Save(f.Data); err != nil {
			c.log.Error("saving credentials failed", "error", err)
		}
		return true

	case frameLogout:
		c.mu.Lock()
		c.loggedOut = true
		c.mu.Unlock()
		c.emit(session.Event{Kind: session.Invalidated})
		return false

	case frameResult:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug("result for unknown call", "id", f.ID)
			return true
		}
		if f.Error != "" {
			ch <- &RemoteError{Method: f.Method, Message: f.Error}
		} else {
			ch <- nil
		}
		return true

	default:
		c.log.Debug("ignoring gateway frame", "type", f.Type)
		return true
	}
}

func (c *Conn) emit(ev session.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// connection is replaced or closed.
func (c *Conn) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
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

// call sends method with params and waits for the gateway's result.
func (c *Conn) call(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	result := make(chan error, 1)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.pending[id] = result
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(frame{Type: frameCall, ID: id, Method: method, Data: data})
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case err := <-result:
		var remote *RemoteError
		if errors.As(err, &remote) && remote.Method == "" {
			remote.Method = method
		}
		return err
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.ctx.Done():
		forget()
		return ErrClosed
	}
}

func (c *Conn) SendMessage(ctx context.Context, to string, body json.RawMessage, options map[string]any) error {
	return c.call(ctx, methodSendMessage, sendMessageParams{To: to, Body: body, Options: options})
}

func (c *Conn) SetStatus(ctx context.Context, status string) error {
	return c.call(ctx, methodSetStatus, setStatusParams{Status: status})
}

func (c *Conn) SubscribePresence(ctx context.Context, userID string) error {
	return c.call(ctx, methodPresenceSubscribe, presenceSubscribeParams{UserID: userID})
}

func (c *Conn) SendPresenceUpdate(ctx context.Context, presenceType, to string) error {
	return c.call(ctx, methodSendPresenceUpdate, presenceUpdateParams{Type: presenceType, To: to})
}
