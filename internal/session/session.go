// Package session wraps one chat-protocol connection. A Session forwards
// the connection's lifecycle events to a single Handler, enforces the
// lifecycle rules (one ready, one terminal invalidation) and serializes
// action calls per method. A Session is never reused after invalidation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by actions on a session that was closed or
// invalidated.
var ErrClosed = errors.New("session closed")

const defaultPresenceInterval = 10 * time.Second

// Conn is the protocol client a Session drives. Events must be delivered
// in arrival order; the channel is closed when the connection is closed.
// A message body is opaque message content (a text string or a content
// object) and is passed through unchanged.
type Conn interface {
	Events() <-chan Event
	SendMessage(ctx context.Context, to string, body json.RawMessage, options map[string]any) error
	SetStatus(ctx context.Context, status string) error
	SubscribePresence(ctx context.Context, userID string) error
	SendPresenceUpdate(ctx context.Context, presenceType, to string) error
	Close() error
}

// Dialer opens a protocol connection for a session id whose credentials
// live in storageDir.
type Dialer interface {
	Dial(ctx context.Context, id, storageDir string) (Conn, error)
}

type Options struct {
	// PresenceInterval is the period of SetPresenceInterval updates.
	PresenceInterval time.Duration
	Logger           *slog.Logger
}

type Session struct {
	id   string
	dir  string
	conn Conn
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	state State

	// one lock per action, so calls of the same kind go out one at a time
	sendMu      sync.Mutex
	statusMu    sync.Mutex
	subscribeMu sync.Mutex
	presenceMu  sync.Mutex

	intervalMu   sync.Mutex
	stopPresence context.CancelFunc
	presenceDone chan struct{}

	listenOnce sync.Once
	closeOnce  sync.Once
	stop       chan struct{}
	done       chan struct{}
}

// New wraps conn. No events are delivered until Listen is called.
func New(id, dir string, conn Conn, opts Options) *Session {
	if opts.PresenceInterval <= 0 {
		opts.PresenceInterval = defaultPresenceInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		id:   id,
		dir:  dir,
		conn: conn,
		opts: opts,
		log:  opts.Logger.With("session", id),
		state: State{
			ID:        id,
			Phase:     PhaseCreated,
			CreatedAt: time.Now(),
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// StorageDir is the durable directory holding this session's credentials.
func (s *Session) StorageDir() string { return s.dir }

// State returns a snapshot of the session.
func (s *Session) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Listen starts delivering events to h. Only the first call has an effect.
func (s *Session) Listen(h Handler) {
	s.listenOnce.Do(func() {
		go s.loop(h)
	})
}

func (s *Session) loop(h Handler) {
	defer close(s.done)
	events := s.conn.Events()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev.SessionID = s.id
			if !s.accept(ev) {
				continue
			}
			h(ev)
			if ev.Kind == Invalidated {
				return
			}
		}
	}
}

func (s *Session) accept(ev Event) bool {
	s.mu.Lock()
	ok := s.state.record(ev, time.Now())
	s.mu.Unlock()
	if !ok {
		s.log.Debug("dropping event", "kind", ev.Kind)
		return false
	}
	if ev.Kind == Invalidated {
		s.haltPresence()
	}
	return true
}

// Done is closed once the session will deliver no further events.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close detaches the handler and closes the connection. When Close returns
// no further events will be delivered. It must not be called from the
// session's own Handler.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.haltPresence()
		err = s.conn.Close()
		s.listenOnce.Do(func() { close(s.done) })
		<-s.done
	})
	return err
}

func (s *Session) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsTerminal()
}

func (s *Session) SendMessage(ctx context.Context, to string, body json.RawMessage, options map[string]any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed() {
		return ErrClosed
	}
	return s.conn.SendMessage(ctx, to, body, options)
}

func (s *Session) SetStatus(ctx context.Context, status string) error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.closed() {
		return ErrClosed
	}
	return s.conn.SetStatus(ctx, status)
}

func (s *Session) SubscribePresence(ctx context.Context, userID string) error {
	s.subscribeMu.Lock()
	defer s.subscribeMu.Unlock()
	if s.closed() {
		return ErrClosed
	}
	return s.conn.SubscribePresence(ctx, userID)
}

func (s *Session) SendPresenceUpdate(ctx context.Context, presenceType, to string) error {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	if s.closed() {
		return ErrClosed
	}
	return s.conn.SendPresenceUpdate(ctx, presenceType, to)
}

// SetPresenceInterval sends one presence update right away and then keeps
// repeating it every PresenceInterval until it is replaced by another call,
// the session is closed, or the session is invalidated.
func (s *Session) SetPresenceInterval(ctx context.Context, presenceType, to string) error {
	s.intervalMu.Lock()
	defer s.intervalMu.Unlock()

	if err := s.SendPresenceUpdate(ctx, presenceType, to); err != nil {
		return err
	}

	s.haltPresence()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return ErrClosed
	}
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopPresence = cancel
	s.presenceDone = done
	s.state.PresenceTicker = true
	go s.presenceLoop(tickCtx, done, presenceType, to)
	return nil
}

func (s *Session) presenceLoop(ctx context.Context, done chan struct{}, presenceType, to string) {
	defer close(done)
	ticker := time.NewTicker(s.opts.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, s.opts.PresenceInterval)
			err := s.SendPresenceUpdate(callCtx, presenceType, to)
			cancel()
			if errors.Is(err, ErrClosed) {
				return
			}
			if err != nil && ctx.Err() == nil {
				s.log.Warn("periodic presence update failed",
					"type", presenceType,
					"to", to,
					"error", err,
				)
			}
		}
	}
}

// haltPresence stops the periodic presence loop, if any, and waits for it.
func (s *Session) haltPresence() {
	s.mu.Lock()
	cancel, done := s.stopPresence, s.presenceDone
	s.stopPresence, s.presenceDone = nil, nil
	s.state.PresenceTicker = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.id)
}
