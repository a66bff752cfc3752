// Package supervisor owns the set of live sessions, one per configured id.
// It routes every session event to the automation hub and heals an
// invalidated session by wiping its storage and starting a fresh one under
// the same id.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whatsapp-addon/bridge/internal/config"
	"github.com/whatsapp-addon/bridge/internal/session"
)

var (
	// ErrUnknownSession is returned for ids the supervisor never started.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnavailable is returned while an id's session is being replaced
	// or could not be started.
	ErrUnavailable = errors.New("session unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor closed")
)

const (
	defaultStartParallelism  = 4
	defaultRestartAttempts   = 5
	defaultRestartRetryDelay = 2 * time.Second
)

// Notifier accepts fire-and-forget hub submissions. *hub.Channel
// implements it.
type Notifier interface {
	Submit(path string, payload any)
}

// Observer is told about routed events and registry changes.
type Observer interface {
	SessionEvent(ev session.Event)
	SessionChanged(id string)
}

type Options struct {
	// StorageDir is the root under which each session gets <StorageDir>/<id>.
	StorageDir string
	Dialer     session.Dialer
	Notifier   Notifier
	Observer   Observer
	Session    session.Options
	// StartParallelism bounds concurrent dials in StartAll.
	StartParallelism int
	// RestartAttempts and RestartRetryDelay bound how often a failed
	// restart is retried. Attempt i+1 waits RestartRetryDelay*i.
	RestartAttempts   int
	RestartRetryDelay time.Duration
	Logger            *slog.Logger
}

type Supervisor struct {
	opts Options
	reg  *registry
	log  *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	closing bool
	wg      sync.WaitGroup
	stop    chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.StartParallelism <= 0 {
		opts.StartParallelism = defaultStartParallelism
	}
	if opts.RestartAttempts <= 0 {
		opts.RestartAttempts = defaultRestartAttempts
	}
	if opts.RestartRetryDelay <= 0 {
		opts.RestartRetryDelay = defaultRestartRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	return &Supervisor{
		opts:  opts,
		reg:   newRegistry(),
		log:   opts.Logger,
		locks: make(map[string]*sync.Mutex),
		stop:  make(chan struct{}),
	}
}

// lock returns the mutex serialising start and restart for id.
func (s *Supervisor) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Supervisor) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// StorageDir is the durable directory for id.
func (s *Supervisor) StorageDir(id string) string {
	return filepath.Join(s.opts.StorageDir, id)
}

// Start creates the session for id unless one is already live.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	if err := config.ValidateSessionID(id); err != nil {
		return err
	}
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if s.isClosing() {
		return ErrClosed
	}
	if s.reg.current(id) != nil {
		return nil
	}
	return s.startLocked(ctx, id)
}

// StartAll starts every id, a few at a time. It returns the joined errors
// of the ids that failed; the others are left running.
func (s *Supervisor) StartAll(ctx context.Context, ids []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.opts.StartParallelism)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Start(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("start %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// startLocked dials a connection for id and installs a new Session. The
// caller holds the id's lock.
func (s *Supervisor) startLocked(ctx context.Context, id string) error {
	s.reg.detach(id)
	s.changed(id)

	dir := s.StorageDir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		err = fmt.Errorf("creating storage dir: %w", err)
		s.reg.fail(id, err)
		return err
	}
	conn, err := s.opts.Dialer.Dial(ctx, id, dir)
	if err != nil {
		err = fmt.Errorf("dial: %w", err)
		s.reg.fail(id, err)
		return err
	}

	sess := session.New(id, dir, conn, s.opts.Session)
	sess.Listen(func(ev session.Event) { s.route(sess, ev) })
	s.reg.put(id, sess)
	s.changed(id)
	s.log.Info("session started", "session", id, "storage", dir)
	return nil
}

// Restart closes the session for id, deletes its storage and starts a
// new one. Saved credentials are lost, so the new session must pair again.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if s.isClosing() {
		return ErrClosed
	}
	return s.restartLocked(ctx, id)
}

func (s *Supervisor) restartLocked(ctx context.Context, id string) error {
	if old := s.reg.detach(id); old != nil {
		old.Close()
	}
	s.changed(id)

	dir := s.StorageDir(id)
	if err := os.RemoveAll(dir); err != nil {
		s.log.Error("removing session storage failed", "session", id, "storage", dir, "error", err)
	}
	s.reg.countRestart(id)
	return s.startLocked(ctx, id)
}

// heal restarts the id of an invalidated session. A restart that fails
// is retried as a plain start, with a growing delay, a bounded number of
// times.
func (s *Supervisor) heal(sess *session.Session) {
	defer s.wg.Done()
	id := sess.ID()

	err := s.restartIfCurrent(sess)
	for attempt := 1; err != nil; attempt++ {
		if errors.Is(err, ErrClosed) {
			return
		}
		s.log.Error("restart failed", "session", id, "attempt", attempt, "error", err)
		if attempt >= s.opts.RestartAttempts {
			s.log.Error("giving up on session", "session", id, "attempts", attempt)
			return
		}

		t := time.NewTimer(s.opts.RestartRetryDelay * time.Duration(attempt))
		select {
		case <-s.stop:
			t.Stop()
			return
		case <-t.C:
		}
		err = s.retryStart(id)
	}
}

// restartIfCurrent restarts sess's id only while sess is still the
// installed session. An invalidation reported by a session that has
// already been replaced is ignored.
func (s *Supervisor) restartIfCurrent(sess *session.Session) error {
	id := sess.ID()
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if s.isClosing() {
		return ErrClosed
	}
	if s.reg.current(id) != sess {
		s.log.Debug("ignoring invalidation of replaced session", "session", id)
		return nil
	}
	return s.restartLocked(context.Background(), id)
}

func (s *Supervisor) retryStart(id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if s.isClosing() {
		return ErrClosed
	}
	if s.reg.current(id) != nil {
		return nil
	}
	return s.startLocked(context.Background(), id)
}

// Get returns the live session for id. It reports ErrUnavailable while
// the id's session is being replaced, never the outgoing one.
func (s *Supervisor) Get(id string) (*session.Session, error) {
	return s.reg.get(id)
}

// State returns the observable state of id.
func (s *Supervisor) State(id string) (*session.State, error) {
	st, ok := s.reg.state(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	return st, nil
}

// Snapshot returns the state of every supervised id, ordered by id.
func (s *Supervisor) Snapshot() []*session.State {
	return s.reg.states()
}

// Close stops every session. Restarts in progress are abandoned and no
// new ones begin.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	close(s.stop)
	s.mu.Unlock()

	for _, id := range s.reg.ids() {
		l := s.lock(id)
		l.Lock()
		if old := s.reg.detach(id); old != nil {
			old.Close()
		}
		l.Unlock()
	}
	s.wg.Wait()
}

func (s *Supervisor) changed(id string) {
	if s.opts.Observer != nil {
		s.opts.Observer.SessionChanged(id)
	}
}
