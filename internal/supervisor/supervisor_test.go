package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/whatsapp-addon/bridge/internal/hub"
	"github.com/whatsapp-addon/bridge/internal/mock"
	"github.com/whatsapp-addon/bridge/internal/session"
)

type submission struct {
	path    string
	payload any
}

type recorder struct {
	mu   sync.Mutex
	subs []submission
}

func (r *recorder) Submit(path string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, submission{path: path, payload: payload})
}

func (r *recorder) all() []submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submission(nil), r.subs...)
}

func (r *recorder) count(path string) int {
	n := 0
	for _, s := range r.all() {
		if s.path == path {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *mock.Dialer, *recorder) {
	t.Helper()
	dialer := mock.NewDialer()
	rec := &recorder{}
	s := New(Options{
		StorageDir:        t.TempDir(),
		Dialer:            dialer,
		Notifier:          rec,
		RestartRetryDelay: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		s.Close()
		dialer.Stop()
	})
	return s, dialer, rec
}

func TestStartAllCreatesOneSessionPerID(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t)
	ids := []string{"alice", "bob", "carol"}

	if err := s.StartAll(context.Background(), ids); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	for _, id := range ids {
		sess, err := s.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if sess.StorageDir() != s.StorageDir(id) {
			t.Errorf("storage dir = %s, want %s", sess.StorageDir(), s.StorageDir(id))
		}
		if _, err := os.Stat(s.StorageDir(id)); err != nil {
			t.Errorf("storage for %s not created: %v", id, err)
		}
	}

	// A second start of a live id is a no-op.
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(dialer.Conns("alice")); n != 1 {
		t.Errorf("alice dialed %d times, want 1", n)
	}
	if got := len(s.Snapshot()); got != 3 {
		t.Errorf("snapshot has %d sessions, want 3", got)
	}
}

func TestStartAllReportsFailures(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t)
	dialer.FailDials(errors.New("gateway down"))

	err := s.StartAll(context.Background(), []string{"alice", "bob"})
	if err == nil {
		t.Fatal("StartAll should fail")
	}
	if _, err := s.Get("alice"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get = %v, want ErrUnavailable", err)
	}
	st, err := s.State("alice")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.LastError == "" || st.Phase != session.PhaseRestarting {
		t.Errorf("state = %+v", st)
	}
}

func TestStartRejectsInvalidID(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	for _, id := range []string{"", "..", "a/b"} {
		if err := s.Start(context.Background(), id); err == nil {
			t.Errorf("Start(%q) should fail", id)
		}
	}
}

func TestGetUnknownSession(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	if _, err := s.Get("nobody"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Get = %v, want ErrUnknownSession", err)
	}
	if _, err := s.State("nobody"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("State = %v, want ErrUnknownSession", err)
	}
}

func TestAuthChallengeAndReadyNotifications(t *testing.T) {
	s, dialer, rec := newTestSupervisor(t)
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	conn := dialer.Latest("alice")

	conn.Emit(session.Event{Kind: session.AuthChallenge, Challenge: "2@first"})
	conn.Emit(session.Event{Kind: session.Ready})
	conn.Emit(session.Event{Kind: session.Ready})
	conn.Emit(session.Event{Kind: session.Message, Record: map[string]any{"body": "barrier"}})

	waitUntil(t, "message event", func() bool { return rec.count(hub.PathNewMessageEvent) == 1 })

	subs := rec.all()
	if subs[0].path != hub.PathCreateNotification {
		t.Fatalf("first submission = %s, want create", subs[0].path)
	}
	create := subs[0].payload.(hub.CreateNotification)
	if create.NotificationID != "whatsapp_addon_qrcode_alice" {
		t.Errorf("create notification_id = %q", create.NotificationID)
	}

	if n := rec.count(hub.PathDismissNotification); n != 1 {
		t.Fatalf("dismissals = %d, want exactly 1", n)
	}
	dismiss := subs[1].payload.(hub.DismissNotification)
	if dismiss.NotificationID != "whatsapp_addon_qrcode_alice" {
		t.Errorf("dismiss notification_id = %q", dismiss.NotificationID)
	}
}

func TestMessageAndPresenceCarryClientID(t *testing.T) {
	s, dialer, rec := newTestSupervisor(t)
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	conn := dialer.Latest("alice")
	conn.Emit(session.Event{Kind: session.Message, Record: map[string]any{"from": "123", "clientId": "spoofed"}})
	conn.Emit(session.Event{Kind: session.Presence, Record: map[string]any{"id": "123"}})

	waitUntil(t, "presence event", func() bool { return rec.count(hub.PathPresenceUpdateEvent) == 1 })

	for _, sub := range rec.all() {
		payload := sub.payload.(map[string]any)
		if payload["clientId"] != "alice" {
			t.Errorf("%s clientId = %v, want alice", sub.path, payload["clientId"])
		}
	}
}

func TestInvalidatedRestartsWithCleanStorage(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t)
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	old, _ := s.Get("alice")
	creds := filepath.Join(s.StorageDir("alice"), "creds.json")
	if err := os.WriteFile(creds, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	dialer.Latest("alice").Emit(session.Event{Kind: session.Invalidated})

	waitUntil(t, "replacement session", func() bool {
		sess, err := s.Get("alice")
		return err == nil && sess != old
	})

	if _, err := os.Stat(creds); !os.IsNotExist(err) {
		t.Errorf("credentials survived restart: %v", err)
	}
	if _, err := os.Stat(s.StorageDir("alice")); err != nil {
		t.Errorf("storage dir not recreated: %v", err)
	}
	conns := dialer.Conns("alice")
	if len(conns) != 2 {
		t.Fatalf("dialed %d times, want 2", len(conns))
	}
	if !conns[0].Closed() {
		t.Error("invalidated connection was not closed")
	}
	st, _ := s.State("alice")
	if st.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", st.Restarts)
	}
}

func TestRestartWithoutStorage(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(s.StorageDir("alice")); err != nil {
		t.Fatal(err)
	}
	if err := s.Restart(context.Background(), "alice"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if _, err := s.Get("alice"); err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
}

func TestFailedRestartIsRetried(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t)
	s.opts.RestartAttempts = 1000
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	dialer.FailDials(errors.New("gateway down"))
	dialer.Latest("alice").Emit(session.Event{Kind: session.Invalidated})

	waitUntil(t, "failed restart", func() bool {
		st, _ := s.State("alice")
		return st.LastError != ""
	})
	if _, err := s.Get("alice"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Get = %v, want ErrUnavailable", err)
	}

	dialer.FailDials(nil)
	waitUntil(t, "recovered session", func() bool {
		_, err := s.Get("alice")
		return err == nil
	})
}

func TestStaleInvalidationIgnored(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t)
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	old, _ := s.Get("alice")
	if err := s.Restart(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.restartIfCurrent(old); err != nil {
		t.Fatalf("restartIfCurrent: %v", err)
	}
	if n := len(dialer.Conns("alice")); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestConcurrentRestartsKeepOneLiveSession(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t)
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Restart(context.Background(), "alice")
		}()
	}
	wg.Wait()

	conns := dialer.Conns("alice")
	if len(conns) != 9 {
		t.Fatalf("dialed %d times, want 9", len(conns))
	}
	open := 0
	for _, c := range conns {
		if !c.Closed() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("%d open connections, want 1", open)
	}
}

func TestClose(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t)
	if err := s.StartAll(context.Background(), []string{"alice", "bob"}); err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()

	for _, id := range []string{"alice", "bob"} {
		if !dialer.Latest(id).Closed() {
			t.Errorf("%s connection still open", id)
		}
		if _, err := s.Get(id); !errors.Is(err, ErrUnavailable) {
			t.Errorf("Get(%s) = %v, want ErrUnavailable", id, err)
		}
	}
	if err := s.Start(context.Background(), "carol"); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

type countingObserver struct {
	mu      sync.Mutex
	events  []session.Kind
	changes map[string]int
}

func (o *countingObserver) SessionEvent(ev session.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev.Kind)
}

func (o *countingObserver) SessionChanged(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes[id]++
}

func TestObserverSeesEventsAndChanges(t *testing.T) {
	dialer := mock.NewDialer()
	obs := &countingObserver{changes: map[string]int{}}
	s := New(Options{
		StorageDir: t.TempDir(),
		Dialer:     dialer,
		Notifier:   &recorder{},
		Observer:   obs,
	})
	defer s.Close()

	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	dialer.Latest("alice").Emit(session.Event{Kind: session.Ready})

	waitUntil(t, "ready observed", func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.events) == 1
	})
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.events[0] != session.Ready {
		t.Errorf("event = %v, want ready", obs.events[0])
	}
	if obs.changes["alice"] == 0 {
		t.Error("start was not reported as a change")
	}
}
