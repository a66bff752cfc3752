package supervisor

import (
	"sort"
	"sync"

	"github.com/whatsapp-addon/bridge/internal/session"
)

type entry struct {
	sess     *session.Session
	swapping bool
	restarts int
	lastErr  string
}

// registry maps session ids to their live Session. An id whose Session is
// being replaced keeps its entry with swapping set, so lookups see it as
// unavailable rather than unknown or stale.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) get(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	if e.swapping || e.sess == nil {
		return nil, ErrUnavailable
	}
	return e.sess, nil
}

// current returns the installed Session for id, or nil.
func (r *registry) current(id string) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.sess
	}
	return nil
}

// detach marks id as swapping and returns the Session it held. The entry
// is created if it does not exist yet.
func (r *registry) detach(id string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	old := e.sess
	e.sess = nil
	e.swapping = true
	return old
}

func (r *registry) put(id string, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	e.sess = sess
	e.swapping = false
	e.lastErr = ""
}

func (r *registry) fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.lastErr = err.Error()
	}
}

func (r *registry) countRestart(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.restarts++
	}
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *registry) state(id string) (*session.State, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	sess, restarts, lastErr := e.sess, e.restarts, e.lastErr
	r.mu.RUnlock()

	var st *session.State
	if sess != nil {
		st = sess.State()
	} else {
		st = &session.State{ID: id, Phase: session.PhaseRestarting}
	}
	st.Restarts = restarts
	st.LastError = lastErr
	return st, true
}

// states returns a snapshot of every entry, ordered by id.
func (r *registry) states() []*session.State {
	ids := r.ids()
	out := make([]*session.State, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.state(id); ok {
			out = append(out, st)
		}
	}
	return out
}
