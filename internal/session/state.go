package session

import (
	"encoding/json"
	"time"
)

// Phase is where a session sits in its lifecycle:
// created → awaiting_auth (optional) → ready → invalidated.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseAwaitingAuth
	PhaseReady
	PhaseInvalidated
	// PhaseRestarting is never held by a Session. The supervisor reports
	// it while an id is between two Session instances.
	PhaseRestarting
)

var phaseNames = map[Phase]string{
	PhaseCreated:      "created",
	PhaseAwaitingAuth: "awaiting_auth",
	PhaseReady:        "ready",
	PhaseInvalidated:  "invalidated",
	PhaseRestarting:   "restarting",
}

var phaseFromName = map[string]Phase{
	"created":       PhaseCreated,
	"awaiting_auth": PhaseAwaitingAuth,
	"ready":         PhaseReady,
	"invalidated":   PhaseInvalidated,
	"restarting":    PhaseRestarting,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

// State is an observable snapshot of one session.
type State struct {
	ID             string     `json:"id"`
	Phase          Phase      `json:"phase"`
	Restarts       int        `json:"restarts"`
	Challenges     int        `json:"challenges"`
	Reconnects     int        `json:"reconnects"`
	Messages       int        `json:"messages"`
	Presences      int        `json:"presences"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadyAt        *time.Time `json:"readyAt,omitempty"`
	LastEventAt    *time.Time `json:"lastEventAt,omitempty"`
	PresenceTicker bool       `json:"presenceTicker,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

// Clone returns a deep copy of the State, duplicating pointer fields so
// the copy can be mutated independently of the original.
func (s *State) Clone() *State {
	c := *s
	if s.ReadyAt != nil {
		t := *s.ReadyAt
		c.ReadyAt = &t
	}
	if s.LastEventAt != nil {
		t := *s.LastEventAt
		c.LastEventAt = &t
	}
	return &c
}

// IsTerminal reports whether the session can no longer be used.
func (s *State) IsTerminal() bool {
	return s.Phase == PhaseInvalidated
}

// record applies ev to the snapshot and reports whether the event should
// be delivered. Duplicate ready events and anything after invalidation
// are swallowed.
func (s *State) record(ev Event, now time.Time) bool {
	if s.Phase == PhaseInvalidated {
		return false
	}
	switch ev.Kind {
	case AuthChallenge:
		if s.Phase == PhaseReady {
			return false
		}
		s.Phase = PhaseAwaitingAuth
		s.Challenges++
	case Ready:
		if s.ReadyAt != nil {
			return false
		}
		s.Phase = PhaseReady
		t := now
		s.ReadyAt = &t
	case Message:
		s.Messages++
	case Presence:
		s.Presences++
	case Reconnecting:
		s.Reconnects++
	case Invalidated:
		s.Phase = PhaseInvalidated
		s.PresenceTicker = false
	default:
		return false
	}
	t := now
	s.LastEventAt = &t
	return true
}
