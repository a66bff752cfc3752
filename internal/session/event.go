package session

import "encoding/json"

// Kind classifies session lifecycle events.
type Kind int

const (
	AuthChallenge Kind = iota // connection needs an out-of-band proof (QR scan)
	Ready                     // authenticated and usable, once per session
	Message                   // inbound chat message
	Presence                  // inbound presence change
	Invalidated               // credentials revoked or expired, terminal
	Reconnecting              // transport dropped and is being re-established
)

var kindNames = map[Kind]string{
	AuthChallenge: "auth_challenge",
	Ready:         "ready",
	Message:       "message",
	Presence:      "presence",
	Invalidated:   "invalidated",
	Reconnecting:  "reconnecting",
}

var kindFromName = map[string]Kind{
	"auth_challenge": AuthChallenge,
	"ready":          Ready,
	"message":        Message,
	"presence":       Presence,
	"invalidated":    Invalidated,
	"reconnecting":   Reconnecting,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	}
	return nil
}

// Event is one lifecycle transition reported by a connection. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"sessionId"`
	Challenge string         `json:"challenge,omitempty"` // AuthChallenge
	Record    map[string]any `json:"record,omitempty"`    // Message, Presence
}

// Handler receives a session's events in emission order. It runs on the
// session's event goroutine and must not block for long.
type Handler func(Event)
