package server

import (
	"time"

	"github.com/whatsapp-addon/bridge/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgEvent    MessageType = "event"

	// MsgResync is sent by clients to ask for a fresh snapshot.
	MsgResync MessageType = "resync"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type SnapshotPayload struct {
	Sessions []*session.State `json:"sessions"`
}

type DeltaPayload struct {
	Updates []*session.State `json:"updates"`
}

// EventPayload announces one routed lifecycle event. Message and presence
// contents are not forwarded to status viewers.
type EventPayload struct {
	SessionID string       `json:"sessionId"`
	Kind      session.Kind `json:"kind"`
	At        time.Time    `json:"at"`
}
