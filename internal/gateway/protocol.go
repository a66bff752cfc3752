package gateway

import "encoding/json"

// Frame types exchanged with the protocol gateway.
const (
	// bridge → gateway
	frameHello = "hello"
	frameCall  = "call"

	// gateway → bridge
	frameQR       = "qr"
	frameReady    = "ready"
	frameMessage  = "message"
	framePresence = "presence_update"
	frameLogout   = "logout"
	frameRestart  = "restart"
	frameCreds    = "creds"
	frameResult   = "result"
)

// Call methods understood by the gateway.
const (
	methodSendMessage        = "sendMessage"
	methodSetStatus          = "setStatus"
	methodPresenceSubscribe  = "presenceSubscribe"
	methodSendPresenceUpdate = "sendPresenceUpdate"
)

type frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type helloPayload struct {
	Session string          `json:"session"`
	Creds   json.RawMessage `json:"creds,omitempty"`
}

type sendMessageParams struct {
	To      string          `json:"to"`
	Body    json.RawMessage `json:"body"`
	Options map[string]any  `json:"options,omitempty"`
}

type setStatusParams struct {
	Status string `json:"status"`
}

type presenceSubscribeParams struct {
	UserID string `json:"userId"`
}

type presenceUpdateParams struct {
	Type string `json:"type"`
	To   string `json:"to,omitempty"`
}
