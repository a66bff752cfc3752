// Package dispatch turns inbound action requests into calls on the
// addressed session. Callers only learn success or failure; the reason
// for a failure is logged.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/whatsapp-addon/bridge/internal/session"
	"github.com/whatsapp-addon/bridge/internal/supervisor"
)

var (
	ErrMissingID     = errors.New("missing id")
	ErrUnknownID     = errors.New("unknown id")
	ErrUnknownAction = errors.New("unknown action")
)

type Action string

const (
	SendMessage                Action = "sendMessage"
	SetStatus                  Action = "setStatus"
	PresenceSubscribe          Action = "presenceSubscribe"
	SendPresenceUpdate         Action = "sendPresenceUpdate"
	SendInfinityPresenceUpdate Action = "sendInfinityPresenceUpdate"
)

// Actions lists every action the dispatcher accepts.
var Actions = []Action{
	SendMessage,
	SetStatus,
	PresenceSubscribe,
	SendPresenceUpdate,
	SendInfinityPresenceUpdate,
}

func ParseAction(name string) (Action, error) {
	for _, a := range Actions {
		if string(a) == name {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// Request carries the fields of every action; each action reads the ones
// it needs.
type Request struct {
	ClientID string          `json:"clientId"`
	To       string          `json:"to,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
	Status   string          `json:"status,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Type     string          `json:"type,omitempty"`
}

// Sessions looks up live sessions. *supervisor.Supervisor implements it.
type Sessions interface {
	Get(id string) (*session.Session, error)
}

type Dispatcher struct {
	sessions Sessions
	log      *slog.Logger
}

func New(sessions Sessions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sessions: sessions, log: logger}
}

// Dispatch runs action against the session named by req.ClientID and
// waits for its outcome. It is never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, req Request) error {
	err := d.dispatch(ctx, action, req)
	if err != nil {
		d.log.Warn("action failed",
			"action", action,
			"session", req.ClientID,
			"reason", reason(err),
			"error", err,
		)
	} else {
		d.log.Debug("action done", "action", action, "session", req.ClientID)
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, action Action, req Request) error {
	if strings.TrimSpace(req.ClientID) == "" {
		return ErrMissingID
	}
	sess, err := d.sessions.Get(req.ClientID)
	if err != nil {
		if errors.Is(err, supervisor.ErrUnknownSession) {
			return fmt.Errorf("%w: %s", ErrUnknownID, req.ClientID)
		}
		return err
	}

	switch action {
	case SendMessage:
		return sess.SendMessage(ctx, req.To, req.Body, req.Options)
	case SetStatus:
		return sess.SetStatus(ctx, req.Status)
	case PresenceSubscribe:
		return sess.SubscribePresence(ctx, req.UserID)
	case SendPresenceUpdate:
		return sess.SendPresenceUpdate(ctx, req.Type, req.To)
	case SendInfinityPresenceUpdate:
		return sess.SetPresenceInterval(ctx, req.Type, req.To)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingID):
		return "missing id"
	case errors.Is(err, ErrUnknownID):
		return "unknown id"
	case errors.Is(err, supervisor.ErrUnavailable):
		return "session unavailable"
	case errors.Is(err, ErrUnknownAction):
		return "unknown action"
	case errors.Is(err, session.ErrClosed):
		return "session closed"
	default:
		return "execution failed"
	}
}
