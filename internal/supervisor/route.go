package supervisor

import (
	"github.com/whatsapp-addon/bridge/internal/hub"
	"github.com/whatsapp-addon/bridge/internal/session"
)

// route turns one session event into its hub submission. It runs on the
// session's event goroutine, so it never blocks on delivery and never
// closes the session itself.
func (s *Supervisor) route(sess *session.Session, ev session.Event) {
	id := ev.SessionID
	log := s.log.With("session", id)

	switch ev.Kind {
	case session.AuthChallenge:
		n, err := hub.QRCodeNotification(id, ev.Challenge)
		if err != nil {
			log.Error("rendering qr code failed", "error", err)
			break
		}
		log.Info("qr code received, waiting for scan")
		s.opts.Notifier.Submit(hub.PathCreateNotification, n)

	case session.Ready:
		log.Info("session ready")
		s.opts.Notifier.Submit(hub.PathDismissNotification, hub.Dismiss(id))

	case session.Message:
		s.opts.Notifier.Submit(hub.PathNewMessageEvent, hub.EventPayload(id, ev.Record))

	case session.Presence:
		s.opts.Notifier.Submit(hub.PathPresenceUpdateEvent, hub.EventPayload(id, ev.Record))

	case session.Reconnecting:
		log.Debug("session reconnecting")

	case session.Invalidated:
		log.Warn("session logged out, restarting with clean storage")
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			break
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.heal(sess)
	}

	if s.opts.Observer != nil {
		s.opts.Observer.SessionEvent(ev)
	}
}
