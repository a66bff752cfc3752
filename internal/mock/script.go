package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/whatsapp-addon/bridge/internal/session"
)

var demoContacts = []string{
	"393331234567@s.whatsapp.net",
	"447700900123@s.whatsapp.net",
	"14155550142@s.whatsapp.net",
}

var demoBodies = []string{
	"Is the garage door closed?",
	"Dinner at 8?",
	"ok",
	"Turn on the porch light please",
	"👍",
}

var demoPresences = []string{"available", "unavailable", "composing", "recording", "paused"}

// Demo returns a Script that shows two QR challenges, pairs, and then
// produces a random inbound message or presence change every few ticks.
func Demo(tick time.Duration) Script {
	return func(ctx context.Context, c *Conn) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		wait := func(ticks int) bool {
			t := time.NewTimer(time.Duration(ticks) * tick)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return false
			case <-c.Done():
				return false
			case <-t.C:
				return true
			}
		}

		for i := 0; i < 2; i++ {
			code := fmt.Sprintf("2@mock-%s-%d,%d", c.ID(), i, rng.Int63())
			if !c.Emit(session.Event{Kind: session.AuthChallenge, Challenge: code}) || !wait(3) {
				return
			}
		}
		if !c.Emit(session.Event{Kind: session.Ready}) {
			return
		}

		for n := 1; ; n++ {
			if !wait(5 + rng.Intn(5)) {
				return
			}
			from := demoContacts[rng.Intn(len(demoContacts))]
			var ev session.Event
			if rng.Intn(4) == 0 {
				ev = session.Event{Kind: session.Presence, Record: map[string]any{
					"id":                from,
					"lastKnownPresence": demoPresences[rng.Intn(len(demoPresences))],
				}}
			} else {
				ev = session.Event{Kind: session.Message, Record: map[string]any{
					"id":        fmt.Sprintf("MOCK%06d", n),
					"from":      from,
					"body":      demoBodies[rng.Intn(len(demoBodies))],
					"type":      "chat",
					"fromMe":    false,
					"timestamp": time.Now().Unix(),
				}}
			}
			if !c.Emit(ev) {
				return
			}
		}
	}
}
