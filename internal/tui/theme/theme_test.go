package theme

import (
	"testing"

	"github.com/whatsapp-addon/bridge/internal/session"
)

func TestPhaseGlyphsAreDistinct(t *testing.T) {
	phases := []session.Phase{
		session.PhaseCreated,
		session.PhaseAwaitingAuth,
		session.PhaseReady,
		session.PhaseInvalidated,
		session.PhaseRestarting,
	}
	seen := map[string]session.Phase{}
	for _, p := range phases {
		g := PhaseGlyph(p)
		if prev, ok := seen[g]; ok {
			t.Errorf("phases %s and %s share glyph %q", prev, p, g)
		}
		seen[g] = p
		if PhaseColor(p) == ColorDefault {
			t.Errorf("phase %s has no color", p)
		}
	}
	if PhaseGlyph(session.Phase(99)) != "·" {
		t.Error("unknown phase should render as a dot")
	}
}
