package status

import (
	"strings"
	"testing"

	"github.com/whatsapp-addon/bridge/internal/health"
	"github.com/whatsapp-addon/bridge/internal/hub"
)

func TestViewShowsCounts(t *testing.T) {
	m := New()
	m.Width = 120
	m.SetCounts(3, 1, 1, 1)

	v := m.View()
	for _, want := range []string{"Connecting", "1/3 ready", "1 awaiting scan", "1 unavailable"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q:\n%s", want, v)
		}
	}
	if strings.Contains(v, "hub:") {
		t.Error("delivery stats shown without a health report")
	}
}

func TestViewShowsDeliveryStats(t *testing.T) {
	m := New()
	m.Width = 140
	m.Connected = true
	m.Health = &health.Report{Status: health.StatusOK, Delivery: hub.Stats{Delivered: 7, Failed: 2}}

	v := m.View()
	if !strings.Contains(v, "Connected") {
		t.Error("view should show the connection")
	}
	if !strings.Contains(v, "7 sent") || !strings.Contains(v, "2 failed") {
		t.Errorf("view missing delivery stats:\n%s", v)
	}
}
