package audit

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNilLoggerIsNoOp(t *testing.T) {
	var a *Logger
	// None of these may panic.
	a.TrackChange("track", "rad:id:abc", "peer1")
	a.RequestTransition("rad:id:abc", "created", "requested")
	a.KeyChange("seal")
	a.ControlAccess("GET", "/v1/status", 200)
	a.IdentityCreated("user", "rad:id:abc")
}

func TestEventsCarryAuditGroup(t *testing.T) {
	var buf bytes.Buffer
	a := NewLogger(slog.NewTextHandler(&buf, nil))

	a.TrackChange("track", "rad:id:abc", "peer1")
	out := buf.String()
	if !strings.Contains(out, "track_change") {
		t.Errorf("missing event name in %q", out)
	}
	if !strings.Contains(out, "audit.action=track") {
		t.Errorf("expected audit group prefix in %q", out)
	}
}

func TestRequestTransitionFields(t *testing.T) {
	var buf bytes.Buffer
	a := NewLogger(slog.NewTextHandler(&buf, nil))

	a.RequestTransition("rad:id:abc", "found", "cloning")
	out := buf.String()
	for _, want := range []string{"audit.urn=rad:id:abc", "audit.from=found", "audit.to=cloning"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}
