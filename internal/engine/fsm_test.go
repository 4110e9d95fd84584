package engine_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/saphalpdyl/aether/internal/engine"
)

const nakThreshold = 3

// TestApplyDHCPEventNewSession verifies that only REQUEST/DISCOVER
// create a session for a previously unknown key.
func TestApplyDHCPEventNewSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		msgType     engine.DHCPMessageType
		wantExists  bool
		wantChanged bool
	}{
		{name: "REQUEST creates session", msgType: engine.DHCPRequest, wantExists: false, wantChanged: true},
		{name: "DISCOVER creates session", msgType: engine.DHCPDiscover, wantExists: false, wantChanged: true},
		{name: "stray ACK ignored", msgType: engine.DHCPAck, wantExists: false, wantChanged: false},
		{name: "stray NAK ignored", msgType: engine.DHCPNak, wantExists: false, wantChanged: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := engine.ApplyDHCPEvent(engine.Session{}, false, engine.DHCPEvent{Type: tt.msgType, Now: time.Now()}, nakThreshold)
			if d.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", d.Changed, tt.wantChanged)
			}
			if tt.wantChanged && d.NewStatus != engine.StatusPending {
				t.Errorf("NewStatus = %v, want PENDING", d.NewStatus)
			}
		})
	}
}

// TestApplyDHCPEventACKZeroAddr verifies the yiaddr==0.0.0.0 branch
// leaves the session PENDING.
func TestApplyDHCPEventACKZeroAddr(t *testing.T) {
	t.Parallel()

	sess := engine.Session{Status: engine.StatusPending}
	d := engine.ApplyDHCPEvent(sess, true, engine.DHCPEvent{Type: engine.DHCPAck, Now: time.Now()}, nakThreshold)

	if d.NewStatus != engine.StatusPending {
		t.Errorf("NewStatus = %v, want PENDING", d.NewStatus)
	}
	if len(d.Actions) != 0 {
		t.Errorf("Actions = %v, want empty", d.Actions)
	}
}

// TestApplyDHCPEventACKSameIP verifies the refresh-only branch: same IP
// as current produces no RADIUS churn.
func TestApplyDHCPEventACKSameIP(t *testing.T) {
	t.Parallel()

	ip := netip.MustParseAddr("10.0.0.5")
	sess := engine.Session{Status: engine.StatusActive, IP: ip}
	d := engine.ApplyDHCPEvent(sess, true, engine.DHCPEvent{Type: engine.DHCPAck, YIAddr: ip, Now: time.Now()}, nakThreshold)

	if len(d.Actions) != 1 || d.Actions[0] != engine.ActionRefreshExpiry {
		t.Errorf("Actions = %v, want [ActionRefreshExpiry]", d.Actions)
	}
	if d.NewStatus != engine.StatusActive {
		t.Errorf("NewStatus = %v, want ACTIVE", d.NewStatus)
	}
}

// TestApplyDHCPEventACKEstablishesFirstIP verifies the first-IP path.
func TestApplyDHCPEventACKEstablishesFirstIP(t *testing.T) {
	t.Parallel()

	sess := engine.Session{Status: engine.StatusPending}
	ip := netip.MustParseAddr("10.0.0.9")
	d := engine.ApplyDHCPEvent(sess, true, engine.DHCPEvent{Type: engine.DHCPAck, YIAddr: ip, Now: time.Now()}, nakThreshold)

	if len(d.Actions) != 1 || d.Actions[0] != engine.ActionEstablishIP {
		t.Errorf("Actions = %v, want [ActionEstablishIP]", d.Actions)
	}
	if d.NewIP != ip {
		t.Errorf("NewIP = %v, want %v", d.NewIP, ip)
	}
	if d.IPChanged {
		t.Error("IPChanged should be false for a first IP")
	}
}

// TestApplyDHCPEventACKIPChange verifies the teardown-then-establish
// path when a new, different, non-null IP arrives for an authorized
// session.
func TestApplyDHCPEventACKIPChange(t *testing.T) {
	t.Parallel()

	oldIP := netip.MustParseAddr("10.0.0.1")
	newIP := netip.MustParseAddr("10.0.0.2")
	sess := engine.Session{Status: engine.StatusActive, IP: oldIP, AuthState: engine.AuthAuthorized}

	d := engine.ApplyDHCPEvent(sess, true, engine.DHCPEvent{Type: engine.DHCPAck, YIAddr: newIP, Now: time.Now()}, nakThreshold)

	if !d.IPChanged {
		t.Fatal("IPChanged should be true")
	}
	if d.StopCause != "IP-change" {
		t.Errorf("StopCause = %q, want %q", d.StopCause, "IP-change")
	}
	if len(d.Actions) != 2 || d.Actions[0] != engine.ActionTeardown || d.Actions[1] != engine.ActionEstablishIP {
		t.Errorf("Actions = %v, want [Teardown, EstablishIP]", d.Actions)
	}
}

// TestApplyDHCPEventNAKThreshold verifies NAK count accumulation and
// the threshold teardown for an IP-less session.
func TestApplyDHCPEventNAKThreshold(t *testing.T) {
	t.Parallel()

	sess := engine.Session{Status: engine.StatusPending, DHCPNakCount: nakThreshold - 1}
	d := engine.ApplyDHCPEvent(sess, true, engine.DHCPEvent{Type: engine.DHCPNak, Now: time.Now()}, nakThreshold)

	if len(d.Actions) != 1 || d.Actions[0] != engine.ActionNAKThresholdTeardown {
		t.Errorf("Actions = %v, want [ActionNAKThresholdTeardown]", d.Actions)
	}
	if d.StopCause != "NAK-Threshold" {
		t.Errorf("StopCause = %q, want %q", d.StopCause, "NAK-Threshold")
	}
}

// TestApplyDHCPEventNAKBelowThreshold verifies the session just
// increments its NAK count and stays PENDING below the threshold.
func TestApplyDHCPEventNAKBelowThreshold(t *testing.T) {
	t.Parallel()

	sess := engine.Session{Status: engine.StatusPending, DHCPNakCount: 0}
	d := engine.ApplyDHCPEvent(sess, true, engine.DHCPEvent{Type: engine.DHCPNak, Now: time.Now()}, nakThreshold)

	if len(d.Actions) != 1 || d.Actions[0] != engine.ActionIncrementNAK {
		t.Errorf("Actions = %v, want [ActionIncrementNAK]", d.Actions)
	}
	if d.NewStatus != engine.StatusPending {
		t.Errorf("NewStatus = %v, want PENDING", d.NewStatus)
	}
}

// TestApplyDHCPEventNAKWithIPNeverTearsDown verifies a session that
// already has an IP is never torn down by repeated NAKs (the threshold
// only applies while IP-less).
func TestApplyDHCPEventNAKWithIPNeverTearsDown(t *testing.T) {
	t.Parallel()

	sess := engine.Session{
		Status:       engine.StatusActive,
		IP:           netip.MustParseAddr("10.0.0.5"),
		DHCPNakCount: nakThreshold + 5,
	}
	d := engine.ApplyDHCPEvent(sess, true, engine.DHCPEvent{Type: engine.DHCPNak, Now: time.Now()}, nakThreshold)

	for _, a := range d.Actions {
		if a == engine.ActionNAKThresholdTeardown {
			t.Fatal("NAK threshold teardown fired for a session with an IP")
		}
	}
}
