package engine_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/saphalpdyl/aether/internal/engine"
)

func TestClassID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ip   string
		want uint16
	}{
		{ip: "10.0.0.0", want: 0},
		{ip: "10.0.1.2", want: 1*256 + 2},
		{ip: "192.168.255.255", want: 255*256 + 255},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			t.Parallel()

			got := engine.ClassID(netip.MustParseAddr(tt.ip))
			if got != tt.want {
				t.Errorf("ClassID(%s) = %d, want %d", tt.ip, got, tt.want)
			}
		})
	}
}

func TestRouterNameFromCircuitID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		circuitID string
		want      string
	}{
		{circuitID: "router-1|port-4", want: "router-1"},
		{circuitID: "no-pipe-here", want: "no-pipe-here"},
		{circuitID: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.circuitID, func(t *testing.T) {
			t.Parallel()

			got := engine.RouterNameFromCircuitID(tt.circuitID)
			if got != tt.want {
				t.Errorf("RouterNameFromCircuitID(%q) = %q, want %q", tt.circuitID, got, tt.want)
			}
		})
	}
}

func TestSessionAccessKey(t *testing.T) {
	t.Parallel()

	sess := engine.NewSession(engine.SessionKey{BNGID: "bng-0", CircuitID: "r1|p1", RemoteID: "sub-1"}, "aa:bb:cc:dd:ee:ff", time.Now())
	sess.RelayID = "bng-0"

	want := "bng-0/sub-1/r1|p1"
	if got := sess.AccessKey(); got != want {
		t.Errorf("AccessKey() = %q, want %q", got, want)
	}
}

func TestSessionAcctSessionID(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	sess := engine.NewSession(engine.SessionKey{BNGID: "bng-0", CircuitID: "c", RemoteID: "r"}, "aa:bb:cc:dd:ee:ff", now)
	sess.IP = netip.MustParseAddr("10.1.1.1")

	want := "aa:bb:cc:dd:ee:ff-10.1.1.1-1700000000"
	if got := sess.AcctSessionID(); got != want {
		t.Errorf("AcctSessionID() = %q, want %q", got, want)
	}
}

func TestNewSessionAssignsUniqueID(t *testing.T) {
	t.Parallel()

	a := engine.NewSession(engine.SessionKey{BNGID: "bng-0", CircuitID: "c", RemoteID: "r"}, "mac", time.Now())
	b := engine.NewSession(engine.SessionKey{BNGID: "bng-0", CircuitID: "c", RemoteID: "r"}, "mac", time.Now())

	if a.SessionID == "" || b.SessionID == "" {
		t.Fatal("SessionID must not be empty")
	}
	if a.SessionID == b.SessionID {
		t.Error("two independently created sessions got the same session_id")
	}
	if a.Status != engine.StatusPending || a.AuthState != engine.AuthPending {
		t.Errorf("fresh session status = %v/%v, want PENDING/PENDING_AUTH", a.Status, a.AuthState)
	}
}
