package engine

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"
)

// TestEstablishIPAfterIPChangeClearsTombstone exercises the IP-change
// path directly: terminate tombstones the key, the fresh session is
// recreated under the same key, and the tombstone must not survive --
// otherwise the reconciler would skip a live session until the lease's
// update timestamp advanced past it.
func TestEstablishIPAfterIPChangeClearsTombstone(t *testing.T) {
	t.Parallel()

	e := New(Config{BNGID: "bng-test", NAKThreshold: 3}, Deps{})

	key := SessionKey{BNGID: "bng-test", CircuitID: "r1|p1", RemoteID: "sub-1"}
	now := time.Now()
	oldIP := netip.MustParseAddr("10.0.0.50")
	newIP := netip.MustParseAddr("10.0.0.77")

	sess := NewSession(key, "aabbccddeeff", now)
	sess.IP = oldIP
	sess.Status = StatusActive
	e.table[key] = &sess
	e.byIP[oldIP] = key
	e.byID[sess.SessionID] = key
	oldSessionID := sess.SessionID

	ev := DHCPEvent{Type: DHCPAck, ChaddrHex: "aabbccddeeff", YIAddr: newIP, LeaseTime: time.Hour, Now: now}
	e.establishIP(context.Background(), key, ev, slog.Default())

	if _, ok := e.tombstones[key]; ok {
		t.Error("tombstone survived alongside a live session for the same key")
	}

	cur, ok := e.table[key]
	if !ok {
		t.Fatal("session missing from table after IP-change")
	}
	if cur.IP != newIP {
		t.Errorf("session IP = %v, want %v", cur.IP, newIP)
	}
	if cur.SessionID == oldSessionID {
		t.Error("IP-change must allocate a fresh session_id")
	}

	if _, ok := e.byIP[oldIP]; ok {
		t.Error("old IP still present in by-ip index")
	}
	if gotKey, ok := e.byIP[newIP]; !ok || gotKey != key {
		t.Errorf("by-ip index for new IP = (%v, %v), want (%v, true)", gotKey, ok, key)
	}
	if _, ok := e.byID[oldSessionID]; ok {
		t.Error("old session_id still present in by-session-id index")
	}
	if gotKey, ok := e.byID[cur.SessionID]; !ok || gotKey != key {
		t.Errorf("by-session-id index = (%v, %v), want (%v, true)", gotKey, ok, key)
	}
}
