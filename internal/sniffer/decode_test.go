package sniffer

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/saphalpdyl/aether/internal/engine"
)

// buildTestDHCPPayload assembles a minimal, well-formed BOOTP/DHCPv4
// payload (fixed 236-byte header + magic cookie + options), the same
// byte layout the sniffer decodes off the wire.
func buildTestDHCPPayload(t *testing.T, msgType byte, yiaddr [4]byte, leaseTime uint32, opt82 []byte) []byte {
	t.Helper()

	buf := make([]byte, 236)
	buf[0] = 1 // BOOTREQUEST
	buf[1] = 1 // Ethernet
	buf[2] = 6 // hlen
	binary.BigEndian.PutUint32(buf[4:8], 0x11223344)
	copy(buf[16:20], yiaddr[:])
	copy(buf[28:34], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})

	buf = append(buf, 0x63, 0x82, 0x53, 0x63) // magic cookie

	buf = append(buf, 53, 1, msgType)
	if leaseTime > 0 {
		lt := make([]byte, 4)
		binary.BigEndian.PutUint32(lt, leaseTime)
		buf = append(buf, 51, 4)
		buf = append(buf, lt...)
	}
	if len(opt82) > 0 {
		buf = append(buf, 82, byte(len(opt82)))
		buf = append(buf, opt82...)
	}
	buf = append(buf, 255)

	return buf
}

func TestParseOption82(t *testing.T) {
	t.Parallel()

	data := buildOption82("circuit-1", "remote-1", "relay-1")
	circuit, remote, relay := parseOption82(data)

	if circuit != "circuit-1" || remote != "remote-1" || relay != "relay-1" {
		t.Errorf("parseOption82 = (%q, %q, %q), want (circuit-1, remote-1, relay-1)", circuit, remote, relay)
	}
}

func TestBuildOption82OmitsEmptyFields(t *testing.T) {
	t.Parallel()

	data := buildOption82("circuit-1", "", "")
	circuit, remote, relay := parseOption82(data)

	if circuit != "circuit-1" || remote != "" || relay != "" {
		t.Errorf("got (%q, %q, %q), want (circuit-1, \"\", \"\")", circuit, remote, relay)
	}
}

func TestIsDHCPPortPair(t *testing.T) {
	t.Parallel()

	tests := []struct {
		src, dst uint16
		want     bool
	}{
		{68, 67, true},
		{67, 68, true},
		{67, 67, true},
		{68, 68, false},
		{12345, 67, false},
	}
	for _, tt := range tests {
		if got := isDHCPPortPair(tt.src, tt.dst); got != tt.want {
			t.Errorf("isDHCPPortPair(%d, %d) = %v, want %v", tt.src, tt.dst, got, tt.want)
		}
	}
}

func TestGiaddrIsUnset(t *testing.T) {
	t.Parallel()

	if !giaddrIsUnset(net.IPv4zero) {
		t.Error("0.0.0.0 should be unset")
	}
	if !giaddrIsUnset(nil) {
		t.Error("nil should be unset")
	}
	if giaddrIsUnset(net.IPv4(10, 0, 0, 1)) {
		t.Error("10.0.0.1 should not be unset")
	}
}

func TestDecodeUDPPayloadACK(t *testing.T) {
	t.Parallel()

	opt82 := buildOption82("router-1|port-3", "sub-42", "")
	payload := buildTestDHCPPayload(t, 5 /* ACK */, [4]byte{10, 1, 2, 3}, 3600, opt82)

	rec, err := decodeUDPPayload(payload, 67, 67)
	if err != nil {
		t.Fatalf("decodeUDPPayload: %v", err)
	}

	if rec.CircuitID != "router-1|port-3" || rec.RemoteID != "sub-42" {
		t.Errorf("got circuit=%q remote=%q", rec.CircuitID, rec.RemoteID)
	}
	if rec.Msg.MessageType() != dhcpv4.MessageTypeAck {
		t.Errorf("MessageType = %v, want ACK", rec.Msg.MessageType())
	}

	ev, ok := recordToEvent(rec, time.Now())
	if !ok {
		t.Fatal("recordToEvent returned ok=false for an ACK")
	}
	if ev.Type != engine.DHCPAck {
		t.Errorf("event type = %v, want DHCPAck", ev.Type)
	}
	if ev.YIAddr.String() != "10.1.2.3" {
		t.Errorf("YIAddr = %v, want 10.1.2.3", ev.YIAddr)
	}
	if ev.LeaseTime != 3600*time.Second {
		t.Errorf("LeaseTime = %v, want 1h", ev.LeaseTime)
	}
	if ev.CircuitID != "router-1|port-3" {
		t.Errorf("CircuitID = %q", ev.CircuitID)
	}
}

func TestDecodeUDPPayloadMalformed(t *testing.T) {
	t.Parallel()

	_, err := decodeUDPPayload([]byte{1, 2, 3}, 67, 68)
	if err == nil {
		t.Fatal("expected an error decoding a truncated payload")
	}
}

func TestHasAccessRelayContext(t *testing.T) {
	t.Parallel()

	if hasAccessRelayContext(&Record{}) {
		t.Error("a record with no circuit-id/remote-id should fail the relay-context check")
	}
	if !hasAccessRelayContext(&Record{CircuitID: "c"}) {
		t.Error("circuit-id alone should satisfy the relay-context check")
	}
}

func TestMessageTypeToEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mt   dhcpv4.MessageType
		want engine.DHCPMessageType
	}{
		{dhcpv4.MessageTypeDiscover, engine.DHCPDiscover},
		{dhcpv4.MessageTypeRequest, engine.DHCPRequest},
		{dhcpv4.MessageTypeAck, engine.DHCPAck},
		{dhcpv4.MessageTypeNak, engine.DHCPNak},
		{dhcpv4.MessageTypeRelease, engine.DHCPRelease},
	}
	for _, tt := range tests {
		got, ok := messageTypeToEvent(tt.mt)
		if !ok || got != tt.want {
			t.Errorf("messageTypeToEvent(%v) = (%v, %v), want (%v, true)", tt.mt, got, ok, tt.want)
		}
	}
}

func TestMessageTypeToEventUnknown(t *testing.T) {
	t.Parallel()

	if _, ok := messageTypeToEvent(dhcpv4.MessageTypeOffer); ok {
		t.Error("OFFER should not map to an engine event")
	}
}
