// Package sniffer captures DHCPv4 traffic between access relays and the
// upstream server, normalizes RFC 3046 Option 82, relays datagrams in both
// directions, and emits one decoded record per message to the session
// engine.
package sniffer

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/saphalpdyl/aether/internal/engine"
)

const (
	dhcpClientPort = 68
	dhcpServerPort = 67

	agentCircuitIDSubOption = 1
	agentRemoteIDSubOption  = 2
	agentRelayIDSubOption   = 12

	maxOption82Len = 255
)

// Record is the decoded form of a single DHCPv4 message, independent of
// how it was captured (raw Ethernet frame or a bound UDP socket read).
type Record struct {
	Msg        *dhcpv4.DHCPv4
	SrcPort    uint16
	DstPort    uint16
	CircuitID  string
	RemoteID   string
	RelayID    string
	RawOption82 []byte // the suboption TLV block, for rebuilding on relay
}

// ErrShortFrame and friends describe why a captured frame was dropped;
// the sniffer logs the Error() string rather than halting.
type decodeError string

func (e decodeError) Error() string { return string(e) }

const (
	errNotIPv4      decodeError = "not an ipv4 frame"
	errNotUDP       decodeError = "not a udp datagram"
	errBadDHCPPorts decodeError = "udp ports are not a dhcp pair"
	errBadDHCP      decodeError = "malformed dhcpv4 payload"
)

// decodeEthernetFrame extracts the UDP payload and port pair from a raw
// Ethernet frame captured off an AF_PACKET socket, then decodes it as
// DHCPv4. Mirrors the byte-level framing check the relay performs before
// handing a frame to the DHCP decoder.
func decodeEthernetFrame(frame []byte) (*Record, error) {
	const ethHdrLen = 14
	const ethTypeIPv4 = 0x0800

	if len(frame) < ethHdrLen {
		return nil, errNotIPv4
	}
	if uint16(frame[12])<<8|uint16(frame[13]) != ethTypeIPv4 {
		return nil, errNotIPv4
	}

	ipOff := ethHdrLen
	if len(frame) < ipOff+20 {
		return nil, errNotIPv4
	}
	ihl := int(frame[ipOff]&0x0f) * 4
	if ihl < 20 || len(frame) < ipOff+ihl+8 {
		return nil, errNotIPv4
	}
	if frame[ipOff+9] != 17 { // IPPROTO_UDP
		return nil, errNotUDP
	}

	udpOff := ipOff + ihl
	srcPort := uint16(frame[udpOff])<<8 | uint16(frame[udpOff+1])
	dstPort := uint16(frame[udpOff+2])<<8 | uint16(frame[udpOff+3])
	udpLen := int(uint16(frame[udpOff+4])<<8 | uint16(frame[udpOff+5]))

	if !isDHCPPortPair(srcPort, dstPort) {
		return nil, errBadDHCPPorts
	}
	if udpLen < 8 || len(frame) < udpOff+udpLen {
		return nil, errNotUDP
	}

	payload := frame[udpOff+8 : udpOff+udpLen]
	return decodeUDPPayload(payload, srcPort, dstPort)
}

// isDHCPPortPair accepts the three relay-relevant port combinations:
// client->server (68->67), server->client (67->68), and the relay-to-relay
// 67->67 pairing some upstream relays (e.g. SR Linux) use.
func isDHCPPortPair(src, dst uint16) bool {
	switch {
	case src == dhcpClientPort && dst == dhcpServerPort:
		return true
	case src == dhcpServerPort && dst == dhcpClientPort:
		return true
	case src == dhcpServerPort && dst == dhcpServerPort:
		return true
	default:
		return false
	}
}

// decodeUDPPayload parses a bare DHCPv4/BOOTP payload (as delivered
// directly by a bound UDP socket, with no Ethernet/IP/UDP framing to
// strip) and extracts Option 82 sub-options.
func decodeUDPPayload(payload []byte, srcPort, dstPort uint16) (*Record, error) {
	msg, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadDHCP, err)
	}

	rec := &Record{Msg: msg, SrcPort: srcPort, DstPort: dstPort}

	if raw := msg.Options.Get(dhcpv4.OptionRelayAgentInformation); raw != nil {
		rec.RawOption82 = raw
		circuit, remote, relay := parseOption82(raw)
		rec.CircuitID = circuit
		rec.RemoteID = remote
		rec.RelayID = relay
	}

	return rec, nil
}

// parseOption82 walks the RFC 3046 sub-option TLV block and returns the
// circuit-id (1), remote-id (2), and relay-id (12) values as text.
func parseOption82(data []byte) (circuitID, remoteID, relayID string) {
	i := 0
	for i+1 < len(data) {
		code := data[i]
		ln := int(data[i+1])
		if i+2+ln > len(data) {
			break
		}
		val := data[i+2 : i+2+ln]
		switch code {
		case agentCircuitIDSubOption:
			circuitID = string(val)
		case agentRemoteIDSubOption:
			remoteID = string(val)
		case agentRelayIDSubOption:
			relayID = string(val)
		}
		i += 2 + ln
	}
	return circuitID, remoteID, relayID
}

// buildOption82 serializes the sub-option TLV block for a rebuilt Option
// 82, preserving circuit-id and remote-id and stamping relay-id with the
// local BNG identity. A nil/empty field is omitted entirely, matching the
// relay's "preserve what the access switch sent" semantics.
func buildOption82(circuitID, remoteID, relayID string) []byte {
	out := make([]byte, 0, maxOption82Len)
	appendSub := func(code byte, val string) {
		if val == "" {
			return
		}
		b := []byte(val)
		if len(b) > 255 {
			b = b[:255]
		}
		out = append(out, code, byte(len(b)))
		out = append(out, b...)
	}
	appendSub(agentCircuitIDSubOption, circuitID)
	appendSub(agentRemoteIDSubOption, remoteID)
	appendSub(agentRelayIDSubOption, relayID)
	if len(out) > maxOption82Len {
		out = out[:maxOption82Len]
	}
	return out
}

// recordToEvent converts a decoded Record into the engine's normalized
// DHCPEvent, computing yiaddr-or-ciaddr and absolute expiry for ACKs. The
// second return value is false for message types the session engine does
// not model (OFFER, DECLINE, INFORM) — callers must not emit those.
func recordToEvent(rec *Record, now time.Time) (engine.DHCPEvent, bool) {
	msg := rec.Msg

	evType, ok := messageTypeToEvent(msg.MessageType())
	if !ok {
		return engine.DHCPEvent{}, false
	}

	ip := msg.YourIPAddr
	if ip == nil || ip.Equal(net.IPv4zero) {
		ip = msg.ClientIPAddr
	}

	ev := engine.DHCPEvent{
		Type:      evType,
		ChaddrHex: hex.EncodeToString(msg.ClientHWAddr),
		CircuitID: rec.CircuitID,
		RemoteID:  rec.RemoteID,
		RelayID:   rec.RelayID,
		Now:       now,
	}

	if addr, ok := netip.AddrFromSlice(ip.To4()); ok && !addr.IsUnspecified() {
		ev.YIAddr = addr
	}
	if addr, ok := netip.AddrFromSlice(msg.ClientIPAddr.To4()); ok && !addr.IsUnspecified() {
		ev.CIAddr = addr
	}

	if msg.MessageType() == dhcpv4.MessageTypeAck {
		ev.LeaseTime = msg.IPAddressLeaseTime(0)
	}

	return ev, true
}

func messageTypeToEvent(mt dhcpv4.MessageType) (engine.DHCPMessageType, bool) {
	switch mt {
	case dhcpv4.MessageTypeDiscover:
		return engine.DHCPDiscover, true
	case dhcpv4.MessageTypeRequest:
		return engine.DHCPRequest, true
	case dhcpv4.MessageTypeAck:
		return engine.DHCPAck, true
	case dhcpv4.MessageTypeNak:
		return engine.DHCPNak, true
	case dhcpv4.MessageTypeRelease:
		return engine.DHCPRelease, true
	default:
		return 0, false
	}
}

// giaddrIsUnset reports whether a BOOTP giaddr field is the zero address,
// meaning no upstream relay has already stamped it.
func giaddrIsUnset(giaddr net.IP) bool {
	return giaddr == nil || giaddr.Equal(net.IPv4zero)
}

// rewriteForServer rebuilds a client-originated message's Option 82 with
// the access switch's circuit-id/remote-id preserved and relay-id set to
// the local BNG identity, and stamps giaddr only if not already set by an
// upstream relay.
func rewriteForServer(msg *dhcpv4.DHCPv4, bngID string, localGiaddr net.IP) {
	circuitID, remoteID, _ := parseOption82(msg.Options.Get(dhcpv4.OptionRelayAgentInformation))

	newOpt82 := buildOption82(circuitID, remoteID, bngID)
	msg.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionRelayAgentInformation, newOpt82))

	if giaddrIsUnset(msg.GatewayIPAddr) {
		msg.GatewayIPAddr = localGiaddr
	}
}

// hasAccessRelayContext reports whether the client packet carries the
// circuit-id or remote-id an access relay is expected to add; packets
// without either are dropped (misconfigured access layer).
func hasAccessRelayContext(rec *Record) bool {
	return rec.CircuitID != "" || rec.RemoteID != ""
}
