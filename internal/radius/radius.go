// Package radius implements the session engine's RADIUS authorization and
// accounting client (RFC 2865/2866/2869) over layeh.com/radius, plus
// parsing of the vendor-specific QoS attributes a policy server attaches
// to an Access-Accept.
package radius

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"github.com/saphalpdyl/aether/internal/engine"
)

// qosVendorID is the enterprise number the policy server's dictionary uses
// for the download/upload speed and burst sub-attributes. The numeric
// "Attr-26.43242.N" form and the named "OSS-Download-Speed" etc. form seen
// in lab tooling both resolve to this same vendor-specific AVP on the
// wire; the name is just the dictionary's label for sub-attribute N.
const qosVendorID = 43242

const (
	qosSubDownloadSpeed = 1
	qosSubUploadSpeed   = 2
	qosSubDownloadBurst = 3
	qosSubUploadBurst   = 4
)

// checkPassword is sent as User-Password on every Access-Request. The
// policy server authorizes subscribers purely by username (relay-id/
// circuit-id/remote-id), so every account shares one fixed password,
// matching the provisioning side's Cleartext-Password entry.
const checkPassword = "testing123"

// Config configures a Client.
type Config struct {
	AuthAddr string // host:port, default port 1812
	AcctAddr string // host:port, default port 1813
	Secret   []byte
	Timeout  time.Duration
}

// Client implements engine.RadiusClient against a real RADIUS server.
type Client struct {
	cfg Config
}

var _ engine.RadiusClient = (*Client)(nil)

// New builds a Client. A zero Timeout defaults to 2s, matching the
// retry/timeout budget the rest of the engine's blocking calls use.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Client{cfg: cfg}
}

// Authorize sends an Access-Request and, on Access-Accept, parses the
// vendor QoS attributes into the result's QoS field.
func (c *Client) Authorize(ctx context.Context, req engine.AuthorizeRequest) (engine.AuthorizeResult, error) {
	pkt := radius.New(radius.CodeAccessRequest, c.cfg.Secret)

	if err := rfc2865.UserName_SetString(pkt, req.UserName); err != nil {
		return engine.AuthorizeResult{}, fmt.Errorf("set user-name: %w", err)
	}
	if err := rfc2865.UserPassword_SetString(pkt, checkPassword); err != nil {
		return engine.AuthorizeResult{}, fmt.Errorf("set user-password: %w", err)
	}
	if err := rfc2865.CallingStationID_SetString(pkt, req.CallingStationID); err != nil {
		return engine.AuthorizeResult{}, fmt.Errorf("set calling-station-id: %w", err)
	}
	if err := rfc2865.CalledStationID_SetString(pkt, req.NASPortID); err != nil {
		return engine.AuthorizeResult{}, fmt.Errorf("set called-station-id: %w", err)
	}
	if req.FramedIPAddress.IsValid() {
		rfc2865.FramedIPAddress_Set(pkt, req.FramedIPAddress.AsSlice())
	}
	if req.NASIPAddress.IsValid() {
		rfc2865.NASIPAddress_Set(pkt, req.NASIPAddress.AsSlice())
	}
	if err := rfc2869.NASPortID_SetString(pkt, req.NASPortID); err != nil {
		return engine.AuthorizeResult{}, fmt.Errorf("set nas-port-id: %w", err)
	}
	rfc2865.NASPortType_Set(pkt, rfc2865.NASPortType_Value_Ethernet)
	rfc2869.EventTimestamp_Set(pkt, time.Now())

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := radius.Exchange(ctx, pkt, c.cfg.AuthAddr)
	if err != nil {
		return engine.AuthorizeResult{NoReply: true}, nil
	}

	if resp.Code != radius.CodeAccessAccept {
		return engine.AuthorizeResult{Accepted: false}, nil
	}

	return engine.AuthorizeResult{
		Accepted: true,
		QoS:      parseQoS(resp),
	}, nil
}

func baseAcctPacket(code rfc2866.AcctStatusType, rec engine.AcctRecord, secret []byte) *radius.Packet {
	pkt := radius.New(radius.CodeAccountingRequest, secret)

	rfc2866.AcctStatusType_Set(pkt, code)
	rfc2866.AcctSessionID_SetString(pkt, rec.AcctSessionID)
	rfc2865.UserName_SetString(pkt, rec.UserName)
	rfc2865.CallingStationID_SetString(pkt, rec.CallingStationID)
	if rec.FramedIPAddress.IsValid() {
		rfc2865.FramedIPAddress_Set(pkt, rec.FramedIPAddress.AsSlice())
	}
	if rec.NASIPAddress.IsValid() {
		rfc2865.NASIPAddress_Set(pkt, rec.NASIPAddress.AsSlice())
	}
	rfc2869.NASPortID_SetString(pkt, rec.NASPortID)
	rfc2865.NASPortType_Set(pkt, rfc2865.NASPortType_Value_Ethernet)
	rfc2866.AcctAuthentic_Set(pkt, rfc2866.AcctAuthentic_Value_RADIUS)
	rfc2869.EventTimestamp_Set(pkt, time.Now())

	return pkt
}

// setOctetCounters splits a 64-bit counter into the 32-bit Acct-*-Octets
// field plus its Acct-*-Gigawords carry, per RFC 2869 §5.1/§5.2 — RADIUS
// octet counters wrap at 2^32 and the gigawords field records the carry.
func setOctetCounters(pkt *radius.Packet, inputOctets, outputOctets uint64) {
	inGiga, inOct := splitGigawords(inputOctets)
	outGiga, outOct := splitGigawords(outputOctets)

	rfc2866.AcctInputOctets_Set(pkt, rfc2866.AcctInputOctets(inOct))
	rfc2866.AcctOutputOctets_Set(pkt, rfc2866.AcctOutputOctets(outOct))
	rfc2869.AcctInputGigawords_Set(pkt, rfc2869.AcctInputGigawords(inGiga))
	rfc2869.AcctOutputGigawords_Set(pkt, rfc2869.AcctOutputGigawords(outGiga))
}

func splitGigawords(total uint64) (gigawords, octets uint32) {
	return uint32(total >> 32), uint32(total & 0xFFFFFFFF)
}

func (c *Client) sendAcct(ctx context.Context, pkt *radius.Packet) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := radius.Exchange(ctx, pkt, c.cfg.AcctAddr)
	if err != nil {
		return fmt.Errorf("accounting exchange: %w", err)
	}
	if resp.Code != radius.CodeAccountingResponse {
		return fmt.Errorf("accounting: unexpected response code %v", resp.Code)
	}
	return nil
}

// AcctStart sends Acct-Status-Type=Start.
func (c *Client) AcctStart(ctx context.Context, rec engine.AcctRecord) error {
	pkt := baseAcctPacket(rfc2866.AcctStatusType_Value_Start, rec, c.cfg.Secret)
	return c.sendAcct(ctx, pkt)
}

// AcctInterim sends Acct-Status-Type=Interim-Update with the running
// octet/packet counters.
func (c *Client) AcctInterim(ctx context.Context, rec engine.AcctRecord) error {
	pkt := baseAcctPacket(rfc2866.AcctStatusType_Value_InterimUpdate, rec, c.cfg.Secret)
	rfc2866.AcctSessionTime_Set(pkt, rfc2866.AcctSessionTime(rec.SessionTime.Seconds()))
	setOctetCounters(pkt, rec.InputOctets, rec.OutputOctets)
	rfc2866.AcctInputPackets_Set(pkt, rfc2866.AcctInputPackets(rec.InputPackets))
	rfc2866.AcctOutputPackets_Set(pkt, rfc2866.AcctOutputPackets(rec.OutputPackets))
	return c.sendAcct(ctx, pkt)
}

// AcctStop sends Acct-Status-Type=Stop with the final counters and
// terminate cause.
func (c *Client) AcctStop(ctx context.Context, rec engine.AcctRecord, cause string) error {
	pkt := baseAcctPacket(rfc2866.AcctStatusType_Value_Stop, rec, c.cfg.Secret)
	rfc2866.AcctSessionTime_Set(pkt, rfc2866.AcctSessionTime(rec.SessionTime.Seconds()))
	setOctetCounters(pkt, rec.InputOctets, rec.OutputOctets)
	rfc2866.AcctInputPackets_Set(pkt, rfc2866.AcctInputPackets(rec.InputPackets))
	rfc2866.AcctOutputPackets_Set(pkt, rfc2866.AcctOutputPackets(rec.OutputPackets))
	rfc2866.AcctTerminateCause_Set(pkt, terminateCauseValue(cause))
	return c.sendAcct(ctx, pkt)
}

// terminateCauseValue maps the engine's free-form termination reason
// (e.g. "NAK-Threshold", from the DHCP NAK-count open question) onto the
// closest RFC 2866 enum value; causes the RFC doesn't name fall back to
// User-Request rather than failing the accounting record.
func terminateCauseValue(cause string) rfc2866.AcctTerminateCause {
	switch cause {
	case "Lost-Carrier":
		return rfc2866.AcctTerminateCause_Value_LostCarrier
	case "Idle-Timeout":
		return rfc2866.AcctTerminateCause_Value_IdleTimeout
	case "Session-Timeout":
		return rfc2866.AcctTerminateCause_Value_SessionTimeout
	case "Admin-Reset", "NAK-Threshold":
		return rfc2866.AcctTerminateCause_Value_AdminReset
	default:
		return rfc2866.AcctTerminateCause_Value_UserRequest
	}
}

// parseQoS extracts the vendor-43242 sub-attributes 1-4 from an
// Access-Accept. Each sub-attribute's value is either a raw 4-byte
// big-endian integer (the normal binary encoding) or ASCII text — decimal
// or 0x-prefixed hex — for servers configured to send the VSA as a string
// type; both are accepted.
func parseQoS(pkt *radius.Packet) engine.QoS {
	var q engine.QoS
	for _, avp := range pkt.Attributes {
		if avp.Type != rfc2865.VendorSpecific_Type {
			continue
		}
		vendorID, subType, value, ok := decodeVSA([]byte(avp.Attribute))
		if !ok || vendorID != qosVendorID {
			continue
		}
		n, ok := decodeQoSValue(value)
		if !ok {
			continue
		}
		switch subType {
		case qosSubDownloadSpeed:
			q.DownloadKbit = n
		case qosSubUploadSpeed:
			q.UploadKbit = n
		case qosSubDownloadBurst:
			q.DownloadBurstKbit = n
		case qosSubUploadBurst:
			q.UploadBurstKbit = n
		}
	}
	return q
}

// decodeVSA splits a raw Vendor-Specific attribute value into its vendor
// id and single vendor sub-attribute (type, value), per RFC 2865 §5.26.
func decodeVSA(raw []byte) (vendorID uint32, subType byte, value []byte, ok bool) {
	if len(raw) < 6 {
		return 0, 0, nil, false
	}
	vendorID = uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	subType = raw[4]
	subLen := int(raw[5])
	if subLen < 2 || 4+subLen > len(raw) {
		return 0, 0, nil, false
	}
	value = raw[6 : 4+subLen]
	return vendorID, subType, value, true
}

func decodeQoSValue(value []byte) (uint32, bool) {
	if len(value) == 4 {
		return uint32(value[0])<<24 | uint32(value[1])<<16 | uint32(value[2])<<8 | uint32(value[3]), true
	}
	text := strings.TrimSpace(strings.Trim(string(value), "\x00\""))
	if text == "" {
		return 0, false
	}
	base := 10
	if strings.HasPrefix(strings.ToLower(text), "0x") {
		base = 16
		text = text[2:]
	}
	n, err := strconv.ParseUint(text, base, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
