package engine

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// SessionKey is the primary identity tuple a subscriber session is
// keyed by: (bng_id, circuit_id, remote_id). RELEASE messages carry no
// Option 82, so the by-IP index (see Table) is used to resolve those.
type SessionKey struct {
	BNGID     string
	CircuitID string
	RemoteID  string
}

// String renders the key for logging.
func (k SessionKey) String() string {
	return k.BNGID + "|" + k.CircuitID + "|" + k.RemoteID
}

// QoS holds a parsed RADIUS QoS policy.
type QoS struct {
	DownloadKbit      uint32
	UploadKbit        uint32
	DownloadBurstKbit uint32
	UploadBurstKbit   uint32
}

// IsZero reports whether no QoS policy was parsed.
func (q QoS) IsZero() bool {
	return q.DownloadKbit == 0 && q.UploadKbit == 0
}

// Session is the mutable per-subscriber record owned exclusively by the
// engine goroutine. Every field here maps to the subscriber
// session data model.
type Session struct {
	Key SessionKey

	// SessionID is a stable opaque identifier used for CoA addressing
	// and event correlation. Regenerated on IP-change per the
	// "fresh session_id thereafter" invariant.
	SessionID string

	MAC            string
	IP             netip.Addr
	FirstSeen      time.Time
	LastSeen       time.Time
	Expiry         time.Time
	Status         Status
	AuthState      AuthState
	LastStatusChangeTS time.Time
	LastInterim    time.Time
	LastIdleTS     time.Time
	LastTrafficSeenTS time.Time

	UpHandle   string
	DownHandle string

	BaseUpBytes    uint64
	BaseUpPkts     uint64
	BaseDownBytes  uint64
	BaseDownPkts   uint64
	LastUpBytes    uint64
	LastUpPkts     uint64
	LastDownBytes  uint64
	LastDownPkts   uint64

	QoS QoS

	DHCPNakCount int

	RelayID string
}

// NewSession constructs a fresh PENDING/PENDING_AUTH session for key,
// assigning a new random session_id (google/uuid, matching the
// bng_instance_id idempotency scheme used for dispatched events).
func NewSession(key SessionKey, mac string, now time.Time) Session {
	return Session{
		Key:                key,
		SessionID:          uuid.NewString(),
		MAC:                mac,
		FirstSeen:          now,
		LastSeen:           now,
		Status:             StatusPending,
		AuthState:          AuthPending,
		LastStatusChangeTS: now,
	}
}

// AccessKey is the composite identity used as RADIUS User-Name and on
// every dispatched event: "{relay_id}/{remote_id}/{circuit_id}".
func (s Session) AccessKey() string {
	return fmt.Sprintf("%s/%s/%s", s.RelayID, s.Key.RemoteID, s.Key.CircuitID)
}

// AcctSessionID builds the RADIUS Acct-Session-Id:
// "{mac}-{ip}-{first_seen_epoch}".
func (s Session) AcctSessionID() string {
	return fmt.Sprintf("%s-%s-%d", s.MAC, s.IP.String(), s.FirstSeen.Unix())
}

// ClassID computes the HTB classid used by the traffic shaper, derived
// from the subscriber's last two IPv4 octets: handle = c*256 + d. This
// is the formula from the original traffic shaper, valid for a /16
// subscriber address plan.
func ClassID(ip netip.Addr) uint16 {
	if !ip.Is4() {
		return 0
	}
	b := ip.As4()
	return uint16(b[2])*256 + uint16(b[3])
}

// RouterNameFromCircuitID extracts the leading path segment of a
// circuit-id, which names the access router the subscriber is attached
// through (pipe-delimited, matching the original router tracker).
func RouterNameFromCircuitID(circuitID string) string {
	for i := 0; i < len(circuitID); i++ {
		if circuitID[i] == '|' {
			return circuitID[:i]
		}
	}
	return circuitID
}
