// Package engine implements the single-writer subscriber session table:
// a pure state-transition function computes each next state and the
// side effects it requires, and a serial executor owned by one
// goroutine performs them against the shared table.
package engine

import (
	"net/netip"
	"time"
)

// Status is the subscriber session lifecycle state.
type Status uint8

const (
	// StatusPending means a session exists but has not yet been assigned
	// an IP address (DISCOVER/REQUEST seen, no ACK yet).
	StatusPending Status = iota
	// StatusActive means the session has an IP and has recently shown
	// (or not yet been checked for) traffic.
	StatusActive
	// StatusIdle means the session has an IP but accounting has observed
	// no traffic growth for at least MarkIdleGrace.
	StatusIdle
	// StatusExpired means the session's lease has lapsed without renewal.
	StatusExpired
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusIdle:
		return "IDLE"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// AuthState is the RADIUS authorization state of a session.
type AuthState uint8

const (
	// AuthPending means authorization has not yet succeeded or failed.
	AuthPending AuthState = iota
	// AuthAuthorized means Access-Accept was received and datapath rules
	// (and shaping, if any) are installed.
	AuthAuthorized
	// AuthRejected means Access-Reject was received; the session stays
	// un-forwarded and is not retried automatically.
	AuthRejected
)

// String returns the human-readable name of the auth state.
func (a AuthState) String() string {
	switch a {
	case AuthPending:
		return "PENDING_AUTH"
	case AuthAuthorized:
		return "AUTHORIZED"
	case AuthRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// DHCPMessageType identifies the kind of decoded DHCP event.
type DHCPMessageType uint8

const (
	DHCPDiscover DHCPMessageType = iota
	DHCPRequest
	DHCPAck
	DHCPNak
	DHCPRelease
)

// String returns the human-readable name of the message type.
func (m DHCPMessageType) String() string {
	switch m {
	case DHCPDiscover:
		return "DISCOVER"
	case DHCPRequest:
		return "REQUEST"
	case DHCPAck:
		return "ACK"
	case DHCPNak:
		return "NAK"
	case DHCPRelease:
		return "RELEASE"
	default:
		return "UNKNOWN"
	}
}

// DHCPEvent is a normalized DHCPv4 message as decoded by the sniffer
//. It carries only the fields the session FSM needs.
type DHCPEvent struct {
	Type      DHCPMessageType
	ChaddrHex string
	YIAddr    netip.Addr // zero Addr means "0.0.0.0" / absent
	CIAddr    netip.Addr
	LeaseTime time.Duration
	CircuitID string
	RemoteID  string
	RelayID   string
	Now       time.Time
}

// Key returns the identity tuple this event's session is keyed by.
func (ev DHCPEvent) Key(bngID string) SessionKey {
	return SessionKey{BNGID: bngID, CircuitID: ev.CircuitID, RemoteID: ev.RemoteID}
}

// Action is a side effect the executor must perform after a pure FSM
// decision. Multiple actions may be returned for a single event, in
// the order they must run.
type Action uint8

const (
	ActionNone Action = iota
	// ActionCreateSession creates a brand-new PENDING/PENDING_AUTH session.
	ActionCreateSession
	// ActionRefreshExpiry refreshes expiry/last_seen with no RADIUS churn.
	ActionRefreshExpiry
	// ActionTeardown tears down datapath rules (reading final counters),
	// sends Acct-Stop, emits SESSION_STOP, and tombstones the key. The
	// cause is carried in Decision.StopCause.
	ActionTeardown
	// ActionEstablishIP assigns the IP, marks ACTIVE, emits SESSION_START,
	// and runs the authorization pipeline followed by POLICY_APPLY.
	ActionEstablishIP
	// ActionIncrementNAK bumps dhcp_nak_count and sets status PENDING.
	ActionIncrementNAK
	// ActionNAKThresholdTeardown tears down an IP-less session that has
	// hit the NAK threshold, cause "NAK-Threshold".
	ActionNAKThresholdTeardown
)

// Decision is the outcome of applying a DHCPEvent to a session (or the
// absence of one). It is pure data; the executor (engine.go) performs
// the actions.
type Decision struct {
	Exists       bool
	NewStatus    Status
	NewAuthState AuthState
	Actions      []Action
	Changed      bool
	NewIP        netip.Addr
	PriorIP      netip.Addr
	IPChanged    bool
	StopCause    string
}

// ApplyDHCPEvent computes the next session status/auth_state and the
// actions the executor must run, given the current session (sess,
// valid only if exists is true) and an incoming DHCP event. It has no
// side effects: no RADIUS calls, no datapath calls, no map mutation.
func ApplyDHCPEvent(sess Session, exists bool, ev DHCPEvent, nakThreshold int) Decision {
	if !exists {
		return applyToNewSession(ev)
	}

	switch ev.Type {
	case DHCPDiscover:
		// Informational only; no state change. A DISCOVER for an existing
		// key simply means the subscriber restarted negotiation.
		return Decision{Exists: true, NewStatus: sess.Status, NewAuthState: sess.AuthState}

	case DHCPRequest:
		return Decision{Exists: true, NewStatus: sess.Status, NewAuthState: sess.AuthState}

	case DHCPAck:
		return applyACK(sess, ev)

	case DHCPNak:
		return applyNAK(sess, ev, nakThreshold)

	case DHCPRelease:
		// RELEASE is looked up by IP at the engine layer (Option 82 is
		// absent on RELEASE); by the time ApplyDHCPEvent is called the
		// caller has already resolved `sess` by IP index. Teardown runs
		// regardless of auth state: the executor skips the RADIUS/datapath
		// steps for a never-authorized session but still removes it from
		// the table and tombstones the key.
		return Decision{
			Exists:       true,
			NewStatus:    StatusExpired,
			NewAuthState: sess.AuthState,
			Actions:      []Action{ActionTeardown},
			Changed:      true,
			StopCause:    "User-Request",
		}

	default:
		return Decision{Exists: true, NewStatus: sess.Status, NewAuthState: sess.AuthState}
	}
}

// applyToNewSession handles the first DHCP message seen for a key that
// has no existing session. Only REQUEST creates a fresh
// PENDING/PENDING_AUTH session; other message types for an unknown key
// are ignored (e.g. a stray ACK with no preceding REQUEST we observed).
func applyToNewSession(ev DHCPEvent) Decision {
	if ev.Type != DHCPRequest && ev.Type != DHCPDiscover {
		return Decision{Exists: false}
	}
	return Decision{
		Exists:       false,
		NewStatus:    StatusPending,
		NewAuthState: AuthPending,
		Actions:      []Action{ActionCreateSession},
		Changed:      true,
	}
}

// applyACK implements the three ACK branches: no-IP, same-IP
// refresh, and IP-establish/IP-change.
func applyACK(sess Session, ev DHCPEvent) Decision {
	if !ev.YIAddr.IsValid() || ev.YIAddr.String() == "0.0.0.0" {
		// ACK with yiaddr == 0.0.0.0: session remains PENDING.
		return Decision{Exists: true, NewStatus: StatusPending, NewAuthState: sess.AuthState}
	}

	if sess.IP.IsValid() && sess.IP == ev.YIAddr {
		// Same IP as current: refresh only, no RADIUS churn.
		return Decision{
			Exists:       true,
			NewStatus:    StatusActive,
			NewAuthState: sess.AuthState,
			Actions:      []Action{ActionRefreshExpiry},
			Changed:      sess.Status != StatusActive,
			NewIP:        ev.YIAddr,
		}
	}

	if sess.IP.IsValid() && sess.IP != ev.YIAddr {
		// IP changing from a non-null value: teardown-then-establish.
		actions := []Action{}
		if sess.AuthState == AuthAuthorized {
			actions = append(actions, ActionTeardown)
		}
		actions = append(actions, ActionEstablishIP)
		return Decision{
			Exists:       true,
			NewStatus:    StatusActive,
			NewAuthState: AuthPending,
			Actions:      actions,
			Changed:      true,
			NewIP:        ev.YIAddr,
			PriorIP:      sess.IP,
			IPChanged:    true,
			StopCause:    "IP-change",
		}
	}

	// First IP for this session.
	return Decision{
		Exists:       true,
		NewStatus:    StatusActive,
		NewAuthState: AuthPending,
		Actions:      []Action{ActionEstablishIP},
		Changed:      true,
		NewIP:        ev.YIAddr,
	}
}

// applyNAK implements the NAK-count / NAK-threshold-teardown branch.
func applyNAK(sess Session, _ DHCPEvent, nakThreshold int) Decision {
	nextCount := sess.DHCPNakCount + 1

	if !sess.IP.IsValid() && nextCount >= nakThreshold {
		return Decision{
			Exists:       true,
			NewStatus:    StatusExpired,
			NewAuthState: sess.AuthState,
			Actions:      []Action{ActionNAKThresholdTeardown},
			Changed:      true,
			StopCause:    "NAK-Threshold",
		}
	}

	return Decision{
		Exists:       true,
		NewStatus:    StatusPending,
		NewAuthState: sess.AuthState,
		Actions:      []Action{ActionIncrementNAK},
		Changed:      sess.Status != StatusPending,
	}
}
