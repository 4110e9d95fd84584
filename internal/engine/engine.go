package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// Counters is a point-in-time byte/packet snapshot read from the
// datapath rule engine.
type Counters struct {
	Bytes   uint64
	Packets uint64
}

// AuthorizeRequest carries everything the RADIUS client needs to build
// an Access-Request.
type AuthorizeRequest struct {
	UserName         string
	FramedIPAddress  netip.Addr
	CallingStationID string
	NASIPAddress     netip.Addr
	NASPortID        string
}

// AuthorizeResult is the outcome of an Access-Request round trip.
type AuthorizeResult struct {
	Accepted bool
	NoReply  bool
	QoS      QoS
}

// AcctRecord carries the fields common to Acct-Start/Interim/Stop.
type AcctRecord struct {
	AcctSessionID    string
	UserName         string
	FramedIPAddress  netip.Addr
	CallingStationID string
	NASIPAddress     netip.Addr
	NASPortID        string
	SessionTime      time.Duration
	InputOctets      uint64 // from-subscriber (upload), RFC 2866 NAS-centric
	OutputOctets     uint64 // to-subscriber (download)
	InputPackets     uint64
	OutputPackets    uint64
}

// RadiusClient is the authorization/accounting contract the engine
// drives synchronously. Implemented by internal/radius.
type RadiusClient interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error)
	AcctStart(ctx context.Context, rec AcctRecord) error
	AcctInterim(ctx context.Context, rec AcctRecord) error
	AcctStop(ctx context.Context, rec AcctRecord, cause string) error
}

// RuleEngine is the counter+permit datapath contract. Implemented
// by internal/datapath's native and shell backends.
type RuleEngine interface {
	InstallSubscriberRules(ctx context.Context, ip netip.Addr, mac, iface string) (upHandle, downHandle string, err error)
	DeleteRule(ctx context.Context, handle string) error
	SnapshotCounters(ctx context.Context, handles []string) (map[string]Counters, error)
	Allow(ctx context.Context, ip netip.Addr) error
	Revoke(ctx context.Context, ip netip.Addr) error
}

// Shaper is the traffic-shaping datapath contract.
type Shaper interface {
	AddShaping(ctx context.Context, ip netip.Addr, uploadKbit, downloadKbit, uploadBurstKbit, downloadBurstKbit uint32) (bool, error)
	RemoveShaping(ctx context.Context, ip netip.Addr) (bool, error)
}

// EventType names a dispatched event kind.
type EventType string

const (
	EventSessionStart  EventType = "SESSION_START"
	EventSessionUpdate EventType = "SESSION_UPDATE"
	EventSessionStop   EventType = "SESSION_STOP"
	EventPolicyApply   EventType = "POLICY_APPLY"
	EventRouterUpdate  EventType = "ROUTER_UPDATE"
	EventHealthUpdate  EventType = "BNG_HEALTH_UPDATE"
)

// Event is the common envelope dispatched to the event stream. The
// dispatcher (internal/events) stamps BNGID/InstanceID/Seq/Timestamp.
type Event struct {
	Type      EventType
	SessionID string
	AccessKey string
	NASIP     string
	RemoteID  string
	CircuitID string
	AuthState string
	Status    string
	Fields    map[string]any
}

// EventDispatcher publishes Events to the append-only event stream.
// Implemented by internal/events.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// Lease is a read-only record from the lease service.
type Lease struct {
	CircuitID         string
	RemoteID          string
	RelayID           string
	MAC               string
	IP                netip.Addr
	Expiry            time.Time
	LastStateUpdateTS time.Time
	IsActive          bool
}

// LeaseClient fetches the current lease snapshot. Implemented by
// internal/lease.
type LeaseClient interface {
	FetchLeases(ctx context.Context) ([]Lease, error)
}

// RouterTracker maintains access-router liveness state.
// Implemented by internal/router.
type RouterTracker interface {
	Observe(routerName string, giaddr netip.Addr, now time.Time)
	Tick(ctx context.Context, now time.Time) ([]Event, error)
}

// HealthReporter samples process/cgroup health. Implemented by
// internal/health.
type HealthReporter interface {
	Tick(ctx context.Context, now time.Time) (Event, error)
}

// Deps bundles every external dependency the engine drives. All calls
// through these interfaces are synchronous and block the single
// engine goroutine for their duration.
type Deps struct {
	RADIUS  RadiusClient
	Rules   RuleEngine
	Shaper  Shaper
	Events  EventDispatcher
	Leases  LeaseClient
	Routers RouterTracker
	Health  HealthReporter
	Logger  *slog.Logger
	Metrics MetricsReporter
}

// Config holds the engine's identity and timing parameters, mirroring
// config.DaemonConfig/config.TimersConfig without importing the config
// package directly, keeping the domain package free of the config
// layer's koanf struct tags.
type Config struct {
	BNGID                 string
	NASIP                 netip.Addr
	SubscriberIface       string
	NAKThreshold          int
	MarkIdleGrace         time.Duration
	MarkDisconnectGrace   time.Duration
	IdleGraceAfterConnect time.Duration
	EnableIdleDisconnect  bool
	TombstoneTTL          time.Duration
	TombstoneExpiryGrace  time.Duration
}

var (
	// ErrSessionNotFound is returned by CoA lookups for an unknown session_id.
	ErrSessionNotFound = errors.New("engine: session not found")
)

// Engine owns the subscriber session table and every index over it.
// Exactly one goroutine (Run) ever touches the fields below.
type Engine struct {
	cfg  Config
	deps Deps

	table      map[SessionKey]*Session
	byIP       map[netip.Addr]SessionKey
	byID       map[string]SessionKey
	tombstones map[SessionKey]Tombstone

	// mu guards nothing used by Run's hot path; it exists only so tests
	// and introspection helpers run from the engine's own goroutine can
	// assert invariants without a data race detector false positive.
	mu sync.Mutex
}

// New constructs an Engine. Deps may be partially nil for unit tests
// that only exercise the pure FSM-adjacent bookkeeping.
func New(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	return &Engine{
		cfg:        cfg,
		deps:       deps,
		table:      make(map[SessionKey]*Session),
		byIP:       make(map[netip.Addr]SessionKey),
		byID:       make(map[string]SessionKey),
		tombstones: make(map[SessionKey]Tombstone),
	}
}

// CommandKind identifies a non-DHCP inbox item processed by Run.
type CommandKind uint8

const (
	CmdInterim CommandKind = iota
	CmdReconcile
	CmdAuthRetry
	CmdDisconnectionCheck
	CmdRouterPing
	CmdBNGHealth
	CmdCoA
)

// Command is a periodic-tick or CoA-request item delivered on the
// engine's command channel. Exactly one of the optional
// fields is populated, keyed by Kind.
type Command struct {
	Kind CommandKind
	CoA  *CoACommand
}

// Run is the single-writer cooperative loop: it selects over the
// sniffer's DHCP event channel and the command channel until ctx is
// cancelled. No other goroutine may mutate the session table.
func (e *Engine) Run(ctx context.Context, dhcpCh <-chan DHCPEvent, cmdCh <-chan Command) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-dhcpCh:
			if !ok {
				return nil
			}
			e.handleDHCPEvent(ctx, ev)
		case cmd, ok := <-cmdCh:
			if !ok {
				return nil
			}
			e.handleCommand(ctx, cmd)
		}
	}
}

// -------------------------------------------------------------------------
// DHCP event handling
// -------------------------------------------------------------------------

func (e *Engine) handleDHCPEvent(ctx context.Context, ev DHCPEvent) {
	e.deps.Metrics.IncDHCPEvent(ev.Type.String())

	if ev.Type == DHCPRelease {
		e.handleRelease(ctx, ev)
		return
	}

	key := ev.Key(e.cfg.BNGID)

	if rn := RouterNameFromCircuitID(ev.CircuitID); rn != "" && e.deps.Routers != nil {
		e.deps.Routers.Observe(rn, ev.CIAddr, ev.Now)
	}

	sess, exists := e.lookup(key)
	var snapshot Session
	if exists {
		snapshot = *sess
	}

	decision := ApplyDHCPEvent(snapshot, exists, ev, e.cfg.NAKThreshold)
	e.apply(ctx, key, snapshot, exists, decision, ev)
}

func (e *Engine) handleRelease(ctx context.Context, ev DHCPEvent) {
	key, ok := e.byIP[ev.CIAddr]
	if !ok {
		key, ok = e.byIP[ev.YIAddr]
	}
	if !ok {
		return
	}
	sess, exists := e.lookup(key)
	if !exists {
		return
	}
	decision := ApplyDHCPEvent(*sess, true, ev, e.cfg.NAKThreshold)
	e.apply(ctx, key, *sess, true, decision, ev)
}

func (e *Engine) lookup(key SessionKey) (*Session, bool) {
	s, ok := e.table[key]
	return s, ok
}

// apply mutates the table according to decision and executes its
// actions in order. This is the only place table/byIP/byID/tombstones
// are written.
func (e *Engine) apply(ctx context.Context, key SessionKey, prior Session, exists bool, d Decision, ev DHCPEvent) {
	logger := e.deps.Logger.With(slog.String("key", key.String()))

	for _, action := range d.Actions {
		switch action {
		case ActionCreateSession:
			sess := NewSession(key, ev.ChaddrHex, ev.Now)
			sess.RelayID = ev.RelayID
			e.table[key] = &sess
			e.byID[sess.SessionID] = key
			e.deps.Metrics.RegisterSession()
			logger.Debug("session created", slog.String("session_id", sess.SessionID))

		case ActionRefreshExpiry:
			sess := e.table[key]
			sess.LastSeen = ev.Now
			sess.Expiry = ev.Now.Add(ev.LeaseTime)
			sess.Status = d.NewStatus
			sess.LastIdleTS = time.Time{}

		case ActionEstablishIP:
			e.establishIP(ctx, key, ev, logger)

		case ActionTeardown:
			cause := d.StopCause
			if cause == "" {
				cause = "User-Request"
			}
			e.terminate(ctx, key, cause, logger)

		case ActionNAKThresholdTeardown:
			e.terminate(ctx, key, "NAK-Threshold", logger)

		case ActionIncrementNAK:
			sess := e.table[key]
			if sess != nil {
				sess.DHCPNakCount++
				sess.Status = StatusPending
			}
		}
	}

	if len(d.Actions) == 0 && exists {
		sess := e.table[key]
		if sess != nil {
			sess.Status = d.NewStatus
			sess.LastSeen = ev.Now
		}
	}
}

// establishIP assigns the session's IP, marks it ACTIVE, emits
// SESSION_START, runs the authorization pipeline, and emits
// POLICY_APPLY. If the session already had an IP (IP-change), the old
// one is torn down first with cause "IP-change".
func (e *Engine) establishIP(ctx context.Context, key SessionKey, ev DHCPEvent, logger *slog.Logger) {
	sess := e.table[key]
	if sess == nil {
		return
	}

	if sess.IP.IsValid() && sess.IP != ev.YIAddr {
		e.terminate(ctx, key, "IP-change", logger)
		sess = e.table[key]
		if sess == nil {
			fresh := NewSession(key, ev.ChaddrHex, ev.Now)
			fresh.RelayID = ev.RelayID
			e.table[key] = &fresh
			e.byID[fresh.SessionID] = key
			e.deps.Metrics.RegisterSession()
			sess = &fresh
		}
		// terminate tombstoned the key; the key is live again under its
		// new IP, and a lingering tombstone would make the reconciler
		// skip this session until the lease's update timestamp advanced.
		delete(e.tombstones, key)
	}

	if oldIP := sess.IP; oldIP.IsValid() {
		delete(e.byIP, oldIP)
	}

	sess.IP = ev.YIAddr
	sess.Status = StatusActive
	sess.AuthState = AuthPending
	sess.Expiry = ev.Now.Add(ev.LeaseTime)
	sess.LastSeen = ev.Now
	sess.LastStatusChangeTS = ev.Now
	e.byIP[sess.IP] = key

	e.dispatch(ctx, sess, EventSessionStart, nil)

	e.runAuthorization(ctx, sess, logger)

	e.dispatch(ctx, sess, EventPolicyApply, map[string]any{
		"download_kbit": sess.QoS.DownloadKbit,
		"upload_kbit":   sess.QoS.UploadKbit,
	})
}

// runAuthorization executes the authorization pipeline. Idempotent:
// re-running on an
// AUTHORIZED session with baselines already captured performs no
// datapath changes and does not resend Acct-Start.
func (e *Engine) runAuthorization(ctx context.Context, sess *Session, logger *slog.Logger) {
	if e.deps.RADIUS == nil {
		return
	}

	req := AuthorizeRequest{
		UserName:         sess.AccessKey(),
		FramedIPAddress:  sess.IP,
		CallingStationID: sess.MAC,
		NASIPAddress:     e.cfg.NASIP,
		NASPortID:        e.cfg.SubscriberIface,
	}

	result, err := e.deps.RADIUS.Authorize(ctx, req)
	if err != nil || result.NoReply {
		e.deps.Metrics.IncRadiusRequest("access", "noreply")
		logger.Warn("radius authorize: no reply, will retry", slog.Any("error", err))
		return
	}

	if !result.Accepted {
		sess.AuthState = AuthRejected
		e.deps.Metrics.IncRadiusRequest("access", "reject")
		logger.Info("radius access-reject")
		return
	}
	e.deps.Metrics.IncRadiusRequest("access", "accept")

	needBaseline := sess.UpHandle == "" && sess.DownHandle == ""
	if needBaseline && e.deps.Rules != nil {
		upHandle, downHandle, installErr := e.deps.Rules.InstallSubscriberRules(ctx, sess.IP, sess.MAC, e.cfg.SubscriberIface)
		if installErr != nil {
			logger.Error("install subscriber rules", slog.Any("error", installErr))
			return
		}
		sess.UpHandle = upHandle
		sess.DownHandle = downHandle

		counters, cErr := e.deps.Rules.SnapshotCounters(ctx, []string{upHandle, downHandle})
		if cErr == nil {
			sess.BaseUpBytes, sess.BaseUpPkts = counters[upHandle].Bytes, counters[upHandle].Packets
			sess.BaseDownBytes, sess.BaseDownPkts = counters[downHandle].Bytes, counters[downHandle].Packets
			sess.LastUpBytes, sess.LastUpPkts = sess.BaseUpBytes, sess.BaseUpPkts
			sess.LastDownBytes, sess.LastDownPkts = sess.BaseDownBytes, sess.BaseDownPkts
		}
	}

	sess.QoS = result.QoS
	if !result.QoS.IsZero() && e.deps.Shaper != nil {
		if _, shapeErr := e.deps.Shaper.AddShaping(ctx, sess.IP, result.QoS.UploadKbit, result.QoS.DownloadKbit,
			result.QoS.UploadBurstKbit, result.QoS.DownloadBurstKbit); shapeErr != nil {
			logger.Warn("add shaping", slog.Any("error", shapeErr))
		}
	}

	if needBaseline && e.deps.Rules != nil {
		if allowErr := e.deps.Rules.Allow(ctx, sess.IP); allowErr != nil {
			logger.Warn("allow ip", slog.Any("error", allowErr))
		}
		if e.deps.RADIUS != nil {
			rec := e.acctRecord(sess, time.Now())
			if startErr := e.deps.RADIUS.AcctStart(ctx, rec); startErr != nil {
				e.deps.Metrics.IncRadiusRequest("acct-start", "error")
				logger.Warn("acct-start", slog.Any("error", startErr))
			} else {
				e.deps.Metrics.IncRadiusRequest("acct-start", "ok")
			}
		}
	}

	sess.AuthState = AuthAuthorized
}

// acctRecord builds an AcctRecord from the session's current counters:
// octet and packet totals are session-relative deltas against the
// baseline captured at rule install.
func (e *Engine) acctRecord(sess *Session, now time.Time) AcctRecord {
	return AcctRecord{
		AcctSessionID:    sess.AcctSessionID(),
		UserName:         sess.AccessKey(),
		FramedIPAddress:  sess.IP,
		CallingStationID: sess.MAC,
		NASIPAddress:     e.cfg.NASIP,
		NASPortID:        e.cfg.SubscriberIface,
		SessionTime:      now.Sub(sess.FirstSeen),
		InputOctets:      saturatedSub(sess.LastUpBytes, sess.BaseUpBytes),
		OutputOctets:     saturatedSub(sess.LastDownBytes, sess.BaseDownBytes),
		InputPackets:     saturatedSub(sess.LastUpPkts, sess.BaseUpPkts),
		OutputPackets:    saturatedSub(sess.LastDownPkts, sess.BaseDownPkts),
	}
}

// terminate runs the terminate pipeline: snapshot counters, remove
// shaping/rules if authorized, send Acct-Stop, emit SESSION_STOP,
// remove from all indexes, and write a tombstone.
func (e *Engine) terminate(ctx context.Context, key SessionKey, cause string, logger *slog.Logger) {
	sess, ok := e.table[key]
	if !ok {
		return
	}

	now := time.Now()

	if sess.AuthState == AuthAuthorized {
		if e.deps.Rules != nil {
			if counters, err := e.deps.Rules.SnapshotCounters(ctx, []string{sess.UpHandle, sess.DownHandle}); err == nil {
				sess.LastUpBytes = counters[sess.UpHandle].Bytes
				sess.LastUpPkts = counters[sess.UpHandle].Packets
				sess.LastDownBytes = counters[sess.DownHandle].Bytes
				sess.LastDownPkts = counters[sess.DownHandle].Packets
			}
		}

		if e.deps.RADIUS != nil {
			rec := e.acctRecord(sess, now)
			if err := e.deps.RADIUS.AcctStop(ctx, rec, cause); err != nil {
				e.deps.Metrics.IncRadiusRequest("acct-stop", "error")
				logger.Warn("acct-stop", slog.Any("error", err))
			} else {
				e.deps.Metrics.IncRadiusRequest("acct-stop", "ok")
			}
		}

		if e.deps.Shaper != nil {
			if _, err := e.deps.Shaper.RemoveShaping(ctx, sess.IP); err != nil {
				logger.Warn("remove shaping", slog.Any("error", err))
			}
		}

		if e.deps.Rules != nil {
			if sess.IP.IsValid() {
				if err := e.deps.Rules.Revoke(ctx, sess.IP); err != nil {
					logger.Warn("revoke ip", slog.Any("error", err))
				}
			}
			for _, h := range []string{sess.UpHandle, sess.DownHandle} {
				if h == "" {
					continue
				}
				if err := e.deps.Rules.DeleteRule(ctx, h); err != nil {
					logger.Warn("delete rule", slog.Any("error", err), slog.String("handle", h))
				}
			}
		}

		sess.AuthState = AuthPending
	}

	e.dispatch(ctx, sess, EventSessionStop, map[string]any{
		"cause":          cause,
		"input_octets":   saturatedSub(sess.LastUpBytes, sess.BaseUpBytes),
		"output_octets":  saturatedSub(sess.LastDownBytes, sess.BaseDownBytes),
		"input_packets":  saturatedSub(sess.LastUpPkts, sess.BaseUpPkts),
		"output_packets": saturatedSub(sess.LastDownPkts, sess.BaseDownPkts),
	})

	if sess.IP.IsValid() {
		delete(e.byIP, sess.IP)
	}
	delete(e.byID, sess.SessionID)
	delete(e.table, key)
	e.deps.Metrics.UnregisterSession(cause)

	e.tombstones[key] = Tombstone{
		IPAtStop:                  sess.IP.String(),
		LatestStateUpdateTSAtStop: sess.LastStatusChangeTS,
		StoppedAt:                 now,
		Reason:                    cause,
	}
}

// dispatch fills in the common Event envelope fields from sess and
// sends it to the event dispatcher, swallowing dispatch errors (logged
// only): dispatch failures are transient, the next state change or
// interim tick produces a fresh event.
func (e *Engine) dispatch(ctx context.Context, sess *Session, typ EventType, extra map[string]any) {
	if e.deps.Events == nil {
		return
	}
	evnt := Event{
		Type:      typ,
		SessionID: sess.SessionID,
		AccessKey: sess.AccessKey(),
		NASIP:     e.cfg.NASIP.String(),
		RemoteID:  sess.Key.RemoteID,
		CircuitID: sess.Key.CircuitID,
		AuthState: sess.AuthState.String(),
		Status:    sess.Status.String(),
		Fields:    extra,
	}
	if err := e.deps.Events.Dispatch(ctx, evnt); err != nil {
		e.deps.Logger.Warn("dispatch event failed", slog.String("type", string(typ)), slog.Any("error", err))
		return
	}
	e.deps.Metrics.IncEventDispatched(string(typ))
}

// -------------------------------------------------------------------------
// Command handling (periodic ticks + CoA)
// -------------------------------------------------------------------------

func (e *Engine) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdInterim:
		e.tickInterim(ctx)
	case CmdReconcile:
		e.tickReconcile(ctx)
	case CmdAuthRetry:
		e.tickAuthRetry(ctx)
	case CmdDisconnectionCheck:
		e.tickDisconnectionCheck(ctx)
	case CmdRouterPing:
		e.tickRouterPing(ctx)
	case CmdBNGHealth:
		e.tickBNGHealth(ctx)
	case CmdCoA:
		if cmd.CoA != nil {
			e.handleCoA(ctx, cmd.CoA)
		}
	}
}

// tickAuthRetry re-runs the authorization pipeline for every session
// stuck in PENDING_AUTH with an IP.
func (e *Engine) tickAuthRetry(ctx context.Context) {
	logger := e.deps.Logger
	for key, sess := range e.table {
		if sess.AuthState == AuthPending && sess.Status != StatusPending && sess.IP.IsValid() {
			e.runAuthorization(ctx, sess, logger.With(slog.String("key", key.String())))
		}
	}
}

// tickInterim reads counters, runs idle detection, and sends an
// Acct-Interim for every authorized session.
func (e *Engine) tickInterim(ctx context.Context) {
	now := time.Now()
	for _, sess := range e.table {
		if sess.AuthState != AuthAuthorized {
			continue
		}
		if sess.Status != StatusActive && sess.Status != StatusIdle {
			continue
		}

		if e.deps.Rules != nil {
			if counters, err := e.deps.Rules.SnapshotCounters(ctx, []string{sess.UpHandle, sess.DownHandle}); err == nil {
				e.updateIdleState(sess, counters[sess.UpHandle], counters[sess.DownHandle], now)
			}
		}

		if e.deps.RADIUS != nil {
			rec := e.acctRecord(sess, now)
			if err := e.deps.RADIUS.AcctInterim(ctx, rec); err != nil {
				e.deps.Metrics.IncRadiusRequest("acct-interim", "error")
				e.deps.Logger.Warn("acct-interim", slog.Any("error", err))
			} else {
				e.deps.Metrics.IncRadiusRequest("acct-interim", "ok")
			}
		}

		e.dispatch(ctx, sess, EventSessionUpdate, map[string]any{
			"input_octets":   saturatedSub(sess.LastUpBytes, sess.BaseUpBytes),
			"output_octets":  saturatedSub(sess.LastDownBytes, sess.BaseDownBytes),
			"input_packets":  saturatedSub(sess.LastUpPkts, sess.BaseUpPkts),
			"output_packets": saturatedSub(sess.LastDownPkts, sess.BaseDownPkts),
		})

		sess.LastInterim = now
	}
}

// updateIdleState applies the traffic-delta idle heuristics and rolls
// the session's running byte/packet totals forward to the new snapshot.
func (e *Engine) updateIdleState(sess *Session, up, down Counters, now time.Time) {
	inDelta := saturatedSub(up.Bytes, sess.BaseUpBytes)
	outDelta := saturatedSub(down.Bytes, sess.BaseDownBytes)

	prevIn := saturatedSub(sess.LastUpBytes, sess.BaseUpBytes)
	prevOut := saturatedSub(sess.LastDownBytes, sess.BaseDownBytes)

	trafficGrew := inDelta > prevIn || outDelta > prevOut
	if trafficGrew {
		sess.LastTrafficSeenTS = now
	}

	sess.LastUpBytes = up.Bytes
	sess.LastUpPkts = up.Packets
	sess.LastDownBytes = down.Bytes
	sess.LastDownPkts = down.Packets

	switch {
	case sess.LastTrafficSeenTS.IsZero() && now.Sub(sess.FirstSeen) >= e.cfg.IdleGraceAfterConnect:
		e.markIdle(sess, now)
	case !trafficGrew && !sess.LastTrafficSeenTS.IsZero() && now.Sub(sess.LastTrafficSeenTS) >= e.cfg.MarkIdleGrace:
		e.markIdle(sess, now)
	default:
		sess.Status = StatusActive
	}
}

func (e *Engine) markIdle(sess *Session, now time.Time) {
	if sess.Status != StatusIdle {
		sess.LastIdleTS = now
	}
	sess.Status = StatusIdle
}

func saturatedSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// tickDisconnectionCheck tears down sessions that have sat idle past
// the grace period, when idle disconnect is enabled.
func (e *Engine) tickDisconnectionCheck(ctx context.Context) {
	if !e.cfg.EnableIdleDisconnect {
		return
	}
	now := time.Now()
	logger := e.deps.Logger

	grace := e.cfg.MarkDisconnectGrace
	if grace <= 0 {
		grace = e.cfg.MarkIdleGrace
	}
	for key, sess := range e.table {
		if sess.Status == StatusIdle && !sess.LastIdleTS.IsZero() && now.Sub(sess.LastIdleTS) >= grace {
			e.terminate(ctx, key, "Idle-Timeout", logger.With(slog.String("key", key.String())))
		}
	}
}

// tickReconcile converges the session table onto the authoritative
// lease snapshot.
func (e *Engine) tickReconcile(ctx context.Context) {
	if e.deps.Leases == nil {
		return
	}
	logger := e.deps.Logger
	now := time.Now()

	leases, err := e.deps.Leases.FetchLeases(ctx)
	if err != nil {
		logger.Warn("fetch leases", slog.Any("error", err))
		return
	}

	seen := make(map[SessionKey]struct{}, len(leases))

	for _, l := range leases {
		key := SessionKey{BNGID: e.cfg.BNGID, CircuitID: l.CircuitID, RemoteID: l.RemoteID}
		seen[key] = struct{}{}

		if ts, ok := e.tombstones[key]; ok {
			if ts.SuppressesResurrection(l.LastStateUpdateTS) {
				continue
			}
			delete(e.tombstones, key)
		}

		e.reconcileOne(ctx, key, l, now, logger)
	}

	e.reconcileMissing(ctx, seen, now, logger)
	e.expireTombstones(now)
}

func (e *Engine) reconcileOne(ctx context.Context, key SessionKey, l Lease, now time.Time, logger *slog.Logger) {
	sess, exists := e.table[key]

	if !exists && l.IsActive {
		fresh := NewSession(key, l.MAC, now)
		fresh.RelayID = l.RelayID
		e.table[key] = &fresh
		e.byID[fresh.SessionID] = key
		e.deps.Metrics.RegisterSession()
		ev := DHCPEvent{Type: DHCPAck, ChaddrHex: l.MAC, YIAddr: l.IP, Now: now, RelayID: l.RelayID,
			LeaseTime: l.Expiry.Sub(now)}
		e.establishIP(ctx, key, ev, logger)
		return
	}

	if !exists {
		return
	}

	ackGrace := 8 * time.Second
	if !sess.IP.IsValid() && now.Sub(sess.FirstSeen) >= ackGrace && l.IP.IsValid() {
		ev := DHCPEvent{Type: DHCPAck, ChaddrHex: sess.MAC, YIAddr: l.IP, Now: now, RelayID: l.RelayID,
			LeaseTime: l.Expiry.Sub(now)}
		e.establishIP(ctx, key, ev, logger)
		sess = e.table[key]
	}

	if sess == nil {
		return
	}

	if !l.Expiry.IsZero() && !l.Expiry.Equal(sess.Expiry) {
		sess.Expiry = l.Expiry
	}

	if l.IP.IsValid() && sess.IP.IsValid() && l.IP != sess.IP {
		ev := DHCPEvent{Type: DHCPAck, ChaddrHex: sess.MAC, YIAddr: l.IP, Now: now, RelayID: l.RelayID,
			LeaseTime: l.Expiry.Sub(now)}
		e.establishIP(ctx, key, ev, logger)
	}
}

func (e *Engine) reconcileMissing(ctx context.Context, seen map[SessionKey]struct{}, now time.Time, logger *slog.Logger) {
	for key, sess := range e.table {
		if _, ok := seen[key]; ok {
			continue
		}
		if sess.Expiry.Before(now) {
			e.terminate(ctx, key, "Reconcile-Timeout", logger.With(slog.String("key", key.String())))
		}
	}
}

func (e *Engine) expireTombstones(now time.Time) {
	for key, ts := range e.tombstones {
		if ts.Expired(now, e.cfg.TombstoneTTL, e.cfg.TombstoneExpiryGrace) || ts.PastGrace(now, e.cfg.TombstoneExpiryGrace) {
			delete(e.tombstones, key)
		}
	}
}

// tickRouterPing and tickBNGHealth delegate to the router/health
// components but run synchronously on the engine goroutine so
// their blocking I/O (ICMP echo, cgroup reads) never races session
// mutation.
func (e *Engine) tickRouterPing(ctx context.Context) {
	if e.deps.Routers == nil {
		return
	}
	events, err := e.deps.Routers.Tick(ctx, time.Now())
	if err != nil {
		e.deps.Logger.Warn("router tick", slog.Any("error", err))
		return
	}
	for _, ev := range events {
		e.dispatchRaw(ctx, ev)
	}
}

func (e *Engine) tickBNGHealth(ctx context.Context) {
	if e.deps.Health == nil {
		return
	}
	ev, err := e.deps.Health.Tick(ctx, time.Now())
	if err != nil {
		e.deps.Logger.Warn("health tick", slog.Any("error", err))
		return
	}
	e.dispatchRaw(ctx, ev)
}

func (e *Engine) dispatchRaw(ctx context.Context, ev Event) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Dispatch(ctx, ev); err != nil {
		e.deps.Logger.Warn("dispatch event failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
		return
	}
	e.deps.Metrics.IncEventDispatched(string(ev.Type))
}

// -------------------------------------------------------------------------
// CoA bridge
// -------------------------------------------------------------------------

// CoACommand is the engine-side representation of a decoded CoA
// request, carrying a one-shot reply promise the accept-loop blocks on.
type CoACommand struct {
	Action    string // "disconnect" or "policy_change"
	SessionID string
	FilterID  string
	Reply     chan CoAReply
}

// CoAReply is the JSON-serializable response written back to the CoA
// socket client.
type CoAReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (e *Engine) handleCoA(ctx context.Context, cmd *CoACommand) {
	defer close(cmd.Reply)

	switch cmd.Action {
	case "disconnect":
		key, ok := e.byID[cmd.SessionID]
		if !ok {
			e.deps.Metrics.IncCoARequest(cmd.Action, false)
			cmd.Reply <- CoAReply{Success: false, Error: ErrSessionNotFound.Error()}
			return
		}
		e.terminate(ctx, key, "Admin-Reset", e.deps.Logger.With(slog.String("key", key.String())))
		e.deps.Metrics.IncCoARequest(cmd.Action, true)
		cmd.Reply <- CoAReply{Success: true}

	case "policy_change":
		// Reserved: acknowledge without action.
		e.deps.Metrics.IncCoARequest(cmd.Action, true)
		cmd.Reply <- CoAReply{Success: true}

	default:
		e.deps.Metrics.IncCoARequest(cmd.Action, false)
		cmd.Reply <- CoAReply{Success: false, Error: fmt.Sprintf("unknown coa action %q", cmd.Action)}
	}
}
