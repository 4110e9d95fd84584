package bngmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/saphalpdyl/aether/internal/engine"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "bngd"
	subsystem = "session"
)

// Label names for BNG metrics.
const (
	labelMsgType   = "msg_type"
	labelKind      = "kind"
	labelResult    = "result"
	labelEventType = "event_type"
	labelAction    = "action"
	labelCause     = "cause"
)

// -------------------------------------------------------------------------
// Collector — Prometheus BNG Metrics
// -------------------------------------------------------------------------

// Collector holds all BNG Prometheus metrics.
//
// Metrics are designed for production ISP monitoring:
//   - The sessions gauge tracks the live subscriber table size.
//   - DHCP counters track decode volumes per message type.
//   - RADIUS counters record auth/acct outcomes for alerting on
//     reject spikes or an unreachable AAA server.
//   - Stop counters are labeled by terminate cause so operators can
//     distinguish user churn from reconcile/idle teardown storms.
type Collector struct {
	// Sessions tracks the number of entries in the subscriber session
	// table. Incremented on session creation, decremented on termination.
	Sessions prometheus.Gauge

	// SessionStops counts terminated sessions per Acct-Terminate-Cause.
	SessionStops *prometheus.CounterVec

	// DHCPEvents counts decoded DHCP messages handed to the engine,
	// per message type (DISCOVER/REQUEST/ACK/NAK/RELEASE).
	DHCPEvents *prometheus.CounterVec

	// RadiusRequests counts RADIUS round trips per kind (access,
	// acct-start, acct-interim, acct-stop) and result.
	RadiusRequests *prometheus.CounterVec

	// EventsDispatched counts events published to the downstream stream,
	// per event type.
	EventsDispatched *prometheus.CounterVec

	// CoARequests counts CoA bridge requests per action and outcome.
	CoARequests *prometheus.CounterVec
}

var _ engine.MetricsReporter = (*Collector)(nil)

// NewCollector creates a Collector with all BNG metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "bngd_session_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.SessionStops,
		c.DHCPEvents,
		c.RadiusRequests,
		c.EventsDispatched,
		c.CoARequests,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "count",
			Help:      "Number of entries in the subscriber session table.",
		}),

		SessionStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Total terminated sessions per Acct-Terminate-Cause.",
		}, []string{labelCause}),

		DHCPEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dhcp",
			Name:      "events_total",
			Help:      "Total decoded DHCP messages processed by the engine.",
		}, []string{labelMsgType}),

		RadiusRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "radius",
			Name:      "requests_total",
			Help:      "Total RADIUS authorization and accounting round trips.",
		}, []string{labelKind, labelResult}),

		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Total events published to the downstream event stream.",
		}, []string{labelEventType}),

		CoARequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coa",
			Name:      "requests_total",
			Help:      "Total CoA bridge requests by action and outcome.",
		}, []string{labelAction, labelResult}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the session table gauge.
// Called when the engine inserts a session into the table.
func (c *Collector) RegisterSession() {
	c.Sessions.Inc()
}

// UnregisterSession decrements the session table gauge and counts the
// stop under its terminate cause. Called when the engine removes a
// session from the table.
func (c *Collector) UnregisterSession(cause string) {
	c.Sessions.Dec()
	c.SessionStops.WithLabelValues(cause).Inc()
}

// -------------------------------------------------------------------------
// Protocol Counters
// -------------------------------------------------------------------------

// IncDHCPEvent increments the decoded DHCP message counter for msgType.
// Called once per event the sniffer delivers to the engine.
func (c *Collector) IncDHCPEvent(msgType string) {
	c.DHCPEvents.WithLabelValues(msgType).Inc()
}

// IncRadiusRequest increments the RADIUS round-trip counter for the given
// request kind and result (accept/reject/noreply for access, ok/error for
// accounting).
func (c *Collector) IncRadiusRequest(kind, result string) {
	c.RadiusRequests.WithLabelValues(kind, result).Inc()
}

// IncEventDispatched increments the dispatched-event counter for eventType.
// Called only after the dispatcher confirms the append succeeded.
func (c *Collector) IncEventDispatched(eventType string) {
	c.EventsDispatched.WithLabelValues(eventType).Inc()
}

// IncCoARequest increments the CoA request counter for the given action
// and outcome.
func (c *Collector) IncCoARequest(action string, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	c.CoARequests.WithLabelValues(action, result).Inc()
}
