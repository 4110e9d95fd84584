package engine

// MetricsReporter receives counters from the engine's hot path. The
// concrete Prometheus implementation lives in internal/metrics; the
// engine only sees this interface so the domain package stays free of
// client_golang types.
type MetricsReporter interface {
	// RegisterSession is called when a session is inserted into the table.
	RegisterSession()
	// UnregisterSession is called when a session is terminated, with the
	// Acct-Terminate-Cause it was stopped with.
	UnregisterSession(cause string)
	// IncDHCPEvent counts one decoded DHCP message by type name.
	IncDHCPEvent(msgType string)
	// IncRadiusRequest counts one RADIUS round trip by kind
	// (access/acct-start/acct-interim/acct-stop) and result.
	IncRadiusRequest(kind, result string)
	// IncEventDispatched counts one event handed to the dispatcher.
	IncEventDispatched(eventType string)
	// IncCoARequest counts one CoA bridge request by action and outcome.
	IncCoARequest(action string, success bool)
}

// noopMetrics is the default MetricsReporter when none is configured.
type noopMetrics struct{}

func (noopMetrics) RegisterSession()                  {}
func (noopMetrics) UnregisterSession(string)          {}
func (noopMetrics) IncDHCPEvent(string)               {}
func (noopMetrics) IncRadiusRequest(string, string)   {}
func (noopMetrics) IncEventDispatched(string)         {}
func (noopMetrics) IncCoARequest(string, bool)        {}
