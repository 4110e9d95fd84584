package bngmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	bngmetrics "github.com/saphalpdyl/aether/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := bngmetrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.SessionStops == nil {
		t.Error("SessionStops is nil")
	}
	if c.DHCPEvents == nil {
		t.Error("DHCPEvents is nil")
	}
	if c.RadiusRequests == nil {
		t.Error("RadiusRequests is nil")
	}
	if c.EventsDispatched == nil {
		t.Error("EventsDispatched is nil")
	}
	if c.CoARequests == nil {
		t.Error("CoARequests is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestRegisterUnregisterSession(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := bngmetrics.NewCollector(reg)

	c.RegisterSession()
	c.RegisterSession()

	if val := gaugeValue(t, c.Sessions); val != 2 {
		t.Errorf("after two RegisterSession: sessions gauge = %v, want 2", val)
	}

	c.UnregisterSession("User-Request")

	if val := gaugeValue(t, c.Sessions); val != 1 {
		t.Errorf("after UnregisterSession: sessions gauge = %v, want 1", val)
	}
	if val := counterValue(t, c.SessionStops, "User-Request"); val != 1 {
		t.Errorf("SessionStops(User-Request) = %v, want 1", val)
	}

	// A second cause lands on its own label, not the first.
	c.UnregisterSession("Admin-Reset")

	if val := counterValue(t, c.SessionStops, "Admin-Reset"); val != 1 {
		t.Errorf("SessionStops(Admin-Reset) = %v, want 1", val)
	}
	if val := counterValue(t, c.SessionStops, "User-Request"); val != 1 {
		t.Errorf("SessionStops(User-Request) = %v, want 1 (should be unaffected)", val)
	}
}

func TestProtocolCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := bngmetrics.NewCollector(reg)

	c.IncDHCPEvent("ACK")
	c.IncDHCPEvent("ACK")
	c.IncDHCPEvent("NAK")

	if val := counterValue(t, c.DHCPEvents, "ACK"); val != 2 {
		t.Errorf("DHCPEvents(ACK) = %v, want 2", val)
	}
	if val := counterValue(t, c.DHCPEvents, "NAK"); val != 1 {
		t.Errorf("DHCPEvents(NAK) = %v, want 1", val)
	}

	c.IncRadiusRequest("access", "accept")
	c.IncRadiusRequest("access", "reject")
	c.IncRadiusRequest("acct-start", "ok")

	if val := counterValue(t, c.RadiusRequests, "access", "accept"); val != 1 {
		t.Errorf("RadiusRequests(access,accept) = %v, want 1", val)
	}
	if val := counterValue(t, c.RadiusRequests, "access", "reject"); val != 1 {
		t.Errorf("RadiusRequests(access,reject) = %v, want 1", val)
	}
	if val := counterValue(t, c.RadiusRequests, "acct-start", "ok"); val != 1 {
		t.Errorf("RadiusRequests(acct-start,ok) = %v, want 1", val)
	}

	c.IncEventDispatched("SESSION_START")

	if val := counterValue(t, c.EventsDispatched, "SESSION_START"); val != 1 {
		t.Errorf("EventsDispatched(SESSION_START) = %v, want 1", val)
	}
}

func TestCoARequests(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := bngmetrics.NewCollector(reg)

	c.IncCoARequest("disconnect", true)
	c.IncCoARequest("disconnect", false)
	c.IncCoARequest("disconnect", false)

	if val := counterValue(t, c.CoARequests, "disconnect", "ok"); val != 1 {
		t.Errorf("CoARequests(disconnect,ok) = %v, want 1", val)
	}
	if val := counterValue(t, c.CoARequests, "disconnect", "error"); val != 2 {
		t.Errorf("CoARequests(disconnect,error) = %v, want 2", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a plain Gauge.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
