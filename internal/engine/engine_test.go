package engine_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/saphalpdyl/aether/internal/engine"
)

// fakeRadius is a minimal RadiusClient double recording calls.
type fakeRadius struct {
	mu          sync.Mutex
	accept      bool
	qos         engine.QoS
	acctStarts  int
	acctStops   int
	lastInterim engine.AcctRecord
}

func (f *fakeRadius) Authorize(_ context.Context, _ engine.AuthorizeRequest) (engine.AuthorizeResult, error) {
	return engine.AuthorizeResult{Accepted: f.accept, QoS: f.qos}, nil
}

func (f *fakeRadius) AcctStart(_ context.Context, _ engine.AcctRecord) error {
	f.mu.Lock()
	f.acctStarts++
	f.mu.Unlock()
	return nil
}

func (f *fakeRadius) AcctInterim(_ context.Context, rec engine.AcctRecord) error {
	f.mu.Lock()
	f.lastInterim = rec
	f.mu.Unlock()
	return nil
}

func (f *fakeRadius) AcctStop(_ context.Context, _ engine.AcctRecord, _ string) error {
	f.mu.Lock()
	f.acctStops++
	f.mu.Unlock()
	return nil
}

// fakeRules is a minimal RuleEngine double. SnapshotCounters reports
// the same settable counters for every handle.
type fakeRules struct {
	mu       sync.Mutex
	deleted  []string
	allowed  []netip.Addr
	revoked  []netip.Addr
	nextHandle int
	counters engine.Counters
}

func (f *fakeRules) setCounters(c engine.Counters) {
	f.mu.Lock()
	f.counters = c
	f.mu.Unlock()
}

func (f *fakeRules) InstallSubscriberRules(_ context.Context, _ netip.Addr, _, _ string) (string, string, error) {
	f.mu.Lock()
	f.nextHandle++
	up := "up-" + time.Now().String()
	down := "down-" + time.Now().String()
	f.mu.Unlock()
	return up, down, nil
}

func (f *fakeRules) DeleteRule(_ context.Context, handle string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, handle)
	f.mu.Unlock()
	return nil
}

func (f *fakeRules) SnapshotCounters(_ context.Context, handles []string) (map[string]engine.Counters, error) {
	f.mu.Lock()
	c := f.counters
	f.mu.Unlock()
	out := make(map[string]engine.Counters, len(handles))
	for _, h := range handles {
		out[h] = c
	}
	return out, nil
}

func (f *fakeRules) Allow(_ context.Context, ip netip.Addr) error {
	f.mu.Lock()
	f.allowed = append(f.allowed, ip)
	f.mu.Unlock()
	return nil
}

func (f *fakeRules) Revoke(_ context.Context, ip netip.Addr) error {
	f.mu.Lock()
	f.revoked = append(f.revoked, ip)
	f.mu.Unlock()
	return nil
}

// fakeDispatcher records every dispatched event.
type fakeDispatcher struct {
	mu     sync.Mutex
	events []engine.Event
}

func (f *fakeDispatcher) Dispatch(_ context.Context, ev engine.Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) types() []engine.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestEngine(t *testing.T, radius *fakeRadius, rules *fakeRules, disp *fakeDispatcher) *engine.Engine {
	t.Helper()
	cfg := engine.Config{
		BNGID:                 "bng-test",
		NASIP:                 netip.MustParseAddr("10.255.0.1"),
		SubscriberIface:       "eth0",
		NAKThreshold:          3,
		MarkIdleGrace:         20 * time.Second,
		IdleGraceAfterConnect: 40 * time.Second,
		TombstoneTTL:          600 * time.Second,
		TombstoneExpiryGrace:  60 * time.Second,
	}
	return engine.New(cfg, engine.Deps{RADIUS: radius, Rules: rules, Events: disp})
}

// TestEngineEstablishesAndAuthorizesSession drives a REQUEST then an
// ACK through Run() and checks that authorization and accounting
// happen, end to end.
func TestEngineEstablishesAndAuthorizesSession(t *testing.T) {
	t.Parallel()

	radius := &fakeRadius{accept: true, qos: engine.QoS{DownloadKbit: 10000, UploadKbit: 2000}}
	rules := &fakeRules{}
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, radius, rules, disp)

	dhcpCh := make(chan engine.DHCPEvent, 4)
	cmdCh := make(chan engine.Command, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx, dhcpCh, cmdCh)
		close(done)
	}()

	now := time.Now()
	dhcpCh <- engine.DHCPEvent{Type: engine.DHCPRequest, ChaddrHex: "aa:bb:cc:dd:ee:ff", CircuitID: "r1|p1", RemoteID: "sub-1", Now: now}
	dhcpCh <- engine.DHCPEvent{
		Type: engine.DHCPAck, ChaddrHex: "aa:bb:cc:dd:ee:ff", CircuitID: "r1|p1", RemoteID: "sub-1",
		YIAddr: netip.MustParseAddr("10.1.2.3"), LeaseTime: time.Hour, Now: now,
	}

	waitForEvents(t, disp, 2)

	cancel()
	<-done

	if radius.acctStarts != 1 {
		t.Errorf("acctStarts = %d, want 1", radius.acctStarts)
	}

	types := disp.types()
	if len(types) < 2 || types[0] != engine.EventSessionStart || types[1] != engine.EventPolicyApply {
		t.Errorf("dispatched event types = %v, want [SESSION_START, POLICY_APPLY, ...]", types)
	}
}

// TestEngineCoADisconnect verifies the CoA bridge path: a disconnect
// command for an unknown session_id returns success=false, and the
// reply channel is always closed so the IPC handler's read never hangs.
func TestEngineCoADisconnectUnknownSession(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, &fakeRadius{}, &fakeRules{}, &fakeDispatcher{})

	dhcpCh := make(chan engine.DHCPEvent)
	cmdCh := make(chan engine.Command, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx, dhcpCh, cmdCh)
		close(done)
	}()

	reply := make(chan engine.CoAReply, 1)
	cmdCh <- engine.Command{Kind: engine.CmdCoA, CoA: &engine.CoACommand{Action: "disconnect", SessionID: "nonexistent", Reply: reply}}

	select {
	case r := <-reply:
		if r.Success {
			t.Error("disconnect of unknown session should not succeed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CoA reply")
	}

	cancel()
	<-done
}

// TestEngineInterimReportsPacketDeltas drives a full session bring-up,
// advances the datapath counters, and checks that the interim tick
// carries baseline-relative octet AND packet deltas both in the
// Acct-Interim record and on the SESSION_UPDATE event.
func TestEngineInterimReportsPacketDeltas(t *testing.T) {
	t.Parallel()

	radius := &fakeRadius{accept: true}
	rules := &fakeRules{}
	rules.setCounters(engine.Counters{Bytes: 100, Packets: 2})
	disp := &fakeDispatcher{}
	eng := newTestEngine(t, radius, rules, disp)

	dhcpCh := make(chan engine.DHCPEvent, 4)
	cmdCh := make(chan engine.Command, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx, dhcpCh, cmdCh)
		close(done)
	}()

	now := time.Now()
	dhcpCh <- engine.DHCPEvent{Type: engine.DHCPRequest, ChaddrHex: "aa:bb:cc:dd:ee:ff", CircuitID: "r1|p1", RemoteID: "sub-1", Now: now}
	dhcpCh <- engine.DHCPEvent{
		Type: engine.DHCPAck, ChaddrHex: "aa:bb:cc:dd:ee:ff", CircuitID: "r1|p1", RemoteID: "sub-1",
		YIAddr: netip.MustParseAddr("10.1.2.3"), LeaseTime: time.Hour, Now: now,
	}
	waitForEvents(t, disp, 2) // SESSION_START + POLICY_APPLY; baseline captured at 100/2

	rules.setCounters(engine.Counters{Bytes: 100 + 5_000_000_000, Packets: 2 + 4_000_000})
	cmdCh <- engine.Command{Kind: engine.CmdInterim}
	waitForEvents(t, disp, 3)

	cancel()
	<-done

	radius.mu.Lock()
	rec := radius.lastInterim
	radius.mu.Unlock()

	if rec.InputOctets != 5_000_000_000 || rec.OutputOctets != 5_000_000_000 {
		t.Errorf("interim octets = %d/%d, want 5000000000 each", rec.InputOctets, rec.OutputOctets)
	}
	if rec.InputPackets != 4_000_000 || rec.OutputPackets != 4_000_000 {
		t.Errorf("interim packets = %d/%d, want 4000000 each", rec.InputPackets, rec.OutputPackets)
	}

	disp.mu.Lock()
	update := disp.events[2]
	disp.mu.Unlock()

	if update.Type != engine.EventSessionUpdate {
		t.Fatalf("third event = %v, want SESSION_UPDATE", update.Type)
	}
	if got := update.Fields["input_packets"]; got != uint64(4_000_000) {
		t.Errorf("event input_packets = %v, want 4000000", got)
	}
	if got := update.Fields["output_octets"]; got != uint64(5_000_000_000) {
		t.Errorf("event output_octets = %v, want 5000000000", got)
	}
}

func waitForEvents(t *testing.T, disp *fakeDispatcher, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		disp.mu.Lock()
		count := len(disp.events)
		disp.mu.Unlock()
		if count >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, count)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
