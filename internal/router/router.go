// Package router implements the session engine's access-router
// liveness tracker: it learns routers passively from relayed DHCP
// traffic (via Observe) and actively pings ones overdue for a check
// (via Tick), emitting a router-update event on every liveness change.
package router

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/saphalpdyl/aether/internal/engine"
)

// routerState is the liveness record for one access router, keyed by
// the name extracted from its DHCP relay circuit-id prefix.
type routerState struct {
	giaddr    netip.Addr
	firstSeen time.Time
	lastSeen  time.Time
	isAlive   bool
	nextPing  time.Time
}

// Config configures a Tracker.
type Config struct {
	PingInterval time.Duration // minimum time between liveness pings to the same router
	PingTimeout  time.Duration // bounds a single ping round trip
}

// Tracker implements engine.RouterTracker. A router is considered alive
// as soon as it relays a DHCP packet; routers overdue for a check (no
// DHCP traffic within PingInterval) are actively pinged on Tick.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	routers map[string]*routerState
}

var _ engine.RouterTracker = (*Tracker)(nil)

// New builds a Tracker.
func New(cfg Config) *Tracker {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 1 * time.Second
	}
	return &Tracker{cfg: cfg, routers: make(map[string]*routerState)}
}

// Observe records that routerName relayed a DHCP packet with the given
// giaddr at now, marking it alive if it wasn't already and pushing back
// its next scheduled active ping. Events for the resulting liveness
// change, if any, are collected by the next Tick call rather than
// returned here, keeping Observe's signature event-free per
// engine.RouterTracker.
func (t *Tracker) Observe(routerName string, giaddr netip.Addr, now time.Time) {
	if routerName == "" || !giaddr.IsValid() || giaddr.IsUnspecified() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.routers[routerName]
	if !ok {
		t.routers[routerName] = &routerState{
			giaddr:    giaddr,
			firstSeen: now,
			lastSeen:  now,
			isAlive:   true,
			nextPing:  now.Add(t.cfg.PingInterval),
		}
		return
	}

	r.lastSeen = now
	r.giaddr = giaddr
	r.isAlive = true
	r.nextPing = now.Add(t.cfg.PingInterval)
}

// Tick actively pings any router overdue for a check and returns a
// router-update event for every router whose liveness it (re)confirmed
// this round.
func (t *Tracker) Tick(ctx context.Context, now time.Time) ([]engine.Event, error) {
	type pingJob struct {
		name   string
		giaddr netip.Addr
	}

	t.mu.Lock()
	var due []pingJob
	for name, r := range t.routers {
		if now.Before(r.nextPing) {
			continue
		}
		due = append(due, pingJob{name: name, giaddr: r.giaddr})
	}
	t.mu.Unlock()

	var events []engine.Event
	for _, job := range due {
		alive := t.ping(ctx, job.giaddr)

		t.mu.Lock()
		r, ok := t.routers[job.name]
		if !ok {
			t.mu.Unlock()
			continue
		}
		r.isAlive = alive
		r.nextPing = now.Add(t.cfg.PingInterval)
		ev := routerEvent(job.name, r)
		t.mu.Unlock()

		events = append(events, ev)
	}
	return events, nil
}

func routerEvent(name string, r *routerState) engine.Event {
	return engine.Event{
		Type: engine.EventRouterUpdate,
		Fields: map[string]any{
			"router_name": name,
			"giaddr":      r.giaddr.String(),
			"is_alive":    r.isAlive,
			"first_seen":  r.firstSeen,
			"last_seen":   r.lastSeen,
		},
	}
}

// ping sends a single ICMP echo request and waits up to cfg.PingTimeout
// for a reply, the same liveness signal the lab harness gets from
// `ping -c 1 -W 1`.
func (t *Tracker) ping(ctx context.Context, dst netip.Addr) bool {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return false
	}
	defer conn.Close()

	deadline := time.Now().Add(t.cfg.PingTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(time.Now().UnixNano() & 0xffff),
			Seq:  1,
			Data: []byte("aether-router-liveness"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false
	}

	if _, err := conn.WriteTo(wb, &net.IPAddr{IP: net.IP(dst.AsSlice())}); err != nil {
		return false
	}

	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			return false
		}
		peerIP, ok := peer.(*net.IPAddr)
		if !ok || !netip.MustParseAddr(peerIP.IP.String()).Unmap().Is4() {
			continue
		}
		parsed, err := icmp.ParseMessage(1 /* ipv4.ICMPTypeEchoReply.Protocol() */, rb[:n])
		if err != nil {
			continue
		}
		if parsed.Type == ipv4.ICMPTypeEchoReply {
			return true
		}
	}
}
