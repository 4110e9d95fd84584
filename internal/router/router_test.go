package router

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestObserveMarksRouterAliveOnFirstSeen(t *testing.T) {
	t.Parallel()

	tr := New(Config{PingInterval: time.Minute})
	now := time.Now()
	tr.Observe("r1", netip.MustParseAddr("10.0.0.1"), now)

	tr.mu.Lock()
	r, ok := tr.routers["r1"]
	tr.mu.Unlock()
	if !ok {
		t.Fatal("expected router r1 to be tracked")
	}
	if !r.isAlive {
		t.Error("expected router to be marked alive on first observation")
	}
	if r.firstSeen != now || r.lastSeen != now {
		t.Errorf("firstSeen/lastSeen = %v/%v, want %v", r.firstSeen, r.lastSeen, now)
	}
}

func TestObserveIgnoresUnspecifiedGiaddr(t *testing.T) {
	t.Parallel()

	tr := New(Config{})
	tr.Observe("r1", netip.MustParseAddr("0.0.0.0"), time.Now())

	tr.mu.Lock()
	_, ok := tr.routers["r1"]
	tr.mu.Unlock()
	if ok {
		t.Error("expected an unspecified giaddr to be ignored")
	}
}

func TestObserveRefreshesNextPing(t *testing.T) {
	t.Parallel()

	tr := New(Config{PingInterval: 5 * time.Second})
	t0 := time.Now()
	tr.Observe("r1", netip.MustParseAddr("10.0.0.1"), t0)

	t1 := t0.Add(2 * time.Second)
	tr.Observe("r1", netip.MustParseAddr("10.0.0.1"), t1)

	tr.mu.Lock()
	r := tr.routers["r1"]
	tr.mu.Unlock()

	want := t1.Add(5 * time.Second)
	if !r.nextPing.Equal(want) {
		t.Errorf("nextPing = %v, want %v", r.nextPing, want)
	}
}

func TestTickSkipsRoutersNotYetDue(t *testing.T) {
	t.Parallel()

	tr := New(Config{PingInterval: time.Hour})
	now := time.Now()
	tr.Observe("r1", netip.MustParseAddr("10.0.0.1"), now)

	events, err := tr.Tick(context.Background(), now.Add(time.Second))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events for a router not yet due, got %d", len(events))
	}
}

func TestRouterEventFields(t *testing.T) {
	t.Parallel()

	r := &routerState{
		giaddr:    netip.MustParseAddr("10.0.0.1"),
		firstSeen: time.Unix(1000, 0),
		lastSeen:  time.Unix(2000, 0),
		isAlive:   true,
	}
	ev := routerEvent("r1", r)
	if ev.Type != "ROUTER_UPDATE" {
		t.Errorf("Type = %v, want ROUTER_UPDATE", ev.Type)
	}
	if ev.Fields["router_name"] != "r1" {
		t.Errorf("router_name = %v, want r1", ev.Fields["router_name"])
	}
	if ev.Fields["giaddr"] != "10.0.0.1" {
		t.Errorf("giaddr = %v, want 10.0.0.1", ev.Fields["giaddr"])
	}
}
