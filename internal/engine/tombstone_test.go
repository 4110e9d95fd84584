package engine_test

import (
	"testing"
	"time"

	"github.com/saphalpdyl/aether/internal/engine"
)

func TestTombstoneSuppressesResurrection(t *testing.T) {
	t.Parallel()

	stoppedAt := time.Unix(1700000000, 0)
	ts := engine.Tombstone{LatestStateUpdateTSAtStop: stoppedAt, StoppedAt: stoppedAt, Reason: "User-Request"}

	if !ts.SuppressesResurrection(stoppedAt) {
		t.Error("equal lease timestamp should still be suppressed")
	}
	if !ts.SuppressesResurrection(stoppedAt.Add(-time.Second)) {
		t.Error("older lease timestamp should be suppressed")
	}
	if ts.SuppressesResurrection(stoppedAt.Add(time.Second)) {
		t.Error("a strictly newer lease timestamp should clear suppression")
	}
}

func TestTombstoneExpired(t *testing.T) {
	t.Parallel()

	stoppedAt := time.Unix(1700000000, 0)
	ts := engine.Tombstone{StoppedAt: stoppedAt}

	if ts.Expired(stoppedAt.Add(5*time.Minute), 10*time.Minute, time.Minute) {
		t.Error("tombstone should not be expired before its TTL")
	}
	if !ts.Expired(stoppedAt.Add(11*time.Minute), 10*time.Minute, time.Minute) {
		t.Error("tombstone should be expired past its TTL")
	}
}

func TestTombstonePastGrace(t *testing.T) {
	t.Parallel()

	ts := engine.Tombstone{LatestStateUpdateTSAtStop: time.Unix(1700000000, 0)}

	if ts.PastGrace(ts.LatestStateUpdateTSAtStop.Add(30*time.Second), time.Minute) {
		t.Error("should not be past grace before the window elapses")
	}
	if !ts.PastGrace(ts.LatestStateUpdateTSAtStop.Add(2*time.Minute), time.Minute) {
		t.Error("should be past grace once the window elapses")
	}
}
