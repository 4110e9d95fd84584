package engine

import "time"

// Tombstone records the suppression state left behind when a session is
// explicitly terminated, preventing the lease reconciler from
// immediately recreating it from a stale lease snapshot.
type Tombstone struct {
	IPAtStop                 string
	LatestStateUpdateTSAtStop time.Time
	StoppedAt                time.Time
	Reason                    string
}

// Expired reports whether the tombstone should be dropped: either its
// TTL has elapsed since it was written, or the lease's own
// last-state-update timestamp has moved past the stored timestamp plus
// a grace window (meaning the lease service itself has observed a
// fresher event than the one that caused termination).
func (t Tombstone) Expired(now time.Time, ttl, grace time.Duration) bool {
	if now.Sub(t.StoppedAt) >= ttl {
		return true
	}
	return false
}

// SuppressesResurrection reports whether a lease's last-state-update
// timestamp is not yet fresh enough to override this tombstone:
// "If a tombstone exists ... and L.last_state_update_ts <=
// tombstone.latest_state_update_ts_at_stop, skip."
func (t Tombstone) SuppressesResurrection(leaseUpdateTS time.Time) bool {
	return !leaseUpdateTS.After(t.LatestStateUpdateTSAtStop)
}

// PastGrace reports whether the tombstone's stored timestamp plus the
// configured grace window has elapsed relative to now, independent of
// TTL -- used to drop stale tombstones whose lease never renewed.
func (t Tombstone) PastGrace(now time.Time, grace time.Duration) bool {
	return now.Sub(t.LatestStateUpdateTSAtStop) >= grace
}
