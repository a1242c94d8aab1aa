// Package gc implements tombstone garbage collection: spec §9's open
// question of when a tombstone can be safely forgotten.
//
// Decision (recorded in DESIGN.md): age-based GC against wall-clock grace,
// not a cluster-wide "observed by everyone" handshake. A tombstone's
// timestamp already carries wall-clock millis (clock.Timestamp.Millis), so
// purging anything older than now-grace requires no extra bookkeeping and
// degrades safely: a tombstone purged from C1 too early before a
// still-diverged peer has seen it can resurrect as a Live write replayed
// from that peer's own un-tombstoned copy, exactly the same failure mode an
// LWW store already tolerates for any late write — the dominance rule in C4
// (mediator.dominates) only protects against the peer replaying a stale
// version with an older timestamp, not against it never having heard the
// delete at all, so the grace period is a tuning knob, not a correctness
// guarantee, matching spec §6's naming the period "tombstone_gc_grace" as a
// default of tens of minutes rather than an exact protocol phase.
//
// C3 (lww.Keyspace) is never purged: the in-memory entry's tombstoned state
// must persist forever so a late, stale Replicate for a key that was
// already deleted keeps losing its dominance check. Only C1's durable
// tombstone record is reclaimed.
package gc

import (
	"context"
	"log"
	"time"

	"github.com/ltransom/datacake/internal/storage"
)

// Keyspaces lists every keyspace name a GC sweep must cover.
type Keyspaces interface {
	Names() []string
}

// Collector periodically purges tombstones older than Grace from C1.
type Collector struct {
	store     storage.Store
	keyspaces Keyspaces
	grace     time.Duration
	interval  time.Duration
}

// New builds a Collector. grace is the minimum tombstone age before it is
// eligible for purge; interval is how often a sweep runs.
func New(store storage.Store, keyspaces Keyspaces, grace, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Collector{store: store, keyspaces: keyspaces, grace: grace, interval: interval}
}

// Run sweeps every keyspace on Interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepAll()
		}
	}
}

func (c *Collector) sweepAll() {
	for _, ks := range c.keyspaces.Names() {
		purged, err := c.Sweep(ks, time.Now())
		if err != nil {
			log.Printf("gc: sweep %s: %v", ks, err)
			continue
		}
		if purged > 0 {
			log.Printf("gc: purged %d tombstone(s) from %s", purged, ks)
		}
	}
}

// Sweep purges every tombstone in ks older than now-Grace, returning how
// many keys were purged.
func (c *Collector) Sweep(ks string, now time.Time) (int, error) {
	metas, err := c.store.IterMetadata(ks)
	if err != nil {
		return 0, err
	}

	cutoffMillis := uint64(now.Add(-c.grace).UnixMilli())
	var stale []uint64
	for _, m := range metas {
		if m.Tombstone && m.TS.Millis() < cutoffMillis {
			stale = append(stale, m.Key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := c.store.PurgeTombstones(ks, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}
