// Package lww implements the per-keyspace LWW (last-writer-wins) register
// described in spec §3/§4.2: an in-memory authoritative summary of
// key -> (timestamp, live/tombstoned state) with a delta-friendly temporal
// index and a commutative summary fingerprint for cheap divergence checks.
package lww

import (
	"sync"

	"github.com/google/btree"
	"github.com/spaolacci/murmur3"

	"github.com/ltransom/datacake/internal/clock"
)

// State tags a entry as either live (carrying a payload) or tombstoned.
type State uint8

const (
	// Absent is never stored; Get/scan callers see it when a key was never
	// observed at all.
	Absent State = iota
	Live
	Tombstoned
)

// Entry is the full state of one (keyspace, key) pair.
type Entry struct {
	TS      clock.Timestamp
	State   State
	Payload []byte // nil for Tombstoned entries
}

// UpsertResult reports what upsert actually did.
type UpsertResult int

const (
	Accepted UpsertResult = iota
	Rejected                // stale: ts <= the stored timestamp
)

// indexItem is the btree element backing the temporal index; entries sort by
// timestamp first and key second so that two mutations to different keys in
// the same millisecond both survive as distinct index positions.
type indexItem struct {
	ts  clock.Timestamp
	key uint64
}

func (a indexItem) Less(than btree.Item) bool {
	b := than.(indexItem)
	if c := a.ts.Compare(b.ts); c != 0 {
		return c < 0
	}
	return a.key < b.key
}

// Keyspace is one namespace's worth of LWW state: the entry table, the
// timestamp-ordered index used for delta scans, and the running fingerprint
// used for cheap equality checks between two replicas (spec §4.2, §4.6 Phase
// 1).
//
// A single Keyspace instance is safe for concurrent use; upsert is
// serialized per key (sharded by key hash into one mutex per shard) so a
// burst of writes to unrelated keys does not contend, matching the
// fine-grained locking policy of spec §5.
type Keyspace struct {
	name   string
	shards []shard

	fpMu        sync.Mutex
	fingerprint uint64 // commutative XOR accumulator over per-entry hashes
	maxTS       clock.Timestamp
	count       int

	idxMu sync.Mutex
	index *btree.BTree
}

const shardCount = 64

type shard struct {
	mu      sync.Mutex
	entries map[uint64]Entry
}

// New creates an empty Keyspace named name.
func New(name string) *Keyspace {
	ks := &Keyspace{
		name:   name,
		shards: make([]shard, shardCount),
		index:  btree.New(32),
	}
	for i := range ks.shards {
		ks.shards[i].entries = make(map[uint64]Entry)
	}
	return ks
}

// Name returns the keyspace name.
func (ks *Keyspace) Name() string { return ks.name }

func (ks *Keyspace) shardFor(key uint64) *shard {
	h := murmur3.Sum64(encodeKey(key))
	return &ks.shards[h%uint64(shardCount)]
}

func encodeKey(key uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(key >> (8 * i))
	}
	return b[:]
}

// Upsert applies (key, ts, state, payload) under the LWW rule of spec §3: it
// replaces the current entry iff ts is strictly greater than the entry's
// current timestamp. Equal timestamps are idempotent no-ops (Rejected, not
// an error). Tombstoned entries never carry a payload regardless of what the
// caller passes.
func (ks *Keyspace) Upsert(key uint64, ts clock.Timestamp, state State, payload []byte) UpsertResult {
	if state == Tombstoned {
		payload = nil
	}

	sh := ks.shardFor(key)
	sh.mu.Lock()
	existing, ok := sh.entries[key]
	if ok && ts.Compare(existing.TS) <= 0 {
		sh.mu.Unlock()
		return Rejected
	}
	sh.entries[key] = Entry{TS: ts, State: state, Payload: payload}
	sh.mu.Unlock()

	ks.idxMu.Lock()
	if ok {
		ks.index.Delete(indexItem{ts: existing.TS, key: key})
	}
	ks.index.ReplaceOrInsert(indexItem{ts: ts, key: key})
	ks.idxMu.Unlock()

	ks.updateFingerprintLocked(key, ts, state, existing, ok)
	return Accepted
}

func (ks *Keyspace) updateFingerprintLocked(key uint64, ts clock.Timestamp, state State, prev Entry, hadPrev bool) {
	ks.fpMu.Lock()
	defer ks.fpMu.Unlock()
	if hadPrev {
		ks.fingerprint ^= entryHash(key, prev.TS, prev.State)
	} else {
		ks.count++
	}
	ks.fingerprint ^= entryHash(key, ts, state)
	ks.maxTS = clock.Max(ks.maxTS, ts)
}

func entryHash(key uint64, ts clock.Timestamp, state State) uint64 {
	h := murmur3.New64()
	h.Write(encodeKey(key))
	h.Write(encodeKey(ts.Hi))
	h.Write(encodeKey(ts.Lo))
	h.Write([]byte{byte(state)})
	return h.Sum64()
}

// Get returns the stored entry for key, if any has ever been observed.
func (ks *Keyspace) Get(key uint64) (Entry, bool) {
	sh := ks.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	return e, ok
}

// Triple is one row of a scan_since result (spec §4.2).
type Triple struct {
	Key   uint64
	TS    clock.Timestamp
	State State
}

// ScanSince enumerates every (key, ts, state) with ts strictly greater than
// t0, in ascending timestamp order, matching spec §4.2's delta-exchange
// contract. The returned slice is a point-in-time snapshot; it does not
// observe upserts that land after the call starts.
func (ks *Keyspace) ScanSince(t0 clock.Timestamp) []Triple {
	ks.idxMu.Lock()
	defer ks.idxMu.Unlock()

	var out []Triple
	pivot := indexItem{ts: t0, key: ^uint64(0)}
	ks.index.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		it := item.(indexItem)
		if it.ts.Compare(t0) <= 0 {
			return true // still within the equal-to-t0 tail; keep walking
		}
		sh := ks.shardFor(it.key)
		sh.mu.Lock()
		e, ok := sh.entries[it.key]
		sh.mu.Unlock()
		if ok && e.TS.Compare(it.ts) == 0 {
			out = append(out, Triple{Key: it.key, TS: it.ts, State: e.State})
		}
		return true
	})
	return out
}

// Fingerprint is the cheap divergence-check summary from spec §4.2/§4.6
// Phase 1: a commutative XOR aggregate over all entries, the maximum
// timestamp observed, and the entry count. Two replicas whose Fingerprint
// tuples match are considered converged with overwhelming probability.
type Fingerprint struct {
	Agg   uint64
	MaxTS clock.Timestamp
	Count int
}

// Fingerprint returns the current summary.
func (ks *Keyspace) Fingerprint() Fingerprint {
	ks.fpMu.Lock()
	defer ks.fpMu.Unlock()
	return Fingerprint{Agg: ks.fingerprint, MaxTS: ks.maxTS, Count: ks.count}
}

// Equal reports whether two fingerprints imply convergence.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Agg == o.Agg && f.Count == o.Count
}

// Keys returns every live (non-tombstoned) key, for diagnostics/tests. Not
// part of the spec's operation set; the write pipeline never calls it.
func (ks *Keyspace) Keys() []uint64 {
	out := make([]uint64, 0)
	for i := range ks.shards {
		sh := &ks.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.State == Live {
				out = append(out, k)
			}
		}
		sh.mu.Unlock()
	}
	return out
}
