// Package mediator implements the Store Mediator (C4): the only path that
// is allowed to mutate a keyspace's LWW state (C3), and the boundary that
// guarantees C3 never holds an entry C1 does not durably hold.
package mediator

import (
	"fmt"

	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/lww"
	"github.com/ltransom/datacake/internal/storage"
)

// clockObserver is the slice of *clock.Clock the Mediator needs: folding
// every timestamp that passes through C4 into the local clock, whether it
// was locally minted or arrived from a peer via Replicate/ReplicateBatch or
// an anti-entropy apply, so the clock's "never mint behind anything
// observed" contract (spec §4.1) holds regardless of which path a
// timestamp entered through.
type clockObserver interface {
	Observe(ts clock.Timestamp)
}

// Keyspaces resolves a keyspace name to its in-memory LWW state, creating it
// on first use. The mediator never decides keyspace lifecycle itself.
type Keyspaces interface {
	Get(name string) *lww.Keyspace
}

// Decision is the outcome of committing one mutation.
type Decision int

const (
	// Committed means the mutation was accepted and is now durable in C1
	// and applied to C3.
	Committed Decision = iota
	// Stale means an equal-or-newer timestamp was already present; this is
	// an idempotent no-op, not an error.
	Stale
)

// Mediator wraps a storage.Store with the commit protocol of spec §4.3:
// compute the LWW decision against C3 without mutating, write through to
// C1 on acceptance, then apply to C3 only after C1 confirms the write.
type Mediator struct {
	store storage.Store
	kss   Keyspaces
	clk   clockObserver
}

// New builds a Mediator over the given durable store and keyspace registry.
// clk is folded with every timestamp this Mediator commits (local or
// remote); it may be nil, in which case no clock observation happens (tests
// exercising the commit protocol in isolation don't need one).
func New(store storage.Store, kss Keyspaces, clk clockObserver) *Mediator {
	return &Mediator{store: store, kss: kss, clk: clk}
}

func (m *Mediator) observe(ts clock.Timestamp) {
	if m.clk != nil {
		m.clk.Observe(ts)
	}
}

// Put commits a live entry. The LWW decision is made against C3 first; if
// the incoming timestamp does not dominate the current entry, C1 is never
// touched and Stale is returned. Only on C1 success is C3 updated, and only
// then — C3 and C1 are never both mutated unless both succeed.
func (m *Mediator) Put(ks string, key uint64, ts clock.Timestamp, payload []byte) (Decision, error) {
	m.observe(ts)
	keyspace := m.kss.Get(ks)

	if !dominates(keyspace, key, ts) {
		return Stale, nil
	}

	if err := m.store.Put(ks, storage.Document{Key: key, TS: ts, Payload: payload}); err != nil {
		return Stale, fmt.Errorf("mediator: put(%s, %d): %w", ks, key, err)
	}

	if keyspace.Upsert(key, ts, lww.Live, payload) == lww.Rejected {
		// Another writer raced us between the dominance check and the C1
		// write and won with a newer timestamp. C1 now holds our (stale)
		// write, which is harmless: the next anti-entropy pass or a later
		// local write will re-converge it, and C3 still reflects the
		// newer value because Upsert refused to regress it.
		return Stale, nil
	}
	return Committed, nil
}

// Del commits a tombstone, following the identical protocol as Put.
func (m *Mediator) Del(ks string, key uint64, ts clock.Timestamp) (Decision, error) {
	m.observe(ts)
	keyspace := m.kss.Get(ks)

	if !dominates(keyspace, key, ts) {
		return Stale, nil
	}

	if err := m.store.MarkTombstone(ks, key, ts); err != nil {
		return Stale, fmt.Errorf("mediator: mark_tombstone(%s, %d): %w", ks, key, err)
	}

	if keyspace.Upsert(key, ts, lww.Tombstoned, nil) == lww.Rejected {
		return Stale, nil
	}
	return Committed, nil
}

func dominates(keyspace *lww.Keyspace, key uint64, ts clock.Timestamp) bool {
	existing, ok := keyspace.Get(key)
	if !ok {
		return true
	}
	return ts.Compare(existing.TS) > 0
}

// Mutation is one item of a bulk Put/Del call.
type Mutation struct {
	Key     uint64
	TS      clock.Timestamp
	Payload []byte // nil for tombstones
}

// BulkResult reports the per-key outcome of a bulk commit (spec §4.3's
// BulkStorageError{ok, failed} shape, generalized to also surface which
// keys were accepted vs. rejected as stale).
type BulkResult struct {
	Committed []uint64
	Stale     []uint64
	Failed    []storage.FailedKey
}

// PutMany commits a batch of live entries. Each key is independently LWW-
// gated and independently durable; one key's storage failure never blocks
// or rolls back another's success (spec §4.3 bulk variant).
func (m *Mediator) PutMany(ks string, muts []Mutation) BulkResult {
	return m.bulkApply(ks, muts, lww.Live)
}

// DelMany is the bulk form of Del.
func (m *Mediator) DelMany(ks string, muts []Mutation) BulkResult {
	return m.bulkApply(ks, muts, lww.Tombstoned)
}

func (m *Mediator) bulkApply(ks string, muts []Mutation, state lww.State) BulkResult {
	keyspace := m.kss.Get(ks)
	for _, mut := range muts {
		m.observe(mut.TS)
	}

	var toWrite []Mutation
	var result BulkResult
	for _, mut := range muts {
		if !dominates(keyspace, mut.Key, mut.TS) {
			result.Stale = append(result.Stale, mut.Key)
			continue
		}
		toWrite = append(toWrite, mut)
	}
	if len(toWrite) == 0 {
		return result
	}

	docs := make([]storage.Document, len(toWrite))
	for i, mut := range toWrite {
		docs[i] = storage.Document{Key: mut.Key, TS: mut.TS, Payload: mut.Payload, Tombstone: state == lww.Tombstoned}
	}

	var err error
	if state == lww.Tombstoned {
		tombstones := make([]storage.Tombstone, len(toWrite))
		for i, mut := range toWrite {
			tombstones[i] = storage.Tombstone{Key: mut.Key, TS: mut.TS}
		}
		err = m.store.MultiMarkTombstone(ks, tombstones)
	} else {
		err = m.store.MultiPut(ks, docs)
	}

	succeeded := toWrite
	if err != nil {
		if bulkErr, ok := err.(*storage.BulkMutationError); ok {
			result.Failed = bulkErr.Errored
			succeeded = filterSucceeded(toWrite, bulkErr.Succeeded)
		} else {
			// A non-partial failure (e.g. the keyspace's log could not be
			// opened at all) fails every key in this batch.
			for _, mut := range toWrite {
				result.Failed = append(result.Failed, storage.FailedKey{Key: mut.Key, Err: err})
			}
			succeeded = nil
		}
	}

	for _, mut := range succeeded {
		if keyspace.Upsert(mut.Key, mut.TS, state, mut.Payload) == lww.Rejected {
			result.Stale = append(result.Stale, mut.Key)
			continue
		}
		result.Committed = append(result.Committed, mut.Key)
	}
	return result
}

func filterSucceeded(muts []Mutation, okKeys []uint64) []Mutation {
	set := make(map[uint64]struct{}, len(okKeys))
	for _, k := range okKeys {
		set[k] = struct{}{}
	}
	out := make([]Mutation, 0, len(okKeys))
	for _, mut := range muts {
		if _, ok := set[mut.Key]; ok {
			out = append(out, mut)
		}
	}
	return out
}
