// Package antientropy implements the Anti-Entropy Engine (C8): the
// pairwise, four-phase reconciliation protocol of spec §4.6 that lets two
// replicas converge without relying on the write path ever completing.
package antientropy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/lww"
	"github.com/ltransom/datacake/internal/mediator"
	"github.com/ltransom/datacake/internal/transport"
)

// Config bounds one AE session (spec §6: ae_overlap_window, ae_phase_timeout).
type Config struct {
	// OverlapWindow is W: the safety margin subtracted from
	// min(local_max_ts, remote_max_ts) before diffing key sets, covering
	// clock skew and out-of-order observation.
	OverlapWindow time.Duration
	// PhaseTimeout bounds each of the four phases independently; exceeding
	// it aborts the whole session (spec §4.6 "on timeout at any phase, the
	// session aborts").
	PhaseTimeout time.Duration
}

// DefaultConfig mirrors the defaults implied by spec §6.
func DefaultConfig() Config {
	return Config{OverlapWindow: 5 * time.Second, PhaseTimeout: 10 * time.Second}
}

// Keyspaces is the C3 registry the Engine answers Summary/KeySet/Fetch
// against and applies converged entries into.
type Keyspaces interface {
	Get(name string) *lww.Keyspace
}

// Engine is C8. It is both a responder (the Summary/KeySet/Fetch methods
// satisfy the relevant slice of transport.Handler so a composed node can
// route those RPCs here) and an initiator (RunSession drives a session
// against a dialed peer).
type Engine struct {
	keyspaces Keyspaces
	mediator  *mediator.Mediator
	cfg       Config

	guardMu sync.Mutex
	guards  map[string]*sync.Mutex
}

// New builds an Engine backed by keyspaces (read side) and med (apply side).
func New(keyspaces Keyspaces, med *mediator.Mediator, cfg Config) *Engine {
	if cfg.PhaseTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		keyspaces: keyspaces,
		mediator:  med,
		cfg:       cfg,
		guards:    make(map[string]*sync.Mutex),
	}
}

// Summary answers Phase 1 for a responder (spec §4.6 Phase 1).
func (e *Engine) Summary(ctx context.Context, req transport.SummaryRequest) (transport.SummaryReply, error) {
	fp := e.keyspaces.Get(req.Keyspace).Fingerprint()
	return transport.SummaryReply{Fingerprint: fp.Agg, MaxTS: fp.MaxTS, Count: fp.Count}, nil
}

// KeySet answers Phase 2 for a responder: every entry strictly newer than
// req.Since, in ascending timestamp order (spec §4.6 "stream in ascending
// timestamp order so that if a phase is interrupted, progress is monotonic").
func (e *Engine) KeySet(ctx context.Context, req transport.KeySetRequest) (transport.KeySetReply, error) {
	triples := e.keyspaces.Get(req.Keyspace).ScanSince(req.Since)
	entries := make([]transport.KeySetEntry, len(triples))
	for i, t := range triples {
		entries[i] = transport.KeySetEntry{Key: t.Key, TS: t.TS, Tombstone: t.State == lww.Tombstoned}
	}
	return transport.KeySetReply{Entries: entries}, nil
}

// Fetch answers Phase 3's pull request for a responder: payloads for the
// requested live keys. Tombstones carry no body and are never requested
// through Fetch (spec §4.6 Phase 3).
func (e *Engine) Fetch(ctx context.Context, req transport.FetchRequest) (transport.FetchReply, error) {
	keyspace := e.keyspaces.Get(req.Keyspace)
	docs := make([]transport.FetchedDoc, 0, len(req.Keys))
	for _, key := range req.Keys {
		entry, ok := keyspace.Get(key)
		if !ok || entry.State != lww.Live {
			continue
		}
		docs = append(docs, transport.FetchedDoc{Key: key, TS: entry.TS, Payload: entry.Payload})
	}
	return transport.FetchReply{Docs: docs}, nil
}

// guardFor returns the session mutex for (peerAddr, ks), creating one on
// first use. Holding it for the duration of RunSession is how "at most one
// AE session per (peer, keyspace) pair" (spec §4.6) is enforced: a second
// caller queues on Lock rather than racing a parallel session.
func (e *Engine) guardFor(peerAddr, ks string) *sync.Mutex {
	key := peerAddr + "\x00" + ks
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	g, ok := e.guards[key]
	if !ok {
		g = &sync.Mutex{}
		e.guards[key] = g
	}
	return g
}

// SessionResult reports what one RunSession actually moved, for logging and
// tests.
type SessionResult struct {
	Converged bool // true if Phase 1 found matching fingerprints
	Pushed    int
	Pulled    int
}

// RunSession drives one full initiator-side AE session against peer for
// keyspace ks (spec §4.6). It blocks until a prior in-flight session for the
// same (peerAddr, ks) pair releases the guard.
func (e *Engine) RunSession(ctx context.Context, peerAddr string, peer transport.Peer, ks string) (SessionResult, error) {
	guard := e.guardFor(peerAddr, ks)
	guard.Lock()
	defer guard.Unlock()

	var result SessionResult

	// Phase 1 — Summary.
	localFP := e.keyspaces.Get(ks).Fingerprint()
	remoteFP, err := phaseCall(ctx, e.cfg.PhaseTimeout, func(ctx context.Context) (transport.SummaryReply, error) {
		return peer.Summary(ctx, transport.SummaryRequest{Keyspace: ks})
	})
	if err != nil {
		return result, fmt.Errorf("antientropy: summary phase: %w", err)
	}
	if localFP.Agg == remoteFP.Fingerprint && localFP.Count == remoteFP.Count {
		result.Converged = true
		return result, nil
	}

	// Phase 2 — Key-set diff.
	cutoff := overlapCutoff(localFP.MaxTS, remoteFP.MaxTS, e.cfg.OverlapWindow)
	localTriples := e.keyspaces.Get(ks).ScanSince(cutoff)
	remoteSet, err := phaseCall(ctx, e.cfg.PhaseTimeout, func(ctx context.Context) (transport.KeySetReply, error) {
		return peer.KeySet(ctx, transport.KeySetRequest{Keyspace: ks, Since: cutoff})
	})
	if err != nil {
		return result, fmt.Errorf("antientropy: key-set phase: %w", err)
	}

	pushSet, pullSet := diff(localTriples, remoteSet.Entries)

	// Phase 3 — Payload exchange.
	if len(pushSet) > 0 {
		if err := e.push(ctx, peer, ks, pushSet); err != nil {
			return result, fmt.Errorf("antientropy: push phase: %w", err)
		}
		result.Pushed = len(pushSet)
	}
	if len(pullSet) > 0 {
		n, err := e.pull(ctx, peer, ks, pullSet)
		if err != nil {
			return result, fmt.Errorf("antientropy: pull phase: %w", err)
		}
		result.Pulled = n
	}

	return result, nil
}

// phaseCall applies the per-phase deadline around a single RPC. It is a
// package-level function, not a method, because Go methods cannot carry
// their own type parameters.
func phaseCall[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	var zero T
	phaseCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := call(phaseCtx)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// diff derives the push/pull sets from spec §4.6 Phase 2: the push set is
// local entries strictly newer than (or entirely absent from) the remote
// key set; the pull set is the symmetric opposite.
func diff(local []lww.Triple, remote []transport.KeySetEntry) (push, pull []transport.KeySetEntry) {
	remoteByKey := make(map[uint64]transport.KeySetEntry, len(remote))
	for _, r := range remote {
		remoteByKey[r.Key] = r
	}
	localByKey := make(map[uint64]lww.Triple, len(local))
	for _, l := range local {
		localByKey[l.Key] = l
	}

	for _, l := range local {
		r, ok := remoteByKey[l.Key]
		if !ok || l.TS.After(r.TS) {
			push = append(push, transport.KeySetEntry{Key: l.Key, TS: l.TS, Tombstone: l.State == lww.Tombstoned})
		}
	}
	for _, r := range remote {
		l, ok := localByKey[r.Key]
		if !ok || r.TS.After(l.TS) {
			pull = append(pull, r)
		}
	}

	sort.Slice(push, func(i, j int) bool { return push[i].TS.Before(push[j].TS) })
	sort.Slice(pull, func(i, j int) bool { return pull[i].TS.Before(pull[j].TS) })
	return push, pull
}

// push sends the local side's push set to peer as one ReplicateBatch RPC,
// reading live payloads back out of the in-memory keyspace (spec §4.6 Phase
// 3: "sends payloads for its push set; live entries only").
func (e *Engine) push(ctx context.Context, peer transport.Peer, ks string, items []transport.KeySetEntry) error {
	keyspace := e.keyspaces.Get(ks)
	entries := make([]transport.BatchEntry, 0, len(items))
	for _, it := range items {
		entry, ok := keyspace.Get(it.Key)
		if !ok {
			continue
		}
		entries = append(entries, transport.BatchEntry{
			Key:       it.Key,
			TS:        entry.TS,
			Payload:   entry.Payload,
			Tombstone: entry.State == lww.Tombstoned,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	res, err := phaseCall(ctx, e.cfg.PhaseTimeout, func(ctx context.Context) (transport.BatchResult, error) {
		return peer.ReplicateBatch(ctx, transport.ReplicateBatchMsg{Keyspace: ks, Entries: entries})
	})
	if err != nil {
		return err
	}
	if !res.Applied {
		return fmt.Errorf("peer rejected push batch: %s", res.Reason)
	}
	return nil
}

// pull fetches payloads for the local side's pull set (live items) and
// applies tombstoned pull items directly, then commits everything through
// C4 (spec §4.6 Phase 3-4: "LWW at C4 is the final arbiter; a stale item...
// is silently rejected").
func (e *Engine) pull(ctx context.Context, peer transport.Peer, ks string, items []transport.KeySetEntry) (int, error) {
	var liveKeys []uint64
	for _, it := range items {
		if !it.Tombstone {
			liveKeys = append(liveKeys, it.Key)
		} else {
			if _, err := e.mediator.Del(ks, it.Key, it.TS); err != nil {
				return 0, err
			}
		}
	}
	if len(liveKeys) == 0 {
		return len(items) - len(liveKeys), nil
	}

	reply, err := phaseCall(ctx, e.cfg.PhaseTimeout, func(ctx context.Context) (transport.FetchReply, error) {
		return peer.Fetch(ctx, transport.FetchRequest{Keyspace: ks, Keys: liveKeys})
	})
	if err != nil {
		return 0, err
	}
	applied := len(items) - len(liveKeys)
	for _, doc := range reply.Docs {
		if _, err := e.mediator.Put(ks, doc.Key, doc.TS, doc.Payload); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// overlapCutoff computes min(a, b) - window, floored at clock.Zero (spec
// §4.6 Phase 2's "entries with timestamp > min(max_ts_i, max_ts_r) - W").
func overlapCutoff(a, b clock.Timestamp, window time.Duration) clock.Timestamp {
	minTS := a
	if b.Before(a) {
		minTS = b
	}
	windowMillis := uint64(window / time.Millisecond)
	if minTS.Millis() <= windowMillis {
		return clock.Zero
	}
	return clock.Timestamp{Hi: minTS.Millis() - windowMillis}
}
