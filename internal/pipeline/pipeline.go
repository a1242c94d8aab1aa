// Package pipeline implements the Write Pipeline (C7): put, del, put_many,
// del_many, get, get_many, with fan-out replication and consistency
// accounting per spec §4.5.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/cluster"
	"github.com/ltransom/datacake/internal/lww"
	"github.com/ltransom/datacake/internal/mediator"
	"github.com/ltransom/datacake/internal/storage"
	"github.com/ltransom/datacake/internal/transport"
)

// Config bounds the resource usage of a Pipeline (spec §6 configuration
// surface, §5 shared-resource policy).
type Config struct {
	// FanoutConcurrency caps simultaneous Replicate RPCs issued for one
	// request, so one slow write doesn't monopolize the dialer.
	FanoutConcurrency int64
	// BatchChunkSize bounds how many mutations travel in one
	// ReplicateBatch RPC.
	BatchChunkSize int
	// RequestTimeout is the per-RPC deadline applied to every fan-out call.
	RequestTimeout time.Duration
}

// DefaultConfig mirrors the defaults implied by spec §6.
func DefaultConfig() Config {
	return Config{
		FanoutConcurrency: 32,
		BatchChunkSize:    500,
		RequestTimeout:    2 * time.Second,
	}
}

// Keyspaces looks up (creating if absent) the in-memory LWW state for a
// named keyspace, shared with the Mediator so reads see the same C3 view
// writes commit into.
type Keyspaces interface {
	Get(name string) *lww.Keyspace
}

// Pipeline is C7, wired against a local Mediator (C4) for the commit path,
// a cluster.Selector (C6) for consistency accounting, and a transport.Dialer
// (C10) for fan-out replication.
type Pipeline struct {
	selfID string

	clk       *clock.Clock
	mediator  *mediator.Mediator
	keyspaces Keyspaces
	store     storage.Store
	members   *cluster.Membership
	selector  *cluster.Selector
	dialer    transport.Dialer

	cfg Config
	sem *semaphore.Weighted
}

// New builds a Pipeline. selfID names the local node for logging/diagnostics
// only; quorum math always counts the local commit as already satisfied.
func New(selfID string, clk *clock.Clock, med *mediator.Mediator, keyspaces Keyspaces, store storage.Store, members *cluster.Membership, selector *cluster.Selector, dialer transport.Dialer, cfg Config) *Pipeline {
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = DefaultConfig().FanoutConcurrency
	}
	if cfg.BatchChunkSize <= 0 {
		cfg.BatchChunkSize = DefaultConfig().BatchChunkSize
	}
	return &Pipeline{
		selfID:    selfID,
		clk:       clk,
		mediator:  med,
		keyspaces: keyspaces,
		store:     store,
		members:   members,
		selector:  selector,
		dialer:    dialer,
		cfg:       cfg,
	}
}

// Put mints a timestamp, commits locally through C4, then fans out a
// Replicate RPC to the peers required by consistency (spec §4.5 steps 1-6).
func (p *Pipeline) Put(ctx context.Context, ks string, key uint64, payload []byte, consistency cluster.Consistency) error {
	ts := p.clk.Now()

	if _, err := p.mediator.Put(ks, key, ts, payload); err != nil {
		return err
	}

	target, err := p.selector.Select(consistency, p.members.All())
	if err != nil {
		return err
	}

	acked := p.fanout(ctx, target.Peers, func(ctx context.Context, peer transport.Peer) error {
		return peer.Replicate(ctx, transport.ReplicateMsg{Keyspace: ks, Key: key, TS: ts, Payload: payload})
	})
	return thresholdErr(target.Threshold, acked)
}

// Del is Put's symmetric tombstone form (spec §4.5 "del is symmetric").
func (p *Pipeline) Del(ctx context.Context, ks string, key uint64, consistency cluster.Consistency) error {
	ts := p.clk.Now()

	if _, err := p.mediator.Del(ks, key, ts); err != nil {
		return err
	}

	target, err := p.selector.Select(consistency, p.members.All())
	if err != nil {
		return err
	}

	acked := p.fanout(ctx, target.Peers, func(ctx context.Context, peer transport.Peer) error {
		return peer.ReplicateTombstone(ctx, transport.ReplicateTombstoneMsg{Keyspace: ks, Key: key, TS: ts})
	})
	return thresholdErr(target.Threshold, acked)
}

// Mutation is one item of a PutMany/DelMany call.
type Mutation struct {
	Key     uint64
	Payload []byte // ignored by DelMany
}

// BulkOutcome reports what PutMany/DelMany actually committed locally (spec
// §4.8 "bulk partial failure: return per-key outcome; never roll back
// succeeded keys").
type BulkOutcome struct {
	Committed []uint64
	Stale     []uint64
	Failed    []storage.FailedKey
}

// PutMany chunks muts by BatchChunkSize, commits each chunk locally through
// C4, then replicates each chunk as one ReplicateBatch RPC per peer (spec
// §4.5 "consistency accounting is per-chunk, not per-key").
func (p *Pipeline) PutMany(ctx context.Context, ks string, muts []Mutation, consistency cluster.Consistency) (BulkOutcome, error) {
	return p.bulkApply(ctx, ks, muts, consistency, false)
}

// DelMany is PutMany's tombstone form.
func (p *Pipeline) DelMany(ctx context.Context, ks string, muts []Mutation, consistency cluster.Consistency) (BulkOutcome, error) {
	return p.bulkApply(ctx, ks, muts, consistency, true)
}

func (p *Pipeline) bulkApply(ctx context.Context, ks string, muts []Mutation, consistency cluster.Consistency, tombstone bool) (BulkOutcome, error) {
	var out BulkOutcome

	target, err := p.selector.Select(consistency, p.members.All())
	if err != nil {
		return out, err
	}

	for _, chunk := range chunkMutations(muts, p.cfg.BatchChunkSize) {
		localMuts := make([]mediator.Mutation, len(chunk))
		now := p.clk.Now()
		entries := make([]transport.BatchEntry, len(chunk))
		for i, m := range chunk {
			ts := now
			if i > 0 {
				ts = p.clk.Now() // each key gets its own strictly-increasing ts
			}
			localMuts[i] = mediator.Mutation{Key: m.Key, TS: ts, Payload: m.Payload}
			entries[i] = transport.BatchEntry{Key: m.Key, TS: ts, Payload: m.Payload, Tombstone: tombstone}
		}

		var result mediator.BulkResult
		if tombstone {
			result = p.mediator.DelMany(ks, localMuts)
		} else {
			result = p.mediator.PutMany(ks, localMuts)
		}
		out.Committed = append(out.Committed, result.Committed...)
		out.Stale = append(out.Stale, result.Stale...)
		out.Failed = append(out.Failed, result.Failed...)

		if len(target.Peers) == 0 {
			continue
		}
		acked := p.fanout(ctx, target.Peers, func(ctx context.Context, peer transport.Peer) error {
			res, err := peer.ReplicateBatch(ctx, transport.ReplicateBatchMsg{Keyspace: ks, Entries: entries})
			if err != nil {
				return err
			}
			if !res.Applied {
				return fmt.Errorf("pipeline: peer rejected batch: %s", res.Reason)
			}
			return nil
		})
		if err := thresholdErr(target.Threshold, acked); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Get is a local read against C3 (for existence/tombstone state) and C1 (for
// the authoritative payload); it never contacts peers (spec §4.5).
func (p *Pipeline) Get(ks string, key uint64) (storage.Document, bool, error) {
	keyspace := p.keyspaces.Get(ks)
	entry, ok := keyspace.Get(key)
	if !ok || entry.State != lww.Live {
		return storage.Document{}, false, nil
	}
	doc, err := p.store.Get(ks, key)
	if err != nil {
		return storage.Document{}, false, err
	}
	return doc, true, nil
}

// GetMany is the bulk form of Get; keys with no live entry are simply
// omitted from the result, matching Get's not-found semantics.
func (p *Pipeline) GetMany(ks string, keys []uint64) ([]storage.Document, error) {
	keyspace := p.keyspaces.Get(ks)
	var live []uint64
	for _, k := range keys {
		if entry, ok := keyspace.Get(k); ok && entry.State == lww.Live {
			live = append(live, k)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	return p.store.MultiGet(ks, live)
}

// fanout dials every peer in parallel, bounded by a semaphore of
// FanoutConcurrency slots created for this one call, and returns the count that acknowledged without error (spec §5: "a separate
// semaphore caps concurrent replication fan-outs per request").
func (p *Pipeline) fanout(ctx context.Context, peers []cluster.Node, call func(context.Context, transport.Peer) error) int {
	if len(peers) == 0 {
		return 0
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.RequestTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	sem := semaphore.NewWeighted(p.cfg.FanoutConcurrency)
	var mu sync.Mutex
	acked := 0
	var wg sync.WaitGroup
	for _, n := range peers {
		n := n
		if err := sem.Acquire(callCtx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			peer, err := p.dialer.Dial(callCtx, n.Addr)
			if err != nil {
				return
			}
			if err := call(callCtx, peer); err != nil {
				return
			}
			mu.Lock()
			acked++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return acked
}

// thresholdErr surfaces a ConsistencyError when fewer than threshold remote
// peers acked; the local commit already happened and is never rolled back
// (spec §4.5 step 6, §4.8). Required/Available here count remote acks only,
// distinct from the full-cluster counts a pre-flight Selector.Select failure
// reports: this failure happens after selection already found the cluster
// capable, so it is the fan-out itself coming up short, not the topology.
func thresholdErr(threshold, acked int) error {
	if acked >= threshold {
		return nil
	}
	return &cluster.ConsistencyError{Required: threshold, Available: acked}
}

func chunkMutations(muts []Mutation, size int) [][]Mutation {
	if len(muts) == 0 {
		return nil
	}
	var chunks [][]Mutation
	for size < len(muts) {
		muts, chunks = muts[size:], append(chunks, muts[0:size:size])
	}
	return append(chunks, muts)
}
