// Package scheduler implements the Reconciliation Scheduler (C9): it
// consumes the membership event stream (C5) and drives the Anti-Entropy
// Engine (C8) both reactively (on join) and on a jittered background
// cadence, per spec §4.7.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ltransom/datacake/internal/antientropy"
	"github.com/ltransom/datacake/internal/cluster"
	"github.com/ltransom/datacake/internal/transport"
)

// Config bounds the scheduler's background cadence and concurrency (spec §6:
// ae_interval, ae_jitter, ae_max_concurrent).
type Config struct {
	Interval      time.Duration
	Jitter        time.Duration
	MaxConcurrent int64
}

// DefaultConfig mirrors the "default tens of seconds" cadence of spec §4.7.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, Jitter: 5 * time.Second, MaxConcurrent: 4}
}

// Keyspaces lists every keyspace name a full AE pass must cover.
type Keyspaces interface {
	Names() []string
}

// ConnInvalidator is optionally implemented by a transport.Dialer that pools
// connections; Scheduler calls Forget on a peer Updated event to force the
// next Dial to reconnect (spec §4.7 "on update: reopen transport"), and on a
// LeftOrDead event to close the departed peer's pooled connection.
type ConnInvalidator interface {
	Forget(addr string)
}

// Scheduler is C9.
type Scheduler struct {
	members   *cluster.Membership
	dialer    transport.Dialer
	engine    *antientropy.Engine
	keyspaces Keyspaces
	cfg       Config

	sem *semaphore.Weighted
	rnd *rand.Rand

	mu      sync.Mutex
	workers map[string]*peerWorker
}

// New builds a Scheduler. It does nothing until Run is called.
func New(members *cluster.Membership, dialer transport.Dialer, engine *antientropy.Engine, keyspaces Keyspaces, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Scheduler{
		members:   members,
		dialer:    dialer,
		engine:    engine,
		keyspaces: keyspaces,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		workers:   make(map[string]*peerWorker),
	}
}

// Run consumes the membership stream and drives the background cadence
// until ctx is cancelled. It is meant to run for the process lifetime on
// its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	events := s.members.Subscribe()
	ticker := time.NewTicker(s.nextInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case ev := <-events:
			s.handleEvent(ctx, ev)
		case <-ticker.C:
			s.runBackgroundSweep(ctx)
			ticker.Reset(s.nextInterval())
		}
	}
}

func (s *Scheduler) nextInterval() time.Duration {
	if s.cfg.Jitter <= 0 {
		return s.cfg.Interval
	}
	jitter := time.Duration(s.rnd.Int63n(int64(s.cfg.Jitter)))
	return s.cfg.Interval + jitter
}

func (s *Scheduler) handleEvent(ctx context.Context, ev cluster.Event) {
	switch ev.Kind {
	case cluster.Joined:
		s.scheduleFullSync(ctx, ev.Node)
	case cluster.Updated:
		if inv, ok := s.dialer.(ConnInvalidator); ok {
			inv.Forget(ev.Node.Addr)
		}
	case cluster.LeftOrDead:
		s.cancelPeer(ev.Node.ID)
		if inv, ok := s.dialer.(ConnInvalidator); ok {
			inv.Forget(ev.Node.Addr)
		}
	}
}

// scheduleFullSync enqueues one AE session per keyspace against node,
// serialized on that peer's worker (spec §4.7 "schedule an immediate full
// anti-entropy with that peer for every keyspace, serialized per peer").
func (s *Scheduler) scheduleFullSync(ctx context.Context, node cluster.Node) {
	w := s.workerFor(node.ID)
	for _, ks := range s.keyspaces.Names() {
		w.enqueue(job{addr: node.Addr, keyspace: ks})
	}
}

// runBackgroundSweep starts one AE session per (live peer, keyspace),
// bounded by the global semaphore (spec §4.7 "a global semaphore bounds
// concurrent AE sessions").
func (s *Scheduler) runBackgroundSweep(ctx context.Context) {
	names := s.keyspaces.Names()
	for _, node := range s.orderedLivePeers() {
		node := node
		w := s.workerFor(node.ID)
		for _, ks := range names {
			w.enqueue(job{addr: node.Addr, keyspace: ks})
		}
	}
}

// sweepRingKey is the fixed ring-walk key background sweeps pair peers in,
// giving each tick a stable visitation order instead of Go's randomized map
// iteration over Membership.Snapshot.
const sweepRingKey = "ae-background-sweep"

// orderedLivePeers returns the live peer set ordered by the membership
// ring's walk from sweepRingKey (spec §4.7's cadence needs a deterministic
// pairing order, not the fresh random order Snapshot's map would give every
// tick).
func (s *Scheduler) orderedLivePeers() []cluster.Node {
	live := s.members.Snapshot()
	if len(live) == 0 {
		return nil
	}
	byID := make(map[string]cluster.Node, len(live))
	for _, n := range live {
		byID[n.ID] = n
	}

	ordered := make([]cluster.Node, 0, len(live))
	for _, id := range s.members.Ring().Walk(sweepRingKey, len(live)) {
		if n, ok := byID[id]; ok {
			ordered = append(ordered, n)
			delete(byID, id)
		}
	}
	// Anything left in byID was not among the walk's first len(live) ids:
	// the ring also holds members SetAlive marked dead, and they count
	// toward that limit. Still sweep it, just after the ring-ordered peers.
	for _, n := range byID {
		ordered = append(ordered, n)
	}
	return ordered
}

func (s *Scheduler) workerFor(nodeID string) *peerWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[nodeID]
	if !ok {
		w = newPeerWorker(nodeID, s.dialer, s.engine, s.sem)
		s.workers[nodeID] = w
	}
	return w
}

func (s *Scheduler) cancelPeer(nodeID string) {
	s.mu.Lock()
	w, ok := s.workers[nodeID]
	delete(s.workers, nodeID)
	s.mu.Unlock()
	if ok {
		w.stop()
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		w.stop()
		delete(s.workers, id)
	}
}

// job is one queued (peer, keyspace) AE session.
type job struct {
	addr     string
	keyspace string
}

// peerWorker serializes every AE session destined for one peer onto a
// single goroutine, so a join-triggered full sync never races a
// background-sweep session against the same peer (spec §4.7).
type peerWorker struct {
	nodeID string
	dialer transport.Dialer
	engine *antientropy.Engine
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	once   sync.Once
}

func newPeerWorker(nodeID string, dialer transport.Dialer, engine *antientropy.Engine, sem *semaphore.Weighted) *peerWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &peerWorker{
		nodeID: nodeID,
		dialer: dialer,
		engine: engine,
		sem:    sem,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, 64),
	}
	go w.loop()
	return w
}

func (w *peerWorker) enqueue(j job) {
	select {
	case w.jobs <- j:
	case <-w.ctx.Done():
	default:
		// queue full: background sweeps are best-effort, the next tick
		// will pick this keyspace back up.
	}
}

func (w *peerWorker) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			w.run(j)
		}
	}
}

func (w *peerWorker) run(j job) {
	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		return
	}
	defer w.sem.Release(1)

	peer, err := w.dialer.Dial(w.ctx, j.addr)
	if err != nil {
		return // peer unreachable during AE: session aborts, retried next cadence tick (spec §4.8)
	}
	_, _ = w.engine.RunSession(w.ctx, j.addr, peer, j.keyspace)
}

func (w *peerWorker) stop() {
	w.once.Do(w.cancel)
}
