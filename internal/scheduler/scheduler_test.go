package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ltransom/datacake/internal/antientropy"
	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/cluster"
	"github.com/ltransom/datacake/internal/lww"
	"github.com/ltransom/datacake/internal/mediator"
	"github.com/ltransom/datacake/internal/scheduler"
	"github.com/ltransom/datacake/internal/storage"
	"github.com/ltransom/datacake/internal/transport"
	"github.com/ltransom/datacake/internal/transport/local"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runAndWait starts sched on its own goroutine and returns a function that
// cancels it and blocks until Run has actually returned, so a deferred
// goleak check never races the scheduler's own shutdown.
func runAndWait(sched *scheduler.Scheduler, ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

type side struct {
	ks     *lww.Registry
	med    *mediator.Mediator
	engine *antientropy.Engine
}

func newSide(t *testing.T) *side {
	t.Helper()
	store, err := storage.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ks := lww.NewRegistry()
	med := mediator.New(store, ks, clock.New(1))
	cfg := antientropy.Config{OverlapWindow: time.Hour, PhaseTimeout: time.Second}
	return &side{ks: ks, med: med, engine: antientropy.New(ks, med, cfg)}
}

type handler struct{ s *side }

func (h handler) Replicate(ctx context.Context, msg transport.ReplicateMsg) error {
	_, err := h.s.med.Put(msg.Keyspace, msg.Key, msg.TS, msg.Payload)
	return err
}
func (h handler) ReplicateTombstone(ctx context.Context, msg transport.ReplicateTombstoneMsg) error {
	_, err := h.s.med.Del(msg.Keyspace, msg.Key, msg.TS)
	return err
}
func (h handler) ReplicateBatch(ctx context.Context, msg transport.ReplicateBatchMsg) (transport.BatchResult, error) {
	return transport.BatchResult{Applied: true}, nil
}
func (h handler) Summary(ctx context.Context, req transport.SummaryRequest) (transport.SummaryReply, error) {
	return h.s.engine.Summary(ctx, req)
}
func (h handler) KeySet(ctx context.Context, req transport.KeySetRequest) (transport.KeySetReply, error) {
	return h.s.engine.KeySet(ctx, req)
}
func (h handler) Fetch(ctx context.Context, req transport.FetchRequest) (transport.FetchReply, error) {
	return h.s.engine.Fetch(ctx, req)
}
func (h handler) Ping(ctx context.Context, msg transport.PingMsg) (transport.PingReply, error) {
	return transport.PingReply{SelfID: msg.SelfID}, nil
}

type fixedKeyspaces struct{ names []string }

func (f fixedKeyspaces) Names() []string { return f.names }

func TestSchedulerRunsFullSyncOnJoin(t *testing.T) {
	local1 := newSide(t)
	remote := newSide(t)
	clk := clock.New(9)
	_, err := remote.med.Put("ks", 1, clk.Now(), []byte("remote-value"))
	require.NoError(t, err)

	net := local.NewNetwork()
	net.Register("remote:9000", handler{remote})
	dialer := local.NewDialer(net)

	members := cluster.New(nil)
	sched := scheduler.New(members, dialer, local1.engine, fixedKeyspaces{names: []string{"ks"}}, scheduler.Config{
		Interval: time.Hour, Jitter: 0, MaxConcurrent: 4,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer runAndWait(sched, ctx, cancel)()

	require.NoError(t, members.Join(cluster.Node{ID: "remote", Addr: "remote:9000", DC: "dc1"}))

	require.Eventually(t, func() bool {
		entry, ok := local1.ks.Get("ks").Get(1)
		return ok && entry.State == lww.Live
	}, 2*time.Second, 10*time.Millisecond, "join should trigger an immediate full AE that pulls remote's entry")
}

func TestSchedulerBackgroundSweepConverges(t *testing.T) {
	local1 := newSide(t)
	remote := newSide(t)
	clk := clock.New(10)
	_, err := remote.med.Put("ks", 5, clk.Now(), []byte("v"))
	require.NoError(t, err)

	net := local.NewNetwork()
	net.Register("remote:9000", handler{remote})
	dialer := local.NewDialer(net)

	members := cluster.New([]cluster.Node{{ID: "remote", Addr: "remote:9000", DC: "dc1", IsAlive: true}})
	sched := scheduler.New(members, dialer, local1.engine, fixedKeyspaces{names: []string{"ks"}}, scheduler.Config{
		Interval: 20 * time.Millisecond, Jitter: 5 * time.Millisecond, MaxConcurrent: 4,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer runAndWait(sched, ctx, cancel)()

	require.Eventually(t, func() bool {
		entry, ok := local1.ks.Get("ks").Get(5)
		return ok && entry.State == lww.Live
	}, 2*time.Second, 10*time.Millisecond)
}
