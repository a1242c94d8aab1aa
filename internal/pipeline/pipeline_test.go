package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/cluster"
	"github.com/ltransom/datacake/internal/lww"
	"github.com/ltransom/datacake/internal/mediator"
	"github.com/ltransom/datacake/internal/pipeline"
	"github.com/ltransom/datacake/internal/storage"
	"github.com/ltransom/datacake/internal/transport"
	"github.com/ltransom/datacake/internal/transport/local"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// replicaHandler forwards inbound Replicate*/ReplicateBatch RPCs straight to
// a peer's own Mediator, the minimal slice of transport.Handler the write
// pipeline's fan-out exercises. Summary/KeySet/Fetch/Ping belong to the
// anti-entropy and membership surfaces and are unused here.
type replicaHandler struct {
	med *mediator.Mediator
}

func (h *replicaHandler) Replicate(ctx context.Context, msg transport.ReplicateMsg) error {
	_, err := h.med.Put(msg.Keyspace, msg.Key, msg.TS, msg.Payload)
	return err
}

func (h *replicaHandler) ReplicateTombstone(ctx context.Context, msg transport.ReplicateTombstoneMsg) error {
	_, err := h.med.Del(msg.Keyspace, msg.Key, msg.TS)
	return err
}

func (h *replicaHandler) ReplicateBatch(ctx context.Context, msg transport.ReplicateBatchMsg) (transport.BatchResult, error) {
	for _, e := range msg.Entries {
		var err error
		if e.Tombstone {
			_, err = h.med.Del(msg.Keyspace, e.Key, e.TS)
		} else {
			_, err = h.med.Put(msg.Keyspace, e.Key, e.TS, e.Payload)
		}
		if err != nil {
			return transport.BatchResult{Applied: false, Reason: err.Error()}, nil
		}
	}
	return transport.BatchResult{Applied: true}, nil
}

func (h *replicaHandler) Summary(ctx context.Context, req transport.SummaryRequest) (transport.SummaryReply, error) {
	return transport.SummaryReply{}, nil
}

func (h *replicaHandler) KeySet(ctx context.Context, req transport.KeySetRequest) (transport.KeySetReply, error) {
	return transport.KeySetReply{}, nil
}

func (h *replicaHandler) Fetch(ctx context.Context, req transport.FetchRequest) (transport.FetchReply, error) {
	return transport.FetchReply{}, nil
}

func (h *replicaHandler) Ping(ctx context.Context, msg transport.PingMsg) (transport.PingReply, error) {
	return transport.PingReply{SelfID: msg.SelfID}, nil
}

type testNode struct {
	ks    *lww.Registry
	store storage.Store
	med   *mediator.Mediator
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	store, err := storage.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks := lww.NewRegistry()
	return &testNode{ks: ks, store: store, med: mediator.New(store, ks, clock.New(1))}
}

func newSingleNodePipeline(t *testing.T) (*pipeline.Pipeline, *testNode) {
	t.Helper()
	node := newTestNode(t)
	members := cluster.New(nil)
	selector := cluster.NewSelector("dc1")
	dialer := local.NewDialer(local.NewNetwork())

	p := pipeline.New("self", clock.New(1), node.med, node.ks, node.store, members, selector, dialer, pipeline.DefaultConfig())
	return p, node
}

func TestPutThenGetSingleNodeAll(t *testing.T) {
	p, _ := newSingleNodePipeline(t)
	ctx := context.Background()

	require.NoError(t, p.Put(ctx, "ks", 1, []byte("Hello"), cluster.All))

	doc, ok, err := p.Get("ks", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("Hello"), doc.Payload)
}

func TestDelThenGetReturnsNotFound(t *testing.T) {
	p, _ := newSingleNodePipeline(t)
	ctx := context.Background()

	require.NoError(t, p.Put(ctx, "ks", 1, []byte("Hello"), cluster.None))
	require.NoError(t, p.Del(ctx, "ks", 1, cluster.None))

	_, ok, err := p.Get("ks", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDelOfNeverSeenKeyStoresTombstone(t *testing.T) {
	p, node := newSingleNodePipeline(t)
	ctx := context.Background()

	require.NoError(t, p.Del(ctx, "ks", 2, cluster.None))

	_, ok, err := p.Get("ks", 2)
	require.NoError(t, err)
	require.False(t, ok)

	entry, ok := node.ks.Get("ks").Get(2)
	require.True(t, ok)
	require.Equal(t, lww.Tombstoned, entry.State)
}

func TestPutReplicatesToPeerOverLocalTransport(t *testing.T) {
	net := local.NewNetwork()

	a := newTestNode(t)
	b := newTestNode(t)
	net.Register("node-b:9000", &replicaHandler{med: b.med})

	members := cluster.New([]cluster.Node{{ID: "b", Addr: "node-b:9000", DC: "dc1", IsAlive: true}})
	selector := cluster.NewSelector("dc1")
	dialer := local.NewDialer(net)

	p := pipeline.New("a", clock.New(1), a.med, a.ks, a.store, members, selector, dialer, pipeline.DefaultConfig())

	require.NoError(t, p.Put(context.Background(), "ks", 1, []byte("A"), cluster.All))

	entry, ok := b.ks.Get("ks").Get(1)
	require.True(t, ok)
	require.Equal(t, lww.Live, entry.State)
	require.Equal(t, []byte("A"), entry.Payload)
}

func TestPutQuorumFailsWhenPeersDown(t *testing.T) {
	node := newTestNode(t)
	members := cluster.New([]cluster.Node{
		{ID: "b", Addr: "node-b:9000", DC: "dc1", IsAlive: false},
		{ID: "c", Addr: "node-c:9000", DC: "dc2", IsAlive: false},
	})
	selector := cluster.NewSelector("dc1")
	dialer := local.NewDialer(local.NewNetwork())

	p := pipeline.New("a", clock.New(1), node.med, node.ks, node.store, members, selector, dialer, pipeline.DefaultConfig())

	err := p.Put(context.Background(), "ks", 1, []byte("A"), cluster.Quorum)
	var consErr *cluster.ConsistencyError
	require.ErrorAs(t, err, &consErr)

	// local write is never rolled back even though the quorum target failed.
	doc, ok, getErr := p.Get("ks", 1)
	require.NoError(t, getErr)
	require.True(t, ok)
	require.Equal(t, []byte("A"), doc.Payload)
}

func TestPutManyChunksAndReportsCommitted(t *testing.T) {
	p, _ := newSingleNodePipeline(t)
	muts := make([]pipeline.Mutation, 5)
	for i := range muts {
		muts[i] = pipeline.Mutation{Key: uint64(i), Payload: []byte("v")}
	}

	out, err := p.PutMany(context.Background(), "ks", muts, cluster.None)
	require.NoError(t, err)
	require.Len(t, out.Committed, 5)
	require.Empty(t, out.Failed)

	docs, err := p.GetMany("ks", []uint64{0, 1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, docs, 5)
}

func TestDelManyTombstonesEveryKey(t *testing.T) {
	p, node := newSingleNodePipeline(t)
	muts := []pipeline.Mutation{{Key: 1}, {Key: 2}}
	_, err := p.PutMany(context.Background(), "ks", []pipeline.Mutation{{Key: 1, Payload: []byte("x")}, {Key: 2, Payload: []byte("y")}}, cluster.None)
	require.NoError(t, err)

	out, err := p.DelMany(context.Background(), "ks", muts, cluster.None)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, out.Committed)

	for _, k := range []uint64{1, 2} {
		entry, ok := node.ks.Get("ks").Get(k)
		require.True(t, ok)
		require.Equal(t, lww.Tombstoned, entry.State)
	}
}
