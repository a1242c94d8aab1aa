package local_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/transport"
	"github.com/ltransom/datacake/internal/transport/local"
)

type stubHandler struct {
	lastReplicate transport.ReplicateMsg
}

func (s *stubHandler) Replicate(ctx context.Context, msg transport.ReplicateMsg) error {
	s.lastReplicate = msg
	return nil
}

func (s *stubHandler) ReplicateTombstone(ctx context.Context, msg transport.ReplicateTombstoneMsg) error {
	return nil
}

func (s *stubHandler) ReplicateBatch(ctx context.Context, msg transport.ReplicateBatchMsg) (transport.BatchResult, error) {
	return transport.BatchResult{Applied: true}, nil
}

func (s *stubHandler) Summary(ctx context.Context, req transport.SummaryRequest) (transport.SummaryReply, error) {
	return transport.SummaryReply{Count: 7}, nil
}

func (s *stubHandler) KeySet(ctx context.Context, req transport.KeySetRequest) (transport.KeySetReply, error) {
	return transport.KeySetReply{}, nil
}

func (s *stubHandler) Fetch(ctx context.Context, req transport.FetchRequest) (transport.FetchReply, error) {
	return transport.FetchReply{}, nil
}

func (s *stubHandler) Ping(ctx context.Context, msg transport.PingMsg) (transport.PingReply, error) {
	return transport.PingReply{SelfID: "remote"}, nil
}

func TestLocalDialDeliversToRegisteredHandler(t *testing.T) {
	net := local.NewNetwork()
	h := &stubHandler{}
	net.Register("node-a:9000", h)

	dialer := local.NewDialer(net)
	peer, err := dialer.Dial(context.Background(), "node-a:9000")
	require.NoError(t, err)
	defer peer.Close()

	msg := transport.ReplicateMsg{Keyspace: "ks", Key: 42, TS: clock.Timestamp{Hi: 1}}
	require.NoError(t, peer.Replicate(context.Background(), msg))
	require.Equal(t, msg, h.lastReplicate)

	reply, err := peer.Ping(context.Background(), transport.PingMsg{SelfID: "local"})
	require.NoError(t, err)
	require.Equal(t, "remote", reply.SelfID)
}

func TestLocalDialFailsForUnregisteredAddr(t *testing.T) {
	dialer := local.NewDialer(local.NewNetwork())
	_, err := dialer.Dial(context.Background(), "nowhere:9000")
	require.Error(t, err)
}

func TestLocalUnregisterMakesAddrUndialable(t *testing.T) {
	net := local.NewNetwork()
	net.Register("node-a:9000", &stubHandler{})
	net.Unregister("node-a:9000")

	dialer := local.NewDialer(net)
	_, err := dialer.Dial(context.Background(), "node-a:9000")
	require.Error(t, err)
}
