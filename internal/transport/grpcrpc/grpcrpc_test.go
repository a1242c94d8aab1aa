package grpcrpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/transport"
	"github.com/ltransom/datacake/internal/transport/grpcrpc"
)

type stubHandler struct {
	gotReplicate transport.ReplicateMsg
}

func (s *stubHandler) Replicate(ctx context.Context, msg transport.ReplicateMsg) error {
	s.gotReplicate = msg
	return nil
}

func (s *stubHandler) ReplicateTombstone(ctx context.Context, msg transport.ReplicateTombstoneMsg) error {
	return nil
}

func (s *stubHandler) ReplicateBatch(ctx context.Context, msg transport.ReplicateBatchMsg) (transport.BatchResult, error) {
	return transport.BatchResult{Applied: true}, nil
}

func (s *stubHandler) Summary(ctx context.Context, req transport.SummaryRequest) (transport.SummaryReply, error) {
	return transport.SummaryReply{Fingerprint: 123, Count: 4}, nil
}

func (s *stubHandler) KeySet(ctx context.Context, req transport.KeySetRequest) (transport.KeySetReply, error) {
	return transport.KeySetReply{}, nil
}

func (s *stubHandler) Fetch(ctx context.Context, req transport.FetchRequest) (transport.FetchReply, error) {
	return transport.FetchReply{}, nil
}

func (s *stubHandler) Ping(ctx context.Context, msg transport.PingMsg) (transport.PingReply, error) {
	return transport.PingReply{SelfID: "server-" + msg.SelfID}, nil
}

func startTestServer(t *testing.T, h transport.Handler) string {
	t.Helper()
	srv := grpcrpc.NewServer(h)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, "127.0.0.1:0")
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	var addr string
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)
	return addr
}

func TestGRPCRoundTripReplicateAndPing(t *testing.T) {
	h := &stubHandler{}
	addr := startTestServer(t, h)

	dialer := grpcrpc.NewDialer()
	t.Cleanup(func() { dialer.CloseAll() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := dialer.Dial(ctx, addr)
	require.NoError(t, err)

	msg := transport.ReplicateMsg{Keyspace: "ks1", Key: 7, TS: clock.Timestamp{Hi: 1, Lo: 2}, Payload: []byte("v")}
	require.NoError(t, peer.Replicate(ctx, msg))
	require.Equal(t, msg, h.gotReplicate)

	reply, err := peer.Ping(ctx, transport.PingMsg{SelfID: "client"})
	require.NoError(t, err)
	require.Equal(t, "server-client", reply.SelfID)
}

func TestGRPCRoundTripSummary(t *testing.T) {
	h := &stubHandler{}
	addr := startTestServer(t, h)

	dialer := grpcrpc.NewDialer()
	t.Cleanup(func() { dialer.CloseAll() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := dialer.Dial(ctx, addr)
	require.NoError(t, err)

	reply, err := peer.Summary(ctx, transport.SummaryRequest{Keyspace: "ks1"})
	require.NoError(t, err)
	require.Equal(t, uint64(123), reply.Fingerprint)
	require.Equal(t, 4, reply.Count)
}
