package grpcrpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ltransom/datacake/internal/transport"
)

// callOpt forces every RPC through the custom JSON codec instead of grpc's
// default proto codec.
var callOpt = grpc.CallContentSubtype(codecName)

// Dialer pools one *grpc.ClientConn per peer address, created lazily and
// kept until Forget or CloseAll (spec §5: transport connections are pooled
// per peer).
type Dialer struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewDialer builds an empty connection pool.
func NewDialer() *Dialer {
	return &Dialer{conns: make(map[string]*grpc.ClientConn)}
}

func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn, ok := d.conns[addr]
	if !ok {
		var err error
		conn, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("grpcrpc: dial %s: %w", addr, err)
		}
		d.conns[addr] = conn
	}
	return &peer{conn: conn}, nil
}

// Forget drops and closes any pooled connection to addr, forcing the next
// Dial to reconnect. Satisfies scheduler.ConnInvalidator: a membership
// Updated event (address or DC tag change) reopens the transport without
// triggering an immediate AE session (spec §4.7), and a LeftOrDead event
// closes the departed peer's connection.
func (d *Dialer) Forget(addr string) {
	d.mu.Lock()
	conn, ok := d.conns[addr]
	delete(d.conns, addr)
	d.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (d *Dialer) CloseAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for addr, conn := range d.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("grpcrpc: close %s: %w", addr, err)
		}
		delete(d.conns, addr)
	}
	return firstErr
}

// peer issues RPCs over a pooled connection. Close is a no-op: the Dialer,
// not the caller, owns the underlying conn's lifetime.
type peer struct {
	conn *grpc.ClientConn
}

func (p *peer) Replicate(ctx context.Context, msg transport.ReplicateMsg) error {
	out := new(emptyReply)
	return p.conn.Invoke(ctx, "/"+serviceName+"/Replicate", &msg, out, callOpt)
}

func (p *peer) ReplicateTombstone(ctx context.Context, msg transport.ReplicateTombstoneMsg) error {
	out := new(emptyReply)
	return p.conn.Invoke(ctx, "/"+serviceName+"/ReplicateTombstone", &msg, out, callOpt)
}

func (p *peer) ReplicateBatch(ctx context.Context, msg transport.ReplicateBatchMsg) (transport.BatchResult, error) {
	out := new(transport.BatchResult)
	err := p.conn.Invoke(ctx, "/"+serviceName+"/ReplicateBatch", &msg, out, callOpt)
	return *out, err
}

func (p *peer) Summary(ctx context.Context, req transport.SummaryRequest) (transport.SummaryReply, error) {
	out := new(transport.SummaryReply)
	err := p.conn.Invoke(ctx, "/"+serviceName+"/Summary", &req, out, callOpt)
	return *out, err
}

func (p *peer) KeySet(ctx context.Context, req transport.KeySetRequest) (transport.KeySetReply, error) {
	out := new(transport.KeySetReply)
	err := p.conn.Invoke(ctx, "/"+serviceName+"/KeySet", &req, out, callOpt)
	return *out, err
}

func (p *peer) Fetch(ctx context.Context, req transport.FetchRequest) (transport.FetchReply, error) {
	out := new(transport.FetchReply)
	err := p.conn.Invoke(ctx, "/"+serviceName+"/Fetch", &req, out, callOpt)
	return *out, err
}

func (p *peer) Ping(ctx context.Context, msg transport.PingMsg) (transport.PingReply, error) {
	out := new(transport.PingReply)
	err := p.conn.Invoke(ctx, "/"+serviceName+"/Ping", &msg, out, callOpt)
	return *out, err
}

func (p *peer) Close() error { return nil }

// emptyReply is the wire response for RPCs whose Handler signature returns
// only an error (Replicate, ReplicateTombstone).
type emptyReply struct{}
