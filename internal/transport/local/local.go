// Package local is an in-process transport.Dialer plus handler registry used by
// deterministic tests for anti-entropy and write-pipeline convergence
// (spec §8) where spinning up real gRPC servers per test would be needlessly
// slow. A Network is a shared registry of addr -> Handler; Dial just looks
// up the handler and wraps it as a Peer with no I/O at all.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/ltransom/datacake/internal/transport"
)

// Network is a process-wide registry of listening addresses. Tests create
// one Network and share it between every simulated node.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]transport.Handler
}

// NewNetwork creates an empty registry.
func NewNetwork() *Network {
	return &Network{handlers: make(map[string]transport.Handler)}
}

// Register binds addr to h, as if a server started listening there.
func (n *Network) Register(addr string, h transport.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

// Unregister removes addr, as if its server stopped.
func (n *Network) Unregister(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, addr)
}

// Dialer is a transport.Dialer backed by a Network.
type Dialer struct {
	net *Network
}

// NewDialer builds a Dialer against net.
func NewDialer(net *Network) *Dialer {
	return &Dialer{net: net}
}

func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Peer, error) {
	d.net.mu.RLock()
	h, ok := d.net.handlers[addr]
	d.net.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("local: no handler registered at %q", addr)
	}
	return &peer{handler: h}, nil
}

func (d *Dialer) CloseAll() error { return nil }

// peer adapts a transport.Handler directly into a transport.Peer: calling a
// method here runs the handler on the caller's goroutine, with no
// serialization or network latency.
type peer struct {
	handler transport.Handler
}

func (p *peer) Replicate(ctx context.Context, msg transport.ReplicateMsg) error {
	return p.handler.Replicate(ctx, msg)
}

func (p *peer) ReplicateTombstone(ctx context.Context, msg transport.ReplicateTombstoneMsg) error {
	return p.handler.ReplicateTombstone(ctx, msg)
}

func (p *peer) ReplicateBatch(ctx context.Context, msg transport.ReplicateBatchMsg) (transport.BatchResult, error) {
	return p.handler.ReplicateBatch(ctx, msg)
}

func (p *peer) Summary(ctx context.Context, req transport.SummaryRequest) (transport.SummaryReply, error) {
	return p.handler.Summary(ctx, req)
}

func (p *peer) KeySet(ctx context.Context, req transport.KeySetRequest) (transport.KeySetReply, error) {
	return p.handler.KeySet(ctx, req)
}

func (p *peer) Fetch(ctx context.Context, req transport.FetchRequest) (transport.FetchReply, error) {
	return p.handler.Fetch(ctx, req)
}

func (p *peer) Ping(ctx context.Context, msg transport.PingMsg) (transport.PingReply, error) {
	return p.handler.Ping(ctx, msg)
}

func (p *peer) Close() error { return nil }
