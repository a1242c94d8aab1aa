package grpcrpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/ltransom/datacake/internal/transport"
)

// Server adapts a transport.Handler to a grpc.Server listening on one addr.
type Server struct {
	handler transport.Handler

	mu   sync.Mutex
	gsrv *grpc.Server
	addr net.Addr
}

// NewServer builds a Server that delivers every inbound RPC to handler.
func NewServer(handler transport.Handler, opts ...grpc.ServerOption) *Server {
	return &Server{handler: handler, gsrv: grpc.NewServer(opts...)}
}

// Addr returns the address Serve actually bound to, once listening has
// started. Used by tests that pass "127.0.0.1:0" and need the assigned port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcrpc: listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.gsrv.RegisterService(&serviceDesc, s.handler)
	s.addr = lis.Addr()
	gsrv := s.gsrv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- gsrv.Serve(lis) }()

	select {
	case <-ctx.Done():
		gsrv.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gsrv.GracefulStop()
	return nil
}
