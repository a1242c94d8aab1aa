package grpcrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ltransom/datacake/internal/transport"
)

const serviceName = "datacake.Peer"

// replicateHandler and the other *Handler functions below adapt a
// transport.Handler onto grpc's untyped method-handler shape.
// grpc.ServiceDesc.HandlerType is the transport.Handler interface itself,
// not a generated one; Server.Serve registers its Handler against it.
func replicateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.ReplicateMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return nil, srv.(transport.Handler).Replicate(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Replicate"}
	handler := func(ctx context.Context, req any) (any, error) {
		return nil, srv.(transport.Handler).Replicate(ctx, *req.(*transport.ReplicateMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func replicateTombstoneHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.ReplicateTombstoneMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return nil, srv.(transport.Handler).ReplicateTombstone(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/ReplicateTombstone"}
	handler := func(ctx context.Context, req any) (any, error) {
		return nil, srv.(transport.Handler).ReplicateTombstone(ctx, *req.(*transport.ReplicateTombstoneMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func replicateBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.ReplicateBatchMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).ReplicateBatch(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/ReplicateBatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transport.Handler).ReplicateBatch(ctx, *req.(*transport.ReplicateBatchMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func summaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.SummaryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).Summary(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Summary"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transport.Handler).Summary(ctx, *req.(*transport.SummaryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func keySetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.KeySetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).KeySet(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/KeySet"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transport.Handler).KeySet(ctx, *req.(*transport.KeySetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.FetchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).Fetch(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Fetch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transport.Handler).Fetch(ctx, *req.(*transport.FetchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.PingMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).Ping(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Ping"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transport.Handler).Ping(ctx, *req.(*transport.PingMsg))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-built equivalent of a protoc-generated
// grpc.ServiceDesc: one entry per Handler method, all unary. KeySet and
// Fetch each return their whole result in one reply, and an anti-entropy
// session issues one call of each; no gRPC stream is used and replies are
// not chunked.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Replicate", Handler: replicateHandler},
		{MethodName: "ReplicateTombstone", Handler: replicateTombstoneHandler},
		{MethodName: "ReplicateBatch", Handler: replicateBatchHandler},
		{MethodName: "Summary", Handler: summaryHandler},
		{MethodName: "KeySet", Handler: keySetHandler},
		{MethodName: "Fetch", Handler: fetchHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "datacake/transport.proto",
}
