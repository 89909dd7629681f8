package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service and method names on the wire.
const (
	ServiceName     = "sentinel.v1.ToolGuard"
	InterceptMethod = "/sentinel.v1.ToolGuard/Intercept"
)

// ToolGuardServer decides raw tool-call messages. The request value is the
// message exactly as an HTTP caller would POST it; the response value is the
// encoded decision in the same wire format.
type ToolGuardServer interface {
	Intercept(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// ToolGuardServiceDesc describes the ToolGuard service. It is written by
// hand: both messages are well-known wrapper types, so no generated code is
// needed.
var ToolGuardServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolGuardServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Intercept", Handler: interceptHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sentinel/v1/toolguard.proto",
}

// RegisterToolGuardServer registers srv on s.
func RegisterToolGuardServer(s grpc.ServiceRegistrar, srv ToolGuardServer) {
	s.RegisterService(&ToolGuardServiceDesc, srv)
}

func interceptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGuardServer).Intercept(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InterceptMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolGuardServer).Intercept(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ToolGuardClient calls a ToolGuard service.
type ToolGuardClient struct {
	cc grpc.ClientConnInterface
}

// NewToolGuardClient wraps a client connection.
func NewToolGuardClient(cc grpc.ClientConnInterface) *ToolGuardClient {
	return &ToolGuardClient{cc: cc}
}

// Intercept sends one raw message and returns the encoded decision.
func (c *ToolGuardClient) Intercept(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, InterceptMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
