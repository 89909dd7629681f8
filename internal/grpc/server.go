// Package grpc exposes the gateway as the sentinel.v1.ToolGuard gRPC
// service. Requests pass through the same security pipeline as HTTP.
package grpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/audit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ctxkeys"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/gateway"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/protocol"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/security"
)

// GRPCServer serves ToolGuard over a gateway.
type GRPCServer struct {
	gateway *gateway.Gateway
	logger  *slog.Logger
	server  *grpc.Server
}

// NewGRPCServer creates a GRPCServer. pipeline is the HTTP security
// pipeline, applied to a synthetic request built from metadata. metrics may
// be nil.
func NewGRPCServer(gw *gateway.Gateway, pipeline []security.Middleware, metrics *audit.Metrics, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &GRPCServer{gateway: gw, logger: logger}

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			MetricsUnaryInterceptor(metrics),
			SecurityUnaryInterceptor(pipeline, logger),
		),
	)
	RegisterToolGuardServer(gs, s)
	s.server = gs
	return s
}

// Serve starts the gRPC server on the given listener.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// GracefulStop performs a graceful shutdown of the gRPC server.
func (s *GRPCServer) GracefulStop() {
	s.server.GracefulStop()
}

// Server returns the underlying grpc.Server for direct access if needed.
func (s *GRPCServer) Server() *grpc.Server {
	return s.server
}

// Intercept decides one message. Every decision, blocked ones included, is
// a successful RPC carrying the encoded answer; only input that matches no
// wire format is an error.
func (s *GRPCServer) Intercept(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	info, ok := ctxkeys.AgentInfoFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no agent identity")
	}

	resp, err := s.gateway.Handle(ctx, gateway.Request{
		AgentID:         info.AgentID,
		Raw:             in.GetValue(),
		CapabilityToken: info.CapabilityToken,
		Transport:       "grpc",
	})
	if errors.Is(err, gateway.ErrUnrecognizedMessage) {
		return nil, status.Error(codes.InvalidArgument, string(protocol.FormatUnrecognized(in.GetValue(), err.Error())))
	}
	if err != nil {
		s.logger.Error("gRPC intercept failed", "agent", info.AgentID, "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return wrapperspb.Bytes(resp.Body), nil
}
