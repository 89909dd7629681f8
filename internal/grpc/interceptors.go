package grpc

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/audit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ctxkeys"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/security"
)

// SecurityUnaryInterceptor returns a gRPC unary server interceptor that applies
// the existing security middleware pipeline. It creates a synthetic http.Request
// from gRPC metadata so the HTTP-based security middlewares can process it.
func SecurityUnaryInterceptor(middlewares []security.Middleware, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		httpReq := buildSyntheticRequest(ctx, info.FullMethod)

		if err := applySecurityPipeline(httpReq, middlewares); err != nil {
			logger.Warn("gRPC security pipeline rejected request",
				slog.String("method", info.FullMethod),
				slog.String("error", err.Error()),
			)
			return nil, err
		}

		ctx = propagateSecurityContext(ctx, httpReq)
		return handler(ctx, req)
	}
}

// MetricsUnaryInterceptor counts RPCs by method and status code. A nil
// metrics disables it.
func MetricsUnaryInterceptor(metrics *audit.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if metrics != nil {
			metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		}
		return resp, err
	}
}

// buildSyntheticRequest creates an http.Request from gRPC metadata.
// This allows reuse of the existing HTTP-based security middlewares.
func buildSyntheticRequest(ctx context.Context, fullMethod string) *http.Request {
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, "/"+fullMethod, io.NopCloser(bytes.NewReader(nil)))

	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		for key, values := range md {
			for _, v := range values {
				httpReq.Header.Add(key, v)
			}
		}
	}

	if p, ok := peer.FromContext(ctx); ok {
		httpReq.RemoteAddr = p.Addr.String()
	}

	requestID := httpReq.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	meta := ctxkeys.RequestMeta{
		RequestID:  requestID,
		Transport:  "grpc",
		RemoteAddr: httpReq.RemoteAddr,
		StartTime:  time.Now(),
	}
	return httpReq.WithContext(ctxkeys.WithRequestMeta(httpReq.Context(), meta))
}

// applySecurityPipeline runs the HTTP security pipeline against a synthetic request.
// Returns a gRPC status error if the pipeline rejects the request.
func applySecurityPipeline(req *http.Request, middlewares []security.Middleware) error {
	passed := false
	passHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		passed = true
		// Keep the context values the middlewares attached.
		*req = *r
	})

	handler := security.ApplyPipeline(passHandler, middlewares)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if !passed {
		code := httpStatusToGRPCCode(recorder.Code)
		return status.Errorf(code, "%s", bytes.TrimSpace(recorder.Body.Bytes()))
	}
	return nil
}

// propagateSecurityContext copies security-related context values from the
// synthetic HTTP request context to the gRPC context.
func propagateSecurityContext(grpcCtx context.Context, httpReq *http.Request) context.Context {
	// ctxkeys uses unexported key types, so instead of copying values we
	// delegate Value() lookups to the HTTP context.
	return &mergedContext{
		Context: grpcCtx,
		httpCtx: httpReq.Context(),
	}
}

// mergedContext merges two contexts: it uses the gRPC context for deadlines
// and cancellation, but falls back to the HTTP context for Value() lookups.
type mergedContext struct {
	context.Context
	httpCtx context.Context
}

// Value returns the value from the gRPC context first, then falls back to the HTTP context.
func (c *mergedContext) Value(key any) any {
	if v := c.Context.Value(key); v != nil {
		return v
	}
	return c.httpCtx.Value(key)
}

// httpStatusToGRPCCode maps HTTP status codes to gRPC status codes.
func httpStatusToGRPCCode(httpCode int) codes.Code {
	switch httpCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
