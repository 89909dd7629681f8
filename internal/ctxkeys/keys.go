// Package ctxkeys defines context keys for passing data through the request pipeline.
// All context keys are unexported to prevent collisions. Use the With*/From accessor pairs.
package ctxkeys

import (
	"context"
	"time"
)

type agentInfoKey struct{}
type requestMetaKey struct{}

// AgentInfo identifies the agent a request speaks for, as established by
// the auth middleware.
type AgentInfo struct {
	AgentID string
	// Mode is the identity mode that produced AgentID: "header" or "jwt".
	Mode string
	// Verified is true only when AgentID came from a validated credential.
	Verified bool
	// CapabilityToken is the token presented with the request, if any.
	CapabilityToken string
}

// RequestMeta holds per-request transport data.
type RequestMeta struct {
	RequestID  string
	Transport  string // "http", "ws", "grpc"
	RemoteAddr string
	StartTime  time.Time
}

// WithAgentInfo stores AgentInfo in the context.
func WithAgentInfo(ctx context.Context, info AgentInfo) context.Context {
	return context.WithValue(ctx, agentInfoKey{}, info)
}

// AgentInfoFrom retrieves AgentInfo from the context.
func AgentInfoFrom(ctx context.Context) (AgentInfo, bool) {
	info, ok := ctx.Value(agentInfoKey{}).(AgentInfo)
	return info, ok
}

// WithRequestMeta stores RequestMeta in the context.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom retrieves RequestMeta from the context.
func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta, ok
}
