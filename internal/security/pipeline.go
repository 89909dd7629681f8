// Package security implements the request security middleware pipeline
// and the idempotency cache.
//
// Layer 1 (Pre-Auth): GlobalRateLimiter
// Layer 2 (Auth): AuthMiddleware (agent identity)
//
// Per-agent policy, capability and rate-limit checks happen per tool call in
// the gateway, after the message has been decoded.
package security

import (
	"net/http"
)

// Middleware is a security processing step in the pipeline.
type Middleware interface {
	Process(next http.Handler) http.Handler
	Name() string
}

// PipelineConfig holds config needed for the pipeline.
type PipelineConfig struct {
	Auth *AuthMiddleware
	// Global is shared with the WebSocket and gRPC transports; nil disables it.
	Global *GlobalRateLimiter
}

// BuildPipeline constructs the ordered security middleware chain.
func BuildPipeline(cfg PipelineConfig) []Middleware {
	var mws []Middleware

	// Layer 1: Pre-Auth
	if cfg.Global != nil {
		mws = append(mws, cfg.Global)
	}

	// Layer 2: Auth
	if cfg.Auth != nil {
		mws = append(mws, cfg.Auth)
	}
	return mws
}

// ApplyPipeline wraps a handler with all middleware in order.
// Apply in reverse order so first middleware executes first.
func ApplyPipeline(handler http.Handler, middlewares []Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i].Process(handler)
	}
	return handler
}
