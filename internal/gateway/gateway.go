// Package gateway is the proxy's request handler. It composes the message
// normalizer, the interceptor, capability validation, the per-agent rate
// limiter, upstream forwarding and auditing in a fixed order: policy first,
// then capabilities, then budget. A refused call never consumes budget and
// is never forwarded.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/audit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/capability"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ctxkeys"
	proxyerrors "github.com/vijaygopalbalasa/AgentKernel-sub005/internal/errors"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/interceptor"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/protocol"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/proxy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ratelimit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/security"
)

// ErrUnrecognizedMessage is returned for input that matches no wire format.
var ErrUnrecognizedMessage = errors.New("unrecognized tool-call message")

// Authorizer validates capability tokens. *capability.Store satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, token, agentID, capability string) error
}

// Limiter meters per-agent budgets. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Consume(agentID string, typ ratelimit.BucketType, n float64) (ratelimit.Result, error)
}

// Forwarder sends allowed calls upstream. *proxy.Upstream satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, raw []byte, hdr http.Header) (*proxy.Response, error)
}

// Request is one raw message from an authenticated agent.
type Request struct {
	AgentID         string
	Raw             []byte
	CapabilityToken string
	Transport       string // "http", "ws", "grpc"
	// Header carries caller headers to forward upstream; may be nil.
	Header http.Header
}

// Response is the encoded answer plus the decision behind it.
type Response struct {
	Body    []byte
	Result  protocol.Result
	Message *protocol.NormalizedMessage
	// Status is the HTTP status matching Result.
	Status int
	// Header holds upstream response headers when the call was forwarded.
	Header    http.Header
	Forwarded bool
	Replayed  bool
}

// Gateway is safe for concurrent use.
type Gateway struct {
	interceptor *interceptor.Interceptor
	caps        Authorizer
	required    map[policy.Category]bool
	limiter     Limiter
	upstream    Forwarder
	idem        *security.IdempotencyCache
	sink        audit.Sink
	metrics     *audit.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCapabilities requires a valid capability token for calls in the
// given categories.
func WithCapabilities(caps Authorizer, required []string) Option {
	return func(g *Gateway) {
		g.caps = caps
		for _, c := range required {
			g.required[policy.Category(c)] = true
		}
	}
}

// WithRateLimiter enables the per-agent tool-call budget.
func WithRateLimiter(l Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithUpstream forwards allowed calls.
func WithUpstream(f Forwarder) Option {
	return func(g *Gateway) { g.upstream = f }
}

// WithIdempotency replays decisions for repeated idempotency keys.
func WithIdempotency(c *security.IdempotencyCache) Option {
	return func(g *Gateway) { g.idem = c }
}

// WithAuditSink sets where audit records go.
func WithAuditSink(s audit.Sink) Option {
	return func(g *Gateway) { g.sink = s }
}

// WithMetrics records decision metrics.
func WithMetrics(m *audit.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a Gateway around ic. A nil logger discards output.
func New(ic *interceptor.Interceptor, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gateway{
		interceptor: ic,
		required:    make(map[policy.Category]bool),
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Interceptor returns the wrapped interceptor.
func (g *Gateway) Interceptor() *interceptor.Interceptor { return g.interceptor }

// Handle decides one message and encodes the answer in the caller's format.
// The only error is ErrUnrecognizedMessage; every decision, including
// upstream failure, is carried in the Response.
func (g *Gateway) Handle(ctx context.Context, req Request) (*Response, error) {
	start := g.now()

	msg, ok := protocol.Normalize(req.Raw, req.AgentID)
	if !ok {
		g.logger.Debug("unrecognized message", "agent", req.AgentID, "transport", req.Transport, "bytes", len(req.Raw))
		return nil, ErrUnrecognizedMessage
	}

	if g.idem != nil && msg.IdempotencyKey != "" {
		if cached, hit := g.idem.Lookup(req.AgentID, msg.IdempotencyKey); hit {
			if cached.Fingerprint != callFingerprint(msg.Call) {
				return g.keyReused(ctx, req, msg, start)
			}
			return g.replay(ctx, req, msg, cached, start)
		}
	}

	tr := g.interceptor.Intercept(ctx, msg.Call)
	g.recordApproval(tr)

	result := protocol.Result{Decision: tr.Decision, Reason: tr.Reason}
	status := http.StatusOK
	if !tr.Allowed() {
		status = http.StatusForbidden
	}

	if tr.Allowed() && g.required[tr.Category] {
		if denied, reason := g.checkCapability(ctx, req, tr); denied {
			result = refused(proxyerrors.ErrCapabilityDenied, reason)
			status = proxyerrors.ErrCapabilityDenied.Status
		}
	}

	if result.Allowed() && g.limiter != nil {
		rl, err := g.limiter.Consume(req.AgentID, ratelimit.BucketTool, 1)
		switch {
		case err != nil:
			g.logger.Error("rate limit check failed", "agent", req.AgentID, "error", err)
		case !rl.Allowed:
			result = refused(proxyerrors.ErrRateLimited,
				fmt.Sprintf("Rate limit exceeded: tool call budget exhausted, retry in %dms", rl.RetryAfterMs))
			result.RetryAfterMs = rl.RetryAfterMs
			status = proxyerrors.ErrRateLimited.Status
			if g.metrics != nil {
				g.metrics.RecordRateLimitHit(string(ratelimit.BucketTool))
			}
		}
	}

	resp := &Response{Message: msg, Status: status}

	if result.Allowed() && g.upstream != nil {
		up, err := g.upstream.Forward(ctx, req.Raw, req.Header)
		if err != nil {
			g.logger.Warn("forwarding failed", "agent", req.AgentID, "tool", msg.Call.Tool, "error", err)
			result = refused(proxyerrors.ErrUpstreamUnavailable, proxyerrors.ErrUpstreamUnavailable.Message)
			resp.Status = proxyerrors.ErrUpstreamUnavailable.Status
		} else {
			resp.Body = up.Body
			resp.Header = up.Header
			resp.Status = up.Status
			resp.Forwarded = true
		}
	}

	result.ExecutionTime = g.now().Sub(start)
	resp.Result = result

	if !resp.Forwarded {
		body, err := protocol.FormatResponse(msg, result)
		if err != nil {
			return nil, fmt.Errorf("encoding response: %w", err)
		}
		resp.Body = body
	}

	if g.idem != nil && msg.IdempotencyKey != "" && result.Code != proxyerrors.CodeUpstreamUnavailable {
		cd := security.CachedDecision{Fingerprint: callFingerprint(msg.Call), Result: result}
		if resp.Forwarded {
			cd.Body = resp.Body
		}
		g.idem.Store(req.AgentID, msg.IdempotencyKey, cd)
	}

	g.emit(ctx, req, msg, result, &tr, false)
	return resp, nil
}

// Reject refuses a message before evaluation, e.g. when a transport-level
// limit trips, and encodes perr in the caller's format. Rejections are
// audited but not cached for idempotency.
func (g *Gateway) Reject(ctx context.Context, req Request, perr *proxyerrors.ProxyError) (*Response, error) {
	start := g.now()
	msg, ok := protocol.Normalize(req.Raw, req.AgentID)
	if !ok {
		return nil, ErrUnrecognizedMessage
	}
	result := refused(perr, perr.Message)
	result.ExecutionTime = g.now().Sub(start)
	body, err := protocol.FormatResponse(msg, result)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	g.emit(ctx, req, msg, result, nil, false)
	return &Response{Body: body, Result: result, Message: msg, Status: perr.Status}, nil
}

func (g *Gateway) replay(ctx context.Context, req Request, msg *protocol.NormalizedMessage, cached security.CachedDecision, start time.Time) (*Response, error) {
	result := cached.Result
	resp := &Response{Message: msg, Result: result, Replayed: true, Status: statusFor(result)}
	if cached.Body != nil {
		resp.Body = cached.Body
		resp.Forwarded = true
	} else {
		body, err := protocol.FormatResponse(msg, result)
		if err != nil {
			return nil, fmt.Errorf("encoding response: %w", err)
		}
		resp.Body = body
	}
	g.logger.Debug("idempotent replay", "agent", req.AgentID, "key", msg.IdempotencyKey, "decision", result.Decision)

	result.ExecutionTime = g.now().Sub(start)
	g.emit(ctx, req, msg, result, nil, true)
	return resp, nil
}

// keyReused refuses a call that carries an idempotency key already bound
// to a different call. The cached decision stays in place.
func (g *Gateway) keyReused(ctx context.Context, req Request, msg *protocol.NormalizedMessage, start time.Time) (*Response, error) {
	g.logger.Warn("idempotency key reused for a different call", "agent", req.AgentID, "key", msg.IdempotencyKey, "tool", msg.Call.Tool)
	result := refused(proxyerrors.ErrInvalidMessage, "Idempotency key "+msg.IdempotencyKey+" was already used for a different call")
	result.ExecutionTime = g.now().Sub(start)
	body, err := protocol.FormatResponse(msg, result)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	g.emit(ctx, req, msg, result, nil, false)
	return &Response{Body: body, Result: result, Message: msg, Status: proxyerrors.ErrInvalidMessage.Status}, nil
}

// callFingerprint is the tool name plus the BLAKE3 digest of the arguments.
func callFingerprint(call protocol.ToolCall) string {
	return call.Tool + "\x00" + audit.ArgsDigest(call.Arguments)
}

// checkCapability fails closed: a backend error denies the call.
func (g *Gateway) checkCapability(ctx context.Context, req Request, tr interceptor.ToolResult) (bool, string) {
	want := RequiredCapability(tr.Category, tr.Operation)
	if g.caps == nil {
		g.recordCapability("error")
		return true, "Capability check unavailable for " + want
	}
	err := g.caps.Authorize(ctx, req.CapabilityToken, req.AgentID, want)
	switch {
	case err == nil:
		g.recordCapability("granted")
		return false, ""
	case errors.Is(err, capability.ErrDenied):
		g.recordCapability("denied")
		return true, fmt.Sprintf("Capability %s required: %v", want, err)
	default:
		g.recordCapability("error")
		g.logger.Error("capability validation failed", "agent", req.AgentID, "capability", want, "error", err)
		return true, "Capability " + want + " could not be validated"
	}
}

// RequiredCapability names the capability a call in category needs, in
// namespace:action form. File calls need their operation; a grant of
// "file:*" covers them all.
func RequiredCapability(category policy.Category, op policy.FileOperation) string {
	switch category {
	case policy.CategoryFile:
		if op == "" {
			op = policy.OpRead
		}
		return "file:" + string(op)
	case policy.CategoryShell:
		return "shell:execute"
	case policy.CategoryNetwork:
		return "network:request"
	case policy.CategorySecret:
		return "secret:read"
	}
	return string(category) + ":use"
}

func refused(perr *proxyerrors.ProxyError, reason string) protocol.Result {
	return protocol.Result{
		Decision: protocol.DecisionBlocked,
		Reason:   reason,
		Code:     perr.Code,
		RPCCode:  proxyerrors.JSONRPCCode(perr),
	}
}

func statusFor(r protocol.Result) int {
	switch r.Code {
	case "":
		if r.Allowed() {
			return http.StatusOK
		}
		return http.StatusForbidden
	case proxyerrors.CodeRateLimited:
		return proxyerrors.ErrRateLimited.Status
	case proxyerrors.CodeUpstreamUnavailable:
		return proxyerrors.ErrUpstreamUnavailable.Status
	case proxyerrors.CodeOverloaded:
		return proxyerrors.ErrOverloaded.Status
	case proxyerrors.CodeInvalidMessage:
		return proxyerrors.ErrInvalidMessage.Status
	default:
		return http.StatusForbidden
	}
}

// recordApproval derives the approval outcome from the interceptor's
// verdict on calls whose rule said approve.
func (g *Gateway) recordApproval(tr interceptor.ToolResult) {
	if g.metrics == nil || tr.PolicyDecision != policy.DecisionApprove {
		return
	}
	switch {
	case tr.Approved:
		g.metrics.RecordApproval("approved")
	case tr.Decision == protocol.DecisionApprovalRequired:
		g.metrics.RecordApproval("unhandled")
	default:
		g.metrics.RecordApproval("denied")
	}
}

func (g *Gateway) recordCapability(result string) {
	if g.metrics != nil {
		g.metrics.RecordCapabilityCheck(result)
	}
}

// emit writes the audit record and decision metrics. tr is nil for
// replayed decisions.
func (g *Gateway) emit(ctx context.Context, req Request, msg *protocol.NormalizedMessage, result protocol.Result, tr *interceptor.ToolResult, replayed bool) {
	rec := audit.Record{
		ID:              audit.NewID(),
		Timestamp:       g.now(),
		AgentID:         req.AgentID,
		SessionID:       msg.Call.SessionID,
		Tool:            msg.Call.Tool,
		Category:        string(policy.CategoryForTool(msg.Call.Tool)),
		Decision:        string(result.Decision),
		Reason:          result.Reason,
		Code:            result.Code,
		Format:          string(msg.Format),
		Transport:       req.Transport,
		Replayed:        replayed,
		ExecutionTimeMs: float64(result.ExecutionTime.Microseconds()) / 1000,
		ArgsDigest:      audit.ArgsDigest(msg.Call.Arguments),
	}
	if meta, ok := ctxkeys.RequestMetaFrom(ctx); ok {
		rec.RequestID = meta.RequestID
	}
	if tr != nil {
		rec.Category = string(tr.Category)
		rec.Entity = tr.Entity
		rec.Operation = string(tr.Operation)
		rec.RuleID = tr.RuleID
		rec.Approved = tr.Approved
	}
	if result.Allowed() {
		rec.Code = ""
	} else if rec.Code == "" {
		rec.Code = protocol.DefaultErrorCode
	}

	if g.sink != nil {
		g.sink.Write(ctx, rec)
	}
	if g.metrics != nil {
		g.metrics.RecordDecision(req.Transport, rec.Category, rec.Decision, result.ExecutionTime)
	}
}
