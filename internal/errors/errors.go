// Package errors defines the proxy's application errors. Every error carries
// an HTTP status, a stable application code and a hint for the operator.
package errors

import "fmt"

// Application codes surfaced to callers.
const (
	CodePolicyBlocked       = "POLICY_BLOCKED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeApprovalRequired    = "APPROVAL_REQUIRED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeCapabilityDenied    = "CAPABILITY_DENIED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeNotFound            = "NOT_FOUND"
	CodeBadRequest          = "BAD_REQUEST"
	CodeOverloaded          = "OVERLOADED"
	CodeInternal            = "INTERNAL"
)

// ProxyError is the base error type for all proxy errors.
type ProxyError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("[%s] %s (hint: %s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WithMessage returns a copy of e with a call-specific message.
func (e *ProxyError) WithMessage(msg string) *ProxyError {
	c := *e
	c.Message = msg
	return &c
}

// Predefined errors.
var (
	ErrPolicyBlocked       = &ProxyError{Status: 403, Code: CodePolicyBlocked, Message: "Blocked by security policy", Hint: "Check the matching rule with GET /v1/admin/audit-trail"}
	ErrApprovalRequired    = &ProxyError{Status: 403, Code: CodeApprovalRequired, Message: "Call requires approval", Hint: "Configure approval.mode (queue or webhook) to resolve approve decisions"}
	ErrCapabilityDenied    = &ProxyError{Status: 403, Code: CodeCapabilityDenied, Message: "Missing or invalid capability token", Hint: "Send X-Capability-Token with a token granted for this category"}
	ErrRateLimited         = &ProxyError{Status: 429, Code: CodeRateLimited, Message: "Rate limit exceeded", Hint: "Wait retryAfterMs before retrying. Configure rate_limit in sentinel.yaml"}
	ErrInvalidMessage      = &ProxyError{Status: 400, Code: CodeInvalidMessage, Message: "Unrecognized tool-call message", Hint: "Send a request frame, legacy frame, JSON-RPC tools/call or {tool, args} message"}
	ErrBadRequest          = &ProxyError{Status: 400, Code: CodeBadRequest, Message: "Invalid request", Hint: "Check the request body against the API reference"}
	ErrAuthRequired        = &ProxyError{Status: 401, Code: CodeUnauthenticated, Message: "Authentication required", Hint: "Set X-Agent-ID or Authorization: 'Bearer <token>' depending on agents.mode"}
	ErrAuthInvalid         = &ProxyError{Status: 401, Code: CodeUnauthenticated, Message: "Invalid authentication token", Hint: "Check token expiry, issuer and audience"}
	ErrNotFound            = &ProxyError{Status: 404, Code: CodeNotFound, Message: "Not found"}
	ErrUpstreamUnavailable = &ProxyError{Status: 502, Code: CodeUpstreamUnavailable, Message: "Upstream gateway unavailable", Hint: "Check upstream.url and GET /readyz"}
	ErrOverloaded          = &ProxyError{Status: 503, Code: CodeOverloaded, Message: "Proxy capacity reached", Hint: "Proxy is at its global rate limit. Try again shortly"}
	ErrInternal            = &ProxyError{Status: 500, Code: CodeInternal, Message: "Internal error"}
)
