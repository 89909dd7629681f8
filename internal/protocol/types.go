// Package protocol normalizes tool-call messages arriving in several wire
// formats into one canonical ToolCall and re-encodes decisions back into the
// format the caller used.
package protocol

import (
	"encoding/json"
	"time"
)

// Format identifies the wire format a message arrived in.
type Format string

const (
	// FormatRequestFrame is {type:"req", id, method:"node.invoke", params:{...}}.
	FormatRequestFrame Format = "request_frame"
	// FormatLegacy is {type:"tool_invoke", id, sessionId?, data:{tool, args?}}.
	FormatLegacy Format = "legacy"
	// FormatJSONRPC is a JSON-RPC 2.0 tools/call request.
	FormatJSONRPC Format = "jsonrpc"
	// FormatSimple is the bare {tool, args?} form.
	FormatSimple Format = "simple"
)

// ToolCall is the canonical, format-independent representation of one
// requested action. It is never mutated after Normalize returns it.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	AgentID   string         `json:"agentId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NormalizedMessage is a ToolCall plus the correlation data needed to answer
// in the originating format.
type NormalizedMessage struct {
	Format Format
	// ID is the original id exactly as received (string or number), or nil.
	ID             json.RawMessage
	SessionID      string
	NodeID         string
	IdempotencyKey string
	TimeoutMs      int64
	Call           ToolCall
}

// IDString returns the correlation id as text, without JSON quoting.
func (m *NormalizedMessage) IDString() string {
	if len(m.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// Decision is the outward-facing verdict carried in a response.
type Decision string

const (
	DecisionAllowed          Decision = "allowed"
	DecisionBlocked          Decision = "blocked"
	DecisionApprovalRequired Decision = "approval_required"
)

// DefaultErrorCode is the application error code for a refused call.
const DefaultErrorCode = "POLICY_BLOCKED"

// JSON-RPC error code for a refused call.
const rpcInvalidRequest = -32600

// Result is the decision FormatResponse wraps for the caller.
type Result struct {
	Decision      Decision
	Reason        string
	ExecutionTime time.Duration
	// Code overrides DefaultErrorCode for refused calls (e.g. RATE_LIMITED).
	Code string
	// RPCCode overrides the JSON-RPC error code for refused calls.
	RPCCode      int
	RetryAfterMs int64
}

// Allowed reports whether the result lets the call through.
func (r Result) Allowed() bool { return r.Decision == DecisionAllowed }

func (r Result) errorCode() string {
	if r.Code != "" {
		return r.Code
	}
	return DefaultErrorCode
}

func (r Result) rpcCode() int {
	if r.RPCCode != 0 {
		return r.RPCCode
	}
	return rpcInvalidRequest
}

func (r Result) executionTimeMs() float64 {
	return float64(r.ExecutionTime.Microseconds()) / 1000
}
