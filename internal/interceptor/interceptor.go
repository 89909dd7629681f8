// Package interceptor turns a canonical tool call into a final verdict:
// it classifies the call, extracts the entity the policy speaks about,
// consults the policy engine and resolves "approve" through an approval
// callback.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/protocol"
)

const (
	blockedPrefix  = "Blocked by security policy: "
	approvedPrefix = "Approved by user: "

	// DefaultApprovalTimeout bounds how long a call may wait for a human.
	DefaultApprovalTimeout = 60 * time.Second
)

// Evaluator is the subset of policy.Engine the interceptor needs.
type Evaluator interface {
	Evaluate(ctx context.Context, req *policy.Request) policy.Evaluation
}

// ApprovalRequest describes a call waiting for a human decision.
type ApprovalRequest struct {
	Call     protocol.ToolCall `json:"call"`
	Category policy.Category   `json:"category"`
	Entity   string            `json:"entity"`
	RuleID   string            `json:"ruleId,omitempty"`
	Reason   string            `json:"reason"`
}

// ApprovalDecision is the answer to an ApprovalRequest.
type ApprovalDecision struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	ApprovedBy string `json:"approvedBy,omitempty"`
}

// ApprovalFunc asks for a decision. It must return promptly once ctx ends.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// ToolResult is the interceptor's verdict for one call.
type ToolResult struct {
	Call     protocol.ToolCall
	Decision protocol.Decision
	Reason   string
	Category policy.Category
	Entity   string
	// Operation is set for file calls only.
	Operation policy.FileOperation
	// PolicyDecision is the engine's raw answer before approval resolved it.
	PolicyDecision policy.Decision
	RuleID         string
	// Approved is set when an approval callback allowed the call.
	Approved      bool
	ExecutionTime time.Duration
}

// Allowed reports whether the call may proceed.
func (r ToolResult) Allowed() bool { return r.Decision == protocol.DecisionAllowed }

// Stats are the interceptor's running counters.
type Stats struct {
	TotalCalls       int64 `json:"totalCalls"`
	AllowedCalls     int64 `json:"allowedCalls"`
	BlockedCalls     int64 `json:"blockedCalls"`
	ApprovalRequests int64 `json:"approvalRequests"`
}

type counters struct {
	total, allowed, blocked, approvals atomic.Int64
}

// Interceptor is safe for concurrent use.
type Interceptor struct {
	engine  Evaluator
	logger  *slog.Logger
	stats   counters
	timeout atomic.Int64 // approval timeout in nanoseconds

	mu        sync.RWMutex
	approve   ApprovalFunc
	onAllowed []func(ToolResult)
	onBlocked []func(ToolResult)
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithApproval installs the approval callback and its timeout. A timeout
// of zero or less uses DefaultApprovalTimeout.
func WithApproval(fn ApprovalFunc, timeout time.Duration) Option {
	return func(i *Interceptor) {
		i.approve = fn
		i.SetApprovalTimeout(timeout)
	}
}

// OnAllowed registers an observer for allowed calls.
func OnAllowed(fn func(ToolResult)) Option {
	return func(i *Interceptor) { i.onAllowed = append(i.onAllowed, fn) }
}

// OnBlocked registers an observer for blocked calls.
func OnBlocked(fn func(ToolResult)) Option {
	return func(i *Interceptor) { i.onBlocked = append(i.onBlocked, fn) }
}

// New creates an Interceptor over engine. A nil logger discards output.
func New(engine Evaluator, logger *slog.Logger, opts ...Option) *Interceptor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	i := &Interceptor{engine: engine, logger: logger}
	i.timeout.Store(int64(DefaultApprovalTimeout))
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// SetApprovalTimeout changes the timeout for approvals started afterwards.
func (i *Interceptor) SetApprovalTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultApprovalTimeout
	}
	i.timeout.Store(int64(d))
}

// SetApproval replaces the approval callback. nil disables approvals, so
// "approve" decisions block.
func (i *Interceptor) SetApproval(fn ApprovalFunc) {
	i.mu.Lock()
	i.approve = fn
	i.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (i *Interceptor) Stats() Stats {
	return Stats{
		TotalCalls:       i.stats.total.Load(),
		AllowedCalls:     i.stats.allowed.Load(),
		BlockedCalls:     i.stats.blocked.Load(),
		ApprovalRequests: i.stats.approvals.Load(),
	}
}

// Intercept decides whether call may proceed. It never consults rate
// limits or capabilities; callers compose those after a positive verdict.
func (i *Interceptor) Intercept(ctx context.Context, call protocol.ToolCall) ToolResult {
	start := time.Now()
	i.stats.total.Add(1)

	res := i.decide(ctx, call)
	res.ExecutionTime = time.Since(start)

	if res.Allowed() {
		i.stats.allowed.Add(1)
	} else {
		i.stats.blocked.Add(1)
	}
	i.logger.Debug("tool call intercepted",
		"agent", call.AgentID,
		"tool", call.Tool,
		"category", res.Category,
		"decision", res.Decision,
		"rule", res.RuleID,
	)
	i.notify(res)
	return res
}

func (i *Interceptor) decide(ctx context.Context, call protocol.ToolCall) ToolResult {
	res := ToolResult{Call: call}
	target, err := Extract(call.Tool, call.Arguments)
	res.Category = target.Category
	res.Entity = target.Entity
	res.Operation = target.Operation
	if err != nil {
		res.Decision = protocol.DecisionBlocked
		res.PolicyDecision = policy.DecisionBlock
		res.Reason = blockedPrefix + err.Error()
		return res
	}

	ev := i.evaluate(ctx, call, target)
	res.PolicyDecision = ev.Decision
	res.RuleID = ev.MatchedRuleID()

	switch ev.Decision {
	case policy.DecisionAllow:
		res.Decision = protocol.DecisionAllowed
		res.Reason = ev.Reason
	case policy.DecisionApprove:
		i.stats.approvals.Add(1)
		i.resolveApproval(ctx, &res, ev)
	default:
		res.Decision = protocol.DecisionBlocked
		res.Reason = blockedPrefix + ev.Reason
	}
	return res
}

// evaluate runs the engine once, or once per segment of a compound shell
// command, keeping the most restrictive verdict.
func (i *Interceptor) evaluate(ctx context.Context, call protocol.ToolCall, t Target) policy.Evaluation {
	req := policy.Request{
		Category:  t.Category,
		Entity:    t.Entity,
		Operation: t.Operation,
		Tool:      call.Tool,
		AgentID:   call.AgentID,
	}
	if len(t.Segments) <= 1 {
		return i.engine.Evaluate(ctx, &req)
	}

	var worst policy.Evaluation
	for n, seg := range t.Segments {
		req.Entity = seg
		ev := i.engine.Evaluate(ctx, &req)
		if n == 0 || severity(ev.Decision) > severity(worst.Decision) {
			worst = ev
		}
		if worst.Decision == policy.DecisionBlock {
			break
		}
	}
	return worst
}

func severity(d policy.Decision) int {
	switch d {
	case policy.DecisionAllow:
		return 0
	case policy.DecisionApprove:
		return 1
	}
	return 2
}

func (i *Interceptor) resolveApproval(ctx context.Context, res *ToolResult, ev policy.Evaluation) {
	i.mu.RLock()
	fn := i.approve
	i.mu.RUnlock()

	if fn == nil {
		res.Decision = protocol.DecisionApprovalRequired
		res.Reason = blockedPrefix + ev.Reason + " (approval required, no approval handler configured)"
		return
	}

	req := ApprovalRequest{
		Call:     res.Call,
		Category: res.Category,
		Entity:   res.Entity,
		RuleID:   res.RuleID,
		Reason:   ev.Reason,
	}
	dec, err := i.awaitApproval(ctx, fn, req)
	switch {
	case err != nil:
		res.Decision = protocol.DecisionBlocked
		res.Reason = blockedPrefix + err.Error()
	case !dec.Approved:
		res.Decision = protocol.DecisionBlocked
		reason := dec.Reason
		if reason == "" {
			reason = "approval denied"
		}
		res.Reason = blockedPrefix + reason
	default:
		res.Decision = protocol.DecisionAllowed
		res.Approved = true
		reason := dec.Reason
		if reason == "" {
			reason = ev.Reason
		}
		if dec.ApprovedBy != "" {
			reason = dec.ApprovedBy + ": " + reason
		}
		res.Reason = approvedPrefix + reason
	}
	i.logger.Info("approval resolved",
		"agent", res.Call.AgentID,
		"tool", res.Call.Tool,
		"approved", res.Approved,
		"reason", res.Reason,
	)
}

// awaitApproval runs fn under the approval timeout. A decision that
// arrives after ctx or the timeout ended is discarded.
func (i *Interceptor) awaitApproval(ctx context.Context, fn ApprovalFunc, req ApprovalRequest) (ApprovalDecision, error) {
	timeout := time.Duration(i.timeout.Load())
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		dec ApprovalDecision
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		dec, err := fn(actx, req)
		ch <- outcome{dec, err}
	}()

	select {
	case o := <-ch:
		if actx.Err() != nil {
			return ApprovalDecision{}, approvalAbandoned(ctx, timeout)
		}
		if o.err != nil {
			return ApprovalDecision{}, fmt.Errorf("approval failed: %w", o.err)
		}
		return o.dec, nil
	case <-actx.Done():
		return ApprovalDecision{}, approvalAbandoned(ctx, timeout)
	}
}

func approvalAbandoned(ctx context.Context, timeout time.Duration) error {
	if ctx.Err() != nil {
		return errors.New("request cancelled while awaiting approval")
	}
	return fmt.Errorf("approval timed out after %s", timeout)
}

func (i *Interceptor) notify(res ToolResult) {
	i.mu.RLock()
	observers := i.onBlocked
	if res.Allowed() {
		observers = i.onAllowed
	}
	i.mu.RUnlock()
	for _, fn := range observers {
		fn(res)
	}
}
