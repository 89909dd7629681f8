package policy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTrailSize is the number of evaluations kept in the audit trail
// when the engine is built without an explicit size.
const DefaultTrailSize = 1024

// maxEntityInReason bounds how much of an entity is echoed back in a reason.
const maxEntityInReason = 120

// Engine evaluates requests against a PolicySet.
// It is safe for concurrent use; UpdatePolicySet swaps the compiled set
// under a write lock while Evaluate holds a read lock only long enough to
// grab the current pointer.
type Engine struct {
	mu     sync.RWMutex
	set    *compiledSet
	trail  *trail
	logger *slog.Logger
	now    func() time.Time
}

// compiledSet is an immutable, per-category, priority-sorted view of a PolicySet.
type compiledSet struct {
	source     PolicySet
	byCategory map[Category][]Rule
	defaultDec Decision
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTrailSize sets the audit trail capacity. Values below 1 disable the trail.
func WithTrailSize(n int) EngineOption {
	return func(e *Engine) { e.trail = newTrail(n) }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine compiles set and returns an engine ready for evaluation.
// A nil logger discards output.
func NewEngine(set PolicySet, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		set:    compile(set),
		trail:  newTrail(DefaultTrailSize),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the decision for req. Only enabled rules of req's
// category are considered, highest priority first; the first match wins.
func (e *Engine) Evaluate(_ context.Context, req *Request) Evaluation {
	e.mu.RLock()
	set := e.set
	e.mu.RUnlock()

	ev := Evaluation{Timestamp: e.now()}
	rules := set.byCategory[req.Category]
	for i := range rules {
		r := &rules[i]
		if !matchRule(r, req) {
			continue
		}
		ev.Decision = r.Decision
		ev.MatchedRule = r
		ev.Reason = fmt.Sprintf("rule %q matched %s %s (%s)", r.ID, req.Category, quoteEntity(req.Entity), r.Decision)
		if r.Description != "" {
			ev.Reason += ": " + r.Description
		}
		break
	}

	if ev.MatchedRule == nil {
		ev.Decision = set.defaultDec
		ev.Reason = fmt.Sprintf("no matching rule for %s %s, default decision: %s", req.Category, quoteEntity(req.Entity), set.defaultDec)
	}

	e.logger.Debug("policy evaluated",
		"category", req.Category,
		"tool", req.Tool,
		"agent", req.AgentID,
		"decision", ev.Decision,
		"rule", ev.MatchedRuleID(),
	)
	e.trail.add(TrailEntry{
		Timestamp: ev.Timestamp,
		AgentID:   req.AgentID,
		Tool:      req.Tool,
		Category:  req.Category,
		Decision:  ev.Decision,
		RuleID:    ev.MatchedRuleID(),
		Reason:    ev.Reason,
	})
	return ev
}

// UpdatePolicySet replaces the active set. Evaluations already in flight
// finish against the set they started with.
func (e *Engine) UpdatePolicySet(set PolicySet) {
	compiled := compile(set)

	e.mu.Lock()
	e.set = compiled
	e.mu.Unlock()

	e.logger.Info("policy set updated", "name", set.Name, "rules", len(set.Rules), "default", compiled.defaultDec)
}

// PolicySet returns the set the engine is currently evaluating.
func (e *Engine) PolicySet() PolicySet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set.source
}

// AuditTrail returns the most recent evaluations, oldest first.
func (e *Engine) AuditTrail() []TrailEntry {
	return e.trail.snapshot()
}

func compile(set PolicySet) *compiledSet {
	c := &compiledSet{
		source:     set,
		byCategory: make(map[Category][]Rule, len(Categories)),
		defaultDec: set.DefaultDecision,
	}
	if !c.defaultDec.Valid() {
		c.defaultDec = DecisionBlock
	}
	for _, r := range set.Rules {
		if !r.Enabled {
			continue
		}
		c.byCategory[r.Category] = append(c.byCategory[r.Category], r)
	}
	for cat := range c.byCategory {
		rules := c.byCategory[cat]
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority > rules[j].Priority
		})
	}
	return c
}

func quoteEntity(entity string) string {
	if len(entity) > maxEntityInReason {
		entity = entity[:maxEntityInReason] + "..."
	}
	return fmt.Sprintf("%q", entity)
}

// TrailEntry is one evaluation recorded by the engine.
type TrailEntry struct {
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agentId,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Category  Category  `json:"category"`
	Decision  Decision  `json:"decision"`
	RuleID    string    `json:"ruleId,omitempty"`
	Reason    string    `json:"reason"`
}

// trail is a fixed-size ring buffer of evaluations.
type trail struct {
	mu      sync.Mutex
	entries []TrailEntry
	next    int
	full    bool
}

func newTrail(size int) *trail {
	if size < 1 {
		return &trail{}
	}
	return &trail{entries: make([]TrailEntry, size)}
}

func (t *trail) add(entry TrailEntry) {
	if len(t.entries) == 0 {
		return
	}
	t.mu.Lock()
	t.entries[t.next] = entry
	t.next++
	if t.next == len(t.entries) {
		t.next = 0
		t.full = true
	}
	t.mu.Unlock()
}

func (t *trail) snapshot() []TrailEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]TrailEntry, t.next)
		copy(out, t.entries[:t.next])
		return out
	}
	out := make([]TrailEntry, 0, len(t.entries))
	out = append(out, t.entries[t.next:]...)
	out = append(out, t.entries[:t.next]...)
	return out
}
