package policy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellRule(id string, decision Decision, priority int, commands ...string) Rule {
	return Rule{ID: id, Category: CategoryShell, Decision: decision, Priority: priority, Enabled: true, Commands: commands}
}

func TestEngine_DefaultDecisionFailsClosed(t *testing.T) {
	engine := NewEngine(PolicySet{Name: "empty"}, nil)

	ev := engine.Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: "rm -rf /"})
	assert.Equal(t, DecisionBlock, ev.Decision)
	assert.Nil(t, ev.MatchedRule)
	assert.Contains(t, ev.Reason, "no matching rule")
	assert.Contains(t, ev.Reason, "block")
}

func TestEngine_DefaultDecisionFromSet(t *testing.T) {
	engine := NewEngine(PolicySet{DefaultDecision: DecisionAllow}, nil)

	ev := engine.Evaluate(context.Background(), &Request{Category: CategoryNetwork, Entity: "example.com"})
	assert.Equal(t, DecisionAllow, ev.Decision)
	assert.Empty(t, ev.MatchedRuleID())
}

func TestEngine_PriorityOrdering(t *testing.T) {
	set := PolicySet{
		DefaultDecision: DecisionAllow,
		Rules: []Rule{
			shellRule("allow-all-git", DecisionAllow, 10, "git*"),
			shellRule("block-push", DecisionBlock, 100, "git push*"),
		},
	}
	engine := NewEngine(set, nil)

	tests := []struct {
		name     string
		command  string
		decision Decision
		rule     string
	}{
		{"higher priority wins", "git push origin main", DecisionBlock, "block-push"},
		{"lower priority still applies", "git status", DecisionAllow, "allow-all-git"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := engine.Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: tt.command})
			assert.Equal(t, tt.decision, ev.Decision)
			assert.Equal(t, tt.rule, ev.MatchedRuleID())
		})
	}
}

func TestEngine_PriorityTieKeepsDeclarationOrder(t *testing.T) {
	set := PolicySet{Rules: []Rule{
		shellRule("first", DecisionApprove, 5, "make*"),
		shellRule("second", DecisionAllow, 5, "make*"),
		shellRule("third", DecisionBlock, 5, "make*"),
	}}
	engine := NewEngine(set, nil)

	for i := 0; i < 10; i++ {
		ev := engine.Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: "make test"})
		require.Equal(t, "first", ev.MatchedRuleID())
	}
}

func TestEngine_DisabledRulesAreInert(t *testing.T) {
	disabled := shellRule("disabled-allow", DecisionAllow, 1000, "*")
	disabled.Enabled = false
	set := PolicySet{Rules: []Rule{disabled}}

	ev := NewEngine(set, nil).Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: "ls"})
	assert.Equal(t, DecisionBlock, ev.Decision)
	assert.Nil(t, ev.MatchedRule)
}

func TestEngine_OnlyRequestCategoryConsidered(t *testing.T) {
	set := PolicySet{Rules: []Rule{
		{ID: "net", Category: CategoryNetwork, Decision: DecisionAllow, Enabled: true, Hosts: []string{"*"}},
	}}

	ev := NewEngine(set, nil).Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: "curl"})
	assert.Equal(t, DecisionBlock, ev.Decision)
}

func TestEngine_FileOperations(t *testing.T) {
	set := PolicySet{Rules: []Rule{
		{ID: "ws-read", Category: CategoryFile, Decision: DecisionAllow, Enabled: true, Priority: 10,
			Paths: []string{"/workspace/**"}, Operations: []FileOperation{OpRead, OpList}},
		{ID: "ws-write", Category: CategoryFile, Decision: DecisionApprove, Enabled: true, Priority: 5,
			Paths: []string{"/workspace/**"}},
	}}
	engine := NewEngine(set, nil)

	tests := []struct {
		name     string
		path     string
		op       FileOperation
		decision Decision
	}{
		{"read allowed", "/workspace/src/main.go", OpRead, DecisionAllow},
		{"list allowed", "/workspace/src", OpList, DecisionAllow},
		{"write needs approval", "/workspace/src/main.go", OpWrite, DecisionApprove},
		{"delete needs approval", "/workspace/tmp/x", OpDelete, DecisionApprove},
		{"outside workspace blocked", "/etc/passwd", OpRead, DecisionBlock},
		{"traversal cleaned before match", "/workspace/../etc/passwd", OpRead, DecisionBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := engine.Evaluate(context.Background(), &Request{Category: CategoryFile, Entity: tt.path, Operation: tt.op})
			assert.Equal(t, tt.decision, ev.Decision)
		})
	}
}

func TestEngine_UpdatePolicySet(t *testing.T) {
	engine := NewEngine(PolicySet{}, nil)
	req := &Request{Category: CategoryShell, Entity: "ls -la"}

	require.Equal(t, DecisionBlock, engine.Evaluate(context.Background(), req).Decision)

	engine.UpdatePolicySet(PolicySet{Name: "v2", Rules: []Rule{shellRule("ls", DecisionAllow, 1, "ls*")}})
	assert.Equal(t, DecisionAllow, engine.Evaluate(context.Background(), req).Decision)
	assert.Equal(t, "v2", engine.PolicySet().Name)
}

func TestEngine_ConcurrentEvaluateAndUpdate(t *testing.T) {
	engine := NewEngine(PolicySet{Rules: []Rule{shellRule("git", DecisionAllow, 1, "git*")}}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ev := engine.Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: "git status"})
				if ev.Decision != DecisionAllow && ev.Decision != DecisionApprove {
					t.Errorf("unexpected decision %q", ev.Decision)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		d := DecisionAllow
		if j%2 == 0 {
			d = DecisionApprove
		}
		engine.UpdatePolicySet(PolicySet{Rules: []Rule{shellRule("git", d, 1, "git*")}})
	}
	wg.Wait()
}

func TestEngine_AuditTrail(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	engine := NewEngine(
		PolicySet{Rules: []Rule{shellRule("git", DecisionAllow, 1, "git*")}},
		nil,
		WithTrailSize(3),
		WithClock(func() time.Time { return now }),
	)

	for i := 0; i < 5; i++ {
		engine.Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: fmt.Sprintf("cmd-%d", i), AgentID: "agent-1"})
	}
	engine.Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: "git log", Tool: "bash"})

	trail := engine.AuditTrail()
	require.Len(t, trail, 3)
	assert.Contains(t, trail[0].Reason, "cmd-3")
	assert.Contains(t, trail[1].Reason, "cmd-4")
	assert.Equal(t, "git", trail[2].RuleID)
	assert.Equal(t, "bash", trail[2].Tool)
	assert.Equal(t, now, trail[2].Timestamp)
	assert.Empty(t, trail[0].RuleID)
}

func TestEngine_ReasonTruncatesLongEntities(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	ev := NewEngine(PolicySet{}, nil).Evaluate(context.Background(), &Request{Category: CategoryShell, Entity: string(long)})
	assert.Less(t, len(ev.Reason), 250)
}

func TestPolicySet_Validate(t *testing.T) {
	tests := []struct {
		name    string
		set     PolicySet
		wantErr string
	}{
		{"valid", PolicySet{Rules: []Rule{shellRule("a", DecisionAllow, 1, "ls")}}, ""},
		{"bad default", PolicySet{DefaultDecision: "maybe"}, "defaultDecision"},
		{"missing id", PolicySet{Rules: []Rule{shellRule("", DecisionAllow, 1, "ls")}}, "id is required"},
		{"duplicate id", PolicySet{Rules: []Rule{shellRule("a", DecisionAllow, 1, "ls"), shellRule("a", DecisionBlock, 1, "rm")}}, "duplicate"},
		{"bad decision", PolicySet{Rules: []Rule{shellRule("a", "deny", 1, "ls")}}, "decision must be"},
		{"no patterns", PolicySet{Rules: []Rule{shellRule("a", DecisionAllow, 1)}}, "at least one pattern"},
		{"bad glob", PolicySet{Rules: []Rule{{ID: "f", Category: CategoryFile, Decision: DecisionAllow, Paths: []string{"/a/[b"}}}}, "invalid path glob"},
		{"bad operation", PolicySet{Rules: []Rule{{ID: "f", Category: CategoryFile, Decision: DecisionAllow, Paths: []string{"/a"}, Operations: []FileOperation{"chmod"}}}}, "unknown file operation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
