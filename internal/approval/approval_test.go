package approval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/interceptor"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/protocol"
)

func testRequest(category policy.Category, args map[string]any) interceptor.ApprovalRequest {
	return interceptor.ApprovalRequest{
		Call:     protocol.ToolCall{Tool: "bash", Arguments: args, AgentID: "agent-1", Timestamp: time.Now()},
		Category: category,
		Entity:   "make deploy",
		RuleID:   "deploy",
		Reason:   "rule matched",
	}
}

// waitPending blocks until the queue holds n requests.
func waitPending(t *testing.T, q *Queue, n int) []Pending {
	t.Helper()
	require.Eventually(t, func() bool { return q.Len() == n }, time.Second, time.Millisecond)
	return q.List()
}

func TestQueue_ResolveApproves(t *testing.T) {
	q := NewQueue(nil)
	done := make(chan interceptor.ApprovalDecision, 1)
	go func() {
		dec, err := q.Approve(context.Background(), testRequest(policy.CategoryShell, nil))
		assert.NoError(t, err)
		done <- dec
	}()

	pending := waitPending(t, q, 1)
	assert.Len(t, pending[0].ID, 26, "ULID")
	assert.Equal(t, "deploy", pending[0].Request.RuleID)

	got, ok := q.Get(pending[0].ID)
	require.True(t, ok)
	assert.Equal(t, pending[0].ID, got.ID)

	require.NoError(t, q.Resolve(pending[0].ID, interceptor.ApprovalDecision{Approved: true, ApprovedBy: "ops"}))
	dec := <-done
	assert.True(t, dec.Approved)
	assert.Equal(t, "ops", dec.ApprovedBy)
	assert.Zero(t, q.Len())

	assert.ErrorIs(t, q.Resolve(pending[0].ID, interceptor.ApprovalDecision{}), ErrNotFound)
}

func TestQueue_TimeoutRemovesAndDenies(t *testing.T) {
	q := NewQueue(nil, WithTimeout(20*time.Millisecond))
	dec, err := q.Approve(context.Background(), testRequest(policy.CategoryShell, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, dec.Approved)
	assert.Zero(t, q.Len())
}

func TestQueue_CancelRemoves(t *testing.T) {
	q := NewQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Approve(ctx, testRequest(policy.CategoryShell, nil))
		errc <- err
	}()

	pending := waitPending(t, q, 1)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.ErrorIs(t, q.Resolve(pending[0].ID, interceptor.ApprovalDecision{Approved: true}), ErrNotFound)
}

func TestQueue_ListOldestFirst(t *testing.T) {
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	q := NewQueue(nil, WithQueueClock(func() time.Time { return created }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		go func() { _, _ = q.Approve(ctx, testRequest(policy.CategoryShell, nil)) }()
		waitPending(t, q, i+1)
	}
	list := q.List()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
	// Ids sort by creation time, then by arrival within one millisecond.
	for _, p := range list {
		assert.True(t, created.Equal(p.CreatedAt))
		id, err := ulid.Parse(p.ID)
		require.NoError(t, err)
		assert.Equal(t, ulid.Timestamp(created), id.Time())
	}
}

func TestQueue_WithInterceptorTimeout(t *testing.T) {
	set := policy.PolicySet{
		DefaultDecision: policy.DecisionBlock,
		Rules: []policy.Rule{{
			ID: "deploy", Category: policy.CategoryShell, Decision: policy.DecisionApprove,
			Enabled: true, Commands: []string{"make deploy"},
		}},
	}
	q := NewQueue(nil)
	i := interceptor.New(policy.NewEngine(set, nil), nil, interceptor.WithApproval(q.Approve, 20*time.Millisecond))

	res := i.Intercept(context.Background(), protocol.ToolCall{Tool: "bash", Arguments: map[string]any{"command": "make deploy"}})
	assert.Equal(t, protocol.DecisionBlocked, res.Decision)
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond, "abandoned request is removed")
}

func TestWebhook(t *testing.T) {
	var (
		mu  sync.Mutex
		got webhookRequest
	)
	last := func() webhookRequest {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		var body webhookRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got = body
		mu.Unlock()
		switch body.Entity {
		case "make deploy":
			_ = json.NewEncoder(w).Encode(webhookResponse{Approved: true, ApprovedBy: "bot", Reason: "ok"})
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte("not json"))
		}
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, map[string]string{"Authorization": "Bearer s3cret"}, srv.Client(), nil)
	ctx := context.Background()

	dec, err := w.Approve(ctx, testRequest(policy.CategoryShell, map[string]any{"command": "make deploy"}))
	require.NoError(t, err)
	assert.True(t, dec.Approved)
	assert.Equal(t, "bot", dec.ApprovedBy)
	assert.Equal(t, "agent-1", last().AgentID)
	assert.Equal(t, "make deploy", last().Arguments["command"])

	req := testRequest(policy.CategoryShell, nil)
	req.Entity = "broken"
	_, err = w.Approve(ctx, req)
	assert.ErrorContains(t, err, "status 500")

	req.Entity = "garbage"
	_, err = w.Approve(ctx, req)
	assert.Error(t, err)

	secret := testRequest(policy.CategorySecret, map[string]any{"name": "API_KEY", "value": "hunter2"})
	secret.Entity = "API_KEY"
	_, _ = w.Approve(ctx, secret)
	assert.Equal(t, "API_KEY", last().Entity)
	assert.Nil(t, last().Arguments, "secret arguments are withheld")
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewWebhook(url, nil, nil, nil).Approve(context.Background(), testRequest(policy.CategoryShell, nil))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeNone, "none": ModeNone, "Queue": ModeQueue, " webhook ": ModeWebhook} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("slack")
	assert.Error(t, err)
}
