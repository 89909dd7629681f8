package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/config"
)

func withAdmin(c *config.Config) {
	c.Admin.Enabled = true
	c.Admin.Token = adminToken
}

func TestAdmin_RequiresCredentials(t *testing.T) {
	_, ts := newTestServer(t, withAdmin)

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/admin/stats", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// An agent identity is not an admin credential.
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/admin/stats", "", agent("agent-1"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/admin/stats", "", admin())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_DisabledByDefault(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/admin/stats", "", admin())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_CapabilityLifecycle(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		withAdmin(c)
		c.Capabilities.Required = []string{"shell"}
	})

	resp, body := post(t, ts.URL+"/v1/messages", simple("git status"), agent("agent-1"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "blocked", body["decision"])

	resp, body = post(t, ts.URL+"/v1/admin/capabilities", `{"agentId":"agent-1","capability":"shell:execute","ttl":"1h"}`, admin())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := body["token"].(string)
	assert.Equal(t, "admin", body["grantedBy"])
	assert.NotEmpty(t, body["expiresAt"])

	withToken := map[string]string{"X-Agent-ID": "agent-1", "X-Capability-Token": token}
	resp, body = post(t, ts.URL+"/v1/messages", simple("git status"), withToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "allowed", body["decision"])

	// Listing never returns full token values.
	resp, body = do(t, http.MethodGet, ts.URL+"/v1/admin/capabilities?agentId=agent-1", "", admin())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := body["tokens"].([]any)
	require.Len(t, tokens, 1)
	assert.NotEqual(t, token, tokens[0].(map[string]any)["token"])

	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/admin/capabilities/"+token, "", admin())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/admin/capabilities/"+token, "", admin())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/v1/messages", simple("git status"), withToken)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "revocation takes effect immediately")
}

func TestAdmin_GrantValidation(t *testing.T) {
	_, ts := newTestServer(t, withAdmin)
	url := ts.URL + "/v1/admin/capabilities"

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"missing agent", `{"capability":"shell:execute"}`},
		{"bad capability", `{"agentId":"a","capability":"shell"}`},
		{"bad ttl", `{"agentId":"a","capability":"shell:execute","ttl":"soon"}`},
		{"negative ttl", `{"agentId":"a","capability":"shell:execute","ttl":"-1h"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := post(t, url, tt.body, admin())
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, _ := do(t, http.MethodGet, url, "", admin())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "agentId is required for listing")
}

func TestAdmin_RevokeAll(t *testing.T) {
	_, ts := newTestServer(t, withAdmin)
	for _, c := range []string{"shell:execute", "file:read"} {
		resp, _ := post(t, ts.URL+"/v1/admin/capabilities", `{"agentId":"agent-1","capability":"`+c+`"}`, admin())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := post(t, ts.URL+"/v1/admin/agents/agent-1/revoke-all", "", admin())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["revoked"])

	_, body = do(t, http.MethodGet, ts.URL+"/v1/admin/capabilities?agentId=agent-1", "", admin())
	assert.Empty(t, body["tokens"])
}

func TestAdmin_ApprovalQueue(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		withAdmin(c)
		c.Approval.Mode = "queue"
		c.Approval.Timeout.Duration = 10 * time.Second
	})

	type result struct {
		status   int
		decision any
	}
	submit := func() <-chan result {
		ch := make(chan result, 1)
		go func() {
			resp, body := post(t, ts.URL+"/v1/messages", simple("make deploy prod"), agent("agent-1"))
			ch <- result{resp.StatusCode, body["decision"]}
		}()
		return ch
	}
	pendingID := func() string {
		var id string
		require.Eventually(t, func() bool {
			_, body := do(t, http.MethodGet, ts.URL+"/v1/admin/approvals", "", admin())
			pending, _ := body["pending"].([]any)
			if len(pending) != 1 {
				return false
			}
			id = pending[0].(map[string]any)["id"].(string)
			return true
		}, 5*time.Second, 20*time.Millisecond)
		return id
	}

	done := submit()
	resp, _ := post(t, ts.URL+"/v1/admin/approvals/"+pendingID()+"/approve", `{"approvedBy":"ops"}`, admin())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := <-done
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "allowed", res.decision)

	done = submit()
	id := pendingID()
	resp, _ = post(t, ts.URL+"/v1/admin/approvals/"+id+"/deny", `{"reason":"not today"}`, admin())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = <-done
	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, "blocked", res.decision)

	resp, _ = post(t, ts.URL+"/v1/admin/approvals/"+id+"/approve", "", admin())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "resolved requests are gone")

	metrics := scrape(t, ts)
	assert.Contains(t, metrics, `sentinel_approvals_total{outcome="approved"} 1`)
	assert.Contains(t, metrics, `sentinel_approvals_total{outcome="denied"} 1`)
}

func TestAdmin_ApprovalsWithoutQueue(t *testing.T) {
	_, ts := newTestServer(t, withAdmin)
	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/admin/approvals", "", admin())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_TrailStatsAndPolicy(t *testing.T) {
	_, ts := newTestServer(t, withAdmin)
	post(t, ts.URL+"/v1/messages", simple("git status"), agent("agent-1"))
	post(t, ts.URL+"/v1/messages", simple("rm -rf /"), agent("agent-1"))

	_, body := do(t, http.MethodGet, ts.URL+"/v1/admin/audit-trail", "", admin())
	assert.Len(t, body["entries"], 2)

	_, body = do(t, http.MethodGet, ts.URL+"/v1/admin/stats", "", admin())
	ic := body["interceptor"].(map[string]any)
	assert.Equal(t, float64(2), ic["totalCalls"])
	assert.Equal(t, float64(1), ic["blockedCalls"])
	assert.Equal(t, "server-test", body["policy"])

	_, body = do(t, http.MethodGet, ts.URL+"/v1/admin/policy", "", admin())
	assert.Equal(t, "server-test", body["name"])
	assert.Len(t, body["shellRules"], 2)
}

func TestAdmin_AuditRecords(t *testing.T) {
	dir := t.TempDir()
	_, ts := newTestServer(t, func(c *config.Config) {
		withAdmin(c)
		c.Storage.Driver = "sqlite"
		c.Storage.Path = filepath.Join(dir, "sentinel.db")
		c.Audit.Sinks = []string{"log", "sqlite"}
		c.Audit.FlushInterval.Duration = 10 * time.Millisecond
	})

	post(t, ts.URL+"/v1/messages", simple("git status"), agent("agent-1"))
	post(t, ts.URL+"/v1/messages", simple("rm -rf /"), agent("agent-2"))

	require.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, ts.URL+"/v1/admin/audit", "", admin())
		recs, _ := body["records"].([]any)
		return len(recs) == 2
	}, 5*time.Second, 20*time.Millisecond)

	_, body := do(t, http.MethodGet, ts.URL+"/v1/admin/audit?agentId=agent-2", "", admin())
	recs := body["records"].([]any)
	require.Len(t, recs, 1)
	rec := recs[0].(map[string]any)
	assert.Equal(t, "blocked", rec["decision"])
	assert.Equal(t, "rm -rf /", rec["entity"])
	assert.NotEmpty(t, rec["requestId"])

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/admin/audit?limit=0", "", admin())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/admin/audit?since=yesterday", "", admin())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_AuditRecordsNeedStore(t *testing.T) {
	_, ts := newTestServer(t, withAdmin)
	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/admin/audit", "", admin())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReload_Policy(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	loader := &policyLoader{s: srv}

	resp, _ := post(t, ts.URL+"/v1/messages", simple("ls -la"), agent("a"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.NoError(t, os.WriteFile(srv.cfg.Policy.File, []byte(`
name: relaxed
defaultDecision: allow
`), 0o644))
	require.NoError(t, loader.OnPolicyReload(srv.cfg))

	resp, _ = post(t, ts.URL+"/v1/messages", simple("ls -la"), agent("a"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A broken file keeps the current set.
	require.NoError(t, os.WriteFile(srv.cfg.Policy.File, []byte("defaultDecision: maybe\n"), 0o644))
	assert.Error(t, loader.OnPolicyReload(srv.cfg))
	resp, _ = post(t, ts.URL+"/v1/messages", simple("ls -la"), agent("a"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics := scrape(t, ts)
	assert.Contains(t, metrics, `sentinel_policy_reloads_total{result="success"} 1`)
	assert.Contains(t, metrics, `sentinel_policy_reloads_total{result="failure"} 1`)
}

func TestReload_RuntimeSettings(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	settings := &runtimeSettings{s: srv}

	next := *srv.cfg
	next.Logging.Level = "debug"
	next.Audit.SamplingRate = 0.25
	require.NoError(t, settings.OnConfigReload(&next))

	assert.Equal(t, "DEBUG", srv.level.Level().String())
	assert.InDelta(t, 0.25, srv.auditLogger.Sampling().Rate, 1e-9)
}

func TestNewReloader(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	r := srv.NewReloader(filepath.Join(t.TempDir(), "sentinel.yaml"))
	require.NotNil(t, r)
	assert.Equal(t, srv.cfg, r.Current())
}
