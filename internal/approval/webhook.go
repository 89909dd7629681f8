package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/interceptor"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
)

const maxWebhookResponse = 64 << 10

// webhookRequest is the body POSTed to the approval endpoint. Arguments
// of secret calls are withheld.
type webhookRequest struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	SessionID string          `json:"sessionId,omitempty"`
	Tool      string          `json:"tool"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Category  policy.Category `json:"category"`
	Entity    string          `json:"entity"`
	RuleID    string          `json:"ruleId,omitempty"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

type webhookResponse struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason"`
	ApprovedBy string `json:"approvedBy"`
}

// Webhook asks an external service to approve calls. Any transport error,
// non-2xx status or undecodable body denies the call.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhook creates a Webhook posting to url. headers are added to every
// request (e.g. an Authorization header). A nil client gets a 30s timeout.
func NewWebhook(url string, headers map[string]string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Webhook{url: url, headers: headers, client: client, logger: logger}
}

// Approve satisfies interceptor.ApprovalFunc.
func (w *Webhook) Approve(ctx context.Context, req interceptor.ApprovalRequest) (interceptor.ApprovalDecision, error) {
	body := webhookRequest{
		ID:        ulid.Make().String(),
		AgentID:   req.Call.AgentID,
		SessionID: req.Call.SessionID,
		Tool:      req.Call.Tool,
		Category:  req.Category,
		Entity:    req.Entity,
		RuleID:    req.RuleID,
		Reason:    req.Reason,
		Timestamp: req.Call.Timestamp,
	}
	if req.Category != policy.CategorySecret {
		body.Arguments = req.Call.Arguments
	}
	data, err := json.Marshal(body)
	if err != nil {
		return interceptor.ApprovalDecision{}, fmt.Errorf("encoding approval request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return interceptor.ApprovalDecision{}, fmt.Errorf("building approval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		w.logger.Warn("approval webhook unreachable", "id", body.ID, "error", err)
		return interceptor.ApprovalDecision{}, fmt.Errorf("approval webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxWebhookResponse))
		w.logger.Warn("approval webhook rejected request", "id", body.ID, "status", resp.StatusCode)
		return interceptor.ApprovalDecision{}, fmt.Errorf("approval webhook returned status %d", resp.StatusCode)
	}

	var out webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWebhookResponse)).Decode(&out); err != nil {
		return interceptor.ApprovalDecision{}, fmt.Errorf("decoding approval webhook response: %w", err)
	}
	w.logger.Info("approval webhook answered", "id", body.ID, "approved", out.Approved)
	return interceptor.ApprovalDecision{
		Approved:   out.Approved,
		Reason:     out.Reason,
		ApprovedBy: out.ApprovedBy,
	}, nil
}
