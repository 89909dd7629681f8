package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/approval"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/audit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/capability"
	proxyerrors "github.com/vijaygopalbalasa/AgentKernel-sub005/internal/errors"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/interceptor"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
)

// adminActor names the operator in grants and approvals when the request
// does not.
const adminActor = "admin"

func (s *Server) registerAdmin(mux *http.ServeMux) {
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, s.admin.Process(h)))
	}
	route("POST /v1/admin/capabilities", s.handleGrant)
	route("GET /v1/admin/capabilities", s.handleListCapabilities)
	route("DELETE /v1/admin/capabilities/{token}", s.handleRevoke)
	route("POST /v1/admin/agents/{agent}/revoke-all", s.handleRevokeAll)
	route("GET /v1/admin/approvals", s.handleListApprovals)
	route("POST /v1/admin/approvals/{id}/approve", s.handleResolve(true))
	route("POST /v1/admin/approvals/{id}/deny", s.handleResolve(false))
	route("GET /v1/admin/audit-trail", s.handleAuditTrail)
	route("GET /v1/admin/audit", s.handleAuditRecords)
	route("GET /v1/admin/stats", s.handleStats)
	route("GET /v1/admin/policy", s.handlePolicy)
}

type grantRequest struct {
	AgentID     string         `json:"agentId"`
	Capability  string         `json:"capability"`
	TTL         string         `json:"ttl,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	GrantedBy   string         `json:"grantedBy,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// handleGrant issues a token. The response is the only place the full
// token value is ever returned.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Listen.MaxBodySize)).Decode(&req); err != nil {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("Body must be {agentId, capability, ttl?, expiresAt?}"))
		return
	}
	if req.AgentID == "" {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("agentId is required"))
		return
	}
	if err := capability.ValidateCapabilityName(req.Capability); err != nil {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage(err.Error()))
		return
	}
	opts := capability.GrantOptions{GrantedBy: req.GrantedBy, ExpiresAt: req.ExpiresAt, Constraints: req.Constraints}
	if opts.GrantedBy == "" {
		opts.GrantedBy = adminActor
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("ttl must be a positive duration such as 1h"))
			return
		}
		opts.TTL = ttl
	}

	tok, err := s.caps.Grant(r.Context(), req.AgentID, req.Capability, opts)
	if err != nil {
		s.logger.Error("capability grant failed", "agent", req.AgentID, "error", err)
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("agentId query parameter is required"))
		return
	}
	tokens, err := s.caps.List(r.Context(), agentID)
	if err != nil {
		s.logger.Error("capability list failed", "agent", agentID, "error", err)
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
		return
	}
	for i := range tokens {
		tokens[i].Token = tokens[i].Redacted()
	}
	if tokens == nil {
		tokens = []capability.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	revoked, err := s.caps.Revoke(r.Context(), r.PathValue("token"))
	if err != nil {
		s.logger.Error("capability revoke failed", "error", err)
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
		return
	}
	if !revoked {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrNotFound.WithMessage("Capability token not found or already revoked"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	n, err := s.caps.RevokeAll(r.Context(), agentID)
	if err != nil {
		s.logger.Error("capability revoke-all failed", "agent", agentID, "error", err)
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": agentID, "revoked": n})
}

var errNoQueue = proxyerrors.ErrNotFound.WithMessage("Approval queue is not enabled; set approval.mode: queue")

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		proxyerrors.WriteHTTPError(w, errNoQueue)
		return
	}
	pending := s.queue.List()
	if pending == nil {
		pending = []approval.Pending{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type resolveRequest struct {
	Reason     string `json:"reason,omitempty"`
	ApprovedBy string `json:"approvedBy,omitempty"`
}

func (s *Server) handleResolve(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.queue == nil {
			proxyerrors.WriteHTTPError(w, errNoQueue)
			return
		}
		var req resolveRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Listen.MaxBodySize)).Decode(&req); err != nil {
				proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("Body must be {reason?, approvedBy?}"))
				return
			}
		}
		if req.ApprovedBy == "" {
			req.ApprovedBy = adminActor
		}

		id := r.PathValue("id")
		err := s.queue.Resolve(id, interceptor.ApprovalDecision{Approved: approved, Reason: req.Reason, ApprovedBy: req.ApprovedBy})
		if errors.Is(err, approval.ErrNotFound) {
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrNotFound.WithMessage("Approval request not found or already resolved"))
			return
		}
		if err != nil {
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": approved})
	}
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries := s.engine.AuditTrail()
	if entries == nil {
		entries = []policy.TrailEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleAuditRecords queries stored audit records: ?agentId, ?decision,
// ?since (RFC 3339) and ?limit.
func (s *Server) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrNotFound.WithMessage("Audit store is not enabled; add sqlite to audit.sinks"))
		return
	}
	q := r.URL.Query()
	query := audit.Query{AgentID: q.Get("agentId"), Decision: q.Get("decision")}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("since must be an RFC 3339 timestamp"))
			return
		}
		query.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("limit must be 1-1000"))
			return
		}
		query.Limit = n
	}

	recs, err := s.auditStore.Recent(r.Context(), query)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

type statsResponse struct {
	Interceptor        interceptor.Stats `json:"interceptor"`
	PendingApprovals   int               `json:"pendingApprovals"`
	RateLimitBuckets   int               `json:"rateLimitBuckets"`
	IdempotencyEntries int               `json:"idempotencyEntries"`
	AuditDropped       int64             `json:"auditDropped"`
	Policy             string            `json:"policy"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := statsResponse{
		Interceptor: s.interceptor.Stats(),
		Policy:      s.engine.PolicySet().Name,
	}
	if s.queue != nil {
		out.PendingApprovals = s.queue.Len()
	}
	if s.limiter != nil {
		out.RateLimitBuckets = s.limiter.Len()
	}
	if s.idem != nil {
		out.IdempotencyEntries = s.idem.Len()
	}
	if s.auditStore != nil {
		out.AuditDropped = s.auditStore.Dropped()
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePolicy returns the active policy set as a JSON policy document.
func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	data, err := policy.Marshal(s.engine.PolicySet(), policy.FormatJSON)
	if err != nil {
		s.logger.Error("policy encoding failed", "error", err)
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
		return
	}
	writeBody(w, http.StatusOK, data)
}
