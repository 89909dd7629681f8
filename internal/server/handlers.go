package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ctxkeys"
	proxyerrors "github.com/vijaygopalbalasa/AgentKernel-sub005/internal/errors"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/gateway"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/protocol"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/proxy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ratelimit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/security"
)

// wsMaxInFlight bounds concurrently decided calls per WebSocket session.
const wsMaxInFlight = 32

// Handler builds the complete HTTP handler with security pipeline and routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Agent endpoints go through the security pipeline.
	agent := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, security.ApplyPipeline(h, s.pipeline)))
	}
	agent("POST /v1/messages", s.handleMessage)
	agent("GET /v1/ws", s.handleWebSocket)
	agent("POST /v1/ratelimit/check", s.handleRateLimitCheck)

	if s.admin != nil {
		s.registerAdmin(mux)
	}

	// Health and metrics endpoints bypass security
	mux.Handle(s.healthHandler.LivenessPath(), s.healthHandler)
	mux.Handle(s.healthHandler.ReadinessPath(), s.healthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return withRequestMeta(mux)
}

// withRequestMeta assigns every request an id, echoed in X-Request-ID.
func withRequestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := ctxkeys.WithRequestMeta(r.Context(), ctxkeys.RequestMeta{
			RequestID:  id,
			Transport:  "http",
			RemoteAddr: r.RemoteAddr,
			StartTime:  time.Now(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument counts requests per route and status.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(route, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// handleMessage decides one raw message posted as the request body.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	info, ok := ctxkeys.AgentInfoFrom(r.Context())
	if !ok {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrAuthRequired)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Listen.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage(
				fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest)
		return
	}

	resp, err := s.gateway.Handle(r.Context(), gateway.Request{
		AgentID:         info.AgentID,
		Raw:             body,
		CapabilityToken: info.CapabilityToken,
		Transport:       "http",
		Header:          r.Header,
	})
	if errors.Is(err, gateway.ErrUnrecognizedMessage) {
		writeBody(w, http.StatusBadRequest, protocol.FormatUnrecognized(body, err.Error()))
		return
	}
	if err != nil {
		s.logger.Error("handling message failed", "agent", info.AgentID, "error", err)
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
		return
	}

	if resp.Forwarded {
		proxy.CopyHeadersFiltered(w.Header(), resp.Header)
	}
	if resp.Result.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(resp.Result.RetryAfterMs))
	}
	writeBody(w, resp.Status, resp.Body)
}

type rateLimitCheckRequest struct {
	Bucket string  `json:"bucket"`
	Amount float64 `json:"amount"`
	// DryRun reports the fill level without consuming.
	DryRun bool `json:"dryRun"`
}

type rateLimitCheckResponse struct {
	Allowed      bool    `json:"allowed"`
	Bucket       string  `json:"bucket"`
	Remaining    float64 `json:"remaining"`
	Limit        float64 `json:"limit"`
	RetryAfterMs int64   `json:"retryAfterMs,omitempty"`
	Unlimited    bool    `json:"unlimited,omitempty"`
}

// handleRateLimitCheck meters the token and message budgets, which the
// caller measures itself. The tool budget is spent by decided calls only
// and can be inspected here with dryRun.
func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	info, ok := ctxkeys.AgentInfoFrom(r.Context())
	if !ok {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrAuthRequired)
		return
	}

	var req rateLimitCheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Listen.MaxBodySize)).Decode(&req); err != nil {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("Body must be {bucket, amount, dryRun}"))
		return
	}
	typ, err := ratelimit.ParseBucketType(req.Bucket)
	if err != nil {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("bucket must be one of: tool, token, message"))
		return
	}
	if typ == ratelimit.BucketTool && !req.DryRun {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("The tool budget is consumed by decided calls; use dryRun"))
		return
	}
	if req.Amount < 0 {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrBadRequest.WithMessage("amount must not be negative"))
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	out := rateLimitCheckResponse{Bucket: string(typ), Allowed: true, Unlimited: true}
	if s.limiter != nil {
		var res ratelimit.Result
		if req.DryRun {
			res, err = s.limiter.Peek(info.AgentID, typ)
			if err == nil && !res.Unlimited {
				res.Allowed = res.Remaining >= req.Amount
			}
		} else {
			res, err = s.limiter.Consume(info.AgentID, typ, req.Amount)
		}
		if err != nil {
			s.logger.Error("rate limit check failed", "agent", info.AgentID, "bucket", typ, "error", err)
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrInternal)
			return
		}
		out = rateLimitCheckResponse{
			Allowed:      res.Allowed,
			Bucket:       string(typ),
			Remaining:    res.Remaining,
			Limit:        res.Limit,
			RetryAfterMs: res.RetryAfterMs,
			Unlimited:    res.Unlimited,
		}
	}

	status := http.StatusOK
	if !out.Allowed {
		status = http.StatusTooManyRequests
		if !req.DryRun {
			s.metrics.RecordRateLimitHit(string(typ))
		}
		if out.RetryAfterMs > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(out.RetryAfterMs))
		}
	}
	writeJSON(w, status, out)
}

// handleWebSocket upgrades to a persistent channel for one agent. Each text
// frame is one raw message; answers are written as they are decided, so
// calls on the same channel do not wait for each other. Callers correlate
// answers by message id.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	info, ok := ctxkeys.AgentInfoFrom(r.Context())
	if !ok {
		proxyerrors.WriteHTTPError(w, proxyerrors.ErrAuthRequired)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "agent", info.AgentID, "error", err)
		return
	}
	s.wsConns.Add(1)
	defer s.wsConns.Done()
	s.metrics.IncrActiveConns()
	defer s.metrics.DecrActiveConns()
	conn.SetReadLimit(s.cfg.Listen.MaxBodySize)

	logger := s.logger.With("agent", info.AgentID, "remote", r.RemoteAddr)
	logger.Debug("websocket session opened")

	// Calls outlive a server drain signal but not the session itself.
	callCtx, cancelCalls := context.WithCancel(ctxkeys.WithAgentInfo(context.Background(), info))
	defer cancelCalls()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(callCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-callCtx.Done():
				return
			}
		}
	}()

	var inflight sync.WaitGroup
	sem := make(chan struct{}, wsMaxInFlight)
	status, reason := websocket.StatusNormalClosure, ""

loop:
	for {
		select {
		case data := <-frames:
			sem <- struct{}{}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer func() { <-sem }()
				s.serveFrame(callCtx, conn, info, r.RemoteAddr, data)
			}()
		case err := <-readErr:
			if websocket.CloseStatus(err) == -1 {
				logger.Debug("websocket read ended", "error", err)
			}
			// The peer is gone: abandon calls still waiting, e.g. on approval.
			cancelCalls()
			break loop
		case <-s.wsCtx.Done():
			status, reason = websocket.StatusGoingAway, "server shutting down"
			break loop
		}
	}

	inflight.Wait()
	conn.Close(status, reason)
	logger.Debug("websocket session closed")
}

func (s *Server) serveFrame(ctx context.Context, conn *websocket.Conn, info ctxkeys.AgentInfo, remote string, data []byte) {
	ctx = ctxkeys.WithRequestMeta(ctx, ctxkeys.RequestMeta{
		RequestID:  uuid.NewString(),
		Transport:  "ws",
		RemoteAddr: remote,
		StartTime:  time.Now(),
	})
	req := gateway.Request{
		AgentID:         info.AgentID,
		Raw:             data,
		CapabilityToken: info.CapabilityToken,
		Transport:       "ws",
	}

	var (
		resp *gateway.Response
		err  error
	)
	// Frames share the proxy-wide budget with HTTP requests.
	if s.global != nil && !s.global.Allow() {
		resp, err = s.gateway.Reject(ctx, req, proxyerrors.ErrOverloaded)
	} else {
		resp, err = s.gateway.Handle(ctx, req)
	}

	var body []byte
	switch {
	case errors.Is(err, gateway.ErrUnrecognizedMessage):
		body = protocol.FormatUnrecognized(data, err.Error())
	case err != nil:
		s.logger.Error("handling frame failed", "agent", info.AgentID, "error", err)
		body, _ = json.Marshal(proxyerrors.HTTPErrorResponse{Error: *proxyerrors.ErrInternal})
	default:
		body = resp.Body
	}
	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		s.logger.Debug("websocket write failed", "agent", info.AgentID, "error", err)
	}
}

func retryAfterSeconds(ms int64) string {
	return strconv.FormatInt((ms+999)/1000, 10)
}

// writeBody writes an already encoded body; JSON unless the upstream said
// otherwise.
func writeBody(w http.ResponseWriter, status int, body []byte) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
