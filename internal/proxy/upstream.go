// Package proxy forwards allowed tool calls to the upstream gateway.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ctxkeys"
)

// MaxResponseSize caps how much of an upstream body is buffered.
const MaxResponseSize = 10 << 20

// ErrUpstream wraps every forwarding failure.
var ErrUpstream = errors.New("upstream unavailable")

// Response is the upstream reply, returned verbatim to the caller.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
}

// Upstream forwards raw tool-call messages to one gateway URL.
// It uses http.Client directly instead of httputil.ReverseProxy because
// the body has already been read and decided on.
type Upstream struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	observe func(time.Duration)
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithTransport overrides the pooled default transport.
func WithTransport(rt http.RoundTripper) UpstreamOption {
	return func(u *Upstream) { u.client.Transport = rt }
}

// WithLatencyObserver is called with the round-trip time of every attempt.
func WithLatencyObserver(fn func(time.Duration)) UpstreamOption {
	return func(u *Upstream) { u.observe = fn }
}

// NewUpstream creates a forwarder for url. timeout bounds the whole round trip.
func NewUpstream(url string, timeout time.Duration, logger *slog.Logger, opts ...UpstreamOption) *Upstream {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	u := &Upstream{
		url:    url,
		client: &http.Client{Transport: NewHTTPTransport(timeout), Timeout: timeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// URL returns the upstream address.
func (u *Upstream) URL() string { return u.url }

// Forward POSTs raw to the upstream. hdr carries the caller's headers (may be
// nil); hop-by-hop and proxy-private headers are dropped. Any transport error
// or a 502/503/504 from the upstream is reported as ErrUpstream; other
// statuses are returned as-is.
func (u *Upstream) Forward(ctx context.Context, raw []byte, hdr http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrUpstream, err)
	}
	if hdr != nil {
		CopyHeadersFiltered(req.Header, hdr)
	}
	req.Header.Set("Content-Type", "application/json")

	if meta, ok := ctxkeys.RequestMetaFrom(ctx); ok {
		if meta.RequestID != "" {
			req.Header.Set("X-Request-ID", meta.RequestID)
		}
		if ip := clientIP(meta.RemoteAddr); ip != "" {
			if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
				req.Header.Set("X-Forwarded-For", prior+", "+ip)
			} else {
				req.Header.Set("X-Forwarded-For", ip)
			}
		}
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	latency := time.Since(start)
	if u.observe != nil {
		u.observe(latency)
	}
	if err != nil {
		u.logger.Warn("upstream request failed", "url", u.url, "error", err, "latency", latency)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUpstream, err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrUpstream, MaxResponseSize)
	}

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		u.logger.Warn("upstream unavailable", "url", u.url, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	out := &Response{Status: resp.StatusCode, Header: http.Header{}, Body: body, Latency: latency}
	CopyHeadersFiltered(out.Header, resp.Header)
	u.logger.Debug("upstream response", "status", resp.StatusCode, "bytes", len(body), "latency", latency)
	return out, nil
}

// Ping checks that the upstream accepts connections.
func (u *Upstream) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.url, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp.Body.Close()
	return nil
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
