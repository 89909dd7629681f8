package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

// CheckFunc tests one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Check is a named readiness check, e.g. the capability store or the
// SQLite pool.
type Check struct {
	Name string
	Fn   CheckFunc
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	version       string
	livenessPath  string
	readinessPath string
	timeout       time.Duration
	checks        []Check
	draining      atomic.Bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithPaths overrides the default /healthz and /readyz paths.
func WithPaths(liveness, readiness string) Option {
	return func(h *Handler) {
		h.livenessPath = liveness
		h.readinessPath = readiness
	}
}

// WithCheck adds a readiness check.
func WithCheck(name string, fn CheckFunc) Option {
	return func(h *Handler) { h.checks = append(h.checks, Check{Name: name, Fn: fn}) }
}

// WithTimeout overrides DefaultCheckTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// NewHandler creates a health check handler.
func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		version:       version,
		livenessPath:  "/healthz",
		readinessPath: "/readyz",
		timeout:       DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDraining marks the proxy as shutting down; readiness then fails so
// load balancers stop sending traffic while in-flight calls finish.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// LivenessPath returns the path liveness is served on.
func (h *Handler) LivenessPath() string { return h.livenessPath }

// ReadinessPath returns the path readiness is served on.
func (h *Handler) ReadinessPath() string { return h.readinessPath }

// ServeHTTP routes to the appropriate health endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case h.livenessPath:
		h.handleLiveness(w, r)
	case h.readinessPath:
		h.handleReadiness(w, r)
	default:
		http.NotFound(w, r)
	}
}

// LivenessResponse is the JSON response for /healthz.
type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadinessResponse is the JSON response for /readyz. Checks maps each
// check name to "ok" or its error text.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(LivenessResponse{
		Status:  "ok",
		Version: h.version,
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	resp, ready := h.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// Ready runs every check concurrently and reports whether all passed.
func (h *Handler) Ready(ctx context.Context) (ReadinessResponse, bool) {
	if h.draining.Load() {
		return ReadinessResponse{Status: "draining"}, false
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]error, len(h.checks))
	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Fn(ctx)
		}()
	}
	wg.Wait()

	resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	ready := true
	for i, c := range h.checks {
		if results[i] != nil {
			ready = false
			resp.Checks[c.Name] = results[i].Error()
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	if !ready {
		resp.Status = "not_ready"
	}
	return resp, ready
}
