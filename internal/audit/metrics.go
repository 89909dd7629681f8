package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks proxy metrics and serves them in Prometheus text format.
// It uses a custom prometheus.Registry for isolation and testability.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls         *prometheus.CounterVec
	decisionDuration  *prometheus.HistogramVec
	rateLimitHits     *prometheus.CounterVec
	capabilityChecks  *prometheus.CounterVec
	approvals         *prometheus.CounterVec
	policyReloads     *prometheus.CounterVec
	auditDropped      prometheus.Counter
	persistenceErrors *prometheus.CounterVec

	httpRequests     *prometheus.CounterVec
	grpcRequests     *prometheus.CounterVec
	activeConns      prometheus.Gauge
	upstreamLatency  prometheus.Histogram
	configReloads    *prometheus.CounterVec
	configReloadTime prometheus.Gauge
	buildInfo        *prometheus.GaugeVec
}

// NewMetrics creates a Metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_tool_calls_total",
			Help: "Tool calls decided, by category and final decision.",
		}, []string{"category", "decision"}),

		decisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_decision_duration_seconds",
			Help:    "Time spent deciding a tool call, excluding upstream forwarding.",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .25, 1, 10, 60},
		}, []string{"transport"}),

		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_rate_limit_hits_total",
			Help: "Calls refused because a rate-limit bucket was empty.",
		}, []string{"bucket"}),

		capabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_capability_checks_total",
			Help: "Capability token checks, by result (granted, denied, error).",
		}, []string{"result"}),

		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_approvals_total",
			Help: "Approval workflows, by outcome (approved, denied, unhandled).",
		}, []string{"outcome"}),

		policyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_policy_reloads_total",
			Help: "Policy file reload attempts.",
		}, []string{"result"}),

		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_audit_dropped_total",
			Help: "Audit records dropped because the sink buffer was full.",
		}),

		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_persistence_errors_total",
			Help: "Background persistence failures, by store.",
		}, []string{"store"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "status"}),

		grpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_grpc_requests_total",
			Help: "gRPC requests served, by method and status code.",
		}, []string{"method", "code"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_websocket_connections",
			Help: "Open WebSocket channels.",
		}),

		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_upstream_latency_seconds",
			Help:    "Upstream gateway response time in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_config_reloads_total",
			Help: "Total number of configuration reload attempts.",
		}, []string{"result"}),

		configReloadTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_config_reload_timestamp_seconds",
			Help: "Unix timestamp of the last successful configuration reload.",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_build_info",
			Help: "Build information about the sentinel binary. Value is always 1.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.toolCalls,
		m.decisionDuration,
		m.rateLimitHits,
		m.capabilityChecks,
		m.approvals,
		m.policyReloads,
		m.auditDropped,
		m.persistenceErrors,
		m.httpRequests,
		m.grpcRequests,
		m.activeConns,
		m.upstreamLatency,
		m.configReloads,
		m.configReloadTime,
		m.buildInfo,
	)

	return m
}

// RecordDecision counts one decided call and observes how long it took.
func (m *Metrics) RecordDecision(transport, category, decision string, d time.Duration) {
	m.toolCalls.WithLabelValues(category, decision).Inc()
	m.decisionDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// RecordRateLimitHit counts a refusal by the given bucket type.
func (m *Metrics) RecordRateLimitHit(bucket string) {
	m.rateLimitHits.WithLabelValues(bucket).Inc()
}

// RecordCapabilityCheck counts a capability check; result is granted,
// denied or error.
func (m *Metrics) RecordCapabilityCheck(result string) {
	m.capabilityChecks.WithLabelValues(result).Inc()
}

// RecordApproval counts a finished approval workflow.
func (m *Metrics) RecordApproval(outcome string) {
	m.approvals.WithLabelValues(outcome).Inc()
}

// RecordPolicyReload counts a policy reload attempt.
func (m *Metrics) RecordPolicyReload(success bool) {
	m.policyReloads.WithLabelValues(result(success)).Inc()
}

// RecordAuditDropped counts n dropped audit records.
func (m *Metrics) RecordAuditDropped(n int) {
	m.auditDropped.Add(float64(n))
}

// RecordPersistenceError counts a failed background write to store.
func (m *Metrics) RecordPersistenceError(store string) {
	m.persistenceErrors.WithLabelValues(store).Inc()
}

// RecordHTTPRequest counts a served HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, status int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// RecordGRPCRequest counts a served gRPC request.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.grpcRequests.WithLabelValues(method, code).Inc()
}

// IncrActiveConns increments the open WebSocket count.
func (m *Metrics) IncrActiveConns() { m.activeConns.Inc() }

// DecrActiveConns decrements the open WebSocket count.
func (m *Metrics) DecrActiveConns() { m.activeConns.Dec() }

// RecordUpstreamLatency observes one upstream round trip.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	m.upstreamLatency.Observe(d.Seconds())
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	m.configReloads.WithLabelValues(result(success)).Inc()
	if success {
		m.configReloadTime.Set(float64(time.Now().Unix()))
	}
}

// SetBuildInfo sets the build information gauge. The gauge value is always 1;
// version and Go version are exposed as labels.
func (m *Metrics) SetBuildInfo(version, goVersion string) {
	m.buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves /metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
