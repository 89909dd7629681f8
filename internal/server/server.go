// Package server integrates all components into a complete HTTP server
// for the sentinel tool-call enforcement proxy.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/approval"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/audit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/capability"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/config"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/gateway"
	sentinelgrpc "github.com/vijaygopalbalasa/AgentKernel-sub005/internal/grpc"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/health"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/interceptor"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/proxy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ratelimit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/security"
)

// Server is the main sentinel server assembling all components.
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	level   *slog.LevelVar

	mu           sync.Mutex
	httpServer   *http.Server
	grpcServer   *sentinelgrpc.GRPCServer
	listener     net.Listener // if non-nil, Start uses this instead of creating one
	grpcListener net.Listener

	storage     *Storage
	engine      *policy.Engine
	interceptor *interceptor.Interceptor
	queue       *approval.Queue // nil unless approval.mode is queue
	caps        *capability.Store
	limiter     *ratelimit.Limiter // nil when rate limiting is disabled
	idem        *security.IdempotencyCache
	auditLogger *audit.Logger
	auditStore  *audit.SQLiteSink // nil unless the sqlite sink is configured
	sinks       audit.Fanout
	metrics     *audit.Metrics
	gateway     *gateway.Gateway

	global        *security.GlobalRateLimiter
	pipeline      []security.Middleware
	admin         *security.AdminGuard
	healthHandler *health.Handler

	// WebSocket sessions run on wsCtx so Shutdown can end them; http.Server
	// does not track hijacked connections.
	wsCtx    context.Context
	wsCancel context.CancelFunc
	wsConns  sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the logger built from the logging section. The
// logging.level reload then has no effect.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithListener makes Start serve HTTP on ln instead of listen.host:port.
func WithListener(ln net.Listener) Option {
	return func(s *Server) { s.listener = ln }
}

// WithGRPCListener makes Start serve gRPC on ln instead of listen.grpc_port.
func WithGRPCListener(ln net.Listener) Option {
	return func(s *Server) { s.grpcListener = ln }
}

// New creates a new Server from configuration. It opens storage and loads
// the policy file; on error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, version string, opts ...Option) (_ *Server, err error) {
	s := &Server{cfg: cfg, version: version, level: new(slog.LevelVar)}
	for _, opt := range opts {
		opt(s)
	}

	// 1. Logger
	if s.logger == nil {
		s.logger = BuildLogger(cfg.Logging, s.level)
	}
	logger := s.logger

	// 2. Metrics
	s.metrics = audit.NewMetrics()
	s.metrics.SetBuildInfo(version, runtime.Version())

	// 3. Storage
	s.storage, err = OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	// 4. Policy engine
	set, err := policy.LoadFile(cfg.Policy.File)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	s.engine = policy.NewEngine(set, logger.With("component", "policy"))

	// 5. Approval + interceptor
	var icOpts []interceptor.Option
	fn, err := s.buildApproval()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		icOpts = append(icOpts, interceptor.WithApproval(fn, cfg.Approval.Timeout.Duration))
	}
	s.interceptor = interceptor.New(s.engine, logger.With("component", "interceptor"), icOpts...)

	// 6. Capability store
	s.caps = capability.NewStore(s.storage.Capabilities, logger.With("component", "capability"),
		capability.WithCacheTTL(cfg.Capabilities.CacheTTL.Duration),
		capability.WithCachePurge(cfg.Capabilities.CacheTTL.Duration))

	// 7. Audit sinks
	if err := s.buildSinks(ctx); err != nil {
		return nil, err
	}

	// 8. Gateway
	gwOpts := []gateway.Option{
		gateway.WithCapabilities(s.caps, cfg.Capabilities.Required),
		gateway.WithAuditSink(s.sinks),
		gateway.WithMetrics(s.metrics),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = s.buildLimiter()
		gwOpts = append(gwOpts, gateway.WithRateLimiter(s.limiter))
	}
	var upstream *proxy.Upstream
	if cfg.Upstream.URL != "" {
		upstream = proxy.NewUpstream(cfg.Upstream.URL, cfg.Upstream.Timeout.Duration, logger.With("component", "upstream"),
			proxy.WithLatencyObserver(s.metrics.RecordUpstreamLatency))
		gwOpts = append(gwOpts, gateway.WithUpstream(upstream))
	}
	if cfg.Idempotency.Enabled {
		window := cfg.Idempotency.Window.Duration
		s.idem = security.NewIdempotencyCache(window, cfg.Idempotency.MaxEntries, window)
		gwOpts = append(gwOpts, gateway.WithIdempotency(s.idem))
	}
	s.gateway = gateway.New(s.interceptor, logger.With("component", "gateway"), gwOpts...)

	// 9. Security pipeline
	auth, err := security.NewAuthMiddleware(security.AuthConfig{
		Mode:           cfg.Agents.Mode,
		Header:         cfg.Agents.Header,
		AllowAnonymous: cfg.Agents.AllowAnonymous,
		AnonymousID:    cfg.Agents.AnonymousID,
		Secret:         cfg.Agents.JWT.Secret,
		JWKSFile:       cfg.Agents.JWT.JWKSFile,
		Issuer:         cfg.Agents.JWT.Issuer,
		Audience:       cfg.Agents.JWT.Audience,
		ClockSkew:      cfg.Agents.JWT.ClockSkew.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring agent identity: %w", err)
	}
	s.global = security.NewGlobalRateLimiter(cfg.Listen.GlobalRateLimit)
	s.pipeline = security.BuildPipeline(security.PipelineConfig{Auth: auth, Global: s.global})
	if cfg.Admin.Enabled {
		s.admin = security.NewAdminGuard(cfg.Admin.Token, cfg.Admin.Subjects, auth)
	}

	// 10. Health
	healthOpts := []health.Option{
		health.WithPaths(cfg.Health.LivenessPath, cfg.Health.ReadinessPath),
		health.WithCheck("capabilities", s.caps.Ping),
	}
	if s.storage.Pool != nil {
		healthOpts = append(healthOpts, health.WithCheck("sqlite", s.storage.Pool.Ping))
	}
	if upstream != nil {
		healthOpts = append(healthOpts, health.WithCheck("upstream", upstream.Ping))
	}
	s.healthHandler = health.NewHandler(version, healthOpts...)

	// 11. gRPC
	if cfg.Listen.GRPCPort > 0 || s.grpcListener != nil {
		s.grpcServer = sentinelgrpc.NewGRPCServer(s.gateway, s.pipeline, s.metrics, logger.With("component", "grpc"))
		logger.Info("gRPC server configured", "port", cfg.Listen.GRPCPort)
	}

	s.wsCtx, s.wsCancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Server) buildApproval() (interceptor.ApprovalFunc, error) {
	mode, err := approval.ParseMode(s.cfg.Approval.Mode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case approval.ModeQueue:
		// The interceptor owns the timeout so reloads reach queued calls too.
		s.queue = approval.NewQueue(s.logger.With("component", "approval"))
		return s.queue.Approve, nil
	case approval.ModeWebhook:
		wh := approval.NewWebhook(s.cfg.Approval.Webhook.URL, s.cfg.Approval.Webhook.Headers, nil, s.logger.With("component", "approval"))
		return wh.Approve, nil
	}
	return nil, nil
}

func (s *Server) buildSinks(ctx context.Context) error {
	a := s.cfg.Audit
	for _, name := range a.Sinks {
		switch name {
		case "log":
			s.auditLogger = audit.NewLogger(s.logger.With("component", "audit"), audit.SamplingConfig{
				Rate:      a.SamplingRate,
				ErrorRate: a.ErrorSamplingRate,
			})
			s.sinks = append(s.sinks, s.auditLogger)
		case "sqlite":
			if s.storage.Pool == nil {
				return fmt.Errorf("audit sink sqlite requires storage.driver sqlite")
			}
			sink, err := audit.NewSQLiteSink(ctx, s.storage.Pool, audit.SQLiteSinkConfig{
				BufferSize:    a.BufferSize,
				FlushInterval: a.FlushInterval.Duration,
				OnDrop:        s.metrics.RecordAuditDropped,
				OnError:       func(error) { s.metrics.RecordPersistenceError("audit") },
			}, s.logger.With("component", "audit"))
			if err != nil {
				return fmt.Errorf("audit store: %w", err)
			}
			s.auditStore = sink
			s.sinks = append(s.sinks, sink)
		default:
			return fmt.Errorf("unknown audit sink %q", name)
		}
	}
	return nil
}

func (s *Server) buildLimiter() *ratelimit.Limiter {
	rl := s.cfg.RateLimit
	opts := []ratelimit.Option{
		ratelimit.WithPersistErrorHook(func(error) { s.metrics.RecordPersistenceError("ratelimit") }),
	}
	if s.storage.Buckets != nil {
		opts = append(opts, ratelimit.WithStore(s.storage.Buckets))
	}
	return ratelimit.New(ratelimit.Config{
		ToolCallsPerMinute: rl.ToolCallsPerMinute,
		TokensPerMinute:    rl.TokensPerMinute,
		MessagesPerMinute:  rl.MessagesPerMinute,
		BurstMultiplier:    rl.BurstMultiplier,
		FlushInterval:      rl.FlushInterval.Duration,
		CleanupInterval:    rl.CleanupInterval.Duration,
		MaxRefillWindow:    rl.MaxRefillWindow.Duration,
	}, s.logger.With("component", "ratelimit"), opts...)
}

// Metrics returns the server's collector.
func (s *Server) Metrics() *audit.Metrics { return s.metrics }

// Capabilities returns the capability store.
func (s *Server) Capabilities() *capability.Store { return s.caps }

// Start begins listening and serving. It blocks until the context is canceled
// or an unrecoverable error occurs, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.limiter != nil {
		if err := s.limiter.Restore(ctx); err != nil {
			// Enforcement continues from full buckets.
			s.logger.Warn("rate limit state not restored", "error", err)
			s.metrics.RecordPersistenceError("ratelimit")
		}
		s.limiter.Start(ctx)
	}

	listenAddr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port)

	// Use injected listener or create one
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", listenAddr, err)
		}
	}
	// Wrap with LimitedListener if configured
	if s.cfg.Listen.MaxConnections > 0 {
		ln = newLimitedListener(ln, s.cfg.Listen.MaxConnections)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if tls := s.cfg.Listen.TLS; tls.CertFile != "" {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	// Start gRPC server if configured
	if s.grpcServer != nil {
		grpcLn := s.grpcListener
		if grpcLn == nil {
			grpcAddr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.GRPCPort)
			var err error
			grpcLn, err = net.Listen("tcp", grpcAddr)
			if err != nil {
				srv.Close()
				return fmt.Errorf("listening gRPC on %s: %w", grpcAddr, err)
			}
		}
		go func() {
			errCh <- s.grpcServer.Serve(grpcLn)
		}()
	}

	// Wait for context cancellation or server error
	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.Timeout.Duration)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("shutdown error: %w", err))
	}
	if serveErr != nil {
		return serveErr
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

// Shutdown performs graceful shutdown: readiness fails first, WebSocket
// sessions get the drain timeout to finish in-flight calls, then listeners
// stop and bucket state gets a final flush.
func (s *Server) Shutdown(ctx context.Context) error {
	s.healthHandler.SetDraining(true)

	// 1. Drain WebSocket sessions
	drainCtx, drainCancel := context.WithTimeout(ctx, s.cfg.Shutdown.DrainTimeout.Duration)
	defer drainCancel()
	s.wsCancel()
	done := make(chan struct{})
	go func() {
		s.wsConns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
		s.logger.Warn("drain timeout, some WebSocket sessions may be interrupted")
	}

	var errs []error

	// 2. Shutdown HTTP server
	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()
	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	// 2b. Graceful stop gRPC server
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	// 3. Final flush of bucket state
	if s.limiter != nil {
		if err := s.limiter.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rate limit flush: %w", err))
		}
	}

	// 4. Sinks and storage
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeAll() error {
	var errs []error
	if s.caps != nil {
		s.caps.Stop()
	}
	if s.idem != nil {
		s.idem.Stop()
	}
	if s.sinks != nil {
		errs = append(errs, s.sinks.Close())
	}
	if s.storage != nil {
		errs = append(errs, s.storage.Close())
	}
	return errors.Join(errs...)
}

// ── LimitedListener ──

// limitedListener wraps a net.Listener to limit maximum concurrent connections.
type limitedListener struct {
	net.Listener
	sem chan struct{}
}

// newLimitedListener creates a listener that limits concurrent connections.
func newLimitedListener(l net.Listener, maxConns int) net.Listener {
	return &limitedListener{
		Listener: l,
		sem:      make(chan struct{}, maxConns),
	}
}

// Accept waits for and returns the next connection, blocking if at limit.
func (l *limitedListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	c, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &limitedConn{Conn: c, sem: l.sem}, nil
}

// limitedConn wraps a net.Conn to release the semaphore slot on close.
type limitedConn struct {
	net.Conn
	sem    chan struct{}
	closed sync.Once
}

// Close releases the connection and frees the semaphore slot.
func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.closed.Do(func() { <-c.sem })
	return err
}
