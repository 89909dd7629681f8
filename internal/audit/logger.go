package audit

import (
	"context"
	"log/slog"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ctxkeys"
)

// Logger writes audit records as OpenTelemetry-style structured log lines.
// It is a Sink.
type Logger struct {
	slogger  *slog.Logger
	sampling sampler
}

// NewLogger creates an audit logger with the given sampling configuration.
// A nil slogger uses slog.Default().
func NewLogger(slogger *slog.Logger, sampling SamplingConfig) *Logger {
	if slogger == nil {
		slogger = slog.Default()
	}
	l := &Logger{slogger: slogger}
	l.sampling.store(sampling)
	return l
}

// SetSampling replaces the sampling rates.
func (l *Logger) SetSampling(cfg SamplingConfig) { l.sampling.store(cfg) }

// Sampling returns the current sampling rates.
func (l *Logger) Sampling() SamplingConfig { return l.sampling.load() }

// Write logs rec if it survives sampling. Blocked decisions log at warn.
func (l *Logger) Write(ctx context.Context, rec Record) {
	if !l.sampling.load().ShouldLog(rec.Blocked()) {
		return
	}

	traceID := rec.RequestID
	if traceID == "" {
		if meta, ok := ctxkeys.RequestMetaFrom(ctx); ok {
			traceID = meta.RequestID
		}
	}

	attrs := []slog.Attr{
		slog.String("trace_id", traceID),
		slog.String("audit_id", rec.ID),
		slog.Group("attributes",
			slog.String("tool.name", rec.Tool),
			slog.String("tool.category", rec.Category),
			slog.String("tool.entity", rec.Entity),
			slog.String("tool.operation", rec.Operation),
			slog.String("tool.decision", rec.Decision),
			slog.String("tool.rule_id", rec.RuleID),
			slog.String("tool.reason", rec.Reason),
			slog.String("tool.code", rec.Code),
			slog.String("tool.args_digest", rec.ArgsDigest),
			slog.String("agent.id", rec.AgentID),
			slog.String("agent.session_id", rec.SessionID),
			slog.String("message.format", rec.Format),
			slog.String("message.transport", rec.Transport),
			slog.Bool("approval.approved", rec.Approved),
			slog.Bool("idempotency.replayed", rec.Replayed),
			slog.Float64("execution_time_ms", rec.ExecutionTimeMs),
			slog.Time("timestamp", rec.Timestamp),
		),
	}

	level := slog.LevelInfo
	if rec.Blocked() {
		level = slog.LevelWarn
	}
	l.slogger.LogAttrs(ctx, level, "audit", attrs...)
}

// Close is a no-op; the underlying handler owns its output.
func (l *Logger) Close() error { return nil }
