package server

import (
	"fmt"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/audit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/config"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
)

// NewReloader returns a config reloader for configPath with every
// reloadable component registered. The caller starts and stops it.
func (s *Server) NewReloader(configPath string) *config.ConfigReloader {
	r := config.NewConfigReloader(configPath, s.cfg, s.logger.With("component", "reload"))
	r.Register(&runtimeSettings{s: s})
	r.Register(&policyLoader{s: s})
	r.OnResult(s.metrics.RecordConfigReload)
	return r
}

// runtimeSettings applies the reloadable parts of the config: log level,
// audit sampling and approval timeout.
type runtimeSettings struct{ s *Server }

func (rs *runtimeSettings) OnConfigReload(cfg *config.Config) error {
	s := rs.s
	s.level.Set(ParseLevel(cfg.Logging.Level))
	if s.auditLogger != nil {
		s.auditLogger.SetSampling(audit.SamplingConfig{
			Rate:      cfg.Audit.SamplingRate,
			ErrorRate: cfg.Audit.ErrorSamplingRate,
		})
	}
	s.interceptor.SetApprovalTimeout(cfg.Approval.Timeout.Duration)
	s.logger.Info("runtime settings reloaded",
		"log_level", cfg.Logging.Level,
		"sampling_rate", cfg.Audit.SamplingRate,
		"approval_timeout", cfg.Approval.Timeout.Duration,
	)
	return nil
}

// policyLoader swaps the engine's policy set. A file that fails to load
// keeps the current set.
type policyLoader struct{ s *Server }

func (pl *policyLoader) OnPolicyReload(cfg *config.Config) error {
	s := pl.s
	set, err := policy.LoadFile(cfg.Policy.File)
	if err != nil {
		s.metrics.RecordPolicyReload(false)
		return fmt.Errorf("reloading policy: %w", err)
	}
	s.engine.UpdatePolicySet(set)
	s.metrics.RecordPolicyReload(true)
	s.logger.Info("policy reloaded", "file", cfg.Policy.File, "name", set.Name, "rules", len(set.Rules))
	return nil
}
