package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloadable is implemented by components that can update their config at runtime.
type Reloadable interface {
	// OnConfigReload is called when the configuration has changed.
	// Implementations should apply relevant changes and return an error
	// if the component cannot update itself. The reloader logs errors
	// but continues notifying other subscribers.
	OnConfigReload(newCfg *Config) error
}

// PolicyReloadable is implemented by components that load the policy file.
// OnPolicyReload is called with the current config when the policy file
// changes on disk, on SIGHUP, and after a config reload that moved
// policy.file.
type PolicyReloadable interface {
	OnPolicyReload(cfg *Config) error
}

// ConfigReloader watches for config and policy changes and coordinates reloads.
// It supports SIGHUP signals and optional file-system watching with debounce.
type ConfigReloader struct {
	configPath  string
	currentCfg  atomic.Pointer[Config]
	subscribers []any
	logger      *slog.Logger
	debounce    time.Duration
	watchFile   bool
	onResult    func(success bool)

	mu          sync.RWMutex
	cancel      context.CancelFunc
	watcher     *fsnotify.Watcher
	watchedPath string // policy file currently watched
	stopped     chan struct{}
	sigChan     chan os.Signal
}

// NewConfigReloader creates a ConfigReloader for the given config file path.
// The initialCfg is set as the current config atomically.
func NewConfigReloader(configPath string, initialCfg *Config, logger *slog.Logger) *ConfigReloader {
	r := &ConfigReloader{
		configPath: configPath,
		logger:     logger,
		debounce:   initialCfg.Reload.Debounce.Duration,
		watchFile:  initialCfg.Reload.WatchFile,
		stopped:    make(chan struct{}),
	}
	r.currentCfg.Store(initialCfg)
	return r
}

// Register adds a component to receive reload notifications. sub must
// implement Reloadable, PolicyReloadable, or both. Must be called before Start.
func (r *ConfigReloader) Register(sub any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, sub)
}

// OnResult sets a hook called after every config reload attempt.
// Must be called before Start.
func (r *ConfigReloader) OnResult(fn func(success bool)) {
	r.onResult = fn
}

// Current returns the current active configuration. Safe for concurrent use.
func (r *ConfigReloader) Current() *Config {
	return r.currentCfg.Load()
}

// Start begins watching for changes via SIGHUP and optional file watching.
// It returns immediately; watching stops when ctx is cancelled or Stop is called.
func (r *ConfigReloader) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.sigChan = make(chan os.Signal, 1)
	signal.Notify(r.sigChan, syscall.SIGHUP)

	if r.watchFile {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			signal.Stop(r.sigChan)
			return fmt.Errorf("creating file watcher: %w", err)
		}
		r.watcher = watcher

		if err := watcher.Add(r.configPath); err != nil {
			watcher.Close()
			signal.Stop(r.sigChan)
			return fmt.Errorf("watching config file %q: %w", r.configPath, err)
		}
		if p := r.Current().Policy.File; p != "" {
			if err := watcher.Add(p); err != nil {
				watcher.Close()
				signal.Stop(r.sigChan)
				return fmt.Errorf("watching policy file %q: %w", p, err)
			}
			r.watchedPath = p
		}
		r.logger.Info("file watcher started", "config", r.configPath, "policy", r.watchedPath, "debounce", r.debounce)
	}

	go r.run(ctx)
	return nil
}

// Stop shuts down the reloader, stopping signal and file watchers.
func (r *ConfigReloader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.stopped
}

// Reload manually triggers a config reload. It reads the config file, validates it,
// computes a diff, logs warnings for non-reloadable changes, and notifies subscribers.
// Returns an error if the new config is invalid (old config is retained).
func (r *ConfigReloader) Reload() error {
	r.logger.Info("config reload triggered", "path", r.configPath)

	newCfg, err := Load(r.configPath)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"error", err,
			"path", r.configPath,
		)
		r.report(false)
		return fmt.Errorf("config reload: %w", err)
	}

	oldCfg := r.currentCfg.Load()
	changes := Diff(oldCfg, newCfg)

	if len(changes) == 0 {
		r.logger.Info("config reload: no changes detected")
		r.report(true)
		return nil
	}

	hasNonReloadable := false
	policyMoved := false
	for _, c := range changes {
		if c.Field == "policy.file" {
			policyMoved = true
		}
		if c.Reloadable {
			r.logger.Info("config change detected",
				"field", c.Field,
				"old", fmt.Sprintf("%v", c.OldValue),
				"new", fmt.Sprintf("%v", c.NewValue),
				"reloadable", true,
			)
		} else {
			hasNonReloadable = true
			r.logger.Warn("config change requires restart (ignored)",
				"field", c.Field,
				"old", fmt.Sprintf("%v", c.OldValue),
				"new", fmt.Sprintf("%v", c.NewValue),
				"reloadable", false,
			)
		}
	}

	if hasNonReloadable {
		r.logger.Warn("some config changes require a restart to take effect")
	}

	r.currentCfg.Store(newCfg)

	for _, sub := range r.snapshot() {
		if rs, ok := sub.(Reloadable); ok {
			if err := rs.OnConfigReload(newCfg); err != nil {
				r.logger.Error("subscriber reload failed",
					"error", err,
					"subscriber", fmt.Sprintf("%T", sub),
				)
			}
		}
	}

	if policyMoved {
		r.rewatchPolicy(newCfg.Policy.File)
		r.notifyPolicy(newCfg)
	}

	r.logger.Info("config_reloaded",
		"changes", len(changes),
		"path", r.configPath,
	)
	r.report(true)

	return nil
}

// ReloadPolicy notifies policy subscribers that the policy file may have
// changed. It returns the first subscriber error.
func (r *ConfigReloader) ReloadPolicy() error {
	cfg := r.currentCfg.Load()
	r.logger.Info("policy reload triggered", "path", cfg.Policy.File)
	return r.notifyPolicy(cfg)
}

func (r *ConfigReloader) notifyPolicy(cfg *Config) error {
	var first error
	for _, sub := range r.snapshot() {
		ps, ok := sub.(PolicyReloadable)
		if !ok {
			continue
		}
		if err := ps.OnPolicyReload(cfg); err != nil {
			r.logger.Error("policy reload failed, keeping current policy",
				"error", err,
				"path", cfg.Policy.File,
				"subscriber", fmt.Sprintf("%T", sub),
			)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *ConfigReloader) snapshot() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]any, len(r.subscribers))
	copy(subs, r.subscribers)
	return subs
}

func (r *ConfigReloader) report(success bool) {
	if r.onResult != nil {
		r.onResult(success)
	}
}

func (r *ConfigReloader) rewatchPolicy(path string) {
	if r.watcher == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchedPath != "" && r.watchedPath != r.configPath {
		_ = r.watcher.Remove(r.watchedPath)
	}
	r.watchedPath = path
	if path != "" {
		if err := r.watcher.Add(path); err != nil {
			r.logger.Error("watching policy file", "path", path, "error", err)
		}
	}
}

func (r *ConfigReloader) policyPath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watchedPath
}

// run is the main loop that listens for SIGHUP and file change events.
func (r *ConfigReloader) run(ctx context.Context) {
	defer close(r.stopped)
	defer signal.Stop(r.sigChan)
	if r.watcher != nil {
		defer r.watcher.Close()
	}

	// One debounce timer per watched file so a config edit and a policy
	// edit landing together both get applied.
	var cfgTimer, policyTimer *time.Timer
	var cfgCh, policyCh <-chan time.Time

	arm := func(t **time.Timer, ch *<-chan time.Time) {
		if *t != nil {
			(*t).Stop()
		}
		*t = time.NewTimer(r.debounce)
		*ch = (*t).C
	}

	for {
		select {
		case <-ctx.Done():
			for _, t := range []*time.Timer{cfgTimer, policyTimer} {
				if t != nil {
					t.Stop()
				}
			}
			return

		case sig := <-r.sigChan:
			r.logger.Info("received signal, reloading config and policy", "signal", sig)
			if err := r.Reload(); err != nil {
				r.logger.Error("SIGHUP reload failed", "error", err)
			}
			_ = r.ReloadPolicy()

		case event, ok := <-r.watcherEvents():
			if !ok {
				return
			}
			// Only react to writes, creates, and renames (file replacement pattern)
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			switch event.Name {
			case r.configPath:
				arm(&cfgTimer, &cfgCh)
			case r.policyPath():
				arm(&policyTimer, &policyCh)
			}

		case err, ok := <-r.watcherErrors():
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)

		case <-cfgCh:
			cfgCh, cfgTimer = nil, nil
			r.logger.Info("config file changed, reloading", "path", r.configPath)
			// Re-add the watch in case the file was replaced (rename/create pattern)
			_ = r.watcher.Add(r.configPath)
			if err := r.Reload(); err != nil {
				r.logger.Error("file watch reload failed", "error", err)
			}

		case <-policyCh:
			policyCh, policyTimer = nil, nil
			p := r.policyPath()
			r.logger.Info("policy file changed, reloading", "path", p)
			_ = r.watcher.Add(p)
			_ = r.ReloadPolicy()
		}
	}
}

// watcherEvents returns the watcher's event channel, or a nil channel if no watcher.
func (r *ConfigReloader) watcherEvents() <-chan fsnotify.Event {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Events
}

// watcherErrors returns the watcher's error channel, or a nil channel if no watcher.
func (r *ConfigReloader) watcherErrors() <-chan error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Errors
}
