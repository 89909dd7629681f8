package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// testSubscriber implements Reloadable and PolicyReloadable for testing.
type testSubscriber struct {
	mu          sync.Mutex
	calls       int
	policyCalls int
	lastCfg     *Config
	returnErr   error
}

func (s *testSubscriber) OnConfigReload(newCfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastCfg = newCfg
	return s.returnErr
}

func (s *testSubscriber) OnPolicyReload(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policyCalls++
	s.lastCfg = cfg
	return s.returnErr
}

func (s *testSubscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *testSubscriber) policyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policyCalls
}

func (s *testSubscriber) lastConfig() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCfg
}

// configOnly receives config reloads but not policy reloads.
type configOnly struct{ calls int }

func (c *configOnly) OnConfigReload(*Config) error { c.calls++; return nil }

// newTestLogger creates a slog.Logger that writes to a buffer for assertions.
func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	h := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h), buf
}

// writeConfigWithLevel writes a valid YAML config with a specific log level,
// plus the policy file it references.
func writeConfigWithLevel(t *testing.T, path string, level string) {
	t.Helper()
	policyPath := filepath.Join(filepath.Dir(path), PolicyFileName)
	if _, err := os.Stat(policyPath); os.IsNotExist(err) {
		writePolicy(t, policyPath, testPolicy)
	}
	content := fmt.Sprintf(`policy:
  file: %s
logging:
  level: %s
`, PolicyFileName, level)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing policy: %v", err)
	}
}

func newReloader(t *testing.T, level string, watch bool) (*ConfigReloader, string, *bytes.Buffer) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "sentinel.yaml")
	writeConfigWithLevel(t, cfgPath, level)

	initialCfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("loading initial config: %v", err)
	}
	initialCfg.Reload.WatchFile = watch
	initialCfg.Reload.Debounce.Duration = 100 * time.Millisecond

	logger, buf := newTestLogger()
	return NewConfigReloader(cfgPath, initialCfg, logger), cfgPath, buf
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestConfigReloader_ManualReload(t *testing.T) {
	reloader, cfgPath, _ := newReloader(t, "info", false)

	sub := &testSubscriber{}
	reloader.Register(sub)

	var results []bool
	reloader.OnResult(func(ok bool) { results = append(results, ok) })

	writeConfigWithLevel(t, cfgPath, "debug")

	if err := reloader.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if sub.callCount() != 1 {
		t.Errorf("subscriber called %d times, want 1", sub.callCount())
	}
	if sub.policyCount() != 0 {
		t.Errorf("policy subscriber called %d times for an unchanged policy.file, want 0", sub.policyCount())
	}
	if sub.lastConfig().Logging.Level != "debug" {
		t.Errorf("subscriber got logging.level=%q, want debug", sub.lastConfig().Logging.Level)
	}
	if reloader.Current().Logging.Level != "debug" {
		t.Errorf("current config logging.level=%q, want debug", reloader.Current().Logging.Level)
	}
	if len(results) != 1 || !results[0] {
		t.Errorf("OnResult calls = %v, want [true]", results)
	}
}

func TestConfigReloader_InvalidConfigRetainsOld(t *testing.T) {
	reloader, cfgPath, _ := newReloader(t, "info", false)

	sub := &testSubscriber{}
	reloader.Register(sub)

	var results []bool
	reloader.OnResult(func(ok bool) { results = append(results, ok) })

	if err := os.WriteFile(cfgPath, []byte("logging:\n  level: loud\n"), 0644); err != nil {
		t.Fatalf("writing invalid config: %v", err)
	}

	if err := reloader.Reload(); err == nil {
		t.Fatal("expected error for invalid config")
	}
	if sub.callCount() != 0 {
		t.Errorf("subscriber called %d times on invalid reload, want 0", sub.callCount())
	}
	if got := reloader.Current().Logging.Level; got != "info" {
		t.Errorf("config should be retained, got level %q", got)
	}
	if len(results) != 1 || results[0] {
		t.Errorf("OnResult calls = %v, want [false]", results)
	}
}

func TestConfigReloader_NoChanges_NoNotification(t *testing.T) {
	reloader, _, logBuf := newReloader(t, "info", false)

	sub := &testSubscriber{}
	reloader.Register(sub)

	if err := reloader.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if sub.callCount() != 0 {
		t.Errorf("subscriber called %d times with no changes, want 0", sub.callCount())
	}
	if !strings.Contains(logBuf.String(), "no changes detected") {
		t.Error("expected 'no changes detected' log message")
	}
}

func TestConfigReloader_NonReloadableChangeWarned(t *testing.T) {
	reloader, cfgPath, logBuf := newReloader(t, "info", false)

	content := fmt.Sprintf("policy:\n  file: %s\nlisten:\n  port: 9090\n", PolicyFileName)
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if err := reloader.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !strings.Contains(logBuf.String(), "requires restart") {
		t.Error("expected warning about non-reloadable change requiring restart")
	}
}

func TestConfigReloader_SubscriberError_ContinuesOthers(t *testing.T) {
	reloader, cfgPath, logBuf := newReloader(t, "info", false)

	errSub := &testSubscriber{returnErr: fmt.Errorf("subscriber broke")}
	okSub := &testSubscriber{}
	reloader.Register(errSub)
	reloader.Register(okSub)

	writeConfigWithLevel(t, cfgPath, "warn")

	if err := reloader.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if errSub.callCount() != 1 {
		t.Errorf("error subscriber called %d times, want 1", errSub.callCount())
	}
	if okSub.callCount() != 1 {
		t.Errorf("ok subscriber called %d times, want 1", okSub.callCount())
	}
	if !strings.Contains(logBuf.String(), "subscriber reload failed") {
		t.Error("expected log entry for failed subscriber")
	}
}

func TestConfigReloader_PolicyFileMoved(t *testing.T) {
	reloader, cfgPath, _ := newReloader(t, "info", false)

	sub := &testSubscriber{}
	cfgSub := &configOnly{}
	reloader.Register(sub)
	reloader.Register(cfgSub)

	writePolicy(t, filepath.Join(filepath.Dir(cfgPath), "strict.yaml"), "defaultDecision: block\n")
	content := "policy:\n  file: strict.yaml\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if err := reloader.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if sub.policyCount() != 1 {
		t.Errorf("policy subscriber called %d times, want 1", sub.policyCount())
	}
	if cfgSub.calls != 1 {
		t.Errorf("config-only subscriber called %d times, want 1", cfgSub.calls)
	}
	if !strings.HasSuffix(sub.lastConfig().Policy.File, "strict.yaml") {
		t.Errorf("policy subscriber saw %q", sub.lastConfig().Policy.File)
	}
}

func TestConfigReloader_ReloadPolicyReportsFirstError(t *testing.T) {
	reloader, _, logBuf := newReloader(t, "info", false)

	reloader.Register(&testSubscriber{returnErr: fmt.Errorf("bad rule")})
	ok := &testSubscriber{}
	reloader.Register(ok)

	err := reloader.ReloadPolicy()
	if err == nil || err.Error() != "bad rule" {
		t.Fatalf("ReloadPolicy error = %v, want bad rule", err)
	}
	if ok.policyCount() != 1 {
		t.Errorf("second subscriber called %d times, want 1", ok.policyCount())
	}
	if !strings.Contains(logBuf.String(), "keeping current policy") {
		t.Error("expected log entry for failed policy reload")
	}
}

func TestConfigReloader_SIGHUP(t *testing.T) {
	reloader, cfgPath, _ := newReloader(t, "info", false)

	sub := &testSubscriber{}
	reloader.Register(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reloader.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	writeConfigWithLevel(t, cfgPath, "error")

	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("finding process: %v", err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		t.Fatalf("sending SIGHUP: %v", err)
	}

	waitFor(t, "SIGHUP reload", func() bool { return sub.callCount() >= 1 && sub.policyCount() >= 1 })

	if got := reloader.Current().Logging.Level; got != "error" {
		t.Errorf("after SIGHUP, logging.level = %q, want error", got)
	}

	reloader.Stop()
}

func TestConfigReloader_FileWatch(t *testing.T) {
	reloader, cfgPath, _ := newReloader(t, "info", true)

	sub := &testSubscriber{}
	reloader.Register(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reloader.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Small pause to let watcher settle
	time.Sleep(50 * time.Millisecond)

	writeConfigWithLevel(t, cfgPath, "warn")
	waitFor(t, "config file reload", func() bool { return sub.callCount() >= 1 })

	if got := reloader.Current().Logging.Level; got != "warn" {
		t.Errorf("after file change, logging.level = %q, want warn", got)
	}

	writePolicy(t, reloader.Current().Policy.File, "defaultDecision: allow\n")
	waitFor(t, "policy file reload", func() bool { return sub.policyCount() >= 1 })

	reloader.Stop()
}

func TestConfigReloader_DebounceMultipleWrites(t *testing.T) {
	reloader, _, _ := newReloader(t, "info", true)
	reloader.debounce = 300 * time.Millisecond

	sub := &testSubscriber{}
	reloader.Register(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reloader.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Write multiple times rapidly (within debounce window)
	policyPath := reloader.Current().Policy.File
	for i := 0; i < 5; i++ {
		writePolicy(t, policyPath, fmt.Sprintf("name: v%d\ndefaultDecision: block\n", i))
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(600 * time.Millisecond)

	count := sub.policyCount()
	if count > 2 {
		t.Errorf("expected at most 2 reloads due to debounce, got %d", count)
	}
	if count < 1 {
		t.Error("expected at least 1 reload")
	}

	reloader.Stop()
}

func TestConfigReloader_StopCleanup(t *testing.T) {
	reloader, _, _ := newReloader(t, "info", false)

	if err := reloader.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		reloader.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() blocked for too long")
	}
}

func TestConfigReloader_Current_Concurrent(t *testing.T) {
	reloader, _, _ := newReloader(t, "info", false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = reloader.Current().Listen.Port
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			_ = reloader.Reload()
		}
	}()

	wg.Wait()
}

func TestConfigReloader_ReloadDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "sentinel.yaml")
	writeConfigWithLevel(t, cfgPath, "info")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if !cfg.Reload.Enabled {
		t.Error("reload.enabled should default to true")
	}
	if !cfg.Reload.WatchFile {
		t.Error("reload.watch_file should default to true")
	}
	if cfg.Reload.Debounce.Duration != 2*time.Second {
		t.Errorf("reload.debounce = %v, want 2s", cfg.Reload.Debounce.Duration)
	}
}
