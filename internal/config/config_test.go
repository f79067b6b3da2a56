package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("SNAPBACK_DAEMON_DIR", "/tmp/sb-defaults")
	cfg := DefaultConfig()

	if cfg.Daemon.IdleTimeout != 15*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Daemon.IdleTimeout)
	}
	if cfg.Daemon.OperationTimeout != 30*time.Second {
		t.Errorf("OperationTimeout = %v", cfg.Daemon.OperationTimeout)
	}
	if cfg.Daemon.MaxConnections != 50 || cfg.Daemon.MaxBufferSize != 1<<20 {
		t.Errorf("limits = %d conns, %d bytes", cfg.Daemon.MaxConnections, cfg.Daemon.MaxBufferSize)
	}
	r := cfg.Client.Reconnect
	if r.BaseDelay != 100*time.Millisecond || r.MaxDelay != 5*time.Second || r.MaxAttempts != 5 {
		t.Errorf("reconnect = %+v", r)
	}
	if cfg.Watcher.Debounce != 100*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Watcher.Debounce)
	}
	if cfg.Daemon.PIDFile != filepath.Join("/tmp/sb-defaults", "daemon.pid") || cfg.Daemon.LockFile != filepath.Join("/tmp/sb-defaults", "daemon.lock") {
		t.Errorf("paths not derived from dir: %+v", cfg.Daemon)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("SNAPBACK_TEST_DSN", "https://key@sentry.example/1")
	path := writeConfig(t, `
daemon:
  dir: /tmp/sb-custom
  idle_timeout: 2m
  max_connections: 4
  sentry_dsn: ${SNAPBACK_TEST_DSN}
client:
  auto_start: false
  reconnect:
    max_attempts: 2
watcher:
  debounce: 250ms
  ignore: ["**/*.log"]
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Daemon.IdleTimeout != 2*time.Minute || cfg.Daemon.MaxConnections != 4 {
		t.Errorf("overrides lost: %+v", cfg.Daemon)
	}
	if cfg.Daemon.OperationTimeout != 30*time.Second {
		t.Errorf("unset field should keep default, got %v", cfg.Daemon.OperationTimeout)
	}
	if cfg.Daemon.SentryDSN != "https://key@sentry.example/1" {
		t.Errorf("SentryDSN not expanded: %q", cfg.Daemon.SentryDSN)
	}
	if cfg.Daemon.StateFile != filepath.Join("/tmp/sb-custom", "state.json") {
		t.Errorf("StateFile = %q", cfg.Daemon.StateFile)
	}
	if cfg.Client.AutoStart || cfg.Client.Reconnect.MaxAttempts != 2 {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Watcher.Debounce != 250*time.Millisecond || len(cfg.Watcher.Ignore) != 1 {
		t.Errorf("watcher = %+v", cfg.Watcher)
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.Daemon.MaxConnections != 50 {
		t.Errorf("MaxConnections = %d", cfg.Daemon.MaxConnections)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	tests := map[string]string{
		"BadYAML":        "daemon: [",
		"ZeroIdle":       "daemon:\n  idle_timeout: 0s\n",
		"TinyBuffer":     "daemon:\n  max_buffer_size: 10\n",
		"NoConnections":  "daemon:\n  max_connections: 0\n",
		"InvertedDelays": "client:\n  reconnect:\n    base_delay: 10s\n    max_delay: 1s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("SNAPBACK_CONFIG", "/etc/snapback.yaml")
	if got := DefaultConfigPath(); got != "/etc/snapback.yaml" {
		t.Errorf("DefaultConfigPath = %q", got)
	}

	t.Setenv("SNAPBACK_CONFIG", "")
	if got := DefaultConfigPath(); !strings.HasSuffix(got, filepath.Join(".config", "snapback", "config.yaml")) {
		t.Errorf("DefaultConfigPath = %q", got)
	}
}
