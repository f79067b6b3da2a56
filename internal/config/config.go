// Package config handles snapback configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snapback-dev/snapback/internal/protocol"
	"github.com/snapback-dev/snapback/internal/transport"
)

// Config is the root configuration shared by snapbackd and the CLI.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Client    ClientConfig    `yaml:"client"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
}

// DaemonConfig defines snapbackd settings. Empty paths are derived from Dir.
type DaemonConfig struct {
	Dir       string `yaml:"dir"`
	Address   string `yaml:"address"`
	PIDFile   string `yaml:"pid_file"`
	LockFile  string `yaml:"lock_file"`
	StateFile string `yaml:"state_file"`
	Database  string `yaml:"database"`

	LogFile       string `yaml:"log_file"`
	LogLevel      string `yaml:"log_level"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	SentryDSN     string `yaml:"sentry_dsn"`
	Env           string `yaml:"env"`

	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MaxConnections   int           `yaml:"max_connections"`
	MaxBufferSize    int           `yaml:"max_buffer_size"`
	StateInterval    time.Duration `yaml:"state_interval"`
}

// ClientConfig defines how the CLI talks to the daemon.
type ClientConfig struct {
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	AutoStart      bool            `yaml:"auto_start"`
	StartupTimeout time.Duration   `yaml:"startup_timeout"`
	DaemonBinary   string          `yaml:"daemon_binary"` // empty = snapbackd next to the CLI, then $PATH
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines exponential backoff parameters.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// WatcherConfig defines file watching defaults.
type WatcherConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	Patterns []string      `yaml:"patterns"`
	Ignore   []string      `yaml:"ignore"`
}

// SnapshotsConfig bounds what a snapshot may capture.
type SnapshotsConfig struct {
	MaxFileSize int64 `yaml:"max_file_size"`
	MaxFiles    int   `yaml:"max_files"`
	Workers     int   `yaml:"workers"`
}

// DefaultDaemonDir is where the daemon keeps its socket, pid, lock, state
// and database. SNAPBACK_DAEMON_DIR overrides it.
func DefaultDaemonDir() string {
	if d := os.Getenv("SNAPBACK_DAEMON_DIR"); d != "" {
		return d
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".snapback", "daemon")
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Daemon: DaemonConfig{
			Dir:              DefaultDaemonDir(),
			LogLevel:         "info",
			LogMaxSizeMB:     10,
			LogMaxBackups:    3,
			Env:              "production",
			IdleTimeout:      15 * time.Minute,
			OperationTimeout: 30 * time.Second,
			MaxConnections:   50,
			MaxBufferSize:    protocol.MaxLineSize,
			StateInterval:    30 * time.Second,
		},
		Client: ClientConfig{
			RequestTimeout: 30 * time.Second,
			AutoStart:      true,
			StartupTimeout: 5 * time.Second,
			Reconnect: ReconnectConfig{
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
				MaxAttempts: 5,
			},
		},
		Watcher: WatcherConfig{
			Debounce: 100 * time.Millisecond,
		},
		Snapshots: SnapshotsConfig{
			MaxFileSize: 5 << 20,
			MaxFiles:    500,
			Workers:     8,
		},
	}
	cfg.ResolvePaths()
	return cfg
}

// Load reads configuration from the default path, falling back to defaults
// when no file exists.
func Load() (*Config, error) {
	return LoadFile(DefaultConfigPath())
}

// LoadFile reads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Derived paths are recomputed after the file may have moved Dir.
	cfg.Daemon.Address, cfg.Daemon.PIDFile, cfg.Daemon.LockFile = "", "", ""
	cfg.Daemon.StateFile, cfg.Daemon.Database, cfg.Daemon.LogFile = "", "", ""

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.expandEnvVars()
	cfg.ResolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("SNAPBACK_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "snapback", "config.yaml")
}

// ResolvePaths fills every empty daemon path from Dir.
func (c *Config) ResolvePaths() {
	d := &c.Daemon
	if d.Dir == "" {
		d.Dir = DefaultDaemonDir()
	}
	fill := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	fill(&d.Address, transport.DefaultAddress(d.Dir))
	fill(&d.PIDFile, filepath.Join(d.Dir, "daemon.pid"))
	fill(&d.LockFile, filepath.Join(d.Dir, "daemon.lock"))
	fill(&d.StateFile, filepath.Join(d.Dir, "state.json"))
	fill(&d.Database, filepath.Join(d.Dir, "snapback.db"))
	fill(&d.LogFile, filepath.Join(d.Dir, "daemon.log"))
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("daemon.idle_timeout", c.Daemon.IdleTimeout)
	positive("daemon.operation_timeout", c.Daemon.OperationTimeout)
	positive("daemon.state_interval", c.Daemon.StateInterval)
	positive("client.request_timeout", c.Client.RequestTimeout)
	positive("client.startup_timeout", c.Client.StartupTimeout)
	positive("client.reconnect.base_delay", c.Client.Reconnect.BaseDelay)
	positive("watcher.debounce", c.Watcher.Debounce)

	if c.Daemon.MaxConnections < 1 {
		errs = append(errs, errors.New("daemon.max_connections must be at least 1"))
	}
	if c.Daemon.MaxBufferSize < 1024 || c.Daemon.MaxBufferSize > protocol.MaxLineSize {
		errs = append(errs, fmt.Errorf("daemon.max_buffer_size must be between 1024 and %d", protocol.MaxLineSize))
	}
	if c.Client.Reconnect.MaxDelay < c.Client.Reconnect.BaseDelay {
		errs = append(errs, errors.New("client.reconnect.max_delay must not be below base_delay"))
	}
	if c.Client.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("client.reconnect.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) expandEnvVars() {
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
	c.Daemon.Dir = os.ExpandEnv(c.Daemon.Dir)
	c.Client.DaemonBinary = os.ExpandEnv(c.Client.DaemonBinary)
}
