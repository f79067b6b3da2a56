// Command snapbackd is the snapback background daemon.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapback-dev/snapback/internal/config"
	"github.com/snapback-dev/snapback/internal/daemon"
	"github.com/snapback-dev/snapback/internal/logging"
	"github.com/snapback-dev/snapback/internal/protocol"
)

// Version is set at build time
var Version = "dev"

func main() {
	exitCode := run()
	os.Exit(exitCode)
}

func run() (exitCode int) {
	// Top-level panic recovery
	defer func() {
		if r := recover(); r != nil {
			// Try to log to Sentry if initialized
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	var (
		configPath string
		logStderr  bool
	)
	cmd := &cobra.Command{
		Use:           "snapbackd",
		Short:         "snapback background daemon",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logStderr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file")
	cmd.Flags().BoolVar(&logStderr, "log-stderr", false, "log to stderr instead of the log file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "snapbackd: %v\n", err)
		var de *protocol.Error
		if errors.As(err, &de) && de.Kind == protocol.KindConnection {
			// Already running or the socket could not be bound.
			return 3
		}
		return 1
	}
	return 0
}

func serve(configPath string, logStderr bool) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Initialize structured logging with Sentry
	logCfg := logging.Config{
		Level:         logging.ParseLevel(cfg.Daemon.LogLevel),
		SentryDSN:     cfg.Daemon.SentryDSN,
		Env:           cfg.Daemon.Env,
		Version:       Version,
		LogMaxSizeMB:  cfg.Daemon.LogMaxSizeMB,
		LogMaxBackups: cfg.Daemon.LogMaxBackups,
	}
	if !logStderr {
		logCfg.LogFile = cfg.Daemon.LogFile
	}
	if err := logging.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	logging.Info("starting snapbackd",
		"version", Version,
		"address", cfg.Daemon.Address,
		"idle_timeout", cfg.Daemon.IdleTimeout,
		"sentry", cfg.Daemon.SentryDSN != "",
	)

	d := daemon.New(cfg, daemon.Options{Version: Version, ConfigPath: configPath})
	if err := d.Run(); err != nil {
		logging.Error("daemon error", "error", err)
		return err
	}
	return nil
}
