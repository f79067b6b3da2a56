// Command snapback is the CLI for the snapback daemon. Every command is a
// short-lived client; the daemon is started on demand.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapback-dev/snapback/internal/cli"
	"github.com/snapback-dev/snapback/internal/config"
	"github.com/snapback-dev/snapback/internal/control"
	"github.com/snapback-dev/snapback/internal/protocol"
)

// Version is set at build time
var Version = "dev"

var (
	cfg *config.Config
	out *cli.Printer

	configPath  string
	jsonOutput  bool
	noAutoStart bool
	timeout     time.Duration
	workspace   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		cli.Fail(err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 3 when the daemon is unreachable so scripts can tell it apart.
func exitCode(err error) int {
	var de *protocol.Error
	if errors.As(err, &de) && de.Kind == protocol.KindConnection {
		return 3
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "snapback",
	Short: "Snapshots, risk-aware watching and session tracking for workspaces",
	Long: `snapback talks to snapbackd, a background daemon that keeps workspace
snapshots, watches files for risky changes and tracks task sessions.

The daemon starts on first use and exits after a period of inactivity.
Output is JSON when stdout is not a terminal or --json is given.

Examples:
  snapback                          # Daemon status
  snapback snapshot create src/*.go # Snapshot files of the current workspace
  snapback watch                    # Stream file changes with risk levels
  snapback session begin "fix auth" # Track what a task touches`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			// Exported so an auto-started daemon reads the same file.
			os.Setenv("SNAPBACK_CONFIG", configPath)
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		out = cli.NewPrinter(jsonOutput)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $SNAPBACK_CONFIG or ~/.config/snapback/config.yaml)")
	pf.BoolVar(&jsonOutput, "json", false, "print JSON")
	pf.BoolVar(&noAutoStart, "no-autostart", false, "fail instead of starting the daemon")
	pf.DurationVar(&timeout, "timeout", 0, "request timeout (default from config)")
	pf.StringVarP(&workspace, "workspace", "w", "", "workspace root (default current directory)")

	rootCmd.AddCommand(statusCmd, pingCmd, startCmd, stopCmd)
	rootCmd.AddCommand(workspaceCmd, watchCmd, sessionCmd, snapshotCmd, learningCmd)
}

// getClient connects to the daemon, starting it unless autoStart is false
// or --no-autostart was given.
func getClient(ctx context.Context, autoStart bool) (*control.Client, error) {
	opts := control.ClientOptionsFromConfig(cfg)
	opts.AutoStart = opts.AutoStart && autoStart && !noAutoStart
	opts.Reconnect = false
	if timeout > 0 {
		opts.RequestTimeout = timeout
	}
	c := control.NewClient(opts)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// workspaceRoot resolves --workspace, defaulting to the working directory.
func workspaceRoot() (string, error) {
	root := workspace
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}
