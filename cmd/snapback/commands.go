package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/snapback-dev/snapback/internal/control"
	"github.com/snapback-dev/snapback/internal/daemon"
	"github.com/snapback-dev/snapback/internal/protocol"
	"github.com/snapback-dev/snapback/internal/session"
)

// Daemon commands
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		res, err := c.Ping(cmd.Context())
		if err != nil {
			return err
		}
		return out.Emit(res, func() { printPing(res) })
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon if it is not running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		return out.Emit(st, func() { out.Success("snapbackd running (pid %d)", st.PID) })
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient(cmd.Context(), false)
		if protocol.IsKind(err, protocol.KindConnection) {
			return out.Emit(control.ShutdownResult{}, func() { out.Line("%s", "snapbackd is not running") })
		}
		if err != nil {
			return err
		}
		defer c.Disconnect()
		if err := c.Shutdown(cmd.Context()); err != nil {
			return err
		}
		return out.Emit(control.ShutdownResult{ShuttingDown: true}, func() { out.Success("snapbackd stopping") })
	},
}

// notRunning is what status reports when no daemon answers.
type notRunning struct {
	Running   bool                   `json:"running"`
	LastState *daemon.PersistedState `json:"lastState,omitempty"`
}

func runStatus(ctx context.Context) error {
	c, err := getClient(ctx, false)
	if protocol.IsKind(err, protocol.KindConnection) {
		last, _ := daemon.ReadState(cfg.Daemon.StateFile)
		res := notRunning{LastState: last}
		return out.Emit(res, func() { printNotRunning(res) })
	}
	if err != nil {
		return err
	}
	defer c.Disconnect()

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	return out.Emit(st, func() { printStatus(st) })
}

// Workspace commands
var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage workspaces known to the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceList(cmd.Context())
	},
}

var workspaceOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Register the workspace with the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, true, func(c *control.Client, root string) error {
			info, err := c.OpenWorkspace(cmd.Context(), root)
			if err != nil {
				return err
			}
			return out.Emit(info, func() { printWorkspaces([]control.WorkspaceInfo{*info}) })
		})
	},
}

var workspaceCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Evict the workspace, stopping its watch and session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, false, func(c *control.Client, root string) error {
			closed, err := c.CloseWorkspace(cmd.Context(), root)
			if err != nil {
				return err
			}
			return out.Emit(control.WorkspaceCloseResult{Closed: closed}, func() { out.Success("closed %s", root) })
		})
	},
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open workspaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceList(cmd.Context())
	},
}

func runWorkspaceList(ctx context.Context) error {
	c, err := getClient(ctx, false)
	if err != nil {
		return err
	}
	defer c.Disconnect()
	ws, err := c.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	return out.Emit(control.WorkspaceListResult{Workspaces: ws}, func() { printWorkspaces(ws) })
}

// withWorkspace connects and resolves --workspace before running fn.
func withWorkspace(cmd *cobra.Command, autoStart bool, fn func(c *control.Client, root string) error) error {
	root, err := workspaceRoot()
	if err != nil {
		return err
	}
	c, err := getClient(cmd.Context(), autoStart)
	if err != nil {
		return err
	}
	defer c.Disconnect()
	return fn(c, root)
}

// Watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream file changes of the workspace with their risk level",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		patterns, _ := cmd.Flags().GetStringSlice("pattern")
		ignore, _ := cmd.Flags().GetStringSlice("ignore")
		return withWorkspace(cmd, true, func(c *control.Client, root string) error {
			ctx := cmd.Context()
			if _, err := c.Subscribe(ctx, root, patterns, ignore); err != nil {
				return err
			}
			if !out.JSON {
				out.Line("%s", dimmed(fmt.Sprintf("watching %s (ctrl-c to stop)", root)))
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case n := <-c.Notifications():
					if err := printNotification(n); err != nil {
						return err
					}
					if n.Params.Type == control.NotifyDaemonStopping {
						return nil
					}
				}
			}
		})
	},
}

// Session commands
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Track which files a task touches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionStatus(cmd)
	},
}

var sessionBeginCmd = &cobra.Command{
	Use:   "begin [name]",
	Short: "Begin a session on the workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return withWorkspace(cmd, true, func(c *control.Client, root string) error {
			info, err := c.BeginTask(cmd.Context(), root, name)
			if err != nil {
				return err
			}
			return out.Emit(info, func() { out.Success("session %s started on %s", info.ID, root) })
		})
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionStatus(cmd)
	},
}

func runSessionStatus(cmd *cobra.Command) error {
	return withWorkspace(cmd, false, func(c *control.Client, root string) error {
		st, err := c.SessionStatus(cmd.Context(), root)
		if err != nil {
			return err
		}
		return out.Emit(st, func() { printSessionStatus(st) })
	})
}

var sessionRecordCmd = &cobra.Command{
	Use:   "record <file>",
	Short: "Record a file access the daemon cannot observe (e.g. a read)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, _ := cmd.Flags().GetString("op")
		file, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		return withWorkspace(cmd, false, func(c *control.Client, root string) error {
			ok, err := c.RecordAccess(cmd.Context(), root, file, session.Op(op))
			if err != nil {
				return err
			}
			return out.Emit(control.RecordResult{Recorded: ok}, func() {
				if ok {
					out.Success("recorded %s of %s", op, args[0])
				} else {
					out.Line("%s", dimmed("no active session; nothing recorded"))
				}
			})
		})
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End the session and print its summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, false, func(c *control.Client, root string) error {
			sum, err := c.EndTask(cmd.Context(), root)
			if err != nil {
				return err
			}
			return out.Emit(sum, func() { printSessionSummary(sum) })
		})
	},
}

// Snapshot commands
var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Aliases: []string{"snap"},
	Short:   "Capture and restore workspace files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshotList(cmd)
	},
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <file>...",
	Short: "Snapshot files of the workspace",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		protect, _ := cmd.Flags().GetBool("protect")
		files, err := absPaths(args)
		if err != nil {
			return err
		}
		return withWorkspace(cmd, true, func(c *control.Client, root string) error {
			snap, err := c.CreateSnapshot(cmd.Context(), control.SnapshotCreateParams{
				WorkspaceParams: control.WorkspaceParams{Workspace: root},
				Files:           files,
				Name:            name,
				Description:     description,
				Protected:       protect,
			})
			if err != nil {
				return err
			}
			return out.Emit(snap, func() { printSnapshotCreated(snap) })
		})
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots of the workspace, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshotList(cmd)
	},
}

func runSnapshotList(cmd *cobra.Command) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withWorkspace(cmd, true, func(c *control.Client, root string) error {
		snaps, err := c.ListSnapshots(cmd.Context(), root, limit)
		if err != nil {
			return err
		}
		return out.Emit(control.SnapshotListResult{Snapshots: snaps}, func() { printSnapshots(snaps) })
	})
}

var snapshotProtectCmd = &cobra.Command{
	Use:   "protect <id>",
	Short: "Protect a snapshot from deletion (--off to clear)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		c, err := getClient(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		if err := c.ProtectSnapshot(cmd.Context(), args[0], !off); err != nil {
			return err
		}
		res := control.ProtectResult{ID: args[0], Protected: !off}
		return out.Emit(res, func() {
			if off {
				out.Success("snapshot %s unprotected", args[0])
			} else {
				out.Success("snapshot %s protected", args[0])
			}
		})
	},
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Compare a snapshot with the files on disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		diff, err := c.DiffSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return out.Emit(diff, func() { printDiff(diff) })
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <id> [file]...",
	Short: "Write a snapshot back to disk, optionally only some files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		c, err := getClient(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		res, err := c.RestoreSnapshot(cmd.Context(), args[0], args[1:], dryRun)
		if err != nil {
			return err
		}
		return out.Emit(res, func() { printRestore(res) })
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an unprotected snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		if err := c.DeleteSnapshot(cmd.Context(), args[0]); err != nil {
			return err
		}
		return out.Emit(control.DeleteResult{Deleted: true}, func() { out.Success("snapshot %s deleted", args[0]) })
	},
}

// Learning commands
var learningCmd = &cobra.Command{
	Use:   "learning",
	Short: "Inspect and prune what finished sessions taught the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLearningList(cmd)
	},
}

var learningListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learnings of the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLearningList(cmd)
	},
}

func runLearningList(cmd *cobra.Command) error {
	minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
	return withWorkspace(cmd, true, func(c *control.Client, root string) error {
		ls, err := c.ListLearnings(cmd.Context(), root, minConfidence)
		if err != nil {
			return err
		}
		return out.Emit(control.LearningListResult{Learnings: ls}, func() { printLearnings(ls) })
	})
}

var learningPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stale or weak learnings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("older-than-days")
		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		all, _ := cmd.Flags().GetBool("all-workspaces")
		if days == 0 && minConfidence == 0 {
			return errors.New("give --older-than-days or --min-confidence")
		}

		params := control.PruneParams{OlderThanDays: days, MinConfidence: minConfidence, DryRun: dryRun}
		if !all {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			params.Workspace = root
		}
		c, err := getClient(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer c.Disconnect()
		res, err := c.PruneLearnings(cmd.Context(), params)
		if err != nil {
			return err
		}
		return out.Emit(res, func() {
			if res.DryRun {
				out.Line("%d learnings would be pruned", res.Matched)
			} else {
				out.Success("pruned %d learnings", res.Pruned)
			}
		})
	},
}

func absPaths(args []string) ([]string, error) {
	files := make([]string, len(args))
	for i, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		files[i] = abs
	}
	return files, nil
}

func init() {
	workspaceCmd.AddCommand(workspaceOpenCmd, workspaceCloseCmd, workspaceListCmd)

	watchCmd.Flags().StringSlice("pattern", nil, "glob of files to watch (repeatable)")
	watchCmd.Flags().StringSlice("ignore", nil, "glob of files to ignore (repeatable)")

	sessionRecordCmd.Flags().String("op", string(session.OpRead), "access kind: read, write, create or delete")
	sessionCmd.AddCommand(sessionBeginCmd, sessionStatusCmd, sessionRecordCmd, sessionEndCmd)

	snapshotCreateCmd.Flags().StringP("name", "n", "", "snapshot name")
	snapshotCreateCmd.Flags().StringP("description", "d", "", "snapshot description")
	snapshotCreateCmd.Flags().Bool("protect", false, "protect the snapshot from deletion")
	for _, c := range []*cobra.Command{snapshotCmd, snapshotListCmd} {
		c.Flags().Int("limit", 20, "maximum snapshots to list (0 for all)")
	}
	snapshotProtectCmd.Flags().Bool("off", false, "clear the protected flag")
	snapshotRestoreCmd.Flags().Bool("dry-run", false, "report what would change without writing")
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotProtectCmd, snapshotDiffCmd,
		snapshotRestoreCmd, snapshotDeleteCmd)

	for _, c := range []*cobra.Command{learningCmd, learningListCmd} {
		c.Flags().Float64("min-confidence", 0, "only learnings at or above this confidence")
	}
	learningPruneCmd.Flags().Int("older-than-days", 0, "prune learnings not reinforced for this many days")
	learningPruneCmd.Flags().Float64("min-confidence", 0, "prune learnings below this confidence")
	learningPruneCmd.Flags().Bool("dry-run", false, "count matches without deleting")
	learningPruneCmd.Flags().Bool("all-workspaces", false, "prune across every workspace")
	learningCmd.AddCommand(learningListCmd, learningPruneCmd)
}
