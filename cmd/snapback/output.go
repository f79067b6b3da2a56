package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/snapback-dev/snapback/internal/cli"
	"github.com/snapback-dev/snapback/internal/control"
	"github.com/snapback-dev/snapback/internal/protocol"
	"github.com/snapback-dev/snapback/internal/store"
)

func dimmed(s string) string { return cli.Dimmed(s) }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func ms(v int64) string {
	return (time.Duration(v) * time.Millisecond).Round(time.Second).String()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func printPing(res *control.PingResult) {
	out.Success("pong (up %s)", ms(res.UptimeMs))
}

func printStatus(st *control.StatusResult) {
	out.Box("snapbackd "+cli.Styled(cli.Bullet+" running", cli.StyleOK), []cli.Field{
		{Label: "pid", Value: strconv.Itoa(st.PID)},
		{Label: "version", Value: st.Version},
		{Label: "uptime", Value: ms(st.UptimeMs)},
		{Label: "connections", Value: fmt.Sprintf("%d active, %d total", st.ActiveConnections, st.TotalConnections)},
		{Label: "in flight", Value: strconv.FormatInt(st.InFlight, 10)},
		{Label: "workspaces", Value: strconv.Itoa(st.Workspaces)},
		{Label: "watchers", Value: strconv.Itoa(st.Watchers)},
		{Label: "sessions", Value: strconv.Itoa(st.Sessions)},
	})
}

func printNotRunning(res notRunning) {
	fields := []cli.Field{{Label: "address", Value: cfg.Daemon.Address}}
	if st := res.LastState; st != nil {
		shutdown := "clean"
		if !st.Clean {
			shutdown = cli.Styled("unclean", cli.StyleWarn)
		}
		fields = append(fields,
			cli.Field{Label: "last pid", Value: strconv.Itoa(st.PID)},
			cli.Field{Label: "last seen", Value: ago(st.UpdatedAt)},
			cli.Field{Label: "shutdown", Value: shutdown},
		)
	}
	out.Box("snapbackd "+cli.Styled(cli.Circle+" not running", cli.StyleDim), fields)
}

func printWorkspaces(ws []control.WorkspaceInfo) {
	rows := make([][]string, len(ws))
	for i, w := range ws {
		watching := cli.Circle
		if w.Watching {
			watching = cli.Styled(cli.Bullet, cli.StyleOK)
		}
		sessionMark := cli.Circle
		if w.ActiveSession {
			sessionMark = cli.Styled(cli.Bullet, cli.StyleAccent)
		}
		rows[i] = []string{w.Root, watching, sessionMark, strconv.Itoa(len(w.Subscribers)), ago(w.LastActivity)}
	}
	out.Table([]string{"WORKSPACE", "WATCH", "SESSION", "SUBS", "ACTIVE"}, rows)
}

func printNotification(n *protocol.Notification) error {
	if out.JSON {
		return out.Emit(n.Params, func() {})
	}
	at := time.UnixMilli(n.Params.Timestamp).Format("15:04:05")
	switch n.Params.Type {
	case control.NotifyFileChanged:
		data, err := control.DecodeData[control.FileChangedData](n)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s  %-6s %-6s %s", dimmed(at), data.Event, cli.Risk(data.RiskLevel), data.File)
		if data.RiskReason != "" {
			line += "  " + dimmed(data.RiskReason)
		}
		out.Line("%s", line)
	case control.NotifySessionEnded:
		data, err := control.DecodeData[control.SessionEndedData](n)
		if err != nil {
			return err
		}
		out.Line("%s  session %s ended: %d files, %d high risk", dimmed(at), data.SessionID, data.FilesTouched, len(data.HighRiskFiles))
	case control.NotifyError:
		data, err := control.DecodeData[control.ErrorData](n)
		if err != nil {
			return err
		}
		out.Line("%s  %s", dimmed(at), cli.Styled("watch error: "+data.Message, cli.StyleError))
	case control.NotifyDaemonStopping:
		data, err := control.DecodeData[control.StoppingData](n)
		if err != nil {
			return err
		}
		out.Line("%s  %s", dimmed(at), cli.Styled("daemon stopping ("+data.Reason+")", cli.StyleWarn))
	}
	return nil
}

func printSessionStatus(st *control.SessionStatusResult) {
	name := st.Name
	if name == "" {
		name = st.ID
	}
	out.Box("session "+name, []cli.Field{
		{Label: "workspace", Value: st.Workspace},
		{Label: "running", Value: ms(st.DurationMs)},
		{Label: "files", Value: strconv.Itoa(st.FilesTouched)},
		{Label: "reads", Value: strconv.Itoa(st.Reads)},
		{Label: "writes", Value: strconv.Itoa(st.Writes)},
	})
	if len(st.Hotspots) > 0 {
		out.Line("%s", cli.Bolden("Hotspots"))
		for _, h := range st.Hotspots {
			out.Line("  %s %s", h.Key, dimmed(fmt.Sprintf("(%d sessions, %.0f%%)", h.Hits, h.Confidence*100)))
		}
	}
}

func printSessionSummary(sum *control.SessionEndResult) {
	out.Box("session "+sum.ID+" ended", []cli.Field{
		{Label: "duration", Value: ms(sum.DurationMs)},
		{Label: "files", Value: strconv.Itoa(len(sum.Files))},
		{Label: "reads", Value: strconv.Itoa(sum.Reads)},
		{Label: "writes", Value: strconv.Itoa(sum.Writes)},
		{Label: "learnings", Value: strconv.Itoa(sum.LearningsUpdated)},
	})
	rows := make([][]string, len(sum.Files))
	for i, f := range sum.Files {
		var flags []string
		if f.Created {
			flags = append(flags, "created")
		}
		if f.Deleted {
			flags = append(flags, "deleted")
		}
		rows[i] = []string{f.File, cli.Risk(f.RiskLevel), strconv.Itoa(f.Reads), strconv.Itoa(f.Writes), strings.Join(flags, ",")}
	}
	out.Table([]string{"FILE", "RISK", "READS", "WRITES", ""}, rows)
}

func printSnapshotCreated(snap *store.Snapshot) {
	if snap.Deduplicated {
		out.Success("unchanged since snapshot %s", snap.ID)
		return
	}
	out.Success("snapshot %s: %d files, %d bytes", snap.ID, snap.FileCount, snap.TotalBytes)
}

func printSnapshots(snaps []*store.Snapshot) {
	rows := make([][]string, len(snaps))
	for i, s := range snaps {
		protected := ""
		if s.Protected {
			protected = cli.Styled("protected", cli.StyleAccent)
		}
		rows[i] = []string{s.ID, truncate(s.Name, 30), strconv.Itoa(s.FileCount), s.CreatedAt.Local().Format("2006-01-02 15:04:05"), protected}
	}
	out.Table([]string{"ID", "NAME", "FILES", "CREATED", ""}, rows)
}

func printDiff(diff *store.Diff) {
	if len(diff.Changes) == 0 {
		out.Success("no changes since snapshot %s (%d files)", diff.SnapshotID, diff.Unchanged)
		return
	}
	rows := make([][]string, len(diff.Changes))
	for i, c := range diff.Changes {
		style := cli.StyleWarn
		switch c.Status {
		case store.StatusDeleted:
			style = cli.StyleError
		case store.StatusAdded:
			style = cli.StyleOK
		}
		rows[i] = []string{cli.Styled(string(c.Status), style), c.Path}
	}
	out.Table([]string{"STATUS", "FILE"}, rows)
	out.Line("%s", dimmed(fmt.Sprintf("%d unchanged", diff.Unchanged)))
}

func printRestore(res *store.RestoreResult) {
	verb := "restored"
	if res.DryRun {
		verb = "would restore"
	}
	for _, f := range res.Restored {
		out.Line("  %s %s", cli.Styled(verb, cli.StyleOK), f)
	}
	for _, f := range res.Removed {
		out.Line("  %s %s", cli.Styled(strings.Replace(verb, "restore", "remove", 1), cli.StyleWarn), f)
	}
	out.Line("%s", dimmed(fmt.Sprintf("%d unchanged", len(res.Unchanged))))
}

func printLearnings(ls []*store.Learning) {
	rows := make([][]string, len(ls))
	for i, l := range ls {
		rows[i] = []string{string(l.Kind), l.Key, fmt.Sprintf("%.2f", l.Confidence), strconv.Itoa(l.Hits), ago(l.UpdatedAt)}
	}
	out.Table([]string{"KIND", "KEY", "CONFIDENCE", "HITS", "UPDATED"}, rows)
}
