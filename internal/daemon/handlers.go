package daemon

import (
	"context"
	"errors"
	"os"
	"slices"

	"github.com/snapback-dev/snapback/internal/control"
	"github.com/snapback-dev/snapback/internal/logging"
	"github.com/snapback-dev/snapback/internal/protocol"
	"github.com/snapback-dev/snapback/internal/session"
	"github.com/snapback-dev/snapback/internal/store"
	"github.com/snapback-dev/snapback/internal/watcher"
)

// hotspotFloor is the confidence a learning needs to show in session.status.
const hotspotFloor = 0.5

func (d *Daemon) registerHandlers() {
	s := d.server
	control.Register(s, control.MethodPing, d.handlePing)
	control.Register(s, control.MethodStatus, d.handleStatus)
	control.Register(s, control.MethodShutdown, d.handleShutdown)
	// Workspaces
	control.Register(s, control.MethodWorkspaceOpen, d.handleWorkspaceOpen)
	control.Register(s, control.MethodWorkspaceClose, d.handleWorkspaceClose)
	control.Register(s, control.MethodWorkspaceList, d.handleWorkspaceList)
	// Watching
	control.Register(s, control.MethodWatchSubscribe, d.handleSubscribe)
	control.Register(s, control.MethodWatchUnsub, d.handleUnsubscribe)
	// Sessions
	control.Register(s, control.MethodSessionBegin, d.handleSessionBegin)
	control.Register(s, control.MethodSessionStatus, d.handleSessionStatus)
	control.Register(s, control.MethodSessionRecord, d.handleSessionRecord)
	control.Register(s, control.MethodSessionEnd, d.handleSessionEnd)
	// Snapshots
	control.Register(s, control.MethodSnapshotCreate, d.handleSnapshotCreate)
	control.Register(s, control.MethodSnapshotList, d.handleSnapshotList)
	control.Register(s, control.MethodSnapshotProtect, d.handleSnapshotProtect)
	control.Register(s, control.MethodSnapshotDiff, d.handleSnapshotDiff)
	control.Register(s, control.MethodSnapshotRestore, d.handleSnapshotRestore)
	control.Register(s, control.MethodSnapshotDelete, d.handleSnapshotDelete)
	// Learnings
	control.Register(s, control.MethodLearningList, d.handleLearningList)
	control.Register(s, control.MethodLearningPrune, d.handleLearningPrune)
}

func (d *Daemon) handlePing(ctx context.Context, conn *control.Conn, p *control.EmptyParams) (any, error) {
	return control.PingResult{Pong: true, UptimeMs: d.uptime().Milliseconds()}, nil
}

func (d *Daemon) handleStatus(ctx context.Context, conn *control.Conn, p *control.EmptyParams) (any, error) {
	return control.StatusResult{
		PID:        os.Getpid(),
		UptimeMs:   d.uptime().Milliseconds(),
		StartedAt:  d.startedAt,
		Version:    d.version,
		Stats:      d.server.Stats(),
		Workspaces: d.workspaces.count(),
		Watchers:   d.watcher.ActiveWatchers(),
		Sessions:   d.sessions.Count(),
	}, nil
}

// handleShutdown answers before the daemon goes away; the shutdown itself
// waits for this handler to finish.
func (d *Daemon) handleShutdown(ctx context.Context, conn *control.Conn, p *control.EmptyParams) (any, error) {
	logging.Info("shutdown requested", "conn", conn.ID())
	d.safeGo("shutdown", func() { d.Shutdown(ReasonRequested) })
	return control.ShutdownResult{ShuttingDown: true}, nil
}

func (d *Daemon) workspaceInfo(w WorkspaceContext) control.WorkspaceInfo {
	return control.WorkspaceInfo{
		Root:          w.Root,
		CreatedAt:     w.CreatedAt,
		LastActivity:  w.LastActivity,
		Subscribers:   w.subscriberIDs(),
		Watching:      slices.Contains(d.watcher.Workspaces(), w.Root),
		ActiveSession: d.sessions.Active(w.Root),
	}
}

func (d *Daemon) handleWorkspaceOpen(ctx context.Context, conn *control.Conn, p *control.WorkspaceParams) (any, error) {
	return d.workspaceInfo(d.workspaces.touch(p.Workspace)), nil
}

// handleWorkspaceClose evicts the workspace: its watch stops and an active
// session is ended and recorded.
func (d *Daemon) handleWorkspaceClose(ctx context.Context, conn *control.Conn, p *control.WorkspaceParams) (any, error) {
	w, ok := d.workspaces.remove(p.Workspace)
	if !ok {
		return nil, protocol.NewError(protocol.KindWorkspaceNotFound, "workspace is not open", map[string]any{"workspace": p.Workspace})
	}
	for id := range w.Subscribers {
		d.watcher.Unsubscribe(w.Root, id)
	}
	d.server.ForgetWorkspace(w.Root)
	if sum, err := d.sessions.End(w.Root); err == nil {
		d.finishSession(ctx, sum)
	}
	logging.Info("workspace closed", "workspace", w.Root)
	return control.WorkspaceCloseResult{Closed: true}, nil
}

func (d *Daemon) handleWorkspaceList(ctx context.Context, conn *control.Conn, p *control.EmptyParams) (any, error) {
	ws := d.workspaces.list()
	out := make([]control.WorkspaceInfo, len(ws))
	for i, w := range ws {
		out[i] = d.workspaceInfo(w)
	}
	return control.WorkspaceListResult{Workspaces: out}, nil
}

func (d *Daemon) handleSubscribe(ctx context.Context, conn *control.Conn, p *control.SubscribeParams) (any, error) {
	d.workspaces.touch(p.Workspace)
	cfg := &watcher.Config{Patterns: p.Patterns, Ignore: p.Ignore}
	if err := d.watcher.Subscribe(p.Workspace, conn.ID(), cfg); err != nil {
		return nil, protocol.NewError(protocol.KindValidation, err.Error(), map[string]any{"workspace": p.Workspace})
	}
	conn.Subscribe(p.Workspace)
	n := d.workspaces.addSubscriber(p.Workspace, conn.ID())
	logging.Debug("watch subscribed", "workspace", p.Workspace, "conn", conn.ID(), "subscribers", n)
	return control.SubscribeResult{
		Workspace:    p.Workspace,
		SubscriberID: conn.ID(),
		Subscribers:  n,
	}, nil
}

func (d *Daemon) handleUnsubscribe(ctx context.Context, conn *control.Conn, p *control.WorkspaceParams) (any, error) {
	conn.Unsubscribe(p.Workspace)
	d.workspaces.removeSubscriber(p.Workspace, conn.ID())
	ok := d.watcher.Unsubscribe(p.Workspace, conn.ID())
	return control.UnsubscribeResult{Unsubscribed: ok}, nil
}

func (d *Daemon) handleSessionBegin(ctx context.Context, conn *control.Conn, p *control.SessionBeginParams) (any, error) {
	d.workspaces.touch(p.Workspace)
	info, err := d.sessions.Begin(p.Workspace, p.Name)
	if err != nil {
		return nil, sessionError(err, p.Workspace)
	}
	logging.Info("session started", "workspace", p.Workspace, "session", info.ID, "name", info.Name)
	return info, nil
}

func (d *Daemon) handleSessionStatus(ctx context.Context, conn *control.Conn, p *control.WorkspaceParams) (any, error) {
	d.workspaces.touch(p.Workspace)
	st, err := d.sessions.Status(p.Workspace)
	if err != nil {
		return nil, sessionError(err, p.Workspace)
	}
	learnings, err := d.store.ListLearnings(ctx, p.Workspace, hotspotFloor)
	if err != nil {
		return nil, err
	}
	touched := d.sessions.Files(p.Workspace)
	hotspots := []*store.Learning{}
	for _, l := range learnings {
		if l.Kind == store.KindHotspot && slices.Contains(touched, l.Key) {
			hotspots = append(hotspots, l)
		}
	}
	return control.SessionStatusResult{Status: st, Hotspots: hotspots}, nil
}

func (d *Daemon) handleSessionRecord(ctx context.Context, conn *control.Conn, p *control.RecordParams) (any, error) {
	d.workspaces.touch(p.Workspace)
	return control.RecordResult{Recorded: d.sessions.Record(p.Workspace, p.File, p.Op)}, nil
}

func (d *Daemon) handleSessionEnd(ctx context.Context, conn *control.Conn, p *control.WorkspaceParams) (any, error) {
	d.workspaces.touch(p.Workspace)
	sum, err := d.sessions.End(p.Workspace)
	if err != nil {
		return nil, sessionError(err, p.Workspace)
	}
	updated := d.finishSession(ctx, sum)
	return control.SessionEndResult{Summary: sum, LearningsUpdated: updated}, nil
}

// finishSession records an ended session and tells subscribers about it.
func (d *Daemon) finishSession(ctx context.Context, sum *session.Summary) int {
	updated := d.persistSession(ctx, sum)
	d.server.BroadcastToWorkspace(sum.Workspace, control.SessionEndedNotification(sum))
	logging.Info("session ended",
		"workspace", sum.Workspace,
		"session", sum.ID,
		"files", len(sum.Files),
		"high_risk", len(sum.HighRiskFiles),
		"duration", sum.Duration)
	return updated
}

func (d *Daemon) persistSession(ctx context.Context, sum *session.Summary) int {
	if d.store == nil {
		return 0
	}
	rec := &store.SessionRecord{
		ID:            sum.ID,
		Workspace:     sum.Workspace,
		Name:          sum.Name,
		StartedAt:     sum.StartedAt,
		EndedAt:       sum.EndedAt,
		FilesTouched:  len(sum.Files),
		Reads:         sum.Reads,
		Writes:        sum.Writes,
		HighRiskFiles: sum.HighRiskFiles,
	}
	for _, f := range sum.Files {
		if f.Writes > 0 {
			rec.WrittenFiles = append(rec.WrittenFiles, f.File)
		}
	}
	n, err := d.store.RecordSession(ctx, rec)
	if err != nil {
		logging.Error("failed to record session", "session", sum.ID, "error", err)
		logging.CaptureError(err, "session", sum.ID)
		return 0
	}
	return n
}

func sessionError(err error, workspace string) error {
	if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrSessionActive) {
		return protocol.NewError(protocol.KindValidation, err.Error(), map[string]any{"workspace": workspace})
	}
	return err
}

func (d *Daemon) handleSnapshotCreate(ctx context.Context, conn *control.Conn, p *control.SnapshotCreateParams) (any, error) {
	d.workspaces.touch(p.Workspace)
	snap, err := d.store.CreateSnapshot(ctx, store.CreateRequest{
		Workspace:   p.Workspace,
		Files:       p.Files,
		Name:        p.Name,
		Description: p.Description,
		Protected:   p.Protected,
	})
	if err != nil {
		return nil, storeError(err)
	}
	logging.Info("snapshot created",
		"workspace", p.Workspace,
		"snapshot", snap.ID,
		"files", snap.FileCount,
		"deduplicated", snap.Deduplicated)
	return snap, nil
}

func (d *Daemon) handleSnapshotList(ctx context.Context, conn *control.Conn, p *control.SnapshotListParams) (any, error) {
	d.workspaces.touch(p.Workspace)
	snaps, err := d.store.ListSnapshots(ctx, p.Workspace, p.Limit)
	if err != nil {
		return nil, storeError(err)
	}
	return control.SnapshotListResult{Snapshots: snaps}, nil
}

func (d *Daemon) handleSnapshotProtect(ctx context.Context, conn *control.Conn, p *control.ProtectParams) (any, error) {
	if err := d.store.ProtectSnapshot(ctx, p.ID, p.Value()); err != nil {
		return nil, storeError(err)
	}
	return control.ProtectResult{ID: p.ID, Protected: p.Value()}, nil
}

func (d *Daemon) handleSnapshotDiff(ctx context.Context, conn *control.Conn, p *control.SnapshotParams) (any, error) {
	diff, err := d.store.DiffSnapshot(ctx, p.ID)
	if err != nil {
		return nil, storeError(err)
	}
	return diff, nil
}

func (d *Daemon) handleSnapshotRestore(ctx context.Context, conn *control.Conn, p *control.RestoreParams) (any, error) {
	res, err := d.store.RestoreSnapshot(ctx, p.ID, store.RestoreOptions{Files: p.Files, DryRun: p.DryRun})
	if err != nil {
		return nil, storeError(err)
	}
	logging.Info("snapshot restored",
		"snapshot", p.ID,
		"restored", len(res.Restored),
		"removed", len(res.Removed),
		"dry_run", res.DryRun)
	return res, nil
}

func (d *Daemon) handleSnapshotDelete(ctx context.Context, conn *control.Conn, p *control.SnapshotParams) (any, error) {
	if err := d.store.DeleteSnapshot(ctx, p.ID); err != nil {
		return nil, storeError(err)
	}
	return control.DeleteResult{Deleted: true}, nil
}

func (d *Daemon) handleLearningList(ctx context.Context, conn *control.Conn, p *control.LearningListParams) (any, error) {
	d.workspaces.touch(p.Workspace)
	ls, err := d.store.ListLearnings(ctx, p.Workspace, p.MinConfidence)
	if err != nil {
		return nil, err
	}
	return control.LearningListResult{Learnings: ls}, nil
}

func (d *Daemon) handleLearningPrune(ctx context.Context, conn *control.Conn, p *control.PruneParams) (any, error) {
	res, err := d.store.PruneLearnings(ctx, p.Options())
	if err != nil {
		return nil, err
	}
	logging.Info("learnings pruned", "workspace", p.Workspace, "matched", res.Matched, "pruned", res.Pruned, "dry_run", res.DryRun)
	return res, nil
}

// storeError maps store failures onto the error taxonomy. Path errors from
// restore already carry their kind.
func storeError(err error) error {
	var de *protocol.Error
	switch {
	case errors.As(err, &de):
		return de
	case errors.Is(err, store.ErrNotFound):
		return protocol.NewError(protocol.KindSnapshot, err.Error(), map[string]any{"reason": "not_found"})
	case errors.Is(err, store.ErrProtected):
		return protocol.NewError(protocol.KindPermissionDenied, err.Error(), nil)
	case errors.Is(err, store.ErrFileTooLarge),
		errors.Is(err, store.ErrTooManyFiles),
		errors.Is(err, store.ErrEmptySnapshot):
		return protocol.NewError(protocol.KindSnapshot, err.Error(), nil)
	}
	return err
}
