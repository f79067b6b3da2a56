package control

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/snapback-dev/snapback/internal/pathvalidate"
	"github.com/snapback-dev/snapback/internal/protocol"
	"github.com/snapback-dev/snapback/internal/session"
	"github.com/snapback-dev/snapback/internal/store"
	"github.com/snapback-dev/snapback/internal/watcher"
)

// Method names.
const (
	MethodPing            = "daemon.ping"
	MethodStatus          = "daemon.status"
	MethodShutdown        = "daemon.shutdown"
	MethodWorkspaceOpen   = "workspace.open"
	MethodWorkspaceClose  = "workspace.close"
	MethodWorkspaceList   = "workspace.list"
	MethodWatchSubscribe  = "watch.subscribe"
	MethodWatchUnsub      = "watch.unsubscribe"
	MethodSessionBegin    = "session.begin"
	MethodSessionStatus   = "session.status"
	MethodSessionRecord   = "session.record"
	MethodSessionEnd      = "session.end"
	MethodSnapshotCreate  = "snapshot.create"
	MethodSnapshotList    = "snapshot.list"
	MethodSnapshotProtect = "snapshot.protect"
	MethodSnapshotDiff    = "snapshot.diff"
	MethodSnapshotRestore = "snapshot.restore"
	MethodSnapshotDelete  = "snapshot.delete"
	MethodLearningList    = "learning.list"
	MethodLearningPrune   = "learning.prune"
)

func invalidParams(format string, args ...any) *protocol.Error {
	return protocol.Errorf(protocol.KindInvalidParams, format, args...)
}

// EmptyParams is used by methods that take no arguments.
type EmptyParams struct{}

func (*EmptyParams) Validate() error { return nil }

// WorkspaceParams names a workspace root.
type WorkspaceParams struct {
	Workspace string `json:"workspace"`
}

// Validate checks the root and replaces it with its cleaned form.
func (p *WorkspaceParams) Validate() error {
	if p.Workspace == "" {
		return invalidParams(`"workspace" is required`)
	}
	root, err := pathvalidate.ValidateWorkspaceRoot(p.Workspace)
	if err != nil {
		return err
	}
	p.Workspace = root
	return nil
}

// relativeTo validates file against root and returns its slash-separated
// workspace-relative form.
func relativeTo(root, file string) (string, error) {
	abs, err := pathvalidate.ValidatePath(root, file)
	if err != nil {
		return "", err
	}
	rel, err := store.RelPath(root, abs)
	if err != nil {
		return "", protocol.NewError(protocol.KindPathTraversal, err.Error(), nil)
	}
	if rel == "." {
		return "", protocol.NewError(protocol.KindValidation, "path names the workspace root", map[string]any{"path": file})
	}
	return rel, nil
}

// PingResult answers daemon.ping.
type PingResult struct {
	Pong     bool  `json:"pong"`
	UptimeMs int64 `json:"uptime"`
}

// StatusResult answers daemon.status.
type StatusResult struct {
	PID       int       `json:"pid"`
	UptimeMs  int64     `json:"uptime"`
	StartedAt time.Time `json:"startedAt"`
	Version   string    `json:"version"`
	Stats
	Workspaces int `json:"workspaces"`
	Watchers   int `json:"watchers"`
	Sessions   int `json:"sessions"`
}

// ShutdownResult answers daemon.shutdown before the daemon stops.
type ShutdownResult struct {
	ShuttingDown bool `json:"shuttingDown"`
}

// WorkspaceInfo describes an open workspace.
type WorkspaceInfo struct {
	Root          string    `json:"root"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Subscribers   []string  `json:"subscribers"`
	Watching      bool      `json:"watching"`
	ActiveSession bool      `json:"activeSession"`
}

// WorkspaceCloseResult answers workspace.close.
type WorkspaceCloseResult struct {
	Closed bool `json:"closed"`
}

// WorkspaceListResult answers workspace.list.
type WorkspaceListResult struct {
	Workspaces []WorkspaceInfo `json:"workspaces"`
}

// SubscribeParams starts watching a workspace for the calling connection.
type SubscribeParams struct {
	WorkspaceParams
	Patterns []string `json:"patterns,omitempty"`
	Ignore   []string `json:"ignore,omitempty"`
}

func (p *SubscribeParams) Validate() error {
	if err := p.WorkspaceParams.Validate(); err != nil {
		return err
	}
	if err := watcher.ValidatePatterns(p.Patterns); err != nil {
		return invalidParams("patterns: %v", err)
	}
	if err := watcher.ValidatePatterns(p.Ignore); err != nil {
		return invalidParams("ignore: %v", err)
	}
	return nil
}

// SubscribeResult answers watch.subscribe.
type SubscribeResult struct {
	Workspace    string `json:"workspace"`
	SubscriberID string `json:"subscriberId"`
	Subscribers  int    `json:"subscribers"`
}

// UnsubscribeResult answers watch.unsubscribe.
type UnsubscribeResult struct {
	Unsubscribed bool `json:"unsubscribed"`
}

// SessionBeginParams opens a session.
type SessionBeginParams struct {
	WorkspaceParams
	Name string `json:"name,omitempty"`
}

// RecordParams reports a file access observed by an editor.
type RecordParams struct {
	WorkspaceParams
	File string     `json:"file"`
	Op   session.Op `json:"op"`
}

func (p *RecordParams) Validate() error {
	if err := p.WorkspaceParams.Validate(); err != nil {
		return err
	}
	if p.Op == "" {
		p.Op = session.OpRead
	}
	if !p.Op.Valid() {
		return invalidParams("unknown op %q", p.Op)
	}
	rel, err := relativeTo(p.Workspace, p.File)
	if err != nil {
		return err
	}
	p.File = rel
	return nil
}

// RecordResult answers session.record.
type RecordResult struct {
	Recorded bool `json:"recorded"`
}

// SessionStatusResult answers session.status.
type SessionStatusResult struct {
	*session.Status
	// Hotspots are learnings about files this session already touched.
	Hotspots []*store.Learning `json:"hotspots"`
}

// SessionEndResult answers session.end.
type SessionEndResult struct {
	*session.Summary
	LearningsUpdated int `json:"learningsUpdated"`
}

// SnapshotCreateParams captures files of a workspace.
type SnapshotCreateParams struct {
	WorkspaceParams
	Files       []string `json:"files"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Protected   bool     `json:"protected,omitempty"`
}

func (p *SnapshotCreateParams) Validate() error {
	if err := p.WorkspaceParams.Validate(); err != nil {
		return err
	}
	if len(p.Files) == 0 {
		return invalidParams(`"files" must not be empty`)
	}
	files, err := relativeAll(p.Workspace, p.Files)
	if err != nil {
		return err
	}
	p.Files = files
	return nil
}

func relativeAll(root string, files []string) ([]string, error) {
	out := make([]string, len(files))
	for i, f := range files {
		rel, err := relativeTo(root, f)
		if err != nil {
			var de *protocol.Error
			if errors.As(err, &de) {
				return nil, de.With("index", i)
			}
			return nil, err
		}
		out[i] = rel
	}
	return out, nil
}

// SnapshotListParams lists a workspace's snapshots.
type SnapshotListParams struct {
	WorkspaceParams
	Limit int `json:"limit,omitempty"`
}

func (p *SnapshotListParams) Validate() error {
	if p.Limit < 0 {
		return invalidParams(`"limit" must not be negative`)
	}
	return p.WorkspaceParams.Validate()
}

// SnapshotListResult answers snapshot.list.
type SnapshotListResult struct {
	Snapshots []*store.Snapshot `json:"snapshots"`
}

// SnapshotParams names a snapshot.
type SnapshotParams struct {
	ID string `json:"id"`
}

func (p *SnapshotParams) Validate() error {
	if p.ID == "" {
		return invalidParams(`"id" is required`)
	}
	return nil
}

// ProtectParams sets a snapshot's protected flag. Protected defaults to true.
type ProtectParams struct {
	SnapshotParams
	Protected *bool `json:"protected,omitempty"`
}

// Value returns the requested flag.
func (p *ProtectParams) Value() bool {
	return p.Protected == nil || *p.Protected
}

// ProtectResult answers snapshot.protect.
type ProtectResult struct {
	ID        string `json:"id"`
	Protected bool   `json:"protected"`
}

// RestoreParams restores a snapshot, optionally a subset of it.
type RestoreParams struct {
	SnapshotParams
	Files  []string `json:"files,omitempty"`
	DryRun bool     `json:"dryRun,omitempty"`
}

func (p *RestoreParams) Validate() error {
	if err := p.SnapshotParams.Validate(); err != nil {
		return err
	}
	for i, f := range p.Files {
		if err := pathvalidate.ValidateBasic(f); err != nil {
			var de *protocol.Error
			if errors.As(err, &de) {
				return de.With("index", i)
			}
			return err
		}
		p.Files[i] = filepath.ToSlash(f)
	}
	return nil
}

// DeleteResult answers snapshot.delete.
type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// LearningListParams lists learnings above a confidence floor.
type LearningListParams struct {
	WorkspaceParams
	MinConfidence float64 `json:"minConfidence,omitempty"`
}

func (p *LearningListParams) Validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return invalidParams(`"minConfidence" must be between 0 and 1`)
	}
	return p.WorkspaceParams.Validate()
}

// LearningListResult answers learning.list.
type LearningListResult struct {
	Learnings []*store.Learning `json:"learnings"`
}

// PruneParams drops stale or weak learnings. An empty workspace prunes every
// workspace.
type PruneParams struct {
	Workspace     string  `json:"workspace,omitempty"`
	OlderThanDays int     `json:"olderThanDays,omitempty"`
	MinConfidence float64 `json:"minConfidence,omitempty"`
	DryRun        bool    `json:"dryRun,omitempty"`
}

func (p *PruneParams) Validate() error {
	if p.OlderThanDays < 0 {
		return invalidParams(`"olderThanDays" must not be negative`)
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return invalidParams(`"minConfidence" must be between 0 and 1`)
	}
	if p.OlderThanDays == 0 && p.MinConfidence == 0 {
		return invalidParams(`one of "olderThanDays" or "minConfidence" is required`)
	}
	if p.Workspace != "" {
		wp := WorkspaceParams{Workspace: p.Workspace}
		if err := wp.Validate(); err != nil {
			return err
		}
		p.Workspace = wp.Workspace
	}
	return nil
}

// Options converts the params for the store.
func (p *PruneParams) Options() store.PruneOptions {
	return store.PruneOptions{
		Workspace:     p.Workspace,
		OlderThan:     time.Duration(p.OlderThanDays) * 24 * time.Hour,
		MinConfidence: p.MinConfidence,
		DryRun:        p.DryRun,
	}
}
