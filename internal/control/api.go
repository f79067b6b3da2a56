package control

import (
	"context"

	"github.com/snapback-dev/snapback/internal/session"
	"github.com/snapback-dev/snapback/internal/store"
)

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var out PingResult
	if err := c.Request(ctx, MethodPing, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status retrieves daemon counters.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var out StatusResult
	if err := c.Request(ctx, MethodStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the daemon to stop. The connection closes shortly after.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Request(ctx, MethodShutdown, nil, nil)
}

// OpenWorkspace registers a workspace with the daemon.
func (c *Client) OpenWorkspace(ctx context.Context, workspace string) (*WorkspaceInfo, error) {
	var out WorkspaceInfo
	if err := c.Request(ctx, MethodWorkspaceOpen, WorkspaceParams{Workspace: workspace}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseWorkspace evicts a workspace, stopping its watch.
func (c *Client) CloseWorkspace(ctx context.Context, workspace string) (bool, error) {
	var out WorkspaceCloseResult
	if err := c.Request(ctx, MethodWorkspaceClose, WorkspaceParams{Workspace: workspace}, &out); err != nil {
		return false, err
	}
	return out.Closed, nil
}

// ListWorkspaces lists open workspaces.
func (c *Client) ListWorkspaces(ctx context.Context) ([]WorkspaceInfo, error) {
	var out WorkspaceListResult
	if err := c.Request(ctx, MethodWorkspaceList, nil, &out); err != nil {
		return nil, err
	}
	return out.Workspaces, nil
}

// Subscribe starts receiving file_changed notifications for workspace.
func (c *Client) Subscribe(ctx context.Context, workspace string, patterns, ignore []string) (*SubscribeResult, error) {
	params := SubscribeParams{
		WorkspaceParams: WorkspaceParams{Workspace: workspace},
		Patterns:        patterns,
		Ignore:          ignore,
	}
	var out SubscribeResult
	if err := c.Request(ctx, MethodWatchSubscribe, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unsubscribe stops notifications for workspace.
func (c *Client) Unsubscribe(ctx context.Context, workspace string) (bool, error) {
	var out UnsubscribeResult
	if err := c.Request(ctx, MethodWatchUnsub, WorkspaceParams{Workspace: workspace}, &out); err != nil {
		return false, err
	}
	return out.Unsubscribed, nil
}

// BeginTask opens a tracking session on workspace.
func (c *Client) BeginTask(ctx context.Context, workspace, name string) (*session.Info, error) {
	params := SessionBeginParams{WorkspaceParams: WorkspaceParams{Workspace: workspace}, Name: name}
	var out session.Info
	if err := c.Request(ctx, MethodSessionBegin, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionStatus describes the active session on workspace.
func (c *Client) SessionStatus(ctx context.Context, workspace string) (*SessionStatusResult, error) {
	var out SessionStatusResult
	if err := c.Request(ctx, MethodSessionStatus, WorkspaceParams{Workspace: workspace}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordAccess reports a file access the daemon cannot observe itself.
func (c *Client) RecordAccess(ctx context.Context, workspace, file string, op session.Op) (bool, error) {
	params := RecordParams{WorkspaceParams: WorkspaceParams{Workspace: workspace}, File: file, Op: op}
	var out RecordResult
	if err := c.Request(ctx, MethodSessionRecord, params, &out); err != nil {
		return false, err
	}
	return out.Recorded, nil
}

// EndTask closes the session on workspace and returns its summary.
func (c *Client) EndTask(ctx context.Context, workspace string) (*SessionEndResult, error) {
	var out SessionEndResult
	if err := c.Request(ctx, MethodSessionEnd, WorkspaceParams{Workspace: workspace}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSnapshot captures files of a workspace.
func (c *Client) CreateSnapshot(ctx context.Context, params SnapshotCreateParams) (*store.Snapshot, error) {
	var out store.Snapshot
	if err := c.Request(ctx, MethodSnapshotCreate, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSnapshots lists a workspace's snapshots, newest first.
func (c *Client) ListSnapshots(ctx context.Context, workspace string, limit int) ([]*store.Snapshot, error) {
	params := SnapshotListParams{WorkspaceParams: WorkspaceParams{Workspace: workspace}, Limit: limit}
	var out SnapshotListResult
	if err := c.Request(ctx, MethodSnapshotList, params, &out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

// ProtectSnapshot sets or clears a snapshot's protected flag.
func (c *Client) ProtectSnapshot(ctx context.Context, id string, protected bool) error {
	params := ProtectParams{SnapshotParams: SnapshotParams{ID: id}, Protected: &protected}
	return c.Request(ctx, MethodSnapshotProtect, params, nil)
}

// DiffSnapshot compares a snapshot with the workspace on disk.
func (c *Client) DiffSnapshot(ctx context.Context, id string) (*store.Diff, error) {
	var out store.Diff
	if err := c.Request(ctx, MethodSnapshotDiff, SnapshotParams{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestoreSnapshot writes a snapshot back; files narrows it to a subset.
func (c *Client) RestoreSnapshot(ctx context.Context, id string, files []string, dryRun bool) (*store.RestoreResult, error) {
	params := RestoreParams{SnapshotParams: SnapshotParams{ID: id}, Files: files, DryRun: dryRun}
	var out store.RestoreResult
	if err := c.Request(ctx, MethodSnapshotRestore, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSnapshot removes an unprotected snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	return c.Request(ctx, MethodSnapshotDelete, SnapshotParams{ID: id}, nil)
}

// ListLearnings lists what the daemon learned about a workspace.
func (c *Client) ListLearnings(ctx context.Context, workspace string, minConfidence float64) ([]*store.Learning, error) {
	params := LearningListParams{WorkspaceParams: WorkspaceParams{Workspace: workspace}, MinConfidence: minConfidence}
	var out LearningListResult
	if err := c.Request(ctx, MethodLearningList, params, &out); err != nil {
		return nil, err
	}
	return out.Learnings, nil
}

// PruneLearnings drops stale or weak learnings.
func (c *Client) PruneLearnings(ctx context.Context, params PruneParams) (*store.PruneResult, error) {
	var out store.PruneResult
	if err := c.Request(ctx, MethodLearningPrune, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
