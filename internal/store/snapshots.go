package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/snapback-dev/snapback/internal/pathvalidate"
)

// Snapshot is a point-in-time copy of a set of workspace files.
type Snapshot struct {
	ID          string         `json:"id"`
	Workspace   string         `json:"workspace"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Protected   bool           `json:"protected"`
	FileCount   int            `json:"fileCount"`
	TotalBytes  int64          `json:"totalBytes"`
	Checksum    string         `json:"checksum"`
	CreatedAt   time.Time      `json:"createdAt"`
	Files       []SnapshotFile `json:"files,omitempty"`

	// Deduplicated is set when Create found an identical latest snapshot
	// and returned it instead of storing a new one.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// SnapshotFile describes one captured path.
type SnapshotFile struct {
	Path     string      `json:"path"` // workspace-relative, slash separated
	Exists   bool        `json:"exists"`
	Size     int64       `json:"size"`
	Mode     fs.FileMode `json:"mode"`
	Checksum string      `json:"checksum,omitempty"`

	content []byte
}

// CreateRequest names what to capture. Files are workspace-relative and must
// already have passed path validation.
type CreateRequest struct {
	Workspace   string
	Files       []string
	Name        string
	Description string
	Protected   bool
}

func checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// CreateSnapshot reads every requested file concurrently and stores the set
// in one transaction.
func (s *Store) CreateSnapshot(ctx context.Context, req CreateRequest) (*Snapshot, error) {
	files := uniqueSlash(req.Files)
	if len(files) == 0 {
		return nil, ErrEmptySnapshot
	}
	if len(files) > s.limits.MaxFiles {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(files), s.limits.MaxFiles)
	}

	captured := make([]SnapshotFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limits.Workers)
	for i, rel := range files {
		g.Go(func() error {
			f, err := s.readFile(gctx, req.Workspace, rel)
			if err != nil {
				return err
			}
			captured[i] = *f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:          uuid.NewString(),
		Workspace:   req.Workspace,
		Name:        req.Name,
		Description: req.Description,
		Protected:   req.Protected,
		FileCount:   len(captured),
		Checksum:    setChecksum(captured),
		CreatedAt:   time.Now().UTC(),
		Files:       captured,
	}
	for _, f := range captured {
		snap.TotalBytes += f.Size
	}

	latest, err := s.latestSnapshot(ctx, req.Workspace)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Checksum == snap.Checksum && !req.Protected {
		latest.Deduplicated = true
		return latest, nil
	}

	if err := s.insertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) readFile(ctx context.Context, workspace, rel string) (*SnapshotFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs := filepath.Join(workspace, filepath.FromSlash(rel))
	f := &SnapshotFile{Path: rel}

	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", rel)
	}
	if info.Size() > s.limits.MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, rel, info.Size())
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	f.Exists = true
	f.Size = int64(len(data))
	f.Mode = info.Mode().Perm()
	f.Checksum = checksum(data)
	f.content = data
	return f, nil
}

// setChecksum is order independent because captured follows sorted paths.
func setChecksum(files []SnapshotFile) string {
	d := xxhash.New()
	for _, f := range files {
		d.WriteString(f.Path)
		d.Write([]byte{0})
		d.WriteString(f.Checksum)
		d.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

func uniqueSlash(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, filepath.ToSlash(filepath.Clean(f)))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *Store) insertSnapshot(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, workspace, name, description, protected, file_count, total_bytes, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Workspace, snap.Name, snap.Description, snap.Protected,
		snap.FileCount, snap.TotalBytes, snap.Checksum, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_files (snapshot_id, path, exists_flag, size, mode, checksum, content)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range snap.Files {
		if _, err := stmt.ExecContext(ctx, snap.ID, f.Path, f.Exists, f.Size, uint32(f.Mode), f.Checksum, f.content); err != nil {
			return fmt.Errorf("insert snapshot file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

const snapshotColumns = `id, workspace, name, description, protected, file_count, total_bytes, checksum, created_at`

func (s *Store) latestSnapshot(ctx context.Context, workspace string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots
		WHERE workspace = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, workspace)
	snap, err := scanSnapshot(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return snap, err
}

// ListSnapshots returns a workspace's snapshots, newest first, without file
// details. limit <= 0 means no limit.
func (s *Store) ListSnapshots(ctx context.Context, workspace string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots
		WHERE workspace = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, workspace, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []*Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// GetSnapshot returns a snapshot with its file list. withContent also loads
// the captured bytes.
func (s *Store) GetSnapshot(ctx context.Context, id string, withContent bool) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, err
	}

	contentCol := "NULL"
	if withContent {
		contentCol = "content"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT path, exists_flag, size, mode, checksum, `+contentCol+`
		FROM snapshot_files WHERE snapshot_id = ? ORDER BY path`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var f SnapshotFile
		var mode uint32
		if err := rows.Scan(&f.Path, &f.Exists, &f.Size, &mode, &f.Checksum, &f.content); err != nil {
			return nil, err
		}
		f.Mode = fs.FileMode(mode)
		snap.Files = append(snap.Files, f)
	}
	return snap, rows.Err()
}

// ProtectSnapshot sets or clears the protected flag.
func (s *Store) ProtectSnapshot(ctx context.Context, id string, protected bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE snapshots SET protected = ? WHERE id = ?`, protected, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSnapshot removes an unprotected snapshot and its files.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	snap, err := s.GetSnapshot(ctx, id, false)
	if err != nil {
		return err
	}
	if snap.Protected {
		return fmt.Errorf("snapshot %s: %w", id, ErrProtected)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	return err
}

// ChangeStatus is how a file differs from its snapshot copy.
type ChangeStatus string

const (
	StatusUnchanged ChangeStatus = "unchanged"
	StatusModified  ChangeStatus = "modified"
	StatusDeleted   ChangeStatus = "deleted"
	StatusAdded     ChangeStatus = "added"
)

// FileChange is one entry of a diff.
type FileChange struct {
	Path        string       `json:"path"`
	Status      ChangeStatus `json:"status"`
	OldChecksum string       `json:"oldChecksum,omitempty"`
	NewChecksum string       `json:"newChecksum,omitempty"`
}

// Diff compares a snapshot with the files currently on disk.
type Diff struct {
	SnapshotID string       `json:"snapshotId"`
	Changes    []FileChange `json:"changes"`
	Unchanged  int          `json:"unchanged"`
}

// DiffSnapshot reports which captured files changed since the snapshot.
func (s *Store) DiffSnapshot(ctx context.Context, id string) (*Diff, error) {
	snap, err := s.GetSnapshot(ctx, id, false)
	if err != nil {
		return nil, err
	}

	diff := &Diff{SnapshotID: id, Changes: []FileChange{}}
	for _, f := range snap.Files {
		current, err := currentChecksum(snap.Workspace, f.Path)
		if err != nil {
			return nil, err
		}
		change := FileChange{Path: f.Path, OldChecksum: f.Checksum, NewChecksum: current}
		switch {
		case f.Exists && current == "":
			change.Status = StatusDeleted
		case !f.Exists && current != "":
			change.Status = StatusAdded
		case f.Checksum != current:
			change.Status = StatusModified
		default:
			diff.Unchanged++
			continue
		}
		diff.Changes = append(diff.Changes, change)
	}
	return diff, nil
}

// currentChecksum is empty when the file does not exist.
func currentChecksum(workspace, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return checksum(data), nil
}

// RestoreOptions narrows a restore.
type RestoreOptions struct {
	Files  []string // empty = every captured file
	DryRun bool
}

// RestoreResult lists what a restore did, or would do for a dry run.
type RestoreResult struct {
	SnapshotID string   `json:"snapshotId"`
	Restored   []string `json:"restored"`
	Removed    []string `json:"removed"`
	Unchanged  []string `json:"unchanged"`
	DryRun     bool     `json:"dryRun,omitempty"`
}

// RestoreSnapshot writes captured contents back into the workspace and
// removes files that did not exist at capture time.
func (s *Store) RestoreSnapshot(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	snap, err := s.GetSnapshot(ctx, id, true)
	if err != nil {
		return nil, err
	}

	selected := snap.Files
	if len(opts.Files) > 0 {
		want := uniqueSlash(opts.Files)
		selected = selected[:0:0]
		for _, rel := range want {
			i := slices.IndexFunc(snap.Files, func(f SnapshotFile) bool { return f.Path == rel })
			if i < 0 {
				return nil, fmt.Errorf("%s is not in snapshot %s: %w", rel, id, ErrNotFound)
			}
			selected = append(selected, snap.Files[i])
		}
	}

	// Every target is checked before the first write so a rejected path
	// leaves the workspace untouched.
	targets := make([]string, len(selected))
	for i, f := range selected {
		abs, err := pathvalidate.ValidatePathWithSymlinkCheck(snap.Workspace, f.Path)
		if err != nil {
			return nil, err
		}
		targets[i] = abs
	}

	res := &RestoreResult{SnapshotID: id, Restored: []string{}, Removed: []string{}, Unchanged: []string{}, DryRun: opts.DryRun}
	for i, f := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		abs := targets[i]
		current, err := currentChecksum(snap.Workspace, f.Path)
		if err != nil {
			return nil, err
		}

		switch {
		case !f.Exists && current == "", f.Exists && current == f.Checksum:
			res.Unchanged = append(res.Unchanged, f.Path)
		case !f.Exists:
			if !opts.DryRun {
				if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return nil, err
				}
			}
			res.Removed = append(res.Removed, f.Path)
		default:
			if !opts.DryRun {
				if err := writeAtomic(abs, f.content, f.Mode); err != nil {
					return nil, fmt.Errorf("restore %s: %w", f.Path, err)
				}
			}
			res.Restored = append(res.Restored, f.Path)
		}
	}
	return res, nil
}

func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".snapback-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// scanSnapshot scans a row into a Snapshot.
func scanSnapshot(scanner interface{ Scan(...any) error }) (*Snapshot, error) {
	var (
		snap              Snapshot
		name, description sql.NullString
		createdAt         sql.NullTime
	)
	err := scanner.Scan(
		&snap.ID, &snap.Workspace, &name, &description, &snap.Protected,
		&snap.FileCount, &snap.TotalBytes, &snap.Checksum, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.Name = name.String
	snap.Description = description.String
	snap.CreatedAt = createdAt.Time
	return &snap, nil
}

// Content returns the captured bytes when the snapshot was loaded with them.
func (f *SnapshotFile) Content() []byte {
	return bytes.Clone(f.content)
}

// RelPath converts an absolute path inside workspace to the relative form
// snapshots store.
func RelPath(workspace, abs string) (string, error) {
	rel, err := filepath.Rel(workspace, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", abs, workspace)
	}
	return filepath.ToSlash(rel), nil
}
