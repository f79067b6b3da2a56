package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/snapback-dev/snapback/internal/protocol"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "snapback-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	st, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.RemoveAll(tmpDir)
	}

	return st, cleanup
}

func setupWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		writeFile(t, root, rel, body)
	}
	return root
}

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSnapshots(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ws := setupWorkspace(t, map[string]string{
		"src/index.ts":     "export {}\n",
		"src/auth/jwt.ts":  "const secret = 1\n",
		"README.md":        "# demo\n",
		"config/.env.test": "A=1\n",
	})

	var first *Snapshot

	t.Run("CreateAndGet", func(t *testing.T) {
		snap, err := st.CreateSnapshot(ctx, CreateRequest{
			Workspace: ws,
			Files:     []string{"src/index.ts", "src/auth/jwt.ts", "README.md", "src/index.ts", "new.txt"},
			Name:      "before refactor",
		})
		if err != nil {
			t.Fatalf("CreateSnapshot failed: %v", err)
		}
		if snap.FileCount != 4 {
			t.Errorf("expected 4 files (duplicates collapsed), got %d", snap.FileCount)
		}
		if snap.Checksum == "" || snap.ID == "" {
			t.Errorf("missing id or checksum: %+v", snap)
		}

		got, err := st.GetSnapshot(ctx, snap.ID, true)
		if err != nil {
			t.Fatalf("GetSnapshot failed: %v", err)
		}
		if got.Name != "before refactor" || len(got.Files) != 4 {
			t.Fatalf("unexpected snapshot: %+v", got)
		}
		for _, f := range got.Files {
			if f.Path == "new.txt" {
				if f.Exists {
					t.Error("new.txt should be recorded as absent")
				}
				continue
			}
			if !f.Exists || f.Checksum == "" {
				t.Errorf("%s: expected captured content, got %+v", f.Path, f)
			}
		}
		first = snap
	})

	t.Run("Deduplicates", func(t *testing.T) {
		snap, err := st.CreateSnapshot(ctx, CreateRequest{
			Workspace: ws,
			Files:     []string{"README.md", "src/index.ts", "src/auth/jwt.ts", "new.txt"},
		})
		if err != nil {
			t.Fatalf("CreateSnapshot failed: %v", err)
		}
		if !snap.Deduplicated || snap.ID != first.ID {
			t.Errorf("expected identical capture to return %s, got %s (dedup=%v)", first.ID, snap.ID, snap.Deduplicated)
		}
	})

	t.Run("List", func(t *testing.T) {
		writeFile(t, ws, "README.md", "# changed\n")
		if _, err := st.CreateSnapshot(ctx, CreateRequest{Workspace: ws, Files: []string{"README.md"}}); err != nil {
			t.Fatalf("CreateSnapshot failed: %v", err)
		}

		snaps, err := st.ListSnapshots(ctx, ws, 0)
		if err != nil {
			t.Fatalf("ListSnapshots failed: %v", err)
		}
		if len(snaps) != 2 {
			t.Fatalf("expected 2 snapshots, got %d", len(snaps))
		}
		if snaps[1].ID != first.ID {
			t.Errorf("expected newest first")
		}

		limited, err := st.ListSnapshots(ctx, ws, 1)
		if err != nil {
			t.Fatalf("ListSnapshots failed: %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("expected limit to apply, got %d", len(limited))
		}

		other, err := st.ListSnapshots(ctx, "/elsewhere", 0)
		if err != nil {
			t.Fatalf("ListSnapshots failed: %v", err)
		}
		if len(other) != 0 {
			t.Errorf("expected no snapshots for another workspace, got %d", len(other))
		}
	})

	t.Run("Diff", func(t *testing.T) {
		writeFile(t, ws, "new.txt", "hello\n")
		if err := os.Remove(filepath.Join(ws, "src", "auth", "jwt.ts")); err != nil {
			t.Fatal(err)
		}

		diff, err := st.DiffSnapshot(ctx, first.ID)
		if err != nil {
			t.Fatalf("DiffSnapshot failed: %v", err)
		}
		want := map[string]ChangeStatus{
			"README.md":       StatusModified,
			"new.txt":         StatusAdded,
			"src/auth/jwt.ts": StatusDeleted,
		}
		if len(diff.Changes) != len(want) {
			t.Fatalf("expected %d changes, got %+v", len(want), diff.Changes)
		}
		for _, c := range diff.Changes {
			if want[c.Path] != c.Status {
				t.Errorf("%s: expected %s, got %s", c.Path, want[c.Path], c.Status)
			}
		}
		if diff.Unchanged != 1 {
			t.Errorf("expected 1 unchanged file, got %d", diff.Unchanged)
		}
	})

	t.Run("RestoreDryRun", func(t *testing.T) {
		res, err := st.RestoreSnapshot(ctx, first.ID, RestoreOptions{DryRun: true})
		if err != nil {
			t.Fatalf("RestoreSnapshot failed: %v", err)
		}
		if len(res.Restored) != 2 || len(res.Removed) != 1 {
			t.Errorf("unexpected plan: %+v", res)
		}
		if readFile(t, ws, "README.md") != "# changed\n" {
			t.Error("dry run must not touch files")
		}
	})

	t.Run("RestoreSubset", func(t *testing.T) {
		res, err := st.RestoreSnapshot(ctx, first.ID, RestoreOptions{Files: []string{"README.md"}})
		if err != nil {
			t.Fatalf("RestoreSnapshot failed: %v", err)
		}
		if len(res.Restored) != 1 || res.Restored[0] != "README.md" {
			t.Errorf("unexpected result: %+v", res)
		}
		if readFile(t, ws, "README.md") != "# demo\n" {
			t.Error("README.md not restored")
		}
		if _, err := os.Stat(filepath.Join(ws, "new.txt")); err != nil {
			t.Error("files outside the subset must be left alone")
		}

		_, err = st.RestoreSnapshot(ctx, first.ID, RestoreOptions{Files: []string{"missing.go"}})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown file, got %v", err)
		}
	})

	t.Run("RestoreAll", func(t *testing.T) {
		res, err := st.RestoreSnapshot(ctx, first.ID, RestoreOptions{})
		if err != nil {
			t.Fatalf("RestoreSnapshot failed: %v", err)
		}
		if readFile(t, ws, "src/auth/jwt.ts") != "const secret = 1\n" {
			t.Error("deleted file not restored")
		}
		if _, err := os.Stat(filepath.Join(ws, "new.txt")); !os.IsNotExist(err) {
			t.Error("file absent at capture time should be removed")
		}
		if len(res.Unchanged) != 2 {
			t.Errorf("expected README.md and index.ts unchanged, got %v", res.Unchanged)
		}

		diff, err := st.DiffSnapshot(ctx, first.ID)
		if err != nil {
			t.Fatalf("DiffSnapshot failed: %v", err)
		}
		if len(diff.Changes) != 0 {
			t.Errorf("expected clean diff after restore, got %+v", diff.Changes)
		}
	})

	t.Run("ProtectAndDelete", func(t *testing.T) {
		if err := st.ProtectSnapshot(ctx, first.ID, true); err != nil {
			t.Fatalf("ProtectSnapshot failed: %v", err)
		}
		if err := st.DeleteSnapshot(ctx, first.ID); !errors.Is(err, ErrProtected) {
			t.Errorf("expected ErrProtected, got %v", err)
		}
		if err := st.ProtectSnapshot(ctx, first.ID, false); err != nil {
			t.Fatalf("ProtectSnapshot failed: %v", err)
		}
		if err := st.DeleteSnapshot(ctx, first.ID); err != nil {
			t.Fatalf("DeleteSnapshot failed: %v", err)
		}
		if _, err := st.GetSnapshot(ctx, first.ID, false); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := st.ProtectSnapshot(ctx, "nope", true); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRestoreRefusesEscapingParent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ws := setupWorkspace(t, map[string]string{
		"a.txt":     "top v1",
		"src/a.txt": "nested v1",
	})
	snap, err := st.CreateSnapshot(ctx, CreateRequest{Workspace: ws, Files: []string{"a.txt", "src/a.txt"}})
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	writeFile(t, ws, "a.txt", "top v2")
	outside := t.TempDir()
	if err := os.RemoveAll(filepath.Join(ws, "src")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(ws, "src")); err != nil {
		t.Fatal(err)
	}

	_, err = st.RestoreSnapshot(ctx, snap.ID, RestoreOptions{})
	if !protocol.IsKind(err, protocol.KindPathTraversal) {
		t.Fatalf("expected path traversal error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("restore wrote outside the workspace, stat err = %v", err)
	}
	if got := readFile(t, ws, "a.txt"); got != "top v2" {
		t.Errorf("a.txt = %q, restore must not write before every path is checked", got)
	}
}

func TestSnapshotLimits(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ws := setupWorkspace(t, map[string]string{"a.txt": "0123456789", "b.txt": "x"})
	st.SetLimits(Limits{MaxFileSize: 5, MaxFiles: 1, Workers: 2})

	if _, err := st.CreateSnapshot(ctx, CreateRequest{Workspace: ws}); !errors.Is(err, ErrEmptySnapshot) {
		t.Errorf("expected ErrEmptySnapshot, got %v", err)
	}
	if _, err := st.CreateSnapshot(ctx, CreateRequest{Workspace: ws, Files: []string{"a.txt", "b.txt"}}); !errors.Is(err, ErrTooManyFiles) {
		t.Errorf("expected ErrTooManyFiles, got %v", err)
	}
	if _, err := st.CreateSnapshot(ctx, CreateRequest{Workspace: ws, Files: []string{"a.txt"}}); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if _, err := st.CreateSnapshot(ctx, CreateRequest{Workspace: ws, Files: []string{"b.txt"}}); err != nil {
		t.Errorf("small file should be accepted: %v", err)
	}
}

func TestLearnings(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	rec := func(id string) *SessionRecord {
		return &SessionRecord{
			ID:            id,
			Workspace:     "/ws",
			StartedAt:     time.Now().Add(-time.Minute),
			EndedAt:       time.Now(),
			FilesTouched:  2,
			Writes:        3,
			WrittenFiles:  []string{"src/auth/login.ts", "src/app.ts"},
			HighRiskFiles: []string{"src/auth/login.ts"},
		}
	}

	t.Run("RecordSession", func(t *testing.T) {
		n, err := st.RecordSession(ctx, rec("s1"))
		if err != nil {
			t.Fatalf("RecordSession failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 learnings touched, got %d", n)
		}
		if _, err := st.RecordSession(ctx, rec("s2")); err != nil {
			t.Fatalf("RecordSession failed: %v", err)
		}

		count, err := st.CountSessions(ctx, "/ws")
		if err != nil {
			t.Fatalf("CountSessions failed: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 sessions, got %d", count)
		}

		learnings, err := st.ListLearnings(ctx, "/ws", 0)
		if err != nil {
			t.Fatalf("ListLearnings failed: %v", err)
		}
		if len(learnings) != 3 {
			t.Fatalf("expected 3 learnings, got %d", len(learnings))
		}
		for _, l := range learnings {
			if l.Hits != 2 {
				t.Errorf("%s/%s: expected 2 hits, got %d", l.Kind, l.Key, l.Hits)
			}
			if l.Confidence < 0.66 || l.Confidence > 0.67 {
				t.Errorf("%s/%s: expected confidence 2/3, got %f", l.Kind, l.Key, l.Confidence)
			}
			if l.SourceSession != "s2" {
				t.Errorf("expected latest source session, got %s", l.SourceSession)
			}
		}
	})

	t.Run("PruneDryRun", func(t *testing.T) {
		res, err := st.PruneLearnings(ctx, PruneOptions{Workspace: "/ws", MinConfidence: 0.9, DryRun: true})
		if err != nil {
			t.Fatalf("PruneLearnings failed: %v", err)
		}
		if res.Matched != 3 || res.Pruned != 0 {
			t.Errorf("unexpected result: %+v", res)
		}
		learnings, _ := st.ListLearnings(ctx, "/ws", 0)
		if len(learnings) != 3 {
			t.Errorf("dry run must not delete, have %d", len(learnings))
		}
	})

	t.Run("PruneNoCriteria", func(t *testing.T) {
		res, err := st.PruneLearnings(ctx, PruneOptions{})
		if err != nil {
			t.Fatalf("PruneLearnings failed: %v", err)
		}
		if res.Matched != 0 {
			t.Errorf("no criteria should match nothing, got %+v", res)
		}
	})

	t.Run("PruneOlderThan", func(t *testing.T) {
		res, err := st.PruneLearnings(ctx, PruneOptions{Workspace: "/other", OlderThan: time.Nanosecond})
		if err != nil {
			t.Fatalf("PruneLearnings failed: %v", err)
		}
		if res.Pruned != 0 {
			t.Errorf("workspace filter ignored: %+v", res)
		}

		time.Sleep(5 * time.Millisecond)
		res, err = st.PruneLearnings(ctx, PruneOptions{OlderThan: time.Millisecond})
		if err != nil {
			t.Fatalf("PruneLearnings failed: %v", err)
		}
		if res.Pruned != 3 {
			t.Errorf("expected 3 pruned, got %+v", res)
		}
	})
}
