package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapback-dev/snapback/internal/protocol"
)

func setupTestService(t *testing.T, debounce time.Duration) (*Service, string) {
	t.Helper()
	svc := New(Options{Debounce: debounce})
	t.Cleanup(func() { svc.CloseAll() })

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return svc, root
}

func watchFor(t *testing.T, svc *Service, root string) *workspaceWatch {
	t.Helper()
	svc.mu.Lock()
	defer svc.mu.Unlock()
	w, ok := svc.watches[root]
	require.True(t, ok, "no watch for %s", root)
	return w
}

// collect drains events until the channel has been quiet for quiet.
func collect(svc *Service, quiet time.Duration) []Event {
	var out []Event
	for {
		select {
		case ev := <-svc.Events():
			out = append(out, ev)
		case <-time.After(quiet):
			return out
		}
	}
}

func waitForFile(t *testing.T, svc *Service, file string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-svc.Events():
			if ev.File == file {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event for %s", file)
		}
	}
}

func TestDebounceCollapse(t *testing.T) {
	svc, root := setupTestService(t, 50*time.Millisecond)
	require.NoError(t, svc.Subscribe(root, "sub-1", nil))
	w := watchFor(t, svc, root)

	for i := 0; i < 20; i++ {
		svc.queue(w, "src/a.ts", EventChange)
	}
	svc.queue(w, "src/b.ts", EventAdd)
	assert.Equal(t, 2, svc.PendingTimers())

	events := collect(svc, 300*time.Millisecond)
	require.Len(t, events, 2)

	byFile := map[string]Event{}
	for _, ev := range events {
		byFile[ev.File] = ev
	}
	assert.Equal(t, EventChange, byFile["src/a.ts"].Type)
	assert.Equal(t, EventAdd, byFile["src/b.ts"].Type)
	assert.Equal(t, root, byFile["src/a.ts"].Workspace)
	assert.Equal(t, 0, svc.PendingTimers())
}

func TestDebounceResetsTimer(t *testing.T) {
	const window = 80 * time.Millisecond
	svc, root := setupTestService(t, window)
	require.NoError(t, svc.Subscribe(root, "sub-1", nil))
	w := watchFor(t, svc, root)

	svc.queue(w, "a.go", EventChange)
	time.Sleep(window / 2)
	last := time.Now()
	svc.queue(w, "a.go", EventChange)

	select {
	case ev := <-svc.Events():
		assert.Equal(t, "a.go", ev.File)
		assert.GreaterOrEqual(t, time.Since(last), window)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced event never fired")
	}
	assert.Empty(t, collect(svc, 150*time.Millisecond))
}

func TestMergeType(t *testing.T) {
	tests := []struct {
		prev, next, want EventType
	}{
		{EventAdd, EventChange, EventAdd},
		{EventAdd, EventUnlink, EventUnlink},
		{EventChange, EventChange, EventChange},
		{EventChange, EventUnlink, EventUnlink},
		{EventUnlink, EventAdd, EventChange},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mergeType(tt.prev, tt.next), "%s then %s", tt.prev, tt.next)
	}
}

func TestFilesystemEvents(t *testing.T) {
	svc, root := setupTestService(t, 30*time.Millisecond)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0o755))
	require.NoError(t, svc.Subscribe(root, "sub-1", nil))

	t.Run("NewFile", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep", "index.js"), []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644))

		ev := waitForFile(t, svc, "main.go")
		assert.Equal(t, EventAdd, ev.Type)
		assert.Equal(t, RiskLow, ev.RiskLevel)
		assert.Empty(t, ev.RiskReason)

		for _, ev := range collect(svc, 200*time.Millisecond) {
			assert.NotContains(t, ev.File, "node_modules")
		}
	})

	t.Run("NewDirectory", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "auth"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "src", "auth", "login.ts"), []byte("export {}"), 0o644))

		ev := waitForFile(t, svc, "src/auth/login.ts")
		assert.Equal(t, RiskHigh, ev.RiskLevel)
		assert.Contains(t, ev.RiskReason, "auth")
		collect(svc, 200*time.Millisecond)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(root, "main.go")))
		ev := waitForFile(t, svc, "main.go")
		assert.Equal(t, EventUnlink, ev.Type)
	})
}

func TestSubscribeRefcount(t *testing.T) {
	svc, root := setupTestService(t, time.Hour)

	require.NoError(t, svc.Subscribe(root, "a", nil))
	require.NoError(t, svc.Subscribe(root, "b", &Config{Patterns: []string{"**/*.go"}}))
	assert.Equal(t, []string{"a", "b"}, svc.Subscribers(root))
	assert.Equal(t, 1, svc.ActiveWatchers())
	assert.Equal(t, []string{root}, svc.Workspaces())

	assert.True(t, svc.Unsubscribe(root, "a"))
	assert.Equal(t, 1, svc.ActiveWatchers())

	svc.queue(watchFor(t, svc, root), "x.go", EventChange)
	assert.Equal(t, 1, svc.PendingTimers())

	assert.True(t, svc.Unsubscribe(root, "b"))
	assert.Equal(t, 0, svc.ActiveWatchers())
	assert.Equal(t, 0, svc.PendingTimers())
	assert.Nil(t, svc.Subscribers(root))

	assert.False(t, svc.Unsubscribe(root, "b"))
	assert.False(t, svc.Unsubscribe("/nowhere", "a"))
}

func TestUnsubscribeAll(t *testing.T) {
	svc, root := setupTestService(t, time.Hour)
	other, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, svc.Subscribe(root, "conn_1", nil))
	require.NoError(t, svc.Subscribe(other, "conn_1", nil))
	require.NoError(t, svc.Subscribe(other, "conn_2", nil))

	svc.UnsubscribeAll("conn_1")
	assert.Equal(t, []string{other}, svc.Workspaces())
	assert.Equal(t, []string{"conn_2"}, svc.Subscribers(other))
}

func TestCloseAll(t *testing.T) {
	svc, root := setupTestService(t, time.Hour)
	other, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, svc.Subscribe(root, "a", nil))
	require.NoError(t, svc.Subscribe(other, "b", nil))
	svc.queue(watchFor(t, svc, root), "one.go", EventChange)
	svc.queue(watchFor(t, svc, other), "two.go", EventChange)
	svc.queue(watchFor(t, svc, other), "three.go", EventAdd)
	require.Equal(t, 3, svc.PendingTimers())

	require.NoError(t, svc.CloseAll())
	assert.Equal(t, 0, svc.ActiveWatchers())
	assert.Equal(t, 0, svc.PendingTimers())
	assert.Empty(t, collect(svc, 50*time.Millisecond))

	assert.Error(t, svc.Subscribe(root, "c", nil))
	assert.NoError(t, svc.CloseAll())
}

func TestSubscribeValidation(t *testing.T) {
	svc, root := setupTestService(t, DefaultDebounce)

	err := svc.Subscribe(filepath.Join(root, "missing"), "a", nil)
	assert.True(t, protocol.IsKind(err, protocol.KindWorkspaceNotFound), "got %v", err)

	assert.Error(t, svc.Subscribe(root, "", nil))
	assert.Error(t, svc.Subscribe(root, "a", &Config{Patterns: []string{"src/[.go"}}))
	assert.Equal(t, 0, svc.ActiveWatchers())
}

func TestPatternMatching(t *testing.T) {
	w := &workspaceWatch{
		patterns: []string{"**/*.go", "**/*.ts"},
		ignore:   append([]string{}, DefaultIgnore...),
	}
	assert.True(t, w.matches("main.go"))
	assert.True(t, w.matches("src/deep/x.ts"))
	assert.False(t, w.matches("README.md"))
	assert.False(t, w.matches("node_modules/pkg/index.ts"))
	assert.False(t, w.matches("a/.git/hooks/x.go"))
	assert.True(t, w.ignoredDir("node_modules"))
	assert.True(t, w.ignoredDir(".git"))
	assert.False(t, w.ignoredDir("src"))
}
