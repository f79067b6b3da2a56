package pidfile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "daemon.pid")
	p := New(path)

	if p.Exists() {
		t.Fatal("pidfile should not exist yet")
	}
	if _, ok := p.Running(); ok {
		t.Error("missing pidfile reported running")
	}

	if err := p.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !p.Exists() {
		t.Fatal("pidfile should exist")
	}

	pid, err := p.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	if got, ok := p.Running(); !ok || got != os.Getpid() {
		t.Errorf("Running = %d, %v", got, ok)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("pidfile mode = %o, want 600", perm)
		}
	}

	if err := p.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := p.Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
	if p.Exists() {
		t.Error("pidfile should be gone")
	}
}

func TestPidfile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path).Read(); err == nil {
		t.Error("expected error for non-numeric pidfile")
	}
}
