// Package pidfile manages the daemon's pid file.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/snapback-dev/snapback/internal/lockfile"
)

// Pidfile is a file holding a single decimal PID.
type Pidfile struct {
	path string
}

// New returns a Pidfile for path.
func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Write records the current process, owner read/write only.
func (p *Pidfile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("create pidfile directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// Read returns the recorded PID.
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}
	return pid, nil
}

// Running reports the recorded PID and whether that process is alive.
func (p *Pidfile) Running() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, lockfile.ProcessAlive(pid)
}

// Remove deletes the pid file. A missing file is not an error.
func (p *Pidfile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pidfile: %w", err)
	}
	return nil
}

// Path returns the pid file path.
func (p *Pidfile) Path() string {
	return p.path
}

// Exists reports whether the pid file is present.
func (p *Pidfile) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}
