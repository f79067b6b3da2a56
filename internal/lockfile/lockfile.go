// Package lockfile enforces a single live daemon per daemon directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked means another live process holds the lock.
var ErrLocked = errors.New("daemon is already running")

// Owner is what a lock file records about its holder.
type Owner struct {
	PID        int
	AcquiredAt time.Time
}

// unreadableGrace is how long an unparseable lock counts as held. A lock
// that stays unreadable past it is treated as debris from a crash.
const unreadableGrace = 5 * time.Second

// Lockfile is a marker holding the owner's PID. It is published with a hard
// link so it never exists without content.
type Lockfile struct {
	path   string
	locked bool
}

// New returns an unheld Lockfile for path.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire creates the lock file. An existing file whose owner is no longer
// alive, or that has been unparseable for longer than unreadableGrace, is
// replaced; anything else fails with ErrLocked.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	err := l.publish()
	if errors.Is(err, os.ErrExist) {
		if err := l.checkStale(); err != nil {
			return err
		}
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove stale lock: %w", rmErr)
		}
		err = l.publish()
	}
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost the race against another starter.
			return fmt.Errorf("%w: %s was created concurrently", ErrLocked, l.path)
		}
		return fmt.Errorf("create lock file: %w", err)
	}

	l.locked = true
	return nil
}

// checkStale returns nil when the existing lock may be replaced.
func (l *Lockfile) checkStale() error {
	owner, err := Read(l.path)
	if err == nil {
		if ProcessAlive(owner.PID) {
			return fmt.Errorf("%w: pid %d holds %s since %s", ErrLocked, owner.PID, l.path, owner.AcquiredAt.Format(time.RFC3339))
		}
		return nil
	}
	info, statErr := os.Stat(l.path)
	if os.IsNotExist(statErr) {
		return nil
	}
	if statErr != nil {
		return fmt.Errorf("stat lock file: %w", statErr)
	}
	if age := time.Since(info.ModTime()); age < unreadableGrace {
		return fmt.Errorf("%w: %s is unreadable and %s old", ErrLocked, l.path, age.Round(time.Millisecond))
	}
	return nil
}

// publish writes the owner record to a temp file and links it into place.
// The link fails with os.ErrExist when a lock is already present.
func (l *Lockfile) publish() error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), "."+filepath.Base(l.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Link(tmp.Name(), l.path)
}

// Release removes the lock file if this Lockfile holds it.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Locked reports whether the lock is held by this Lockfile.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lock file path.
func (l *Lockfile) Path() string {
	return l.path
}

// Read parses the lock file at path.
func Read(path string) (*Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("invalid pid in lock file %s", path)
	}
	owner := &Owner{PID: pid}
	if len(lines) > 1 {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			owner.AcquiredAt = ts
		}
	}
	return owner, nil
}
