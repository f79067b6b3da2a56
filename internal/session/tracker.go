// Package session records which files a task touched between session.begin
// and session.end, from observed reads and writes rather than a VCS baseline.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapback-dev/snapback/internal/watcher"
)

// Op is a kind of file access.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpCreate Op = "create"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known access kind.
func (op Op) Valid() bool {
	switch op {
	case OpRead, OpWrite, OpCreate, OpDelete:
		return true
	}
	return false
}

// OpForEvent maps a watcher event type to an access kind.
func OpForEvent(t watcher.EventType) (Op, bool) {
	switch t {
	case watcher.EventAdd:
		return OpCreate, true
	case watcher.EventChange:
		return OpWrite, true
	case watcher.EventUnlink:
		return OpDelete, true
	}
	return "", false
}

// MaxAccessLog is the default bound on a session's access log.
const MaxAccessLog = 1000

const recentAccesses = 20

var (
	ErrSessionActive = errors.New("a session is already active for this workspace")
	ErrNoSession     = errors.New("no active session for this workspace")
)

// Access is one entry of the access log.
type Access struct {
	File string    `json:"file"`
	Op   Op        `json:"op"`
	At   time.Time `json:"at"`
}

// FileStats aggregates every access to one file.
type FileStats struct {
	File      string            `json:"file"`
	Reads     int               `json:"reads"`
	Writes    int               `json:"writes"`
	Created   bool              `json:"created,omitempty"`
	Deleted   bool              `json:"deleted,omitempty"`
	RiskLevel watcher.RiskLevel `json:"riskLevel"`
	FirstSeen time.Time         `json:"firstSeen"`
	LastSeen  time.Time         `json:"lastSeen"`
}

// Info identifies a session.
type Info struct {
	ID        string    `json:"id"`
	Workspace string    `json:"workspace"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Status is a live view of an active session.
type Status struct {
	Info
	Duration     time.Duration `json:"-"`
	DurationMs   int64         `json:"durationMs"`
	FilesTouched int           `json:"filesTouched"`
	Reads        int           `json:"reads"`
	Writes       int           `json:"writes"`
	Recent       []Access      `json:"recent"`
}

// Summary is produced when a session ends.
type Summary struct {
	Info
	EndedAt       time.Time     `json:"endedAt"`
	Duration      time.Duration `json:"-"`
	DurationMs    int64         `json:"durationMs"`
	Files         []FileStats   `json:"files"`
	Reads         int           `json:"reads"`
	Writes        int           `json:"writes"`
	HighRiskFiles []string      `json:"highRiskFiles"`
	Log           []Access      `json:"log"`
	DroppedLog    int           `json:"droppedLog,omitempty"`
}

type session struct {
	info    Info
	files   map[string]*FileStats
	log     []Access
	dropped int
	reads   int
	writes  int
}

// Tracker holds at most one active session per workspace.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxLog   int
	now      func() time.Time
}

// NewTracker creates a Tracker whose access logs keep at most maxLog entries.
func NewTracker(maxLog int) *Tracker {
	if maxLog <= 0 {
		maxLog = MaxAccessLog
	}
	return &Tracker{
		sessions: make(map[string]*session),
		maxLog:   maxLog,
		now:      time.Now,
	}
}

// Begin opens a session on workspace.
func (t *Tracker) Begin(workspace, name string) (*Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[workspace]; ok {
		return nil, fmt.Errorf("%w (id %s)", ErrSessionActive, s.info.ID)
	}
	s := &session{
		info: Info{
			ID:        uuid.NewString(),
			Workspace: workspace,
			Name:      name,
			StartedAt: t.now(),
		},
		files: make(map[string]*FileStats),
	}
	t.sessions[workspace] = s
	info := s.info
	return &info, nil
}

// Active reports whether workspace has an open session.
func (t *Tracker) Active(workspace string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[workspace]
	return ok
}

// Count returns the number of active sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Files lists the files the active session on workspace touched, sorted.
func (t *Tracker) Files(workspace string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[workspace]
	if !ok {
		return nil
	}
	files := make([]string, 0, len(s.files))
	for f := range s.files {
		files = append(files, f)
	}
	slices.Sort(files)
	return files
}

// Record logs an access. It is a no-op returning false when no session is
// active or op is unknown.
func (t *Tracker) Record(workspace, file string, op Op) bool {
	if !op.Valid() {
		return false
	}
	file = filepath.ToSlash(file)

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[workspace]
	if !ok {
		return false
	}

	now := t.now()
	fs, ok := s.files[file]
	if !ok {
		level, _ := watcher.ClassifyRisk(file)
		fs = &FileStats{File: file, RiskLevel: level, FirstSeen: now}
		s.files[file] = fs
	}
	fs.LastSeen = now

	switch op {
	case OpRead:
		fs.Reads++
		s.reads++
	case OpCreate:
		fs.Created = true
		fs.Deleted = false
		fs.Writes++
		s.writes++
	case OpDelete:
		fs.Deleted = true
		fs.Writes++
		s.writes++
	default:
		fs.Writes++
		s.writes++
	}

	if len(s.log) >= t.maxLog {
		s.log = slices.Delete(s.log, 0, 1)
		s.dropped++
	}
	s.log = append(s.log, Access{File: file, Op: op, At: now})
	return true
}

// Status describes the active session on workspace.
func (t *Tracker) Status(workspace string) (*Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[workspace]
	if !ok {
		return nil, ErrNoSession
	}
	start := max(0, len(s.log)-recentAccesses)
	d := t.now().Sub(s.info.StartedAt)
	return &Status{
		Info:         s.info,
		Duration:     d,
		DurationMs:   d.Milliseconds(),
		FilesTouched: len(s.files),
		Reads:        s.reads,
		Writes:       s.writes,
		Recent:       slices.Clone(s.log[start:]),
	}, nil
}

// End closes the session on workspace and summarizes it.
func (t *Tracker) End(workspace string) (*Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[workspace]
	if !ok {
		return nil, ErrNoSession
	}
	delete(t.sessions, workspace)

	ended := t.now()
	sum := &Summary{
		Info:          s.info,
		EndedAt:       ended,
		Duration:      ended.Sub(s.info.StartedAt),
		DurationMs:    ended.Sub(s.info.StartedAt).Milliseconds(),
		Files:         make([]FileStats, 0, len(s.files)),
		Reads:         s.reads,
		Writes:        s.writes,
		HighRiskFiles: []string{},
		Log:           s.log,
		DroppedLog:    s.dropped,
	}
	for _, fs := range s.files {
		sum.Files = append(sum.Files, *fs)
		if fs.RiskLevel == watcher.RiskHigh {
			sum.HighRiskFiles = append(sum.HighRiskFiles, fs.File)
		}
	}
	slices.SortFunc(sum.Files, func(a, b FileStats) int {
		return strings.Compare(a.File, b.File)
	})
	slices.Sort(sum.HighRiskFiles)
	return sum, nil
}

// EndAll closes every session. Used at shutdown.
func (t *Tracker) EndAll() []*Summary {
	t.mu.Lock()
	workspaces := make([]string, 0, len(t.sessions))
	for ws := range t.sessions {
		workspaces = append(workspaces, ws)
	}
	t.mu.Unlock()

	var out []*Summary
	for _, ws := range workspaces {
		if sum, err := t.End(ws); err == nil {
			out = append(out, sum)
		}
	}
	return out
}
