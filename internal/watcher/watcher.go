// Package watcher turns raw filesystem notifications for subscribed
// workspaces into debounced, risk-classified change events.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/snapback-dev/snapback/internal/logging"
	"github.com/snapback-dev/snapback/internal/pathvalidate"
)

// EventType is the kind of change reported for a file.
type EventType string

const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventUnlink EventType = "unlink"
	EventError  EventType = "error"
)

// Event is one debounced change, or a watcher error.
type Event struct {
	Type       EventType `json:"type"`
	File       string    `json:"file,omitempty"` // workspace-relative, slash separated
	Workspace  string    `json:"workspace"`
	Timestamp  time.Time `json:"timestamp"`
	RiskLevel  RiskLevel `json:"riskLevel,omitempty"`
	RiskReason string    `json:"riskReason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DefaultDebounce is the quiet period before a file's burst is emitted.
const DefaultDebounce = 100 * time.Millisecond

// DefaultPatterns selects what is watched when a subscriber names nothing.
var DefaultPatterns = []string{"**/*"}

// DefaultIgnore is always merged into a workspace's ignore list.
var DefaultIgnore = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/.snapback/**",
	"**/dist/**",
	"**/build/**",
	"**/coverage/**",
	"**/.next/**",
	"**/vendor/**",
	"**/*.swp",
	"**/*~",
}

// Options configures a Service.
type Options struct {
	Debounce   time.Duration
	Patterns   []string // replaces DefaultPatterns when set
	Ignore     []string // added to DefaultIgnore
	BufferSize int
}

// Config is what a subscriber may add for its workspace. It only applies
// when the subscription starts the watch.
type Config struct {
	Patterns []string `json:"patterns,omitempty"`
	Ignore   []string `json:"ignore,omitempty"`
}

type workspaceWatch struct {
	root        string
	fsw         *fsnotify.Watcher
	patterns    []string
	ignore      []string
	subscribers map[string]struct{}
	done        chan struct{}
}

type pendingKey struct {
	workspace string
	file      string
}

// pending is one slot of the debounce arena.
type pending struct {
	timer *time.Timer
	typ   EventType
	gen   uint64
}

// Service owns one fsnotify watcher per subscribed workspace.
type Service struct {
	opts Options

	mu      sync.Mutex
	watches map[string]*workspaceWatch
	pending map[pendingKey]*pending
	gen     uint64
	closed  bool

	events  chan Event
	closing chan struct{}
}

// New creates a Service. Nothing is watched until Subscribe.
func New(opts Options) *Service {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = DefaultPatterns
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	return &Service{
		opts:    opts,
		watches: make(map[string]*workspaceWatch),
		pending: make(map[pendingKey]*pending),
		events:  make(chan Event, opts.BufferSize),
		closing: make(chan struct{}),
	}
}

// ValidatePatterns rejects malformed doublestar globs.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	return nil
}

// Events delivers debounced events for every workspace.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Subscribe registers subscriberID on workspace, starting a recursive watch
// if this is the workspace's first subscriber.
func (s *Service) Subscribe(workspace, subscriberID string, cfg *Config) error {
	root, err := pathvalidate.ValidateWorkspaceRoot(workspace)
	if err != nil {
		return err
	}
	if subscriberID == "" {
		return errors.New("subscriber id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("watcher service is closed")
	}

	if w, ok := s.watches[root]; ok {
		w.subscribers[subscriberID] = struct{}{}
		return nil
	}

	w, err := s.startWatch(root, cfg)
	if err != nil {
		return err
	}
	w.subscribers[subscriberID] = struct{}{}
	s.watches[root] = w
	logging.Info("watch started", "workspace", root, "patterns", w.patterns)
	return nil
}

// startWatch is called with s.mu held.
func (s *Service) startWatch(root string, cfg *Config) (*workspaceWatch, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &workspaceWatch{
		root:        root,
		fsw:         fsw,
		patterns:    slices.Clone(s.opts.Patterns),
		ignore:      append(slices.Clone(DefaultIgnore), s.opts.Ignore...),
		subscribers: make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	if cfg != nil {
		if len(cfg.Patterns) > 0 {
			w.patterns = slices.Clone(cfg.Patterns)
		}
		w.ignore = append(w.ignore, cfg.Ignore...)
	}
	if err := ValidatePatterns(append(slices.Clone(w.patterns), w.ignore...)); err != nil {
		fsw.Close()
		return nil, err
	}

	if err := w.addTree(root, nil); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	go s.loop(w)
	return w, nil
}

// addTree watches dir and every non-ignored directory below it. Files found
// are passed to onFile.
func (w *workspaceWatch) addTree(dir string, onFile func(rel string)) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		rel := w.rel(p)
		if d.IsDir() {
			if p != w.root && w.ignoredDir(rel) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				logging.Warn("watch directory failed", "dir", p, "error", err)
			}
			return nil
		}
		if onFile != nil && w.matches(rel) {
			onFile(rel)
		}
		return nil
	})
}

func (w *workspaceWatch) rel(p string) string {
	r, err := filepath.Rel(w.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}

func (w *workspaceWatch) ignoredDir(rel string) bool {
	return matchAny(w.ignore, rel) || matchAny(w.ignore, rel+"/_")
}

func (w *workspaceWatch) matches(rel string) bool {
	return !matchAny(w.ignore, rel) && matchAny(w.patterns, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (s *Service) loop(w *workspaceWatch) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "goroutine", "watcher", "workspace", w.root)
		}
	}()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			s.handleRaw(w, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", "workspace", w.root, "error", err)
			s.emit(Event{
				Type:      EventError,
				Workspace: w.root,
				Timestamp: time.Now(),
				Error:     err.Error(),
			})
		}
	}
}

func (s *Service) handleRaw(w *workspaceWatch, ev fsnotify.Event) {
	rel := w.rel(ev.Name)
	if rel == "." || rel == "" {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.ignoredDir(rel) {
				return
			}
			// Files may land before the new directory is watched.
			w.addTree(ev.Name, func(r string) { s.queue(w, r, EventAdd) })
			return
		}
		if w.matches(rel) {
			s.queue(w, rel, EventAdd)
		}
	case ev.Has(fsnotify.Write):
		if w.matches(rel) {
			s.queue(w, rel, EventChange)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if w.matches(rel) {
			s.queue(w, rel, EventUnlink)
		}
	}
}

// mergeType folds a new raw event into the one already pending.
func mergeType(prev, next EventType) EventType {
	switch {
	case prev == EventAdd && next == EventChange:
		return EventAdd
	case prev == EventUnlink && next == EventAdd:
		return EventChange
	}
	return next
}

// queue arms or resets the debounce timer for (workspace, file).
func (s *Service) queue(w *workspaceWatch, rel string, typ EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.watches[w.root] != w {
		return
	}

	key := pendingKey{workspace: w.root, file: rel}
	s.gen++
	gen := s.gen

	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		p.typ = mergeType(p.typ, typ)
		p.gen = gen
		p.timer = time.AfterFunc(s.opts.Debounce, func() { s.fire(key, gen) })
		return
	}
	s.pending[key] = &pending{
		typ:   typ,
		gen:   gen,
		timer: time.AfterFunc(s.opts.Debounce, func() { s.fire(key, gen) }),
	}
}

// fire removes the arena entry before emitting. A stale generation means the
// timer was reset or cancelled after it had already started running.
func (s *Service) fire(key pendingKey, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	typ := p.typ
	s.mu.Unlock()

	level, reason := ClassifyRisk(key.file)
	s.emit(Event{
		Type:       typ,
		File:       key.file,
		Workspace:  key.workspace,
		Timestamp:  time.Now(),
		RiskLevel:  level,
		RiskReason: reason,
	})
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// cancelPending is called with s.mu held.
func (s *Service) cancelPending(workspace string) {
	for key, p := range s.pending {
		if workspace == "" || key.workspace == workspace {
			p.timer.Stop()
			delete(s.pending, key)
		}
	}
}

// Unsubscribe removes subscriberID from workspace and tears the watch down
// when it was the last one. It reports whether the subscriber was known.
func (s *Service) Unsubscribe(workspace, subscriberID string) bool {
	root := filepath.Clean(workspace)

	s.mu.Lock()
	w, ok := s.watches[root]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := w.subscribers[subscriberID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(w.subscribers, subscriberID)
	if len(w.subscribers) > 0 {
		s.mu.Unlock()
		return true
	}
	delete(s.watches, root)
	s.cancelPending(root)
	s.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		logging.Warn("close watcher", "workspace", root, "error", err)
	}
	<-w.done
	logging.Info("watch stopped", "workspace", root)
	return true
}

// UnsubscribeAll drops subscriberID from every workspace it is on.
func (s *Service) UnsubscribeAll(subscriberID string) {
	s.mu.Lock()
	var roots []string
	for root, w := range s.watches {
		if _, ok := w.subscribers[subscriberID]; ok {
			roots = append(roots, root)
		}
	}
	s.mu.Unlock()

	for _, root := range roots {
		s.Unsubscribe(root, subscriberID)
	}
}

// CloseAll stops every watch and cancels every pending timer. The Service
// cannot be reused afterwards.
func (s *Service) CloseAll() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watches := make([]*workspaceWatch, 0, len(s.watches))
	for _, w := range s.watches {
		watches = append(watches, w)
	}
	clear(s.watches)
	s.cancelPending("")
	close(s.closing)
	s.mu.Unlock()

	var errs []error
	for _, w := range watches {
		if err := w.fsw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher for %s: %w", w.root, err))
		}
		<-w.done
	}
	return errors.Join(errs...)
}

// ActiveWatchers returns the number of workspaces being watched.
func (s *Service) ActiveWatchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// PendingTimers returns the number of armed debounce timers.
func (s *Service) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Subscribers lists the subscriber IDs on workspace, sorted.
func (s *Service) Subscribers(workspace string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[filepath.Clean(workspace)]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(w.subscribers))
	for id := range w.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Workspaces lists watched workspace roots, sorted.
func (s *Service) Workspaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	roots := make([]string, 0, len(s.watches))
	for root := range s.watches {
		roots = append(roots, root)
	}
	slices.Sort(roots)
	return roots
}
