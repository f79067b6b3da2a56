package daemon

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// WorkspaceContext is the daemon's per-workspace state.
type WorkspaceContext struct {
	Root         string
	CreatedAt    time.Time
	LastActivity time.Time
	Subscribers  map[string]struct{}
}

func (w *WorkspaceContext) subscriberIDs() []string {
	return slices.Sorted(maps.Keys(w.Subscribers))
}

type workspaceRegistry struct {
	mu         sync.Mutex
	workspaces map[string]*WorkspaceContext
	now        func() time.Time
}

func newWorkspaceRegistry() *workspaceRegistry {
	return &workspaceRegistry{
		workspaces: make(map[string]*WorkspaceContext),
		now:        time.Now,
	}
}

// touch returns the context for root, creating it on first reference, and
// advances its last activity. LastActivity never moves backwards.
func (r *workspaceRegistry) touch(root string) WorkspaceContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touchLocked(root).clone()
}

func (r *workspaceRegistry) touchLocked(root string) *WorkspaceContext {
	now := r.now()
	w, ok := r.workspaces[root]
	if !ok {
		w = &WorkspaceContext{
			Root:         root,
			CreatedAt:    now,
			LastActivity: now,
			Subscribers:  make(map[string]struct{}),
		}
		r.workspaces[root] = w
	}
	if now.After(w.LastActivity) {
		w.LastActivity = now
	}
	return w
}

func (w *WorkspaceContext) clone() WorkspaceContext {
	c := *w
	c.Subscribers = maps.Clone(w.Subscribers)
	return c
}

// get returns a copy of the context for root.
func (r *workspaceRegistry) get(root string) (WorkspaceContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[root]
	if !ok {
		return WorkspaceContext{}, false
	}
	return w.clone(), true
}

// addSubscriber records id as subscribed to root and returns the count.
func (r *workspaceRegistry) addSubscriber(root, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.touchLocked(root)
	w.Subscribers[id] = struct{}{}
	return len(w.Subscribers)
}

func (r *workspaceRegistry) removeSubscriber(root, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[root]
	if !ok {
		return false
	}
	if _, ok := w.Subscribers[id]; !ok {
		return false
	}
	delete(w.Subscribers, id)
	return true
}

// remove evicts root and returns its context.
func (r *workspaceRegistry) remove(root string) (WorkspaceContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[root]
	if !ok {
		return WorkspaceContext{}, false
	}
	delete(r.workspaces, root)
	return *w, true
}

func (r *workspaceRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

// list returns copies of every context ordered by root.
func (r *workspaceRegistry) list() []WorkspaceContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkspaceContext, 0, len(r.workspaces))
	for _, root := range slices.Sorted(maps.Keys(r.workspaces)) {
		out = append(out, r.workspaces[root].clone())
	}
	return out
}

func (r *workspaceRegistry) persisted() []PersistedWorkspace {
	ws := r.list()
	out := make([]PersistedWorkspace, len(ws))
	for i, w := range ws {
		out[i] = PersistedWorkspace{
			Root:         w.Root,
			LastActivity: w.LastActivity,
			Subscribers:  len(w.Subscribers),
		}
	}
	return out
}
