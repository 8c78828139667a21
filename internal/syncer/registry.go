package syncer

import (
	"sync"
	"time"
)

type registryEntry struct {
	progress        Progress
	cancelRequested bool
	// expiresAt is zero until the run reaches a terminal state
	expiresAt time.Time
}

// Registry is the concurrent map of in-flight runs, read by progress
// pollers while each run's owning goroutine writes. Terminal entries stay
// readable for the retention window and are dropped lazily on read or by
// Sweep. The clock is injected so eviction is testable without timers.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registryEntry
	retention time.Duration
	clock     func() time.Time
}

// NewRegistry creates a registry with the given terminal-entry retention.
// A nil clock defaults to time.Now.
func NewRegistry(retention time.Duration, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		entries:   make(map[string]*registryEntry),
		retention: retention,
		clock:     clock,
	}
}

// Put registers a new run.
func (r *Registry) Put(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.RunID] = &registryEntry{progress: p}
}

// Update mutates a run's progress through fn. Updates against a terminal
// entry are ignored: the terminal state is set exactly once.
func (r *Registry) Update(runID string, fn func(*Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok || e.progress.State.Terminal() {
		return
	}
	fn(&e.progress)
}

// Finish moves a run to a terminal state. Returns false when the run is
// unknown or already terminal.
func (r *Registry) Finish(runID string, state State, errMsg string) bool {
	if !state.Terminal() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok || e.progress.State.Terminal() {
		return false
	}
	e.progress.State = state
	e.progress.Error = errMsg
	e.expiresAt = r.clock().Add(r.retention)
	return true
}

// Get returns a snapshot of a run's progress.
func (r *Registry) Get(runID string) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok {
		return Progress{}, false
	}
	if r.expired(e) {
		delete(r.entries, runID)
		return Progress{}, false
	}
	return e.progress, true
}

// Cancel requests cooperative cancellation. The orchestrator observes it at
// the next page boundary; the state flips only when the run honors it.
// Returns false for unknown or already-terminal runs.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok || e.progress.State.Terminal() {
		return false
	}
	e.cancelRequested = true
	return true
}

// CancelRequested reports whether Cancel was called for the run.
func (r *Registry) CancelRequested(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[runID]
	return ok && e.cancelRequested
}

// ListActive returns snapshots of all non-terminal runs.
func (r *Registry) ListActive() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []Progress
	for id, e := range r.entries {
		if r.expired(e) {
			delete(r.entries, id)
			continue
		}
		if !e.progress.State.Terminal() {
			active = append(active, e.progress)
		}
	}
	return active
}

// Sweep drops expired terminal entries. Main runs it on a ticker.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if r.expired(e) {
			delete(r.entries, id)
		}
	}
}

func (r *Registry) expired(e *registryEntry) bool {
	return !e.expiresAt.IsZero() && r.clock().After(e.expiresAt)
}
