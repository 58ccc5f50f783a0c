// Package registry holds the authoritative in-memory set of sessions
// that are pending or active. Every membership check and state write is
// a single step under one mutex: the historical duplicate-launch race
// came from checking existence and marking started as two operations
// with a process launch in between.
package registry

import (
	"errors"
	"sync"

	"github.com/psantana5/sessiond/pkg/models"
	"github.com/psantana5/sessiond/pkg/worker"
)

var (
	ErrAlreadyActive  = errors.New("session already active")
	ErrAlreadyPending = errors.New("session setup already in progress")
	ErrNotPending     = errors.New("session is not pending")
	ErrNotDestroying  = errors.New("session is not being destroyed")
)

type entry struct {
	state  models.SessionState
	handle worker.Worker
}

// Registry is the authoritative session set
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// TryBeginSetup atomically reserves a key for setup. It fails with
// ErrAlreadyActive or ErrAlreadyPending if the key is taken; otherwise
// the key transitions to pending and the caller owns the reservation.
func (r *Registry) TryBeginSetup(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		switch e.state {
		case models.StateActive, models.StateDestroying:
			return ErrAlreadyActive
		case models.StatePending:
			return ErrAlreadyPending
		}
	}
	r.entries[key] = &entry{state: models.StatePending}
	return nil
}

// CompleteSetup transitions a pending key to active and stores its
// handle. Only the owner of the pending reservation may call it.
func (r *Registry) CompleteSetup(key string, handle worker.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state != models.StatePending {
		return ErrNotPending
	}
	e.state = models.StateActive
	e.handle = handle
	return nil
}

// AbortSetup drops a pending reservation, discarding any partial handle.
// A no-op if the key is not pending.
func (r *Registry) AbortSetup(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && e.state == models.StatePending {
		delete(r.entries, key)
	}
}

// BeginTeardown transitions an active or pending key to destroying and
// returns its handle for reaping. Returns ok=false if the key was
// already absent; the handle may be nil for a pending entry that never
// completed its launch.
func (r *Registry) BeginTeardown(key string) (worker.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state == models.StateDestroying {
		return nil, false
	}
	e.state = models.StateDestroying
	return e.handle, true
}

// FinishTeardown removes a destroying entry, reverting the key to
// absent.
func (r *Registry) FinishTeardown(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	if e.state != models.StateDestroying {
		return ErrNotDestroying
	}
	delete(r.entries, key)
	return nil
}

// Handle returns the worker handle for a key, if any.
func (r *Registry) Handle(key string) (worker.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// State returns the current state of a key (StateAbsent if unknown).
func (r *Registry) State(key string) models.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e.state
	}
	return models.StateAbsent
}

// Keys returns a snapshot of all registered keys.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// ActiveProcessIDs returns the PIDs owned by all registered entries.
// The reaper consults this set before touching any on-disk PID: a PID
// in here belongs to live work, no matter which key's lock artifact
// names it.
func (r *Registry) ActiveProcessIDs() map[int]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	pids := make(map[int]struct{})
	for _, e := range r.entries {
		if e.handle == nil {
			continue
		}
		if pid := e.handle.PID(); pid > 0 {
			pids[pid] = struct{}{}
		}
	}
	return pids
}

// Snapshot returns SessionInfo for every registered key.
func (r *Registry) Snapshot() []models.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]models.SessionInfo, 0, len(r.entries))
	for k, e := range r.entries {
		info := models.SessionInfo{Key: k, State: e.state}
		if e.handle != nil {
			info.PID = e.handle.PID()
		}
		infos = append(infos, info)
	}
	return infos
}
