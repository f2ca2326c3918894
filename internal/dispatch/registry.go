package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/Qingzheng-Wang/starship-audio/internal/protocol"
)

// record is the registry's view of one worker.
type record struct {
	id       string
	zone     string
	lastSeen time.Time
	task     string // task currently held, "" when idle
	dead     bool
}

// Registry tracks which workers are alive and what they hold. Workers are
// never pre-registered; the first poll or heartbeat creates the record.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*record),
	}
}

// Touch records a sign of life from a worker, creating the record on first
// contact. A worker that was marked dead comes back alive; its reclaimed task
// stays reclaimed, the worker just gets fresh assignments again. An empty
// zone leaves any previously reported zone in place.
func (r *Registry) Touch(workerID, zone string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		w = &record{id: workerID}
		r.workers[workerID] = w
	}
	if zone != "" {
		w.zone = zone
	}
	w.lastSeen = at
	w.dead = false
}

// SetTask notes that a worker now holds the given task.
func (r *Registry) SetTask(workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[workerID]; ok {
		w.task = taskID
	}
}

// ClearTask notes that a worker no longer holds a task.
func (r *Registry) ClearTask(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[workerID]; ok {
		w.task = ""
	}
}

// Reaped names a worker declared dead and the task it was holding, if any.
type Reaped struct {
	Worker string
	Task   string
}

// DetectDead marks every worker whose last sign of life is older than timeout
// as dead and returns what was taken from them. Workers already marked dead
// are skipped, so a worker is reaped once per silence; a later Touch revives
// it and arms the check again.
func (r *Registry) DetectDead(now time.Time, timeout time.Duration) []Reaped {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []Reaped
	for _, w := range r.workers {
		if w.dead {
			continue
		}
		if now.Sub(w.lastSeen) > timeout {
			w.dead = true
			reaped = append(reaped, Reaped{Worker: w.id, Task: w.task})
			w.task = ""
		}
	}
	return reaped
}

// Workers returns a snapshot of all known workers, sorted by ID.
func (r *Registry) Workers() []protocol.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, protocol.WorkerInfo{
			ID:       w.id,
			Zone:     w.zone,
			Task:     w.task,
			LastSeen: w.lastSeen,
			Dead:     w.dead,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
