package server

import (
	"sync"
	"time"

	"github.com/alloyhq/alloy/internal/storage"
)

// Hub is the in-memory view of registered workers. It serves the
// heartbeat fast path; the database stays the source of truth for jobs.
type Hub struct {
	mu      sync.RWMutex
	workers map[string]*storage.Worker
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		workers: make(map[string]*storage.Worker),
	}
}

// Register adds or replaces a worker.
func (h *Hub) Register(w *storage.Worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[w.ID] = w
}

// Heartbeat updates a worker's load and liveness. Returns false if the
// worker is unknown.
func (h *Hub) Heartbeat(id string, currentJobs, capacity int, status storage.WorkerStatus, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.workers[id]
	if !ok {
		return false
	}
	w.CurrentJobs = currentJobs
	w.Capacity = capacity
	w.Status = status
	w.LastHeartbeat = at
	return true
}

// SetStatus updates a worker's status. Returns false if unknown.
func (h *Hub) SetStatus(id string, status storage.WorkerStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.workers[id]
	if !ok {
		return false
	}
	w.Status = status
	return true
}

// Get returns a copy of the worker, or false if unknown.
func (h *Hub) Get(id string) (storage.Worker, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.workers[id]
	if !ok {
		return storage.Worker{}, false
	}
	return *w, true
}

// List returns copies of all known workers.
func (h *Hub) List() []storage.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]storage.Worker, 0, len(h.workers))
	for _, w := range h.workers {
		out = append(out, *w)
	}
	return out
}
