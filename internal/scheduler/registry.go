package scheduler

import (
	"context"
	"sync"

	"spartan/internal/domain"
)

// Worker is the pair of functions a task name resolves to. Validate must be
// cheap and synchronous (no I/O); Execute may block on I/O and must tolerate
// being retried on a later tick.
type Worker struct {
	Validate func(t domain.TaskRecord) bool
	Execute  func(ctx context.Context, t domain.TaskRecord) error
}

// Registry maps task names to workers. It is rebuilt from scratch at every
// process start; last registration for a name wins.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

func (r *Registry) Register(name string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[name] = w
}

func (r *Registry) Lookup(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}
