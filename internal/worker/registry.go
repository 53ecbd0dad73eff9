package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateWorker is returned when a worker id is registered twice.
var ErrDuplicateWorker = errors.New("worker already registered")

type registration struct {
	worker Worker
	seq    uint64
}

// Registry holds registered workers and answers which of them can take more
// work. Iteration order is registration order.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]registration
	nextSeq uint64
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]registration),
	}
}

type binder interface {
	Bind(w Worker)
}

// Register adds a worker under its id. Workers embedding *Base are bound to
// themselves so that an overriding Accepts also governs Start.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[w.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.ID())
	}
	if b, ok := w.(binder); ok {
		b.Bind(w)
	}
	r.workers[w.ID()] = registration{worker: w, seq: r.nextSeq}
	r.nextSeq++
	return nil
}

// Unregister removes the worker with the given id and returns it.
func (r *Registry) Unregister(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	delete(r.workers, id)
	return reg.worker, true
}

// Get returns the worker with the given id.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.workers[id]
	return reg.worker, ok
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// List returns all registered workers in registration order.
func (r *Registry) List() []Worker {
	return r.filter(func(Worker) bool { return true })
}

// Available returns the workers with spare capacity, in registration order.
func (r *Registry) Available() []Worker {
	return r.filter(HasSpareCapacity)
}

// ByCapability returns the workers that declare capability and have spare
// capacity, in registration order.
func (r *Registry) ByCapability(capability string) []Worker {
	return r.filter(func(w Worker) bool {
		if !HasSpareCapacity(w) {
			return false
		}
		for _, c := range w.Capabilities() {
			if c == capability {
				return true
			}
		}
		return false
	})
}

// Snapshot returns the stats of every registered worker in registration order.
func (r *Registry) Snapshot() []Stats {
	workers := r.List()
	stats := make([]Stats, len(workers))
	for i, w := range workers {
		stats[i] = w.Stats()
	}
	return stats
}

func (r *Registry) filter(keep func(Worker) bool) []Worker {
	r.mu.RLock()
	regs := make([]registration, 0, len(r.workers))
	for _, reg := range r.workers {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool {
		return regs[i].seq < regs[j].seq
	})

	out := make([]Worker, 0, len(regs))
	for _, reg := range regs {
		if keep(reg.worker) {
			out = append(out, reg.worker)
		}
	}
	return out
}

// HasSpareCapacity reports whether w can reserve another slot.
func HasSpareCapacity(w Worker) bool {
	return w.Load() < w.MaxConcurrent()
}
