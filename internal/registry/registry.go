// Package registry holds the set of registered workers and their static
// capability metadata. Dispatch-path reads are lock-free snapshots;
// registration swaps a new snapshot in under a brief exclusive lock, so
// a slow registration never blocks live traffic.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"capdispatch/internal/domain"
)

type entry struct {
	worker *domain.Worker
	// seq is the registration sequence number, used as the final
	// tie-break in candidate ordering. Re-registering the same id keeps
	// the original seq so a config reload does not reshuffle ties.
	seq uint64
}

type snapshot struct {
	byID  map[string]entry
	order []string // ids in registration order
}

// Registry is the worker registry.
type Registry struct {
	mu      sync.Mutex // guards writers
	nextSeq uint64
	snap    atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger.With("component", "registry")}
	r.snap.Store(&snapshot{byID: map[string]entry{}})
	return r
}

// Register adds a worker, or atomically replaces the definition when the
// id is already registered. Health and workload state live outside the
// registry keyed by id, so a warm worker keeps its trust score across a
// benign config reload.
func (r *Registry) Register(w *domain.Worker) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if w.Exclusive || r.hasExclusive(cur) {
		if err := r.checkExclusivity(cur, w); err != nil {
			return err
		}
	}

	next := &snapshot{
		byID:  make(map[string]entry, len(cur.byID)+1),
		order: cur.order,
	}
	for id, e := range cur.byID {
		next.byID[id] = e
	}

	if prev, ok := cur.byID[w.ID]; ok {
		next.byID[w.ID] = entry{worker: w, seq: prev.seq}
		r.logger.Info("worker definition replaced", "worker_id", w.ID)
	} else {
		next.byID[w.ID] = entry{worker: w, seq: r.nextSeq}
		r.nextSeq++
		next.order = append(append([]string{}, cur.order...), w.ID)
		r.logger.Info("worker registered", "worker_id", w.ID, "kind", w.Kind, "tier", w.PriorityTier)
	}

	r.snap.Store(next)
	return nil
}

// Deregister removes a worker. Used by the dynamic worker watcher when a
// definition disappears from the backing store.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byID[id]; !ok {
		return
	}

	next := &snapshot{byID: make(map[string]entry, len(cur.byID)-1)}
	for wid, e := range cur.byID {
		if wid != id {
			next.byID[wid] = e
		}
	}
	for _, wid := range cur.order {
		if wid != id {
			next.order = append(next.order, wid)
		}
	}

	r.snap.Store(next)
	r.logger.Info("worker deregistered", "worker_id", id)
}

// Get returns the worker for id, or domain.ErrWorkerNotFound.
func (r *Registry) Get(id string) (*domain.Worker, error) {
	if e, ok := r.snap.Load().byID[id]; ok {
		return e.worker, nil
	}
	return nil, fmt.Errorf("worker %q: %w", id, domain.ErrWorkerNotFound)
}

// List returns all workers in registration order.
func (r *Registry) List() []*domain.Worker {
	snap := r.snap.Load()
	workers := make([]*domain.Worker, 0, len(snap.order))
	for _, id := range snap.order {
		workers = append(workers, snap.byID[id].worker)
	}
	return workers
}

// ListByCapability returns workers carrying tag, ordered by priority tier
// ascending with ties broken by registration order. The order is stable
// and deterministic.
func (r *Registry) ListByCapability(tag string) []*domain.Worker {
	snap := r.snap.Load()
	type cand struct {
		w   *domain.Worker
		seq uint64
	}
	var cands []cand
	for _, id := range snap.order {
		e := snap.byID[id]
		if e.worker.HasCapability(tag) {
			cands = append(cands, cand{w: e.worker, seq: e.seq})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].w.PriorityTier != cands[j].w.PriorityTier {
			return cands[i].w.PriorityTier < cands[j].w.PriorityTier
		}
		return cands[i].seq < cands[j].seq
	})
	workers := make([]*domain.Worker, len(cands))
	for i, c := range cands {
		workers[i] = c.w
	}
	return workers
}

// Seq returns the registration sequence number for id. Unknown ids sort
// last.
func (r *Registry) Seq(id string) uint64 {
	if e, ok := r.snap.Load().byID[id]; ok {
		return e.seq
	}
	return ^uint64(0)
}

func (r *Registry) hasExclusive(snap *snapshot) bool {
	for _, e := range snap.byID {
		if e.worker.Exclusive {
			return true
		}
	}
	return false
}

func (r *Registry) checkExclusivity(snap *snapshot, w *domain.Worker) error {
	for _, e := range snap.byID {
		other := e.worker
		if other.ID == w.ID || (!other.Exclusive && !w.Exclusive) {
			continue
		}
		for _, tag := range w.Capabilities {
			if other.HasCapability(tag) {
				return fmt.Errorf("workers %s and %s both claim capability %q exclusively: %w",
					w.ID, other.ID, tag, domain.ErrCapabilityConflict)
			}
		}
	}
	return nil
}
