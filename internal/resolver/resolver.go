// Package resolver computes the ordered candidate list for a work
// request from the configured fallback chain, the current health
// snapshot, and live workload.
package resolver

import (
	"log/slog"
	"sort"
	"sync"

	"capdispatch/internal/domain"
)

// WorkerSource is the registry view the resolver needs.
type WorkerSource interface {
	Get(id string) (*domain.Worker, error)
	ListByCapability(tag string) []*domain.Worker
	Seq(id string) uint64
}

// HealthSource supplies point-in-time health snapshots.
type HealthSource interface {
	Snapshot(workerID string) *domain.HealthRecord
}

// LoadSource supplies live in-flight counts.
type LoadSource interface {
	InFlight(workerID string) int
}

// Resolver produces candidate orders. The ordering is a deterministic,
// total function of the current registry, health, and workload state;
// no randomness, so behavior is reproducible given a fixed snapshot.
type Resolver struct {
	source WorkerSource
	health HealthSource
	load   LoadSource
	logger *slog.Logger

	mu     sync.RWMutex
	chains map[string]*domain.FallbackChain
}

// New creates a resolver with the given chains.
func New(source WorkerSource, health HealthSource, load LoadSource, chains []*domain.FallbackChain, logger *slog.Logger) *Resolver {
	r := &Resolver{
		source: source,
		health: health,
		load:   load,
		logger: logger.With("component", "resolver"),
		chains: make(map[string]*domain.FallbackChain),
	}
	r.SetChains(chains)
	return r
}

// SetChains replaces the configured chains. Chains are immutable once
// installed; a config reload installs a fresh set.
func (r *Resolver) SetChains(chains []*domain.FallbackChain) {
	next := make(map[string]*domain.FallbackChain, len(chains))
	for _, c := range chains {
		next[c.Category] = c
	}
	r.mu.Lock()
	r.chains = next
	r.mu.Unlock()
}

// Chain returns the chain configured for a category, if any.
func (r *Resolver) Chain(category string) (*domain.FallbackChain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[category]
	return c, ok
}

// Resolve returns the ordered candidates for the request, truncated to
// its attempt bound. Unhealthy workers are deprioritized, never dropped:
// a total outage should still attempt something rather than fail fast.
func (r *Resolver) Resolve(req *domain.WorkRequest) []*domain.Worker {
	candidates := r.gather(req)

	var healthy, degraded, unhealthy []*domain.Worker
	for _, w := range candidates {
		if !w.HasAllCapabilities(req.RequiredCapabilities) {
			continue
		}
		switch r.health.Snapshot(w.ID).Status {
		case domain.HealthStatusHealthy:
			healthy = append(healthy, w)
		case domain.HealthStatusDegraded:
			degraded = append(degraded, w)
		default:
			unhealthy = append(unhealthy, w)
		}
	}

	r.sortPartition(healthy)
	r.sortPartition(degraded)
	r.sortPartition(unhealthy)

	ordered := make([]*domain.Worker, 0, len(healthy)+len(degraded)+len(unhealthy))
	ordered = append(ordered, healthy...)
	ordered = append(ordered, degraded...)
	ordered = append(ordered, unhealthy...)

	if req.MaxAttempts > 0 && len(ordered) > req.MaxAttempts {
		ordered = ordered[:req.MaxAttempts]
	}
	return ordered
}

// gather collects the raw candidate pool: the chain for the category,
// with tag entries expanded, or the capability listing when the request
// is capability-bound and no chain covers it. Chains restrict
// capability-bound requests to chain members when both are present.
func (r *Resolver) gather(req *domain.WorkRequest) []*domain.Worker {
	chain, hasChain := r.Chain(req.Category)

	if !hasChain {
		if len(req.RequiredCapabilities) == 0 {
			return nil
		}
		return r.source.ListByCapability(req.RequiredCapabilities[0])
	}

	seen := make(map[string]bool)
	var out []*domain.Worker
	add := func(w *domain.Worker) {
		if !seen[w.ID] {
			seen[w.ID] = true
			out = append(out, w)
		}
	}
	for _, entry := range chain.Entries {
		if tag, ok := domain.IsTagEntry(entry); ok {
			for _, w := range r.source.ListByCapability(tag) {
				add(w)
			}
			continue
		}
		w, err := r.source.Get(entry)
		if err != nil {
			r.logger.Warn("chain references unknown worker", "category", chain.Category, "worker_id", entry)
			continue
		}
		add(w)
	}
	return out
}

// sortPartition orders one health partition by priority tier, then
// in-flight load, then registration order. The load tie-break balances
// equal-priority workers; the registration tie-break keeps the order
// total and stable. Load and sequence are captured once up front so the
// comparator stays consistent while concurrent dispatches move counters.
func (r *Resolver) sortPartition(ws []*domain.Worker) {
	type key struct {
		load int
		seq  uint64
	}
	keys := make(map[string]key, len(ws))
	for _, w := range ws {
		keys[w.ID] = key{load: r.load.InFlight(w.ID), seq: r.source.Seq(w.ID)}
	}
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].PriorityTier != ws[j].PriorityTier {
			return ws[i].PriorityTier < ws[j].PriorityTier
		}
		ki, kj := keys[ws[i].ID], keys[ws[j].ID]
		if ki.load != kj.load {
			return ki.load < kj.load
		}
		return ki.seq < kj.seq
	})
}
