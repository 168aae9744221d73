// Package workload maintains live in-flight and recent-window counts per
// worker, used to load-balance equal-priority candidates.
package workload

import (
	"sync"

	"capdispatch/internal/metrics"
)

// Tracker counts in-flight and recent assignments per worker.
type Tracker struct {
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	inFlight int
	windowed int
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{counters: make(map[string]*counter)}
}

// Token ends exactly one in-flight attempt. End is idempotent, so error
// paths cannot double-decrement a counter below zero.
type Token struct {
	t        *Tracker
	workerID string
	once     sync.Once
}

// End marks the attempt complete.
func (tok *Token) End() {
	tok.once.Do(func() {
		tok.t.mu.Lock()
		defer tok.t.mu.Unlock()
		if c, ok := tok.t.counters[tok.workerID]; ok && c.inFlight > 0 {
			c.inFlight--
			metrics.WorkerInFlight.WithLabelValues(tok.workerID).Dec()
		}
	})
}

// Begin records the start of a dispatch attempt on a worker and returns
// the token that ends it.
func (t *Tracker) Begin(workerID string) *Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[workerID]
	if !ok {
		c = &counter{}
		t.counters[workerID] = c
	}
	c.inFlight++
	c.windowed++
	metrics.WorkerInFlight.WithLabelValues(workerID).Inc()
	return &Token{t: t, workerID: workerID}
}

// InFlight returns the current in-flight count for a worker.
func (t *Tracker) InFlight(workerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[workerID]; ok {
		return c.inFlight
	}
	return 0
}

// WindowedCount returns the decayed recent-assignment count.
func (t *Tracker) WindowedCount(workerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[workerID]; ok {
		return c.windowed
	}
	return 0
}

// Decay halves every windowed count. Run once per configured window so
// bursty-but-finished traffic stops biasing routing against a worker
// that is idle again.
func (t *Tracker) Decay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.counters {
		c.windowed /= 2
	}
}
