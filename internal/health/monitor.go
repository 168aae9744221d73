// Package health keeps each worker's health record fresh and classifies
// status from recent outcomes and staleness.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"capdispatch/internal/domain"
	"capdispatch/internal/metrics"
)

// WorkerSource is the registry view the monitor needs.
type WorkerSource interface {
	Get(id string) (*domain.Worker, error)
	List() []*domain.Worker
}

// Thresholds maps consecutive failure counts to classified status.
type Thresholds struct {
	// Degraded is the failure count at which a worker is degraded.
	Degraded int
	// Unhealthy is the failure count at which a worker is unhealthy.
	Unhealthy int
}

// DefaultThresholds classifies 0 failures healthy, 1-2 degraded, >=3
// unhealthy.
var DefaultThresholds = Thresholds{Degraded: 1, Unhealthy: 3}

// Options tunes the monitor.
type Options struct {
	Thresholds Thresholds
	// StaleAfter downgrades a worker to unhealthy when its record is
	// older than this bound, so silence is treated as failure.
	StaleAfter   time.Duration
	ProbeTimeout time.Duration
}

type state struct {
	consecutiveFailures int
	lastLatency         time.Duration
	lastCheckedAt       time.Time
	lastError           string
	observed            bool
	probePending        bool
}

// Monitor owns every HealthRecord. Updates come from the background
// probe loop and from real dispatch outcomes, so actual traffic
// contributes to health between probes.
type Monitor struct {
	source   WorkerSource
	invokers map[domain.WorkerKind]domain.Invoker
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*state
	staleCh chan string
}

// NewMonitor creates a monitor over the given worker source and per-kind
// invokers.
func NewMonitor(source WorkerSource, invokers map[domain.WorkerKind]domain.Invoker, opts Options, logger *slog.Logger) *Monitor {
	if opts.Thresholds.Unhealthy == 0 {
		opts.Thresholds = DefaultThresholds
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	return &Monitor{
		source:   source,
		invokers: invokers,
		opts:     opts,
		logger:   logger.With("component", "health-monitor"),
		now:      time.Now,
		records:  make(map[string]*state),
		staleCh:  make(chan string, 64),
	}
}

// Start launches the stale-record prober. ProbeAll is driven separately
// by the engine's periodic schedule.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-m.staleCh:
				if _, err := m.Probe(ctx, id); err != nil {
					m.logger.Debug("stale probe skipped", "worker_id", id, "error", err)
				}
				m.mu.Lock()
				if st, ok := m.records[id]; ok {
					st.probePending = false
				}
				m.mu.Unlock()
			}
		}
	}()
}

// Probe runs a lightweight liveness check against the worker. The only
// error it returns is for an unknown worker or missing invoker; a failed
// probe is absorbed into the health record.
func (m *Monitor) Probe(ctx context.Context, workerID string) (*domain.HealthRecord, error) {
	w, err := m.source.Get(workerID)
	if err != nil {
		return nil, err
	}
	invoker, ok := m.invokers[w.Kind]
	if !ok {
		return nil, domain.ErrWorkerNotFound
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	start := m.now()
	probeErr := invoker.Probe(probeCtx, w)
	latency := m.now().Sub(start)

	if probeErr != nil {
		m.logger.Warn("probe failed", "worker_id", workerID, "error", probeErr)
		metrics.ProbesTotal.WithLabelValues(workerID, "failure").Inc()
		m.RecordOutcome(workerID, false, latency, probeErr.Error())
	} else {
		metrics.ProbesTotal.WithLabelValues(workerID, "success").Inc()
		m.RecordOutcome(workerID, true, latency, "")
	}
	return m.Snapshot(workerID), nil
}

// ProbeAll probes every registered worker once. Probe failures only
// affect health records; they never propagate.
func (m *Monitor) ProbeAll(ctx context.Context) {
	for _, w := range m.source.List() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Probe(ctx, w.ID); err != nil {
			m.logger.Warn("probe skipped", "worker_id", w.ID, "error", err)
		}
	}
}

// RecordOutcome folds a real invocation result (or probe result) into
// the worker's health record. Any success resets the failure counter.
func (m *Monitor) RecordOutcome(workerID string, success bool, latency time.Duration, errDetail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.records[workerID]
	if !ok {
		st = &state{}
		m.records[workerID] = st
	}
	st.observed = true
	st.lastCheckedAt = m.now()
	st.lastLatency = latency
	if success {
		st.consecutiveFailures = 0
		st.lastError = ""
	} else {
		st.consecutiveFailures++
		st.lastError = errDetail
	}
	m.publishStatus(workerID, m.classifyLocked(st))
}

// Snapshot recomputes and returns the worker's current health record.
// It never fails: an unknown or never-probed worker reports unhealthy
// with a sentinel reason. A stale record additionally queues a fresh
// probe.
func (m *Monitor) Snapshot(workerID string) *domain.HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.records[workerID]
	if !ok || !st.observed {
		return &domain.HealthRecord{
			WorkerID:         workerID,
			Status:           domain.HealthStatusUnhealthy,
			LastErrorMessage: domain.NeverObservedReason,
		}
	}

	status := m.classifyLocked(st)
	if m.isStaleLocked(st) && !st.probePending {
		st.probePending = true
		select {
		case m.staleCh <- workerID:
		default:
			st.probePending = false
		}
	}

	return &domain.HealthRecord{
		WorkerID:            workerID,
		Status:              status,
		ConsecutiveFailures: st.consecutiveFailures,
		LastLatencyMs:       st.lastLatency.Milliseconds(),
		LastCheckedAt:       st.lastCheckedAt,
		LastErrorMessage:    st.lastError,
	}
}

// SnapshotAll returns the health record of every registered worker.
func (m *Monitor) SnapshotAll() map[string]*domain.HealthRecord {
	out := make(map[string]*domain.HealthRecord)
	for _, w := range m.source.List() {
		out[w.ID] = m.Snapshot(w.ID)
	}
	return out
}

// classifyLocked derives status purely from the failure counter and
// staleness. Callers hold m.mu.
func (m *Monitor) classifyLocked(st *state) domain.HealthStatus {
	if m.isStaleLocked(st) {
		return domain.HealthStatusUnhealthy
	}
	switch {
	case st.consecutiveFailures >= m.opts.Thresholds.Unhealthy:
		return domain.HealthStatusUnhealthy
	case st.consecutiveFailures >= m.opts.Thresholds.Degraded:
		return domain.HealthStatusDegraded
	default:
		return domain.HealthStatusHealthy
	}
}

func (m *Monitor) isStaleLocked(st *state) bool {
	return m.opts.StaleAfter > 0 && m.now().Sub(st.lastCheckedAt) > m.opts.StaleAfter
}

func (m *Monitor) publishStatus(workerID string, status domain.HealthStatus) {
	var v float64
	switch status {
	case domain.HealthStatusDegraded:
		v = 1
	case domain.HealthStatusUnhealthy:
		v = 2
	}
	metrics.WorkerHealthStatus.WithLabelValues(workerID).Set(v)
}
