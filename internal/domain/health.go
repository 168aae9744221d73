package domain

import "time"

// HealthStatus classifies a worker's current health.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthRecord is the point-in-time health snapshot of one worker,
// owned and mutated exclusively by the health monitor. Status is
// recomputed from ConsecutiveFailures and staleness on every snapshot,
// never stored.
type HealthRecord struct {
	WorkerID            string       `json:"worker_id"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastLatencyMs       int64        `json:"last_latency_ms,omitempty"`
	LastCheckedAt       time.Time    `json:"last_checked_at,omitzero"`
	LastErrorMessage    string       `json:"last_error_message,omitempty"`
}

// NeverObservedReason is the sentinel cause reported for workers that
// have no health history at all.
const NeverObservedReason = "never observed"
