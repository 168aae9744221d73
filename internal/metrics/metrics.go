package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchAttemptsTotal counts individual worker attempts by outcome.
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total number of per-worker dispatch attempts.",
		},
		[]string{"worker_id", "outcome"},
	)

	// DispatchRequestsTotal counts whole requests by terminal result.
	DispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Total number of dispatch requests by terminal result.",
		},
		[]string{"result"},
	)

	// WorkerHealthStatus reports classified health per worker:
	// 0 healthy, 1 degraded, 2 unhealthy.
	WorkerHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_health_status",
			Help: "Classified worker health: 0 healthy, 1 degraded, 2 unhealthy.",
		},
		[]string{"worker_id"},
	)

	// WorkerInFlight tracks the live in-flight assignment count.
	WorkerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_in_flight",
			Help: "Number of in-flight assignments per worker.",
		},
		[]string{"worker_id"},
	)

	// ProbesTotal counts liveness probes by result.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_probes_total",
			Help: "Total number of worker liveness probes.",
		},
		[]string{"worker_id", "result"},
	)

	// HttpRequestsTotal counts API requests handled by the service.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)
)
