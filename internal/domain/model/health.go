package model

// HealthVerdict is the derived operational health of the queue subsystem.
type HealthVerdict string

const (
	// HealthHealthy indicates the queue is operating within thresholds.
	HealthHealthy HealthVerdict = "healthy"
	// HealthDegraded indicates backlog or saturation thresholds are exceeded.
	HealthDegraded HealthVerdict = "degraded"
	// HealthUnhealthy indicates storage is unreachable or the success rate fell below the floor.
	HealthUnhealthy HealthVerdict = "unhealthy"
)

// HealthStatus aggregates queue depth, batch counts, and error rates for
// operational visibility. Read-only snapshot.
type HealthStatus struct {
	Verdict     HealthVerdict `json:"verdict"`
	Queue       QueueStats    `json:"queue"`
	Batches     BatchStats    `json:"batches"`
	ActiveCount int           `json:"active_count"`
	Ceiling     int           `json:"ceiling"`
	Utilization float64       `json:"utilization"`
	SuccessRate float64       `json:"success_rate"`
	Detail      string        `json:"detail,omitempty"`
}
