package model

import "time"

// HealthStatus is the aggregated readiness classification of a tier.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "Healthy"
	StatusDegraded  HealthStatus = "Degraded"
	StatusUnhealthy HealthStatus = "Unhealthy"
)

// HealthVerdict is a point-in-time readiness verdict for one tier. It is
// valid for at most one polling interval and must never be cached across
// gating decisions.
type HealthVerdict struct {
	Tier      Tier
	Status    HealthStatus
	Ready     int32
	Desired   int32
	SampledAt time.Time
	// Reason carries probe-infrastructure detail when Status was forced to
	// Unhealthy by probe errors rather than application readiness.
	Reason string
}

// Healthy reports whether the verdict permits promotion.
func (v HealthVerdict) Healthy() bool {
	return v.Status == StatusHealthy
}
