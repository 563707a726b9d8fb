package replication

import "time"

// Metrics receives pipeline measurements. internal/infrastructure/metrics implements it.
type Metrics interface {
	EventApplied(entityType string, op Operation)
	EventFailed(entityType string)
	BatchShipped(tenantID int64, sent, acked int, elapsed time.Duration)
	ShipFailed(tenantID int64)
}

type nopMetrics struct{}

func (nopMetrics) EventApplied(string, Operation)              {}
func (nopMetrics) EventFailed(string)                          {}
func (nopMetrics) BatchShipped(int64, int, int, time.Duration) {}
func (nopMetrics) ShipFailed(int64)                            {}
