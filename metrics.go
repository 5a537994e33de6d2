package sqlbus

import "time"

// Metrics captures transport and outbox telemetry.
type Metrics interface {
	// ObserveBatchDuration records the time to forward an outbox batch.
	ObserveBatchDuration(duration time.Duration)
	// AddForwarded increments the count of outbox messages handed to the transport.
	AddForwarded(count int)
	// AddForwardErrors increments the count of outbox batches left for a later sweep.
	AddForwardErrors(count int)
	// AddPurged increments the count of expired queue rows removed by a janitor.
	AddPurged(count int)
	// AddRenewals increments the count of lease renewals.
	AddRenewals(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddForwarded implements Metrics.
func (NopMetrics) AddForwarded(int) {}

// AddForwardErrors implements Metrics.
func (NopMetrics) AddForwardErrors(int) {}

// AddPurged implements Metrics.
func (NopMetrics) AddPurged(int) {}

// AddRenewals implements Metrics.
func (NopMetrics) AddRenewals(int) {}
