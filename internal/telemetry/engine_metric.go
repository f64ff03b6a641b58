package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds all the metric instruments for the storage engine.
type EngineMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
}

// NewEngineMetrics creates and registers all the metrics for the storage
// engine. Callers record one started/handled pair per operation and tag
// both with an "op" attribute (put, get, delete, scan, clear).
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	opsStartedCounter, err := meter.Int64Counter(
		"yadb.engine.ops.started_total",
		metric.WithDescription("Total number of engine operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandledCounter, err := meter.Int64Counter(
		"yadb.engine.ops.handled_total",
		metric.WithDescription("Total number of engine operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Int64Histogram(
		"yadb.engine.op.duration",
		metric.WithDescription("The latency of engine operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeOpsUpDownCounter, err := meter.Int64UpDownCounter(
		"yadb.engine.active_ops",
		metric.WithDescription("Number of operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		OpsStartedCounter:      opsStartedCounter,
		OpsHandledCounter:      opsHandledCounter,
		OpLatencyHistogram:     opLatencyHistogram,
		ActiveOpsUpDownCounter: activeOpsUpDownCounter,
	}, nil
}
