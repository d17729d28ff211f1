package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	recordsProcessed    metric.Int64Counter
	recordsRetried      metric.Int64Counter
	recordsDeadLettered metric.Int64Counter
	leaseConflicts      metric.Int64Counter
	stateUpdateFailed   metric.Int64Counter
	dispatchLatency     metric.Float64Histogram
	claimed             metric.Int64Gauge
	backlog             metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("orchestrator.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&metrics.recordsProcessed, "outbox.records.processed", "Records delivered to every matching handler"},
		{&metrics.recordsRetried, "outbox.records.retried", "Records rescheduled after a failed delivery"},
		{&metrics.recordsDeadLettered, "outbox.records.dead_lettered", "Records moved to dead-letter"},
		{&metrics.leaseConflicts, "outbox.records.lease_conflicts", "Outcome writes rejected because the lease was lost"},
		{&metrics.stateUpdateFailed, "outbox.records.state_update_failed", "Outcome writes that failed for other reasons"},
	}

	for _, counter := range counters {
		*counter.target, err = meter.Int64Counter(
			counter.name,
			metric.WithDescription(counter.description),
			metric.WithUnit("{record}"),
		)
		if err != nil {
			return dispatcherMetrics{}, fmt.Errorf("create %s counter: %w", counter.name, err)
		}
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.claimed, err = meter.Int64Gauge(
		"outbox.dispatch.claimed",
		metric.WithDescription("Records leased in the last claim"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.claimed gauge: %w", err)
	}

	metrics.backlog, err = meter.Int64Gauge(
		"outbox.backlog",
		metric.WithDescription("Records not yet processed or dead-lettered"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.backlog gauge: %w", err)
	}

	return metrics, nil
}
