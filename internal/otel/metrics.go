package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the core's metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	IngestAccepted  metric.Int64Counter
	IngestDeduped   metric.Int64Counter
	IngestNoRoute   metric.Int64Counter
	QueueDepth      metric.Int64UpDownCounter
	TaskDuration    metric.Float64Histogram
	TasksExecuted   metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksCancelled  metric.Int64Counter
	AgentDuration   metric.Float64Histogram
	SendErrors      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("dowhiz.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestAccepted, err = meter.Int64Counter("dowhiz.ingest.accepted",
		metric.WithDescription("Inbound messages accepted and enqueued"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestDeduped, err = meter.Int64Counter("dowhiz.ingest.deduped",
		metric.WithDescription("Inbound messages dropped as duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestNoRoute, err = meter.Int64Counter("dowhiz.ingest.no_route",
		metric.WithDescription("Inbound messages with no matching route"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("dowhiz.queue.depth",
		metric.WithDescription("Envelopes awaiting delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("dowhiz.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExecuted, err = meter.Int64Counter("dowhiz.task.executed",
		metric.WithDescription("Tasks executed to completion"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("dowhiz.task.failed",
		metric.WithDescription("Tasks that exhausted their attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("dowhiz.task.cancelled",
		metric.WithDescription("Tasks cancelled by thread-epoch preemption"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("dowhiz.agent.duration",
		metric.WithDescription("Agent invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SendErrors, err = meter.Int64Counter("dowhiz.send.errors",
		metric.WithDescription("Outbound send failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
