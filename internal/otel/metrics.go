package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gateway metric instruments. A nil *Metrics disables
// recording; callers nil-check the pointer before recording.
type Metrics struct {
	RunDuration       metric.Float64Histogram
	FirstTokenLatency metric.Float64Histogram
	LockWait          metric.Float64Histogram
	ActiveRuns        metric.Int64UpDownCounter
	QueuedJobs        metric.Int64UpDownCounter
	CompletedRuns     metric.Int64Counter
	CoalescerFlushes  metric.Int64Counter
	OutboundPayloads  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("lemongate.run.duration",
		metric.WithDescription("End-to-end run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FirstTokenLatency, err = meter.Float64Histogram("lemongate.run.first_token",
		metric.WithDescription("Latency from run start to first delta in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWait, err = meter.Float64Histogram("lemongate.lock.wait",
		metric.WithDescription("Engine lock acquisition wait in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("lemongate.runs.active",
		metric.WithDescription("Number of currently executing runs"),
	)
	if err != nil {
		return nil, err
	}

	m.QueuedJobs, err = meter.Int64UpDownCounter("lemongate.jobs.queued",
		metric.WithDescription("Number of jobs waiting in session queues"),
	)
	if err != nil {
		return nil, err
	}

	m.CompletedRuns, err = meter.Int64Counter("lemongate.runs.completed",
		metric.WithDescription("Total completed runs"),
	)
	if err != nil {
		return nil, err
	}

	m.CoalescerFlushes, err = meter.Int64Counter("lemongate.coalescer.flushes",
		metric.WithDescription("Total stream coalescer flushes"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboundPayloads, err = meter.Int64Counter("lemongate.outbound.payloads",
		metric.WithDescription("Total outbound payloads enqueued"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
