package otelx

import "go.opentelemetry.io/otel/metric"

// Metrics holds the coordinator's metric instruments, trimmed to the two
// concerns this daemon actually measures: HTTP request duration and queue
// wait latency (§4.7, §4.8).
type Metrics struct {
	RequestDuration metric.Float64Histogram
	QueueWaitMs     metric.Float64Histogram
	DroppedEvents   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("pushpals.coordinator.request.duration",
		metric.WithDescription("Coordinator HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueWaitMs, err = meter.Float64Histogram("pushpals.queue.wait",
		metric.WithDescription("Time a request/job spent pending before being claimed, in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedEvents, err = meter.Int64Counter("pushpals.bus.dropped_events",
		metric.WithDescription("Bus deliveries dropped due to a full subscriber buffer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
