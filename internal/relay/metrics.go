package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type relayMetrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Int64Histogram
	leases          metric.Int64Counter
	sessions        metric.Int64UpDownCounter
	dropped         metric.Int64Counter
	sweeps          metric.Int64Histogram
}

func newRelayMetrics(logger pslog.Logger) *relayMetrics {
	meter := otel.Meter("pkt.systems/editlock/relay")
	m := &relayMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"editlock.relay.requests",
		metric.WithDescription("Client requests handled"),
	)
	logMetricInitError(logger, "editlock.relay.requests", err)

	m.requestDuration, err = meter.Int64Histogram(
		"editlock.relay.request.duration_ms",
		metric.WithDescription("Client request handling duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "editlock.relay.request.duration_ms", err)

	m.leases, err = meter.Int64Counter(
		"editlock.relay.leases",
		metric.WithDescription("Lease transitions by outcome"),
	)
	logMetricInitError(logger, "editlock.relay.leases", err)

	m.sessions, err = meter.Int64UpDownCounter(
		"editlock.relay.sessions",
		metric.WithDescription("Attached subscriber sessions"),
	)
	logMetricInitError(logger, "editlock.relay.sessions", err)

	m.dropped, err = meter.Int64Counter(
		"editlock.relay.events.dropped",
		metric.WithDescription("Events that overflowed a session queue and closed the session"),
	)
	logMetricInitError(logger, "editlock.relay.events.dropped", err)

	m.sweeps, err = meter.Int64Histogram(
		"editlock.relay.sweep.expired",
		metric.WithDescription("Leases expired per sweep"),
	)
	logMetricInitError(logger, "editlock.relay.sweep.expired", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *relayMetrics) recordRequest(ctx context.Context, kind string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = AsFailure(err).Code
	}
	attrs := metric.WithAttributes(
		attribute.String("editlock.request", kind),
		attribute.String("editlock.outcome", outcome),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.requestDuration != nil {
		m.requestDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *relayMetrics) recordLease(ctx context.Context, outcome string) {
	if m == nil || m.leases == nil {
		return
	}
	m.leases.Add(ctx, 1, metric.WithAttributes(attribute.String("editlock.lease.outcome", outcome)))
}

func (m *relayMetrics) recordSession(ctx context.Context, delta int64) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, delta)
}

func (m *relayMetrics) recordDropped(ctx context.Context) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1)
}

func (m *relayMetrics) recordSweep(ctx context.Context, expired int) {
	if m == nil || m.sweeps == nil {
		return
	}
	m.sweeps.Record(ctx, int64(expired))
}
