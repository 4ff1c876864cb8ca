package coordinator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	events     metric.Int64Counter
	dispatches metric.Int64Counter
	heartbeats metric.Int64Counter
	displaced  metric.Int64Counter
	inactive   metric.Int64Counter
}

func newCoordinatorMetrics(logger pslog.Logger) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/editlock/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.events, err = meter.Int64Counter(
		"editlock.coordinator.events",
		metric.WithDescription("Inbound lock events handled"),
	)
	logMetricInitError(logger, "editlock.coordinator.events", err)

	m.dispatches, err = meter.Int64Counter(
		"editlock.coordinator.dispatches",
		metric.WithDescription("Outbound lock requests"),
	)
	logMetricInitError(logger, "editlock.coordinator.dispatches", err)

	m.heartbeats, err = meter.Int64Counter(
		"editlock.coordinator.heartbeats",
		metric.WithDescription("Lock heartbeats sent"),
	)
	logMetricInitError(logger, "editlock.coordinator.heartbeats", err)

	m.displaced, err = meter.Int64Counter(
		"editlock.coordinator.displaced",
		metric.WithDescription("Locks taken from this window by an override"),
	)
	logMetricInitError(logger, "editlock.coordinator.displaced", err)

	m.inactive, err = meter.Int64Counter(
		"editlock.coordinator.inactive",
		metric.WithDescription("Edit sessions paused for inactivity"),
	)
	logMetricInitError(logger, "editlock.coordinator.inactive", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *coordinatorMetrics) recordEvent(ctx context.Context, kind string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("editlock.event", kind)))
}

func (m *coordinatorMetrics) recordDispatch(ctx context.Context, kind string, err error) {
	if m == nil || m.dispatches == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("editlock.request", kind),
		attribute.String("editlock.outcome", outcome),
	))
}

func (m *coordinatorMetrics) recordHeartbeat(ctx context.Context) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1)
}

func (m *coordinatorMetrics) recordDisplaced(ctx context.Context) {
	if m == nil || m.displaced == nil {
		return
	}
	m.displaced.Add(ctx, 1)
}

func (m *coordinatorMetrics) recordInactive(ctx context.Context) {
	if m == nil || m.inactive == nil {
		return
	}
	m.inactive.Add(ctx, 1)
}
