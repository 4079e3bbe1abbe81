package requests

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/pkg/logger"
)

const meterName = "github.com/shrtyk/eventlog-core/requests"

type coordinatorMetrics struct {
	submitted metric.Int64Counter
	rejected  metric.Int64Counter
	completed metric.Int64Counter
	disposed  metric.Int64Counter
	inflight  metric.Int64UpDownCounter
	duration  metric.Int64Histogram
	drained   metric.Int64Counter
}

func newCoordinatorMetrics(log *slog.Logger) *coordinatorMetrics {
	meter := otel.Meter(meterName)
	m := &coordinatorMetrics{}
	var err error

	m.submitted, err = meter.Int64Counter(
		"eventlog.requests.submitted",
		metric.WithDescription("Commands accepted into the operation table"),
	)
	logMetricInitError(log, "eventlog.requests.submitted", err)

	m.rejected, err = meter.Int64Counter(
		"eventlog.requests.rejected",
		metric.WithDescription("Commands answered without entering the operation table"),
	)
	logMetricInitError(log, "eventlog.requests.rejected", err)

	m.completed, err = meter.Int64Counter(
		"eventlog.requests.completed",
		metric.WithDescription("Operations that produced a terminal reply"),
	)
	logMetricInitError(log, "eventlog.requests.completed", err)

	m.disposed, err = meter.Int64Counter(
		"eventlog.requests.disposed",
		metric.WithDescription("Operations dropped without reply on leadership loss"),
	)
	logMetricInitError(log, "eventlog.requests.disposed", err)

	m.inflight, err = meter.Int64UpDownCounter(
		"eventlog.requests.inflight",
		metric.WithDescription("Operations currently in the operation table"),
	)
	logMetricInitError(log, "eventlog.requests.inflight", err)

	m.duration, err = meter.Int64Histogram(
		"eventlog.requests.duration_ms",
		metric.WithDescription("Time from submission to terminal reply"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(log, "eventlog.requests.duration_ms", err)

	m.drained, err = meter.Int64Counter(
		"eventlog.requests.drained",
		metric.WithDescription("Drained signals emitted while resigning leadership"),
	)
	logMetricInitError(log, "eventlog.requests.drained", err)

	return m
}

func (m *coordinatorMetrics) recordSubmitted(kind api.OperationKind) {
	if m == nil || m.submitted == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("eventlog.op.kind", kind.String()))
	m.submitted.Add(ctx, 1, attrs)
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, attrs)
	}
}

func (m *coordinatorMetrics) recordRejected(kind api.OperationKind, err error) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("eventlog.op.kind", kind.String()),
		attribute.String("eventlog.op.result", resultLabel(err)),
	))
}

func (m *coordinatorMetrics) recordCompleted(kind api.OperationKind, err error, elapsed time.Duration) {
	if m == nil || m.completed == nil {
		return
	}
	ctx := context.Background()
	kindAttr := attribute.String("eventlog.op.kind", kind.String())
	attrs := metric.WithAttributes(kindAttr, attribute.String("eventlog.op.result", resultLabel(err)))
	m.completed.Add(ctx, 1, attrs)
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
	if m.inflight != nil {
		m.inflight.Add(ctx, -1, metric.WithAttributes(kindAttr))
	}
}

func (m *coordinatorMetrics) recordDisposed(kind api.OperationKind) {
	if m == nil || m.disposed == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("eventlog.op.kind", kind.String()))
	m.disposed.Add(ctx, 1, attrs)
	if m.inflight != nil {
		m.inflight.Add(ctx, -1, attrs)
	}
}

func (m *coordinatorMetrics) recordDrained() {
	if m == nil || m.drained == nil {
		return
	}
	m.drained.Add(context.Background(), 1)
}

func resultLabel(err error) string {
	return api.ErrorCode(err)
}

func logMetricInitError(log *slog.Logger, name string, err error) {
	if err == nil || log == nil {
		return
	}
	log.Warn("failed to init metric", slog.String("name", name), logger.ErrAttr(err))
}
