package storage

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

const meterName = "github.com/shrtyk/eventlog-core/storage"

type storageMetrics struct {
	appends      metric.Int64Counter
	dropped      metric.Int64Counter
	bytesWritten metric.Int64Counter
	batchSize    metric.Int64Histogram
	fsync        metric.Float64Histogram
}

func newStorageMetrics(log *slog.Logger) *storageMetrics {
	meter := otel.Meter(meterName)
	m := &storageMetrics{}
	var err error

	m.appends, err = meter.Int64Counter(
		"eventlog.storage.appends",
		metric.WithDescription("Append requests processed by the log writer"),
	)
	logMetricInitError(log, "eventlog.storage.appends", err)

	m.dropped, err = meter.Int64Counter(
		"eventlog.storage.dropped",
		metric.WithDescription("Append requests dropped because the queue was full"),
	)
	logMetricInitError(log, "eventlog.storage.dropped", err)

	m.bytesWritten, err = meter.Int64Counter(
		"eventlog.storage.bytes_written",
		metric.WithDescription("Bytes appended to the WAL"),
		metric.WithUnit("By"),
	)
	logMetricInitError(log, "eventlog.storage.bytes_written", err)

	m.batchSize, err = meter.Int64Histogram(
		"eventlog.storage.batch_size",
		metric.WithDescription("Requests per fsync"),
	)
	logMetricInitError(log, "eventlog.storage.batch_size", err)

	m.fsync, err = meter.Float64Histogram(
		"eventlog.storage.fsync_ms",
		metric.WithDescription("Write plus fsync latency of a batch"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(log, "eventlog.storage.fsync_ms", err)

	return m
}

func (m *storageMetrics) recordAppend(kind api.OperationKind) {
	if m == nil || m.appends == nil {
		return
	}
	m.appends.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("eventlog.op.kind", kind.String())))
}

func (m *storageMetrics) recordDropped() {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1)
}

func (m *storageMetrics) recordFlush(bytes, requests int, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if m.bytesWritten != nil {
		m.bytesWritten.Add(ctx, int64(bytes))
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(requests))
	}
	if m.fsync != nil {
		m.fsync.Record(ctx, float64(elapsed.Microseconds())/1000)
	}
}

func logMetricInitError(log *slog.Logger, name string, err error) {
	if err == nil || log == nil {
		return
	}
	log.Warn("failed to init metric", slog.String("name", name), logger.ErrAttr(err))
}
