package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for transfer metrics.
const meterName = "github.com/franksops/trainworker/engine"

// Metrics records transfer throughput.
//
// Instruments:
//   - trainworker.transfer.bytes (Int64Counter): bytes moved, by direction
//   - trainworker.transfer.parts (Int64Counter): multipart parts stored
//   - trainworker.transfer.duration (Float64Histogram): seconds per
//     transfer, by direction and status ("ok" or "error")
type Metrics struct {
	bytes    metric.Int64Counter
	parts    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates instruments from mp. A nil mp uses the global
// MeterProvider.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return NewMetricsWithMeter(mp.Meter(meterName))
}

// NewMetricsWithMeter creates instruments from the given meter.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	// On error the API hands back noop instruments.
	bytes, _ := meter.Int64Counter(
		"trainworker.transfer.bytes",
		metric.WithDescription("Bytes transferred to or from object storage"),
		metric.WithUnit("By"),
	)
	parts, _ := meter.Int64Counter(
		"trainworker.transfer.parts",
		metric.WithDescription("Multipart upload parts stored"),
		metric.WithUnit("{part}"),
	)
	duration, _ := meter.Float64Histogram(
		"trainworker.transfer.duration",
		metric.WithDescription("Duration of whole-file transfers in seconds"),
		metric.WithUnit("s"),
	)
	return &Metrics{bytes: bytes, parts: parts, duration: duration}
}

func (m *Metrics) recordPart(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.parts.Add(ctx, 1)
	m.bytes.Add(ctx, n, metric.WithAttributes(attribute.String("direction", string(DirectionUpload))))
}

func (m *Metrics) recordTransfer(ctx context.Context, dir Direction, bytes int64, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	if dir == DirectionDownload && bytes > 0 {
		m.bytes.Add(ctx, bytes, metric.WithAttributes(attribute.String("direction", string(dir))))
	}
	m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("direction", string(dir)),
		attribute.String("status", status),
	))
}
