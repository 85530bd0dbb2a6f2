package worker

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/franksops/trainworker/worker"

// Metrics counts heartbeats and finished jobs.
//
// Instruments:
//   - trainworker.heartbeats (Int64Counter): by result ("ok", "canceled", "error")
//   - trainworker.jobs (Int64Counter): by outcome, see outcome()
type Metrics struct {
	heartbeats metric.Int64Counter
	jobs       metric.Int64Counter
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
	heartbeats, _ := meter.Int64Counter(
		"trainworker.heartbeats",
		metric.WithDescription("Heartbeats sent to the control plane"),
		metric.WithUnit("{heartbeat}"),
	)
	jobs, _ := meter.Int64Counter(
		"trainworker.jobs",
		metric.WithDescription("Jobs finished by this worker"),
		metric.WithUnit("{job}"),
	)
	return &Metrics{heartbeats: heartbeats, jobs: jobs}
}

func (m *Metrics) recordHeartbeat(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) recordJob(ctx context.Context, cause error) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(cause))))
}

func outcome(cause error) string {
	switch {
	case errors.Is(cause, ErrJobCompleted):
		return "completed"
	case errors.Is(cause, ErrJobCanceled):
		return "canceled"
	case errors.Is(cause, ErrTrainingFailed):
		return "training_failed"
	case errors.Is(cause, ErrInputFetch):
		return "input_failed"
	case errors.Is(cause, ErrControlPlaneUnreachable):
		return "unreachable"
	case errors.Is(cause, ErrShutdown), errors.Is(cause, context.Canceled):
		return "shutdown"
	default:
		return "failed"
	}
}
