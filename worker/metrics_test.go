package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/franksops/trainworker/api"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

// countsBy collects the named counter and totals its points by the value of
// key.
func countsBy(t *testing.T, reader *sdkmetric.ManualReader, name string, key attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("expected Sum[int64] data for %s", name)
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(key)
				counts[v.AsString()] += dp.Value
			}
		}
	}
	return counts
}

func TestMetrics_HeartbeatResults(t *testing.T) {
	tests := []struct {
		name string
		errs []error
		want map[string]int64
	}{
		{
			"canceled",
			[]error{nil, nil, errors.Join(api.ErrJobCanceled, errors.New("status 400"))},
			map[string]int64{"ok": 2, "canceled": 1},
		},
		{
			"unreachable",
			[]error{nil, errors.New("connection refused")},
			map[string]int64{"ok": 1, "error": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, mp := setupTestMeter()
			client := &scriptedHeartbeat{errs: tt.errs}
			stop := NewStopSignal(context.Background())
			hb := &Heartbeat{
				Client:   client,
				Interval: 5 * time.Millisecond,
				State:    NewRunState(),
				Metrics:  NewMetrics(mp),
			}

			_, done := runHeartbeat(t, hb, stop)
			waitDone(t, done)

			got := countsBy(t, reader, "trainworker.heartbeats", "result")
			if len(got) != len(tt.want) {
				t.Errorf("Expected results %v, got %v", tt.want, got)
			}
			for result, n := range tt.want {
				if got[result] != n {
					t.Errorf("Expected %d %q heartbeats, got %d", n, result, got[result])
				}
			}
		})
	}
}

func TestMetrics_HungHeartbeatCountsAsError(t *testing.T) {
	reader, mp := setupTestMeter()
	stop := NewStopSignal(context.Background())
	hb := &Heartbeat{
		Client:   hangingHeartbeat{},
		Interval: 10 * time.Millisecond,
		State:    NewRunState(),
		Metrics:  NewMetrics(mp),
	}

	_, done := runHeartbeat(t, hb, stop)
	waitDone(t, done)

	got := countsBy(t, reader, "trainworker.heartbeats", "result")
	if got["error"] != 1 || got["ok"] != 0 {
		t.Errorf("Expected a single error heartbeat, got %v", got)
	}
}

func TestMetrics_JobOutcomes(t *testing.T) {
	reader, mp := setupTestMeter()
	m := NewMetrics(mp)

	ctx := context.Background()
	m.recordJob(ctx, ErrJobCompleted)
	m.recordJob(ctx, ErrJobCompleted)
	m.recordJob(ctx, ErrJobCanceled)
	m.recordJob(ctx, ErrTrainingFailed)
	m.recordJob(ctx, context.Canceled)

	want := map[string]int64{"completed": 2, "canceled": 1, "training_failed": 1, "shutdown": 1}
	got := countsBy(t, reader, "trainworker.jobs", "outcome")
	for outcome, n := range want {
		if got[outcome] != n {
			t.Errorf("Expected %d %q jobs, got %d", n, outcome, got[outcome])
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.recordHeartbeat(context.Background(), "ok")
	m.recordJob(context.Background(), ErrJobCompleted)
}
