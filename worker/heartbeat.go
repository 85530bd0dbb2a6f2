package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultHeartbeatInterval is used when Heartbeat.Interval is zero.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatClient reports liveness for a job. It returns an error wrapping
// ErrJobCanceled when the control plane has canceled the job.
type HeartbeatClient interface {
	Heartbeat(ctx context.Context, jobID string) error
}

// Heartbeat reports liveness for the current job on a fixed interval.
type Heartbeat struct {
	Client   HeartbeatClient
	Interval time.Duration
	State    *RunState
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Run sends a heartbeat for jobID immediately and then once per interval
// until ctx is done. A canceled job sets stop and ends the loop. Any other
// failure sets stop and also halts the worker. Each beat must finish within
// one interval; a beat that hangs longer counts as a failure.
func (h *Heartbeat) Run(ctx context.Context, jobID string, stop *StopSignal) {
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("job_id", jobID))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !h.beat(ctx, log, jobID, interval, stop) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// beat sends one heartbeat and reports whether the loop should continue.
func (h *Heartbeat) beat(ctx context.Context, log *slog.Logger, jobID string, timeout time.Duration, stop *StopSignal) bool {
	beatCtx, cancel := context.WithTimeout(ctx, timeout)
	err := h.Client.Heartbeat(beatCtx, jobID)
	cancel()
	switch {
	case err == nil:
		h.Metrics.recordHeartbeat(ctx, "ok")
		log.Debug("heartbeat sent")
		return true
	case ctx.Err() != nil:
		return false
	case errors.Is(err, ErrJobCanceled):
		h.Metrics.recordHeartbeat(ctx, "canceled")
		log.Info("job canceled by control plane")
		stop.Set(ErrJobCanceled)
		return false
	default:
		h.Metrics.recordHeartbeat(ctx, "error")
		log.Error("heartbeat failed, halting worker", slog.String("error", err.Error()))
		stop.Set(fmt.Errorf("%w: %w", ErrControlPlaneUnreachable, err))
		if h.State != nil {
			h.State.Halt()
		}
		return false
	}
}
