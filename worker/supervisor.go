package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// DefaultTerminateGrace is how long a stopped training process gets to exit
// after SIGTERM before it is killed.
const DefaultTerminateGrace = 30 * time.Second

// Supervisor runs the training process and stops it when the job's stop
// signal is set.
type Supervisor struct {
	Grace  time.Duration
	Logger *slog.Logger
}

// Run starts cmd in its own process group and waits for it. If stop is set
// or ctx is done first, the group gets SIGTERM and, after the grace period,
// SIGKILL; Run then returns ErrTerminated. A non-zero exit or a failure to
// start is returned wrapped in ErrTrainingFailed. Run does not set stop
// itself.
func (s *Supervisor) Run(ctx context.Context, cmd *exec.Cmd, stop *StopSignal) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %w", ErrTrainingFailed, cmd.Path, err)
	}
	log = log.With(slog.Int("pid", cmd.Process.Pid))
	log.Info("training process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTrainingFailed, err)
		}
		log.Info("training process exited")
		return nil
	case <-stop.Done():
	case <-ctx.Done():
	}

	grace := s.Grace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	log.Info("terminating training process", slog.Duration("grace", grace))
	signalGroup(cmd, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn("training process did not exit, killing")
		signalGroup(cmd, syscall.SIGKILL)
		<-done
	}
	return ErrTerminated
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		cmd.Process.Signal(sig)
	}
}
