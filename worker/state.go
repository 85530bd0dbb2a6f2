// Package worker runs the job lifecycle: it claims work from the control
// plane, prepares the workspace, supervises the training process alongside
// the heartbeat and checkpoint monitor, and ships the final artifact.
package worker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/franksops/trainworker/api"
)

// Stop causes. Every job ends with exactly one of these recorded on its
// StopSignal.
var (
	ErrJobCompleted            = errors.New("training completed")
	ErrJobCanceled             = api.ErrJobCanceled
	ErrTrainingFailed          = errors.New("training failed")
	ErrTerminated              = errors.New("training terminated")
	ErrInputFetch              = errors.New("failed to fetch job inputs")
	ErrControlPlaneUnreachable = errors.New("control plane unreachable")
	ErrShutdown                = errors.New("worker shutting down")
)

// RunState holds the process-wide keep-alive flag. Once cleared it stays
// cleared and the controller takes no further jobs.
type RunState struct {
	keepAlive atomic.Bool
}

// NewRunState returns a RunState with keep-alive set.
func NewRunState() *RunState {
	s := &RunState{}
	s.keepAlive.Store(true)
	return s
}

// KeepAlive reports whether the worker should keep taking jobs.
func (s *RunState) KeepAlive() bool {
	return s.keepAlive.Load()
}

// Halt clears the keep-alive flag.
func (s *RunState) Halt() {
	s.keepAlive.Store(false)
}

// StopSignal is the per-job stop flag shared by the controller, heartbeat,
// monitor and supervisor. It is set at most once; the first cause wins and
// later calls are no-ops.
type StopSignal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewStopSignal creates a StopSignal that is also set when parent is done.
func NewStopSignal(parent context.Context) *StopSignal {
	ctx, cancel := context.WithCancelCause(parent)
	return &StopSignal{ctx: ctx, cancel: cancel}
}

// Set records cause and wakes every waiter.
func (s *StopSignal) Set(cause error) {
	s.cancel(cause)
}

// Done is closed once the signal is set.
func (s *StopSignal) Done() <-chan struct{} {
	return s.ctx.Done()
}

// IsSet reports whether the signal has been set.
func (s *StopSignal) IsSet() bool {
	return s.ctx.Err() != nil
}

// Cause returns the first recorded cause, or nil while unset.
func (s *StopSignal) Cause() error {
	return context.Cause(s.ctx)
}

// Context returns a context canceled when the signal is set.
func (s *StopSignal) Context() context.Context {
	return s.ctx
}
