package ui

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/franksops/trainworker/engine"
	"github.com/franksops/trainworker/monitor"
	"github.com/franksops/trainworker/worker"
)

// Board collects worker and transfer events for the status display. It
// implements engine.Observer and worker.Observer and is safe for concurrent
// use.
type Board struct {
	mu          sync.Mutex
	now         func() time.Time
	jobID       string
	phase       worker.Phase
	checkpoints []Checkpoint
	streams     map[string]*stream
	completed   int
	completedB  int64
	failed      int
	lastOutcome string
	done        bool
}

type stream struct {
	direction string
	key       string
	total     int64
	bytes     int64
	started   time.Time
}

// NewBoard creates an empty Board.
func NewBoard() *Board {
	return &Board{
		now:     time.Now,
		phase:   worker.PhaseIdle,
		streams: make(map[string]*stream),
	}
}

// TransferStarted implements engine.Observer.
func (b *Board) TransferStarted(task engine.TransferTask) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[task.ID] = &stream{
		direction: string(task.Direction),
		key:       task.Key,
		total:     task.Size,
		started:   b.now(),
	}
}

// TransferProgress implements engine.Observer.
func (b *Board) TransferProgress(id string, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[id]; ok {
		s.bytes = bytes
	}
}

// TransferFinished implements engine.Observer.
func (b *Board) TransferFinished(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[id]
	if !ok {
		return
	}
	delete(b.streams, id)
	if err != nil {
		b.failed++
		return
	}
	b.completed++
	b.completedB += s.bytes
}

// JobPhase implements worker.Observer.
func (b *Board) JobPhase(jobID string, phase worker.Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if jobID != "" && jobID != b.jobID {
		b.checkpoints = nil
	}
	if jobID != "" {
		b.jobID = jobID
	}
	if phase == worker.PhaseIdle {
		b.jobID = ""
	}
	b.phase = phase
}

// CheckpointState implements worker.Observer.
func (b *Board) CheckpointState(jobID, dir string, state monitor.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := filepath.Base(dir)
	for i := range b.checkpoints {
		if b.checkpoints[i].Name == name {
			b.checkpoints[i].State = state
			return
		}
	}
	b.checkpoints = append(b.checkpoints, Checkpoint{Name: name, State: state})
}

// JobFinished implements worker.Observer.
func (b *Board) JobFinished(report worker.JobReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastOutcome = describeOutcome(report)
}

// Close marks the worker as finished.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
}

// Snapshot returns the current state for rendering.
func (b *Board) Snapshot() *UIState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	st := &UIState{
		JobID:          b.jobID,
		Phase:          string(b.phase),
		Checkpoints:    append([]Checkpoint(nil), b.checkpoints...),
		CompletedFiles: b.completed,
		CompletedBytes: b.completedB,
		FailedFiles:    b.failed,
		LastOutcome:    b.lastOutcome,
		Done:           b.done,
	}
	for id, s := range b.streams {
		as := &ActiveStream{
			ID:        id,
			Direction: s.direction,
			Key:       s.key,
			Total:     s.total,
			Bytes:     s.bytes,
		}
		if s.total > 0 {
			as.Progress = float64(s.bytes) / float64(s.total)
		}
		if elapsed := now.Sub(s.started).Seconds(); elapsed > 0 {
			as.BytesSec = float64(s.bytes) / elapsed
		}
		st.ActiveStreams = append(st.ActiveStreams, as)
	}
	sort.Slice(st.ActiveStreams, func(i, j int) bool {
		return st.ActiveStreams[i].ID < st.ActiveStreams[j].ID
	})
	return st
}

func describeOutcome(r worker.JobReport) string {
	switch {
	case r.Succeeded():
		return fmt.Sprintf("%s: shipped %s", r.JobID, r.FinalKey)
	case errors.Is(r.Cause, worker.ErrJobCanceled):
		return fmt.Sprintf("%s: canceled", r.JobID)
	case r.Cause == nil:
		return fmt.Sprintf("%s: finished", r.JobID)
	default:
		return fmt.Sprintf("%s: %v", r.JobID, r.Cause)
	}
}
