package engine

import (
	"io"
	"sync"
	"time"

	"github.com/franksops/trainworker/store"
)

// ProgressConfig defines how often a running transfer's byte count is
// written back to the ledger.
type ProgressConfig struct {
	// BytesInterval triggers a save after this many bytes have been transferred
	BytesInterval int64
	// TimeInterval triggers a save after this much time has passed
	TimeInterval time.Duration
}

// DefaultProgressConfig provides reasonable defaults for progress saves.
var DefaultProgressConfig = ProgressConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

// Observer receives transfer lifecycle events, e.g. for a status display.
type Observer interface {
	TransferStarted(task TransferTask)
	TransferProgress(id string, bytes int64)
	TransferFinished(id string, err error)
}

// Ledger is the part of the store the tracker writes to.
type Ledger interface {
	SaveTransfer(rec *store.TransferRecord) error
	GetTransfer(jobID, id string) (*store.TransferRecord, error)
}

// Tracker wraps a store to record transfer state and progress. A nil
// *Tracker is valid and records nothing.
type Tracker struct {
	store    Ledger
	config   ProgressConfig
	observer Observer
}

// NewTracker creates a new Tracker. Either argument may be nil.
func NewTracker(s Ledger, observer Observer, config ProgressConfig) *Tracker {
	return &Tracker{
		store:    s,
		config:   config,
		observer: observer,
	}
}

// Begin records a pending transfer for jobID.
func (t *Tracker) Begin(jobID string, task TransferTask) error {
	if t == nil {
		return nil
	}
	if t.observer != nil {
		t.observer.TransferStarted(task)
	}
	if t.store == nil {
		return nil
	}
	return t.store.SaveTransfer(&store.TransferRecord{
		ID:         task.ID,
		JobID:      jobID,
		Direction:  string(task.Direction),
		Bucket:     task.Bucket,
		Key:        task.Key,
		LocalPath:  task.LocalPath,
		State:      store.StateInProgress,
		TotalBytes: task.Size,
		Parts:      len(task.Parts),
	})
}

// Completed marks a transfer as finished with the final byte count and the
// CRC-64 of the transferred bytes.
func (t *Tracker) Completed(jobID, id string, bytes int64, crc uint64) error {
	if t == nil {
		return nil
	}
	if t.observer != nil {
		t.observer.TransferFinished(id, nil)
	}
	return t.update(jobID, id, func(rec *store.TransferRecord) {
		rec.State = store.StateCompleted
		rec.BytesTransferred = bytes
		rec.CRC64 = crc
		if rec.TotalBytes == 0 {
			rec.TotalBytes = bytes
		}
	})
}

// Failed marks a transfer as failed with an error message.
func (t *Tracker) Failed(jobID, id string, err error) error {
	if t == nil {
		return nil
	}
	if t.observer != nil {
		t.observer.TransferFinished(id, err)
	}
	return t.update(jobID, id, func(rec *store.TransferRecord) {
		rec.State = store.StateFailed
		if err != nil {
			rec.Error = err.Error()
		}
	})
}

func (t *Tracker) update(jobID, id string, fn func(*store.TransferRecord)) error {
	if t.store == nil {
		return nil
	}
	rec, err := t.store.GetTransfer(jobID, id)
	if err != nil {
		return err
	}
	fn(rec)
	return t.store.SaveTransfer(rec)
}

// Progress tracks the byte count of one transfer and periodically saves it.
// It is safe for concurrent use by part workers.
type Progress struct {
	tracker *Tracker
	jobID   string
	id      string

	mu              sync.Mutex
	bytes           int64
	lastCheckpoint  int64
	lastCheckpointT time.Time
}

// NewProgress starts progress tracking for a transfer.
func (t *Tracker) NewProgress(jobID, id string) *Progress {
	return &Progress{
		tracker:         t,
		jobID:           jobID,
		id:              id,
		lastCheckpointT: time.Now(),
	}
}

// Add records n more bytes.
func (p *Progress) Add(n int64) {
	if p.tracker == nil {
		p.mu.Lock()
		p.bytes += n
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.bytes += n
	needsCheckpoint := p.bytes-p.lastCheckpoint >= p.tracker.config.BytesInterval ||
		time.Since(p.lastCheckpointT) >= p.tracker.config.TimeInterval
	current := p.bytes
	if needsCheckpoint {
		p.lastCheckpoint = current
		p.lastCheckpointT = time.Now()
	}
	p.mu.Unlock()

	if p.tracker.observer != nil {
		p.tracker.observer.TransferProgress(p.id, current)
	}
	if needsCheckpoint {
		// a failed progress save is not worth failing the transfer over
		_ = p.tracker.update(p.jobID, p.id, func(rec *store.TransferRecord) {
			rec.BytesTransferred = current
		})
	}
}

// Bytes returns the total recorded so far.
func (p *Progress) Bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// TrackedWriter wraps an io.Writer and feeds every write into a Progress.
type TrackedWriter struct {
	io.Writer
	progress *Progress
}

// NewTrackedWriter creates a new TrackedWriter.
func NewTrackedWriter(w io.Writer, progress *Progress) *TrackedWriter {
	return &TrackedWriter{Writer: w, progress: progress}
}

// Write implements io.Writer and records progress.
func (tw *TrackedWriter) Write(b []byte) (int, error) {
	n, err := tw.Writer.Write(b)
	if n > 0 {
		tw.progress.Add(int64(n))
	}
	return n, err
}
