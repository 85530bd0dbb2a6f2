// Package monitor watches a training output tree for checkpoint
// directories, waits for each to finish being written, and ships it as a
// zip archive while training continues.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/franksops/trainworker/api"
	"github.com/franksops/trainworker/archive"
	"github.com/franksops/trainworker/engine"
	"github.com/franksops/trainworker/store"
)

var checkpointName = regexp.MustCompile(`^checkpoint-\d+$`)

// IsCheckpointDir reports whether the base name of path matches the
// checkpoint naming convention.
func IsCheckpointDir(path string) bool {
	return checkpointName.MatchString(filepath.Base(filepath.Clean(path)))
}

// FailurePolicy decides what a failed checkpoint shipment does to the job.
type FailurePolicy string

const (
	// ContinueOnFailure logs the failure and keeps training.
	ContinueOnFailure FailurePolicy = "continue"
	// AbortOnFailure stops the job and sends a failure notification.
	AbortOnFailure FailurePolicy = "abort"
)

// Uploader ships a local file to bucket/key.
type Uploader interface {
	UploadFile(ctx context.Context, path, bucket, key string) (engine.Result, error)
}

// Notifier reports a shipped object to the control plane.
type Notifier interface {
	Notify(ctx context.Context, kind api.NotifyKind, bucket, key, jobID string) error
}

// Journal records shipped checkpoint archives with their checksums.
type Journal interface {
	RecordShipped(rec *store.ShippedRecord) error
}

// Config describes one job's checkpoint destination.
type Config struct {
	// Root is the directory tree to watch.
	Root string
	// ArchiveDir receives the zip files before upload. Defaults to Root.
	ArchiveDir string

	JobID  string
	Bucket string
	Prefix string

	Quiescence    Policy
	FailurePolicy FailurePolicy
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithJournal records every shipped archive.
func WithJournal(j Journal) Option {
	return func(m *Monitor) { m.journal = j }
}

// WithAbort sets the function called with the cause when a failed shipment
// should stop the job.
func WithAbort(fn func(error)) Option {
	return func(m *Monitor) { m.abort = fn }
}

// WithStateObserver registers a callback for every state transition.
func WithStateObserver(fn func(dir string, s State)) Option {
	return func(m *Monitor) { m.onState = fn }
}

// Monitor ships checkpoint directories as they appear under Config.Root.
type Monitor struct {
	cfg      Config
	uploader Uploader
	notifier Notifier
	journal  Journal
	logger   *slog.Logger
	abort    func(error)
	onState  func(dir string, s State)

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	states map[string]State
	// names maps archive names to the directory that claimed them.
	names map[string]string
	wg    sync.WaitGroup
}

// New creates a Monitor.
func New(cfg Config, uploader Uploader, notifier Notifier, opts ...Option) *Monitor {
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = cfg.Root
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = ContinueOnFailure
	}
	m := &Monitor{
		cfg:      cfg,
		uploader: uploader,
		notifier: notifier,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
		states:   make(map[string]State),
		names:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("job_id", cfg.JobID))
	return m
}

// Ready is closed once Run has registered its watches. Checkpoints created
// after that are guaranteed to be seen.
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

// States returns a snapshot of every checkpoint seen so far.
func (m *Monitor) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

func (m *Monitor) setState(dir string, s State) {
	m.mu.Lock()
	m.states[dir] = s
	m.mu.Unlock()
	if m.onState != nil {
		m.onState(dir, s)
	}
}

// Run watches Config.Root until ctx is done or stop is closed. Checkpoints
// already present when Run starts are not shipped. Once stopped, no new
// checkpoint is picked up, and Run returns after checkpoints already
// detected have been carried through. Canceling ctx abandons them.
func (m *Monitor) Run(ctx context.Context, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	err = walkDirs(ctx, m.cfg.Root, func(dir string) error {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		if IsCheckpointDir(dir) {
			// present before the job started, e.g. an expanded resume archive
			m.mu.Lock()
			m.states[dir] = StateShipped
			m.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("monitoring for checkpoints", slog.String("path", m.cfg.Root))
	m.readyOnce.Do(func() { close(m.ready) })
	defer m.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			m.logger.Info("checkpoint monitor stopping")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				m.created(ctx, stop, watcher, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// created handles a create event. A new directory may already hold
// subdirectories by the time its watch is added, so the whole subtree is
// walked.
func (m *Monitor) created(ctx context.Context, stop <-chan struct{}, watcher *fsnotify.Watcher, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	err = walkDirs(ctx, path, func(dir string) error {
		if err := watcher.Add(dir); err != nil {
			m.logger.Debug("failed to watch directory", slog.String("path", dir), slog.String("error", err.Error()))
		}
		if IsCheckpointDir(dir) {
			m.dispatch(ctx, stop, dir)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("failed to scan new directory", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// dispatch starts shipping dir unless the monitor has stopped or dir was
// already claimed.
func (m *Monitor) dispatch(ctx context.Context, stop <-chan struct{}, dir string) {
	select {
	case <-stop:
		return
	case <-ctx.Done():
		return
	default:
	}

	name := m.ArchiveName(dir)

	m.mu.Lock()
	_, seen := m.states[dir]
	owner, taken := m.names[name]
	if !seen {
		m.states[dir] = StateDetected
		if !taken {
			m.names[name] = dir
		}
	}
	m.mu.Unlock()
	if seen {
		return
	}

	m.logger.Info("new checkpoint directory", slog.String("path", dir))
	if m.onState != nil {
		m.onState(dir, StateDetected)
	}

	if taken {
		m.fail(ctx, dir, "", fmt.Errorf("archive name %s is already used by %s", name, owner))
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.process(ctx, dir, name)
	}()
}

// ArchiveName returns the zip file name for a checkpoint directory: its path
// relative to Config.Root with separators replaced by dashes, so
// checkpoint-5 becomes checkpoint-5.zip and run-a/checkpoint-5 becomes
// run-a-checkpoint-5.zip.
func (m *Monitor) ArchiveName(dir string) string {
	rel, err := filepath.Rel(m.cfg.Root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(dir)
	}
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "-") + ".zip"
}

func (m *Monitor) process(ctx context.Context, dir, name string) {
	log := m.logger.With(slog.String("path", dir))

	m.setState(dir, StateWaiting)
	log.Info("waiting for writes to stop")
	if err := WaitQuiescent(ctx, dir, m.cfg.Quiescence); err != nil {
		if ctx.Err() != nil {
			m.setState(dir, StateAbandoned)
			log.Info("job stopped before checkpoint settled")
			return
		}
		m.fail(ctx, dir, "", err)
		return
	}
	m.setState(dir, StateQuiescent)

	m.setState(dir, StatePackaging)
	key, err := m.ship(ctx, dir, name)
	if err != nil {
		if ctx.Err() != nil {
			m.setState(dir, StateAbandoned)
			log.Info("job stopped while shipping checkpoint", slog.String("error", err.Error()))
			return
		}
		m.fail(ctx, dir, key, err)
		return
	}
	m.setState(dir, StateShipped)
	log.Info("checkpoint shipped", slog.String("bucket", m.cfg.Bucket), slog.String("key", key))
}

// ship packs dir into name, uploads the archive, journals it, sends the
// progress notification and removes the local archive. It returns the
// object key.
func (m *Monitor) ship(ctx context.Context, dir, name string) (string, error) {
	archivePath := filepath.Join(m.cfg.ArchiveDir, name)
	key := m.cfg.Prefix + name

	if err := archive.Pack(dir, archivePath); err != nil {
		return key, fmt.Errorf("package %s: %w", dir, err)
	}
	defer os.Remove(archivePath)

	res, err := m.uploader.UploadFile(ctx, archivePath, m.cfg.Bucket, key)
	if err != nil {
		return key, fmt.Errorf("upload %s: %w", name, err)
	}

	if m.journal != nil {
		err := m.journal.RecordShipped(&store.ShippedRecord{
			JobID: m.cfg.JobID,
			Key:   key,
			Path:  dir,
			Bytes: res.Bytes,
			CRC64: res.CRC64,
		})
		if err != nil {
			m.logger.Warn("failed to journal checkpoint", slog.String("key", key), slog.String("error", err.Error()))
		}
	}

	if err := m.notifier.Notify(ctx, api.NotifyProgress, m.cfg.Bucket, key, m.cfg.JobID); err != nil {
		return key, fmt.Errorf("progress notification for %s: %w", key, err)
	}
	return key, nil
}

func (m *Monitor) fail(ctx context.Context, dir, key string, err error) {
	m.logger.Error("failed to ship checkpoint",
		slog.String("path", dir),
		slog.String("policy", string(m.cfg.FailurePolicy)),
		slog.String("error", err.Error()),
	)

	if m.cfg.FailurePolicy == AbortOnFailure {
		if m.abort != nil {
			m.abort(fmt.Errorf("checkpoint %s: %w", filepath.Base(dir), err))
		}
		if nerr := m.notifier.Notify(ctx, api.NotifyFailed, m.cfg.Bucket, key, m.cfg.JobID); nerr != nil {
			m.logger.Error("failed to send failure notification", slog.String("error", nerr.Error()))
		}
	}
	m.setState(dir, StateFailed)
}
