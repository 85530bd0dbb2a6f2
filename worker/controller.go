package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/franksops/trainworker/api"
	"github.com/franksops/trainworker/archive"
	"github.com/franksops/trainworker/engine"
	"github.com/franksops/trainworker/monitor"
	"github.com/franksops/trainworker/store"
)

// DefaultPollInterval is the wait between queue polls when no work is
// available.
const DefaultPollInterval = 5 * time.Second

// DefaultShippedRetention is how long the shipped journal of an interrupted
// job is kept for a retry of that job to verify its resume archive.
const DefaultShippedRetention = 7 * 24 * time.Hour

// Client is the part of the control plane the controller uses.
type Client interface {
	GetWork(ctx context.Context) (*api.Job, error)
	Heartbeat(ctx context.Context, jobID string) error
	Notify(ctx context.Context, kind api.NotifyKind, bucket, key, jobID string) error
}

// Phase is a step of the job lifecycle, reported to an Observer.
type Phase string

const (
	PhaseIdle     Phase = "waiting for work"
	PhaseFetching Phase = "fetching inputs"
	PhaseTraining Phase = "training"
	PhaseShipping Phase = "shipping final artifact"
	PhaseCleanup  Phase = "cleaning up"
)

// Observer receives lifecycle events, e.g. for a status display.
type Observer interface {
	JobPhase(jobID string, phase Phase)
	CheckpointState(jobID, dir string, state monitor.State)
	JobFinished(report JobReport)
}

// CommandFunc builds the training command for a job.
type CommandFunc func(job *api.Job, ws Workspace) *exec.Cmd

// Options configures a Controller.
type Options struct {
	Workspace Workspace

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	TerminateGrace    time.Duration
	ShippedRetention  time.Duration

	Quiescence    monitor.Policy
	FailurePolicy monitor.FailurePolicy

	// Launcher prefixes the training script, e.g. "accelerate launch".
	Launcher []string
	// Command overrides how the training process is built.
	Command CommandFunc
	// TrainingOutput receives the training process's stdout and stderr.
	TrainingOutput io.Writer

	Store    store.Store
	Observer Observer
	Metrics  *Metrics
	Logger   *slog.Logger
}

// JobReport summarises one job.
type JobReport struct {
	JobID string
	// Cause is why the job's stop signal was set.
	Cause error
	// FinalKey is the object key of the shipped final artifact, if any.
	FinalKey string
}

// Succeeded reports whether training completed and the final artifact was
// shipped.
func (r JobReport) Succeeded() bool {
	return errors.Is(r.Cause, ErrJobCompleted) && r.FinalKey != ""
}

// Controller claims jobs and runs them one at a time.
type Controller struct {
	client     Client
	engine     *engine.Engine
	state      *RunState
	opts       Options
	heartbeat  *Heartbeat
	supervisor *Supervisor
	logger     *slog.Logger
}

// NewController creates a Controller. Transfers go through eng; state is
// the worker's keep-alive flag.
func NewController(client Client, eng *engine.Engine, state *RunState, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ShippedRetention <= 0 {
		opts.ShippedRetention = DefaultShippedRetention
	}
	if opts.Quiescence.Expected == nil {
		opts.Quiescence = monitor.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Command == nil {
		launcher, out := opts.Launcher, opts.TrainingOutput
		opts.Command = func(job *api.Job, ws Workspace) *exec.Cmd {
			return NewTrainingCmd(BuildCommand(launcher, job, ws), job.ID, out)
		}
	}
	return &Controller{
		client: client,
		engine: eng,
		state:  state,
		opts:   opts,
		heartbeat: &Heartbeat{
			Client:   client,
			Interval: opts.HeartbeatInterval,
			State:    state,
			Metrics:  opts.Metrics,
			Logger:   opts.Logger,
		},
		supervisor: &Supervisor{Grace: opts.TerminateGrace, Logger: opts.Logger},
		logger:     opts.Logger,
	}
}

// Run reports jobs interrupted by a previous process, then claims and runs
// jobs until the keep-alive flag is cleared or ctx is done. A failed job
// never ends the loop.
func (c *Controller) Run(ctx context.Context) error {
	c.Recover(ctx)

	for c.state.KeepAlive() && ctx.Err() == nil {
		c.phase("", PhaseIdle)
		job, err := c.client.GetWork(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("failed to get work", slog.String("error", err.Error()))
			sleep(ctx, c.opts.PollInterval)
			continue
		}
		if job == nil {
			c.logger.Debug("no work available")
			sleep(ctx, c.opts.PollInterval)
			continue
		}

		report := c.RunJob(ctx, job)
		if report.Succeeded() {
			c.logger.Info("job complete", slog.String("job_id", job.ID), slog.String("key", report.FinalKey))
		} else {
			c.logger.Warn("job ended without a final artifact",
				slog.String("job_id", job.ID),
				slog.String("cause", causeString(report.Cause)),
			)
		}
	}
	c.logger.Info("worker stopping")
	return nil
}

// Recover finds jobs the ledger still marks as running, which means the
// process running them died. Each is reported failed and its records are
// released; a job whose report fails stays in the ledger for the next start.
// Shipped journal entries older than the retention are pruned.
func (c *Controller) Recover(ctx context.Context) {
	ledger := c.opts.Store
	if ledger == nil {
		return
	}

	if n, err := ledger.PruneShipped(time.Now().Add(-c.opts.ShippedRetention)); err != nil {
		c.logger.Warn("failed to prune shipped journal", slog.String("error", err.Error()))
	} else if n > 0 {
		c.logger.Info("pruned shipped journal", slog.Int("entries", n))
	}

	jobs, err := ledger.ListJobs()
	if err != nil {
		c.logger.Error("failed to read interrupted jobs", slog.String("error", err.Error()))
		return
	}
	for _, rec := range jobs {
		log := c.logger.With(slog.String("job_id", rec.ID))

		unfinished := 0
		transfers, err := ledger.ListTransfers(rec.ID)
		if err != nil {
			log.Warn("failed to read transfers", slog.String("error", err.Error()))
		}
		for _, t := range transfers {
			if t.State == store.StateInProgress || t.State == store.StatePending {
				unfinished++
				log.Info("transfer interrupted",
					slog.String("direction", t.Direction),
					slog.String("key", t.Key),
					slog.Int64("bytes", t.BytesTransferred),
				)
			}
		}
		log.Warn("job interrupted by a previous run",
			slog.Time("started_at", rec.StartedAt),
			slog.Int("unfinished_transfers", unfinished),
		)

		if err := c.client.Notify(ctx, api.NotifyFailed, rec.CheckpointBucket, rec.CheckpointPrefix, rec.ID); err != nil {
			log.Error("failed to report interrupted job", slog.String("error", err.Error()))
			continue
		}
		if err := ledger.ReleaseJob(rec.ID); err != nil {
			log.Warn("failed to release job records", slog.String("error", err.Error()))
		}
	}
}

// RunJob runs a single job to the end and cleans up after it.
func (c *Controller) RunJob(ctx context.Context, job *api.Job) (report JobReport) {
	log := c.logger.With(slog.String("job_id", job.ID))
	eng := c.engine.ForJob(job.ID)
	stop := NewStopSignal(ctx)
	report.JobID = job.ID
	log.Info("starting job")

	if c.opts.Store != nil {
		err := c.opts.Store.BeginJob(&store.JobRecord{
			ID:               job.ID,
			CheckpointBucket: job.CheckpointBucket,
			CheckpointPrefix: job.CheckpointPrefix,
		})
		if err != nil {
			log.Warn("failed to record job", slog.String("error", err.Error()))
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat.Run(hbCtx, job.ID, stop)
	}()

	defer func() {
		c.phase(job.ID, PhaseCleanup)
		stopHeartbeat()
		<-hbDone
		if err := c.opts.Workspace.Reset(); err != nil {
			log.Error("failed to reset workspace", slog.String("error", err.Error()))
		}
		if c.opts.Store != nil {
			if err := c.opts.Store.PruneJob(job.ID); err != nil {
				log.Warn("failed to prune job records", slog.String("error", err.Error()))
			}
		}
		report.Cause = stop.Cause()
		c.opts.Metrics.recordJob(ctx, report.Cause)
		if c.opts.Observer != nil {
			c.opts.Observer.JobFinished(report)
		}
	}()

	if err := c.opts.Workspace.Reset(); err != nil {
		log.Error("failed to prepare workspace", slog.String("error", err.Error()))
		stop.Set(fmt.Errorf("%w: %w", ErrInputFetch, err))
		return report
	}

	c.phase(job.ID, PhaseFetching)
	if err := c.fetchInputs(stop.Context(), eng, job); err != nil {
		if stop.IsSet() {
			return report
		}
		log.Error("failed to fetch inputs, abandoning job", slog.String("error", err.Error()))
		c.notify(ctx, log, api.NotifyFailed, job.CheckpointBucket, job.CheckpointPrefix, job.ID)
		stop.Set(fmt.Errorf("%w: %w", ErrInputFetch, err))
		return report
	}
	if stop.IsSet() {
		return report
	}

	c.phase(job.ID, PhaseTraining)
	if err := c.train(ctx, log, eng, job, stop); err != nil {
		log.Error("job actor failed", slog.String("error", err.Error()))
	}

	if !shipsFinalArtifact(stop.Cause()) {
		return report
	}
	final := filepath.Join(c.opts.Workspace.OutputDir, FinalArtifact)
	if _, err := os.Stat(final); err != nil {
		return report
	}

	c.phase(job.ID, PhaseShipping)
	key := job.CheckpointPrefix + FinalArtifact
	if _, err := eng.UploadFile(ctx, final, job.CheckpointBucket, key); err != nil {
		log.Error("failed to upload final artifact", slog.String("error", err.Error()))
		c.notify(ctx, log, api.NotifyFailed, job.CheckpointBucket, key, job.ID)
		return report
	}
	c.notify(ctx, log, api.NotifyComplete, job.CheckpointBucket, key, job.ID)
	report.FinalKey = key
	return report
}

// fetchInputs restores the resume checkpoint, if any, and downloads the
// instance and class data.
func (c *Controller) fetchInputs(ctx context.Context, eng *engine.Engine, job *api.Job) error {
	ws := c.opts.Workspace

	if key := job.ResumeKey(); key != "" {
		if err := c.restore(ctx, eng, job, key); err != nil {
			return fmt.Errorf("resume checkpoint: %w", err)
		}
	}

	reqs := make([]engine.DownloadRequest, 0, len(job.InstanceDataKeys)+len(job.ClassDataKeys))
	for _, key := range job.InstanceDataKeys {
		reqs = append(reqs, engine.DownloadRequest{
			Bucket:   job.DataBucket,
			Key:      key,
			Filename: filepath.Join(ws.InstanceDir, path.Base(key)),
		})
	}
	for _, key := range job.ClassDataKeys {
		reqs = append(reqs, engine.DownloadRequest{
			Bucket:   job.DataBucket,
			Key:      key,
			Filename: filepath.Join(ws.ClassDir, path.Base(key)),
		})
	}
	if err := eng.DownloadBatch(ctx, reqs); err != nil {
		return fmt.Errorf("input data: %w", err)
	}
	return nil
}

// restore downloads the resume archive and expands it next to itself. When
// this worker shipped the archive, the download is checked against the
// journaled CRC. A corrupt or unreadable archive is logged and training
// starts from scratch; only a failed download is an error.
func (c *Controller) restore(ctx context.Context, eng *engine.Engine, job *api.Job, key string) error {
	log := c.logger.With(slog.String("job_id", job.ID), slog.String("key", key))
	req := engine.DownloadRequest{
		Bucket:   job.CheckpointBucket,
		Key:      key,
		Filename: filepath.Join(c.opts.Workspace.OutputDir, path.Base(key)),
		Checksum: c.shippedChecksum(job.ID, key),
	}

	_, err := eng.Download(ctx, req)
	if errors.Is(err, engine.ErrChecksumMismatch) {
		log.Error("resume checkpoint does not match the shipped archive", slog.String("error", err.Error()))
		return nil
	}
	if err != nil {
		return err
	}
	defer os.Remove(req.Filename)

	dir, err := archive.UnpackToSibling(req.Filename)
	if err != nil {
		log.Error("failed to expand resume checkpoint", slog.String("path", req.Filename), slog.String("error", err.Error()))
		return nil
	}
	log.Info("restored checkpoint", slog.String("path", dir))
	return nil
}

// shippedChecksum returns the journaled CRC of key, or zero when this worker
// has no record of shipping it.
func (c *Controller) shippedChecksum(jobID, key string) uint64 {
	if c.opts.Store == nil {
		return 0
	}
	rec, err := c.opts.Store.GetShipped(jobID, key)
	if err != nil {
		if !errors.Is(err, store.ErrShippedNotFound) {
			c.logger.Warn("failed to read shipped journal", slog.String("key", key), slog.String("error", err.Error()))
		}
		return 0
	}
	return rec.CRC64
}

// train runs the checkpoint monitor and the training process until both
// have finished. Training starts only once the monitor is watching.
func (c *Controller) train(ctx context.Context, log *slog.Logger, eng *engine.Engine, job *api.Job, stop *StopSignal) error {
	// Completion lets detected checkpoints finish shipping; any other
	// cause abandons them.
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	unwatch := context.AfterFunc(stop.Context(), func() {
		if !errors.Is(stop.Cause(), ErrJobCompleted) {
			cancelWork()
		}
	})
	defer unwatch()

	mon := monitor.New(monitor.Config{
		Root:          c.opts.Workspace.OutputDir,
		JobID:         job.ID,
		Bucket:        job.CheckpointBucket,
		Prefix:        job.CheckpointPrefix,
		Quiescence:    c.opts.Quiescence,
		FailurePolicy: c.opts.FailurePolicy,
	}, eng, c.client, c.monitorOptions(job, stop)...)

	var g errgroup.Group
	g.Go(func() error {
		if err := mon.Run(workCtx, stop.Done()); err != nil {
			stop.Set(fmt.Errorf("checkpoint monitor: %w", err))
			return err
		}
		return nil
	})

	select {
	case <-mon.Ready():
	case <-stop.Done():
		return g.Wait()
	}

	g.Go(func() error {
		cmd := c.opts.Command(job, c.opts.Workspace)
		log.Info("starting training", slog.Any("args", cmd.Args))
		err := c.supervisor.Run(ctx, cmd, stop)
		switch {
		case err == nil:
			stop.Set(ErrJobCompleted)
		case errors.Is(err, ErrTerminated):
			log.Info("training stopped", slog.String("cause", causeString(stop.Cause())))
		default:
			log.Error("training failed", slog.String("error", err.Error()))
			c.notify(ctx, log, api.NotifyFailed, job.CheckpointBucket, job.CheckpointPrefix, job.ID)
			stop.Set(err)
		}
		return nil
	})

	return g.Wait()
}

func (c *Controller) monitorOptions(job *api.Job, stop *StopSignal) []monitor.Option {
	opts := []monitor.Option{
		monitor.WithLogger(c.logger),
		monitor.WithAbort(stop.Set),
	}
	if c.opts.Store != nil {
		opts = append(opts, monitor.WithJournal(c.opts.Store))
	}
	if obs := c.opts.Observer; obs != nil {
		opts = append(opts, monitor.WithStateObserver(func(dir string, s monitor.State) {
			obs.CheckpointState(job.ID, dir, s)
		}))
	}
	return opts
}

func (c *Controller) notify(ctx context.Context, log *slog.Logger, kind api.NotifyKind, bucket, key, jobID string) {
	if err := c.client.Notify(ctx, kind, bucket, key, jobID); err != nil {
		log.Error("failed to send notification",
			slog.String("kind", string(kind)),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) phase(jobID string, p Phase) {
	if c.opts.Observer != nil {
		c.opts.Observer.JobPhase(jobID, p)
	}
}

// shipsFinalArtifact reports whether a job that stopped for cause should
// still upload its final artifact.
func shipsFinalArtifact(cause error) bool {
	switch {
	case errors.Is(cause, ErrJobCanceled),
		errors.Is(cause, ErrShutdown),
		errors.Is(cause, context.Canceled):
		return false
	}
	return true
}

func causeString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
