// Package engine moves files between the worker and remote object storage.
// Uploads are split into fixed-size parts sent concurrently on a bounded
// pool and reassembled by part number; downloads stream to disk and can be
// batched on a second bounded pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Default pool sizes.
const (
	DefaultUploadConcurrency   = 25
	DefaultDownloadConcurrency = 10
)

// ErrIncompleteUpload is returned when the part descriptors collected for
// an upload do not cover every part.
var ErrIncompleteUpload = errors.New("engine: incomplete multipart upload")

// Options configures an Engine. Zero values fall back to the defaults.
type Options struct {
	PartSize            int64
	UploadConcurrency   int
	DownloadConcurrency int
	Tracker             *Tracker
	Metrics             *Metrics
	Logger              *slog.Logger
}

// Engine runs uploads and downloads against a Gateway.
type Engine struct {
	gw                  Gateway
	partSize            int64
	uploadConcurrency   int
	downloadConcurrency int
	parts               *BufferPool
	copies              *BufferPool
	tracker             *Tracker
	metrics             *Metrics
	logger              *slog.Logger
	jobID               string
}

// New creates an Engine over gw.
func New(gw Gateway, opts Options) *Engine {
	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = DefaultUploadConcurrency
	}
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = DefaultDownloadConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		gw:                  gw,
		partSize:            opts.PartSize,
		uploadConcurrency:   opts.UploadConcurrency,
		downloadConcurrency: opts.DownloadConcurrency,
		parts:               NewBufferPool(int(opts.PartSize)),
		copies:              NewBufferPool(DefaultBufferSize),
		tracker:             opts.Tracker,
		metrics:             opts.Metrics,
		logger:              opts.Logger,
	}
}

// ForJob returns an Engine that records its transfers under jobID. The
// buffer pools are shared with e.
func (e *Engine) ForJob(jobID string) *Engine {
	clone := *e
	clone.jobID = jobID
	clone.logger = e.logger.With(slog.String("job_id", jobID))
	return &clone
}

// PartSize returns the configured multipart part size.
func (e *Engine) PartSize() int64 {
	return e.partSize
}

// UploadFile uploads the file at path to bucket/key as a multipart upload.
func (e *Engine) UploadFile(ctx context.Context, path, bucket, key string) (res Result, err error) {
	start := time.Now()
	res = Result{Bucket: bucket, Key: key}

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	task := NewTransferTask(DirectionUpload, bucket, key, path, info.Size(), e.partSize)
	res.Parts = len(task.Parts)

	log := e.logger.With(slog.String("bucket", bucket), slog.String("key", key))
	log.Info("uploading file", slog.String("path", path), slog.Int64("bytes", task.Size), slog.Int("parts", len(task.Parts)))

	if err := e.tracker.Begin(e.jobID, task); err != nil {
		log.Warn("failed to record transfer", slog.String("error", err.Error()))
	}
	defer func() {
		e.finish(ctx, task, res, start, err)
	}()

	token, err := e.gw.UploadToken(ctx, bucket, key)
	if err != nil {
		return res, fmt.Errorf("upload token for %s/%s: %w", bucket, key, err)
	}

	uploadID, err := e.gw.CreateMultipart(ctx, bucket, key, token)
	if err != nil {
		return res, fmt.Errorf("create multipart for %s/%s: %w", bucket, key, err)
	}

	progress := e.tracker.NewProgress(e.jobID, task.ID)
	descriptors := make([]PartDescriptor, len(task.Parts))
	sums := make([]uint64, len(task.Parts))

	err = RunBatch(ctx, e.uploadConcurrency, task.Parts, func(ctx context.Context, p Part) error {
		desc, sum, err := e.uploadPart(ctx, f, p, bucket, key, token, uploadID)
		if err != nil {
			return err
		}
		descriptors[p.Index] = desc
		sums[p.Index] = sum
		progress.Add(p.Length)
		e.metrics.recordPart(ctx, p.Length)
		return nil
	})
	res.Bytes = progress.Bytes()
	if err != nil {
		return res, fmt.Errorf("upload parts for %s/%s: %w", bucket, key, err)
	}

	ordered, err := orderParts(descriptors)
	if err != nil {
		return res, fmt.Errorf("%s/%s: %w", bucket, key, err)
	}

	if err := e.gw.CompleteMultipart(ctx, bucket, key, token, uploadID, ordered); err != nil {
		return res, fmt.Errorf("complete multipart for %s/%s: %w", bucket, key, err)
	}
	res.CRC64 = combineParts(task.Parts, sums)

	log.Info("completed multipart upload",
		slog.Int64("bytes", res.Bytes),
		slog.String("crc64", fmt.Sprintf("%016x", res.CRC64)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// uploadPart sends one part and returns its descriptor and CRC.
func (e *Engine) uploadPart(ctx context.Context, f *os.File, p Part, bucket, key, token, uploadID string) (PartDescriptor, uint64, error) {
	var data []byte
	if p.Length <= int64(e.parts.Size()) {
		buf := e.parts.Get()
		defer e.parts.Put(buf)
		data = (*buf)[:p.Length]
	} else {
		data = make([]byte, p.Length)
	}

	if _, err := f.ReadAt(data, p.Offset); err != nil {
		return PartDescriptor{}, 0, fmt.Errorf("read part %d: %w", p.Number, err)
	}
	sum := ChecksumBytes(data)

	desc, err := e.gw.UploadPart(ctx, bucket, key, token, uploadID, p.Number, data)
	if err != nil {
		return PartDescriptor{}, 0, fmt.Errorf("part %d: %w", p.Number, err)
	}
	if desc.PartNumber == 0 {
		desc.PartNumber = p.Number
	}
	e.logger.Debug("uploaded part",
		slog.String("key", key),
		slog.Int("part", p.Number),
		slog.Int64("bytes", p.Length),
	)
	return desc, sum, nil
}

// orderParts sorts descriptors by part number and checks that they form
// the sequence 1..n.
func orderParts(descriptors []PartDescriptor) ([]PartDescriptor, error) {
	ordered := make([]PartDescriptor, len(descriptors))
	copy(ordered, descriptors)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].PartNumber < ordered[j].PartNumber
	})
	for i, d := range ordered {
		if d.PartNumber != i+1 {
			return nil, fmt.Errorf("%w: expected part %d, got %d", ErrIncompleteUpload, i+1, d.PartNumber)
		}
	}
	return ordered, nil
}

// DownloadFile streams bucket/key into the file at dest, creating parent
// directories as needed.
func (e *Engine) DownloadFile(ctx context.Context, bucket, key, dest string) (Result, error) {
	return e.Download(ctx, DownloadRequest{Bucket: bucket, Key: key, Filename: dest})
}

// Download streams req into req.Filename. When req.Checksum is set, a file
// whose CRC-64 differs is removed and ErrChecksumMismatch returned.
func (e *Engine) Download(ctx context.Context, req DownloadRequest) (res Result, err error) {
	start := time.Now()
	bucket, key, dest := req.Bucket, req.Key, req.Filename
	res = Result{Bucket: bucket, Key: key}

	task := NewTransferTask(DirectionDownload, bucket, key, dest, 0, 0)
	if err := e.tracker.Begin(e.jobID, task); err != nil {
		e.logger.Warn("failed to record transfer", slog.String("key", key), slog.String("error", err.Error()))
	}
	defer func() {
		e.finish(ctx, task, res, start, err)
	}()

	token, err := e.gw.DownloadToken(ctx, bucket, key)
	if err != nil {
		return res, fmt.Errorf("download token for %s/%s: %w", bucket, key, err)
	}

	body, err := e.gw.Open(ctx, bucket, key, token)
	if err != nil {
		return res, fmt.Errorf("open %s/%s: %w", bucket, key, err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return res, fmt.Errorf("failed to create parent of %s: %w", dest, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return res, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	progress := e.tracker.NewProgress(e.jobID, task.ID)
	cw := &crcWriter{w: NewTrackedWriter(f, progress)}

	buf := e.copies.Get()
	defer e.copies.Put(buf)

	_, err = io.CopyBuffer(cw, body, *buf)
	res.Bytes = cw.n
	res.CRC64 = cw.sum
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return res, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	if req.Checksum != 0 {
		if err := checkSum(bucket+"/"+key, res.CRC64, req.Checksum); err != nil {
			os.Remove(dest)
			return res, err
		}
	}

	e.logger.Info("downloaded object",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.String("path", dest),
		slog.Int64("bytes", res.Bytes),
	)
	return res, nil
}

// DownloadBatch downloads every request on a bounded pool. All requests run
// to completion; if any failed, the first failure in request order is
// returned.
func (e *Engine) DownloadBatch(ctx context.Context, reqs []DownloadRequest) error {
	return RunBatch(ctx, e.downloadConcurrency, reqs, func(ctx context.Context, r DownloadRequest) error {
		_, err := e.Download(ctx, r)
		return err
	})
}

func (e *Engine) finish(ctx context.Context, task TransferTask, res Result, start time.Time, err error) {
	e.metrics.recordTransfer(ctx, task.Direction, res.Bytes, start, err)

	var terr error
	if err != nil {
		terr = e.tracker.Failed(e.jobID, task.ID, err)
	} else {
		terr = e.tracker.Completed(e.jobID, task.ID, res.Bytes, res.CRC64)
	}
	if terr != nil {
		e.logger.Warn("failed to update transfer record", slog.String("id", task.ID), slog.String("error", terr.Error()))
	}
}
