package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/franksops/trainworker/api"
	"github.com/franksops/trainworker/config"
	"github.com/franksops/trainworker/engine"
	"github.com/franksops/trainworker/monitor"
	"github.com/franksops/trainworker/provider"
	"github.com/franksops/trainworker/retry"
	"github.com/franksops/trainworker/store"
)

// newLogger builds the process logger. With toFile set, or LOG_FILE given,
// output goes to a file so it does not tear the TUI. The returned writer is
// the same destination, for the training process's output.
func newLogger(cfg config.Config, toFile bool) (*slog.Logger, io.Writer, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}

	path := cfg.LogFile
	if path == "" && toFile {
		path = filepath.Join(cfg.StateDir, "trainworker.log")
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), out, closeFn, nil
}

func newSession(cfg config.Config, logger *slog.Logger) *api.Session {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.RetryMaxAttempts
	return api.NewSession(api.SessionOptions{
		BaseURL:   cfg.APIURL,
		APIKey:    cfg.APIKey,
		Policy:    policy,
		RateLimit: cfg.APIRateLimit,
		Logger:    logger,
	})
}

func newIdentity(cfg config.Config) api.Identity {
	return api.Identity{
		MachineID:          cfg.Identity.MachineID,
		ContainerGroupID:   cfg.Identity.ContainerGroupID,
		ContainerGroupName: cfg.Identity.ContainerGroupName,
		OrganizationName:   cfg.Identity.OrganizationName,
		ProjectName:        cfg.Identity.ProjectName,
		WorkerID:           uuid.NewString(),
	}
}

// newGateway selects the storage backend.
func newGateway(ctx context.Context, cfg config.Config, session *api.Session) (engine.Gateway, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		gw, err := provider.NewS3Gateway(ctx, provider.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return gw, nil
	case config.BackendLocal:
		return provider.NewLocalGateway(cfg.LocalStorageRoot), nil
	default:
		return provider.NewHTTPGateway(session), nil
	}
}

// newMeterProvider returns a provider that dumps every instrument to out once
// per METRICS_INTERVAL. With the interval unset it returns nil, which leaves
// the instruments on the global provider.
func newMeterProvider(cfg config.Config, out io.Writer) (metric.MeterProvider, func(context.Context) error, error) {
	if cfg.MetricsInterval <= 0 {
		return nil, func(context.Context) error { return nil }, nil
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricsInterval)),
	))
	return mp, mp.Shutdown, nil
}

func newEngine(cfg config.Config, gw engine.Gateway, ledger store.Store, observer engine.Observer, mp metric.MeterProvider, logger *slog.Logger) *engine.Engine {
	return engine.New(gw, engine.Options{
		PartSize:            cfg.PartSize,
		UploadConcurrency:   cfg.UploadConcurrency,
		DownloadConcurrency: cfg.DownloadConcurrency,
		Tracker:             engine.NewTracker(ledger, observer, engine.DefaultProgressConfig),
		Metrics:             engine.NewMetrics(mp),
		Logger:              logger,
	})
}

func quiescencePolicy(cfg config.Config) monitor.Policy {
	p := monitor.DefaultPolicy()
	p.Window = cfg.QuiescenceWindow
	p.Poll = cfg.QuiescencePoll
	p.Timeout = cfg.QuiescenceTimeout
	return p
}
