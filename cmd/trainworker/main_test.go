package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franksops/trainworker/config"
	"github.com/franksops/trainworker/provider"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("Expected %q, got %q", version, out.String())
	}
}

func TestUploadCommandArgs(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"upload", "only-a-file"})

	if err := root.Execute(); err == nil {
		t.Error("Expected an argument count error")
	}
}

func TestNewLogger_File(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.LogFormat = "json"

	logger, out, closeLog, err := newLogger(cfg, true)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	logger.Info("hello", "job_id", "job-1")
	out.Write([]byte("training output\n"))
	closeLog()

	data, err := os.ReadFile(filepath.Join(cfg.StateDir, "trainworker.log"))
	if err != nil {
		t.Fatalf("Expected log file: %v", err)
	}
	if !strings.Contains(string(data), `"job_id":"job-1"`) || !strings.Contains(string(data), "training output") {
		t.Errorf("Unexpected log contents %q", data)
	}
}

func TestNewGateway_Local(t *testing.T) {
	cfg := config.Default()
	cfg.StorageBackend = config.BackendLocal
	cfg.LocalStorageRoot = t.TempDir()

	gw, err := newGateway(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newGateway failed: %v", err)
	}
	if _, ok := gw.(*provider.LocalGateway); !ok {
		t.Errorf("Expected a LocalGateway, got %T", gw)
	}
}

func TestQuiescencePolicy(t *testing.T) {
	cfg := config.Default()
	cfg.QuiescenceWindow = 2 * time.Second

	p := quiescencePolicy(cfg)
	if p.Window != 2*time.Second || p.Poll != cfg.QuiescencePoll || p.Timeout != cfg.QuiescenceTimeout {
		t.Errorf("Unexpected policy %+v", p)
	}
	if len(p.Expected) == 0 {
		t.Error("Expected the default artifact set")
	}
}

func TestNewMeterProvider_Disabled(t *testing.T) {
	mp, shutdown, err := newMeterProvider(config.Default(), io.Discard)
	if err != nil {
		t.Fatalf("newMeterProvider failed: %v", err)
	}
	if mp != nil {
		t.Errorf("Expected the global provider, got %T", mp)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Expected a no-op shutdown, got %v", err)
	}
}

func TestNewMeterProvider_ExportsTransferMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.MetricsInterval = time.Hour
	cfg.PartSize = 1024

	var out bytes.Buffer
	mp, shutdown, err := newMeterProvider(cfg, &out)
	if err != nil {
		t.Fatalf("newMeterProvider failed: %v", err)
	}

	src := filepath.Join(t.TempDir(), "weights.bin")
	os.WriteFile(src, bytes.Repeat([]byte("w"), 3000), 0644)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := newEngine(cfg, provider.NewLocalGateway(t.TempDir()), nil, nil, mp, logger)
	if _, err := eng.UploadFile(context.Background(), src, "ckpt", "run/weights.bin"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}

	// Shutdown flushes the periodic reader once.
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	for _, name := range []string{"trainworker.transfer.parts", "trainworker.transfer.bytes"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("Expected %s in the metrics dump", name)
		}
	}
}
