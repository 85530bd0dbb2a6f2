package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/trainworker/api"
	"github.com/franksops/trainworker/config"
	"github.com/franksops/trainworker/engine"
	"github.com/franksops/trainworker/monitor"
	"github.com/franksops/trainworker/store"
	"github.com/franksops/trainworker/ui"
	"github.com/franksops/trainworker/worker"
)

func newRunCmd() *cobra.Command {
	var tui bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and run training jobs until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), tui)
		},
	}
	cmd.Flags().BoolVar(&tui, "tui", false, "Show a status dashboard; logs go to LOG_FILE")
	return cmd
}

func runWorker(parent context.Context, tui bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logger, logOut, closeLog, err := newLogger(cfg, tui)
	if err != nil {
		return err
	}
	defer closeLog()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	state := worker.NewRunState()
	shutdown := func() {
		state.Halt()
		cancel(worker.ErrShutdown)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			shutdown()
		case <-ctx.Done():
		}
	}()

	ledger, err := store.NewBoltStore(filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	defer ledger.Close()

	session := newSession(cfg, logger)
	identity := newIdentity(cfg)
	client := api.NewClient(session, identity)

	gw, err := newGateway(ctx, cfg, session)
	if err != nil {
		return fmt.Errorf("failed to create storage gateway: %w", err)
	}

	var board *ui.Board
	var transfers engine.Observer
	if tui {
		board = ui.NewBoard()
		transfers = board
	}
	mp, shutdownMetrics, err := newMeterProvider(cfg, logOut)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("failed to flush metrics", slog.String("error", err.Error()))
		}
	}()
	eng := newEngine(cfg, gw, ledger, transfers, mp, logger)

	opts := worker.Options{
		Workspace: worker.Workspace{
			InstanceDir: cfg.InstanceDir,
			ClassDir:    cfg.ClassDir,
			OutputDir:   cfg.OutputDir,
		},
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		TerminateGrace:    cfg.TerminateGrace,
		Quiescence:        quiescencePolicy(cfg),
		FailurePolicy:     monitor.FailurePolicy(cfg.CheckpointFailurePolicy),
		Launcher:          cfg.TrainingLauncher,
		Store:             ledger,
		Metrics:           worker.NewMetrics(mp),
		Logger:            logger,
	}
	if board != nil {
		opts.Observer = board
		opts.TrainingOutput = logOut
	}
	ctrl := worker.NewController(client, eng, state, opts)

	logger.Info("worker starting",
		slog.String("version", version),
		slog.String("worker_id", identity.WorkerID),
		slog.String("storage", cfg.StorageBackend),
	)

	if board == nil {
		return ctrl.Run(ctx)
	}

	uiCtx, stopUI := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		defer stopUI()
		defer board.Close()
		return ctrl.Run(ctx)
	})
	g.Go(func() error {
		return ui.Run(uiCtx, board, shutdown)
	})
	return g.Wait()
}
