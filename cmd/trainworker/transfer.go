package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/franksops/trainworker/config"
	"github.com/franksops/trainworker/engine"
)

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file> <bucket> <key>",
		Short: "Upload a file as a multipart upload",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng *engine.Engine) error {
				res, err := eng.UploadFile(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s/%s (%d bytes, %d parts)\n", res.Bucket, res.Key, res.Bytes, res.Parts)
				return nil
			})
		},
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <bucket> <key> <dest>",
		Short: "Download an object to a local file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng *engine.Engine) error {
				res, err := eng.DownloadFile(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "downloaded %s/%s to %s (%d bytes, crc64 %016x)\n", res.Bucket, res.Key, args[2], res.Bytes, res.CRC64)
				return nil
			})
		},
	}
}

// withEngine runs fn with an engine built from the environment. The
// transfer is canceled on SIGINT or SIGTERM.
func withEngine(parent context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, _, closeLog, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer closeLog()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg, newSession(cfg, logger))
	if err != nil {
		return fmt.Errorf("failed to create storage gateway: %w", err)
	}
	return fn(ctx, newEngine(cfg, gw, nil, nil, nil, logger))
}
