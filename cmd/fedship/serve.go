package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bft-labs/fedship/pkg/fedship"
	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/plugins/configwatcher"
	"github.com/bft-labs/fedship/plugins/uploadcleanup"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregation server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c)
		},
	}

	f := cmd.Flags()
	f.StringVar(&c.cfg.DataDir, "data-dir", c.cfg.DataDir, "root directory for ledger, uploads and checkpoints")
	f.StringVar(&c.cfg.ListenAddr, "listen", c.cfg.ListenAddr, "HTTP listen address")
	f.StringVar(&c.cfg.LedgerPath, "ledger-path", c.cfg.LedgerPath, "contribution ledger file (default: <data-dir>/client_stats.json)")
	f.StringVar(&c.cfg.WeightsDir, "weights-dir", c.cfg.WeightsDir, "client upload directory (default: <data-dir>/uploaded_client_weights)")
	f.StringVar(&c.cfg.CheckpointDir, "checkpoint-dir", c.cfg.CheckpointDir, "global model directory (default: <data-dir>/global_models)")
	f.IntVar(&c.cfg.ChunkSize, "chunk-size", c.cfg.ChunkSize, "download chunk size in bytes")
	f.Int64Var(&c.cfg.MaxUploadBytes, "max-upload-bytes", c.cfg.MaxUploadBytes, "maximum accepted upload size")
	f.DurationVar(&c.cfg.ReadTimeout, "read-timeout", c.cfg.ReadTimeout, "HTTP read timeout")
	f.DurationVar(&c.cfg.WriteTimeout, "write-timeout", c.cfg.WriteTimeout, "HTTP write timeout")
	f.DurationVar(&c.cfg.ShutdownTimeout, "shutdown-timeout", c.cfg.ShutdownTimeout, "graceful shutdown deadline")
	f.BoolVar(&c.cfg.AllowReaggregate, "allow-reaggregate", c.cfg.AllowReaggregate, "allow re-aggregating committed rounds without a per-request opt-in")
	f.StringVar(&c.cfg.SeedPath, "seed", c.cfg.SeedPath, "encoded model used as round 0 when no checkpoint exists")
	f.BoolVar(&c.cfg.WatchConfig, "watch-config", c.cfg.WatchConfig, "reload log level and re-aggregation policy when the config file changes")
	f.Int64Var(&c.cfg.CleanupHighWatermark, "cleanup-high-watermark", c.cfg.CleanupHighWatermark, "upload directory size that triggers cleanup of old rounds (0 disables)")
	f.Int64Var(&c.cfg.CleanupLowWatermark, "cleanup-low-watermark", c.cfg.CleanupLowWatermark, "target upload directory size after cleanup (default: high watermark)")
	f.IntVar(&c.cfg.CleanupKeepRounds, "cleanup-keep-rounds", c.cfg.CleanupKeepRounds, "rounds before the current one whose uploads are never cleaned")
	return cmd
}

func runServe(ctx context.Context, c *cli) error {
	c.log.Info().Interface("config", c.cfg.Redacted()).Msg("configuration")

	libCfg := fedship.Config{
		DataDir:          c.cfg.DataDir,
		ListenAddr:       c.cfg.ListenAddr,
		LedgerPath:       c.cfg.LedgerPath,
		WeightsDir:       c.cfg.WeightsDir,
		CheckpointDir:    c.cfg.CheckpointDir,
		ChunkSize:        c.cfg.ChunkSize,
		MaxUploadBytes:   c.cfg.MaxUploadBytes,
		ReadTimeout:      c.cfg.ReadTimeout,
		WriteTimeout:     c.cfg.WriteTimeout,
		ShutdownTimeout:  c.cfg.ShutdownTimeout,
		AdminToken:       c.cfg.AdminToken,
		AllowReaggregate: c.cfg.AllowReaggregate,
		ConfigPath:       c.loadedPath,
	}

	opts := []fedship.Option{
		fedship.WithLogger(log.NewZerologAdapterWithLogger(c.log)),
	}
	if c.cfg.SeedPath != "" {
		opts = append(opts, fedship.WithSeedFile(c.cfg.SeedPath))
	}
	if c.cfg.WatchConfig && c.loadedPath != "" {
		opts = append(opts, configwatcher.WithDefaultConfigWatcher())
	}
	if c.cfg.CleanupHighWatermark > 0 {
		cleanup := uploadcleanup.DefaultConfig()
		cleanup.HighWatermark = c.cfg.CleanupHighWatermark
		cleanup.LowWatermark = c.cfg.CleanupLowWatermark
		cleanup.KeepRounds = uint64(c.cfg.CleanupKeepRounds)
		opts = append(opts, uploadcleanup.WithUploadCleanup(cleanup))
	}

	srv, err := fedship.New(libCfg, opts...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	crashed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if srv.Status() == fedship.StateCrashed {
					close(crashed)
					return
				}
			}
		}
	}()

	select {
	case sig := <-sigCh:
		c.log.Info().Str("signal", sig.String()).Msg("received signal, stopping...")
	case <-crashed:
		return fmt.Errorf("server crashed")
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}
