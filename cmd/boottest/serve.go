package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/api"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/browser"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/executor"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/queue"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/reporter"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the boot-test service",
	Long: `Run the boot-test service: the webhook ingestor, the trigger API,
the test queue with its single worker, and the result reporter.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if level, err := logrus.ParseLevel(cfg.Global.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store := metrics.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting metrics store: %w", err)
	}

	downloader := image.NewDownloader(
		log, cfg.Download.CacheDir, cfg.Download.Timeout,
	)
	verifier := browser.NewWizardVerifier(log)
	exec := executor.New(log, cfg, store, downloader, verifier)

	q := queue.New(log, store, exec, cfg.Queue.DedupWindow, cfg.Device.IP)
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}

	var rep *reporter.Reporter
	if cfg.Reporter.Enabled {
		rep = reporter.New(log, &cfg.Reporter, store, nil)
		if err := rep.Start(ctx); err != nil {
			return fmt.Errorf("starting reporter: %w", err)
		}
	}

	srv := api.NewServer(log, cfg, store, q)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Stopping api server")
	}

	if rep != nil {
		if err := rep.Stop(); err != nil {
			log.WithError(err).Warn("Stopping reporter")
		}
	}

	if err := q.Stop(); err != nil {
		log.WithError(err).Warn("Stopping queue")
	}

	if err := store.Stop(); err != nil {
		log.WithError(err).Warn("Stopping metrics store")
	}

	return nil
}
