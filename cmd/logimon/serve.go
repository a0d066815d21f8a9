package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"logimon/internal/config"
	"logimon/internal/health"
	"logimon/internal/logger"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher with its HTTP API",
		Long: "Starts the browser session, logs in to the tracking surface and serves the trigger API. " +
			"With BATCH_SCHEDULE set, batches also run on that cron schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTPPort = port
			}
			return runServe(cmd, cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (overrides HTTP_PORT)")
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	log := logger.New("serve")
	log.Infof("🚀 Starting logimon %s...", Version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return health.Start(gctx, health.Options{
			Port:       cfg.HTTPPort,
			Monitor:    a.monitor,
			Dispatcher: a.orch,
			Records:    a.store,
			Gatherer:   prometheus.DefaultGatherer,
			Log:        logger.New("http"),
		})
	})

	if cfg.BatchSchedule != "" {
		c := cron.New(cron.WithLocation(cfg.Location()))
		_, err := c.AddFunc(cfg.BatchSchedule, func() {
			if _, err := a.orch.ProcessAll(gctx); err != nil {
				log.Warnf("⚠️  Scheduled batch not started: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule batch: %w", err)
		}
		c.Start()
		log.Infof("⏰ Batches scheduled: %s", cfg.BatchSchedule)

		g.Go(func() error {
			<-gctx.Done()
			<-c.Stop().Done()
			return nil
		})
	}

	log.Infof("✅ Ready")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("🛑 Shutting down...")
	return nil
}
