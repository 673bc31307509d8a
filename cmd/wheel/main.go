// Command wheel runs the wheel decision engine once, on a schedule, or
// behind an HTTP trigger.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/trigger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath, mode string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&mode, "mode", modeOnce, "Run mode: once | daemon | serve")
	flag.Parse()

	if !validMode(mode) {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logger := newLogger(cfg.Environment, os.Stdout)
	announceMode(cfg, logger)

	if err := run(cfg, mode, logger); err != nil {
		logger.WithError(err).Error("Exiting")
		os.Exit(1)
	}
	logger.Info("Stopped")
}

func run(cfg *config.Config, mode string, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, newBroker(cfg, logger))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.verify(ctx); err != nil {
		return err
	}

	switch mode {
	case modeDaemon:
		return runDaemon(ctx, a)
	case modeServe:
		return runServe(ctx, a)
	default:
		return runOnce(ctx, a)
	}
}

func runOnce(ctx context.Context, a *app) error {
	report, err := a.engine.Run(ctx)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			a.logger.WithError(encErr).Warn("Failed to print run report")
		}
	}
	return err
}

func runDaemon(ctx context.Context, a *app) error {
	t := trigger.New(a.engine, a.logger)
	sched, err := trigger.NewScheduler(ctx, a.cfg.Schedule.Runs, a.cfg.Location(), t, a.logger)
	if err != nil {
		return err
	}
	sched.Start()
	<-ctx.Done()
	a.logger.Info("Shutdown signal received, waiting for active run")
	sched.Stop()
	return nil
}

func runServe(ctx context.Context, a *app) error {
	t := trigger.New(a.engine, a.logger)

	var sched *trigger.Scheduler
	if len(a.cfg.Schedule.Runs) > 0 {
		var err error
		sched, err = trigger.NewScheduler(ctx, a.cfg.Schedule.Runs, a.cfg.Location(), t, a.logger)
		if err != nil {
			return err
		}
		sched.Start()
	}

	srv := trigger.NewServer(trigger.Config{Listen: a.cfg.Trigger.Listen, AuthToken: a.cfg.Trigger.AuthToken}, t, a.store, a.logger)
	if a.cfg.Trigger.AuthToken == "" {
		a.logger.WithField("listen", a.cfg.Trigger.Listen).Warn("Trigger server has no auth token configured")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received, stopping trigger server")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.WithError(err).Warn("Trigger server shutdown")
	}
	if sched != nil {
		sched.Stop()
	}
	return serveErr
}

