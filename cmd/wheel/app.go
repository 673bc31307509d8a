package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/engine"
	"github.com/eddiefleurent/wheelhouse/internal/events"
	"github.com/eddiefleurent/wheelhouse/internal/ledger"
	"github.com/eddiefleurent/wheelhouse/internal/mock"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

// Run modes.
const (
	modeOnce   = "once"
	modeDaemon = "daemon"
	modeServe  = "serve"
)

func validMode(mode string) bool {
	switch mode {
	case modeOnce, modeDaemon, modeServe:
		return true
	}
	return false
}

// app holds the wired components for one process.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	broker  broker.Broker
	store   storage.Interface
	ledger  ledger.Ledger
	engine  *engine.Engine
	closers []io.Closer
}

func newLogger(env config.EnvironmentConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	if env.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		logger.WithField("log_level", env.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func newBroker(cfg *config.Config, logger *logrus.Logger) broker.Broker {
	if cfg.Broker.Provider == "mock" {
		logger.Info("Using deterministic mock broker")
		b := mock.NewSeeded(cfg.Watchlist, time.Now().In(cfg.Location()))
		b.FillOnPlace(true)
		return b
	}

	var b broker.Broker = broker.NewTradierAPIWithBaseURL(
		cfg.Broker.APIKey,
		cfg.Broker.AccountID,
		cfg.IsPaperTrading(),
		cfg.Broker.APIEndpoint,
		broker.RateLimits{
			MarketData: cfg.Broker.RateLimits.MarketData,
			Trading:    cfg.Broker.RateLimits.Trading,
			Standard:   cfg.Broker.RateLimits.Standard,
		},
	)
	if cb := cfg.Broker.CircuitBreaker; cb.Enabled {
		settings := broker.DefaultCircuitBreakerSettings
		if cb.MaxRequests > 0 {
			settings.MaxRequests = cb.MaxRequests
		}
		if cb.Interval > 0 {
			settings.Interval = cb.Interval
		}
		if cb.Timeout > 0 {
			settings.Timeout = cb.Timeout
		}
		if cb.MinRequests > 0 {
			settings.MinRequests = cb.MinRequests
		}
		settings.FailureRatio = cb.FailureRatio
		b = broker.NewCircuitBreakerBrokerWithSettings(b, settings, logger)
	}
	return b
}

func newApp(cfg *config.Config, logger *logrus.Logger, b broker.Broker) (*app, error) {
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.Storage.Path, err)
	}
	led, err := ledger.New(cfg.Ledger, store)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		broker: b,
		store:  store,
		ledger: led,
		engine: engine.New(cfg, b, store, led, events.NewLogSink(logger), logger),
	}
	if c, ok := led.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	return a, nil
}

// verify checks broker connectivity once at startup.
func (a *app) verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Broker.Timeout)
	defer cancel()
	bal, err := a.broker.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	a.logger.WithFields(logrus.Fields{
		"equity":       bal.Balances.TotalEquity,
		"account_type": bal.Balances.AccountType,
	}).Info("Connected to broker")
	return nil
}

func (a *app) Close() {
	if err := a.store.Save(); err != nil {
		a.logger.WithError(err).Error("Failed to save store")
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.WithError(err).Warn("Close failed")
		}
	}
}

func announceMode(cfg *config.Config, logger *logrus.Logger) {
	fields := logrus.Fields{
		"mode":      cfg.Environment.Mode,
		"provider":  cfg.Broker.Provider,
		"watchlist": cfg.Watchlist,
	}
	if cfg.IsPaperTrading() {
		logger.WithFields(fields).Info("Paper trading, no real money at risk")
		return
	}
	logger.WithFields(fields).Warn("LIVE trading, real money at risk")
}
