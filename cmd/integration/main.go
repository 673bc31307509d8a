// Command integration runs read-only checks against the Tradier sandbox: it
// exercises every broker call the engine depends on and dry-runs the filter
// pipeline without placing orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/execution"
	"github.com/eddiefleurent/wheelhouse/internal/filter"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/risk"
	"github.com/eddiefleurent/wheelhouse/internal/snapshot"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

type env struct {
	cfg       *config.Config
	broker    broker.Broker
	snapshots *snapshot.Adapter
	risk      *risk.Manager
	pipeline  *filter.Pipeline
	logger    *logrus.Logger
	equity    float64
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	if !cfg.IsPaperTrading() || cfg.Broker.Provider != "tradier" {
		logger.Fatal("Integration checks need environment.mode 'paper' and broker.provider 'tradier'")
	}

	// always the sandbox, whatever the endpoint says
	b := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, true)
	riskMgr := risk.NewManager(risk.LimitsFromConfig(cfg.Risk), logger)
	e := &env{
		cfg:       cfg,
		broker:    b,
		snapshots: snapshot.NewAdapter(b, cfg.Location(), cfg.Execution.CallTimeout, logger),
		risk:      riskMgr,
		pipeline:  filter.New(riskMgr),
		logger:    logger,
	}

	checks := []check{
		{"Broker connectivity", e.checkConnectivity},
		{"Market clock", e.checkMarketClock},
		{"Positions and orders", e.checkAccountState},
		{"Snapshots and filter dry run", e.checkPipeline},
		{"Store round trip", e.checkStore},
	}

	ctx := context.Background()
	passed := 0
	for i, c := range checks {
		fmt.Printf("Check %d: %s\n", i+1, c.name)
		cctx, cancel := context.WithTimeout(ctx, cfg.Schedule.MaxRunDuration)
		err := c.run(cctx)
		cancel()
		if err != nil {
			fmt.Printf("FAILED: %v\n\n", err)
			continue
		}
		passed++
		fmt.Print("PASSED\n\n")
	}

	fmt.Printf("Checks passed: %d/%d\n", passed, len(checks))
	if passed != len(checks) {
		os.Exit(1)
	}
}

func (e *env) checkConnectivity(ctx context.Context) error {
	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		return err
	}
	bp, err := bal.GetOptionBuyingPower()
	if err != nil {
		return err
	}
	e.equity = bal.Balances.TotalEquity
	e.logger.WithFields(logrus.Fields{
		"equity":              e.equity,
		"option_buying_power": bp,
		"account_type":        bal.Balances.AccountType,
	}).Info("Account balance")
	if e.equity <= 0 {
		return fmt.Errorf("sandbox account has no equity")
	}
	return nil
}

func (e *env) checkMarketClock(ctx context.Context) error {
	clock, err := e.broker.GetMarketClock(ctx)
	if err != nil {
		return err
	}
	e.logger.WithField("state", clock.Clock.State).Info("Market clock")
	return nil
}

func (e *env) checkAccountState(ctx context.Context) error {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return err
	}
	orders, err := e.broker.GetOrders(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		fields := logrus.Fields{"symbol": p.Symbol, "quantity": p.Quantity, "cost_basis": p.CostBasis}
		if sym, err := broker.ParseOptionSymbol(p.Symbol); err == nil {
			fields["underlying"] = sym.Underlying
			fields["type"] = sym.Type
			fields["strike"] = sym.Strike
		}
		e.logger.WithFields(fields).Info("Position")
	}
	live := 0
	for _, o := range orders {
		if o.IsLive() {
			live++
		}
	}
	e.logger.WithFields(logrus.Fields{"positions": len(positions), "orders": len(orders), "live": live}).Info("Account state")
	return nil
}

// checkPipeline builds the put snapshot of every watchlist underlying and
// shows which contract a run from idle would sell.
func (e *env) checkPipeline(ctx context.Context) error {
	today := time.Now().In(e.cfg.Location())
	params := e.cfg.Strategy.Put
	for _, u := range e.cfg.Watchlist {
		log := e.logger.WithField("underlying", u)
		snap, err := e.snapshots.Build(ctx, u, models.OptionTypePut, params.MaxDTE()+e.cfg.Strategy.ChainHorizonPadDays)
		if err != nil {
			return err
		}
		gap := e.risk.ClassifyGap(snap.PrevClose, snap.Last)
		d := e.pipeline.Evaluate(filter.Input{
			Underlying: u,
			Side:       models.OptionTypePut,
			Phase:      models.StageIdle,
			Params:     params,
			Candidates: snap.Candidates,
			Gap:        gap,
			Exposure:   filter.Exposure{Equity: e.equity},
		})
		log = log.WithFields(logrus.Fields{
			"candidates": len(snap.Candidates),
			"malformed":  len(snap.Malformed),
			"rejections": len(d.Rejections()),
			"gap":        gap.Level,
		})
		if d.Winner == nil {
			log.Info("No candidate would be sold")
			continue
		}
		w := d.Winner
		limit := execution.LimitPrice(w.Bid, w.Ask, params.PriceOffset, e.cfg.Execution.TickSize, models.SideSellToOpen)
		intent := models.NewOrderIntent(*w, models.ProspectiveCycleID(u, today, 0), models.StagePutOpen,
			models.SideSellToOpen, d.Quantity, limit, today)
		log.WithFields(logrus.Fields{
			"symbol":          w.Symbol,
			"dte":             w.DTE,
			"delta":           w.Delta,
			"limit_price":     limit,
			"idempotency_key": intent.IdempotencyKey,
		}).Info("Would sell")
	}
	return nil
}

func (e *env) checkStore(_ context.Context) error {
	dir, err := os.MkdirTemp("", "wheel-integration-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	path := filepath.Join(dir, "cycles.json")
	store, err := storage.NewJSONStorage(path)
	if err != nil {
		return err
	}
	now := time.Now()
	cycle := models.NewWheelCycle("SPY", models.ProspectiveCycleID("SPY", now, 0), now)
	if err := cycle.Transition(models.StagePutOpen, models.ConditionPutSold, now); err != nil {
		return err
	}
	if err := cycle.Assign(100, decimal.NewFromInt(500), now); err != nil {
		return err
	}
	if err := store.OpenCycle(cycle); err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}

	reloaded, err := storage.NewJSONStorage(path)
	if err != nil {
		return err
	}
	got := reloaded.GetActiveCycle("SPY")
	if got == nil || got.Stage != models.StageAssigned {
		return fmt.Errorf("cycle did not survive a reload: %+v", got)
	}
	e.logger.WithField("cycle_id", got.CycleID).Info("Store round trip ok")
	return nil
}
