// Package engine runs one "scan and execute once" pass over the watchlist:
// reconcile against the broker, monitor open short calls, filter candidates
// and submit at most one sale per underlying.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/events"
	"github.com/eddiefleurent/wheelhouse/internal/execution"
	"github.com/eddiefleurent/wheelhouse/internal/filter"
	"github.com/eddiefleurent/wheelhouse/internal/ledger"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/reconcile"
	"github.com/eddiefleurent/wheelhouse/internal/retry"
	"github.com/eddiefleurent/wheelhouse/internal/risk"
	"github.com/eddiefleurent/wheelhouse/internal/snapshot"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

// ErrAuthFailure aborts a run: no later broker call can be trusted.
var ErrAuthFailure = errors.New("broker authentication failed")

// intentRetention is how long store-backed idempotency keys are kept.
const intentRetention = 7 * 24 * time.Hour

// StopEvaluator decides whether an open short call must be bought back.
type StopEvaluator interface {
	EvaluateCallStop(pos risk.ShortCall, date time.Time) (risk.StopDecision, error)
}

// Params is the immutable per-run configuration.
type Params struct {
	Watchlist             []string
	Put                   config.SideConfig
	Call                  config.SideConfig
	HorizonPadDays        int
	CallReentryWindowDays int
	ScanWorkers           int
	MaxRunDuration        time.Duration
	MinTimeRemaining      time.Duration
	RequireMarketOpen     bool
}

// ParamsFrom copies the run settings out of cfg.
func ParamsFrom(cfg *config.Config) Params {
	seen := make(map[string]bool, len(cfg.Watchlist))
	watchlist := make([]string, 0, len(cfg.Watchlist))
	for _, u := range cfg.Watchlist {
		u = strings.ToUpper(strings.TrimSpace(u))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		watchlist = append(watchlist, u)
	}
	return Params{
		Watchlist:             watchlist,
		Put:                   cfg.Strategy.Put,
		Call:                  cfg.Strategy.Call,
		HorizonPadDays:        cfg.Strategy.ChainHorizonPadDays,
		CallReentryWindowDays: cfg.Strategy.CallReentryWindowDays,
		ScanWorkers:           cfg.Schedule.ScanWorkers,
		MaxRunDuration:        cfg.Schedule.MaxRunDuration,
		MinTimeRemaining:      cfg.Schedule.MinTimeRemaining,
		RequireMarketOpen:     cfg.Schedule.RequireMarketOpen,
	}
}

func (p Params) side(t models.OptionType) config.SideConfig {
	if t == models.OptionTypeCall {
		return p.Call
	}
	return p.Put
}

// Engine wires the run components together. It holds no state between runs
// beyond what the store and ledger persist.
type Engine struct {
	broker     broker.Broker
	store      storage.Interface
	reconciler *reconcile.Reconciler
	snapshots  *snapshot.Adapter
	pipeline   *filter.Pipeline
	risk       *risk.Manager
	stops      StopEvaluator
	coord      *execution.Coordinator
	sink       events.Sink
	logger     *logrus.Logger
	loc        *time.Location
	now        func() time.Time
	params     Params
}

// New builds an engine for cfg on top of b.
func New(cfg *config.Config, b broker.Broker, store storage.Interface, led ledger.Ledger, sink events.Sink, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	loc := cfg.Location()
	riskMgr := risk.NewManager(risk.LimitsFromConfig(cfg.Risk), logger)
	rc := retry.NewClient(logger, retry.FromExecution(cfg.Execution))

	return &Engine{
		broker:     b,
		store:      store,
		reconciler: reconcile.New(b, store, sink, loc, cfg.Execution.CallTimeout, logger),
		snapshots:  snapshot.NewAdapter(b, loc, cfg.Execution.CallTimeout, logger),
		pipeline:   filter.New(riskMgr),
		risk:       riskMgr,
		stops:      riskMgr,
		coord:      execution.New(b, store, led, rc, sink, execution.ConfigFrom(cfg), logger),
		sink:       sink,
		logger:     logger,
		loc:        loc,
		now:        time.Now,
		params:     ParamsFrom(cfg),
	}
}

// WithClock overrides the time source of the engine and its components (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now == nil {
		return e
	}
	e.now = now
	e.reconciler.WithClock(now)
	e.snapshots.WithClock(now)
	e.coord.WithClock(now)
	return e
}

// WithStopEvaluator replaces the call stop-loss policy.
func (e *Engine) WithStopEvaluator(s StopEvaluator) *Engine {
	if s != nil {
		e.stops = s
	}
	return e
}

// Params returns the run configuration.
func (e *Engine) Params() Params {
	return e.params
}

type scanResult struct {
	err      error
	cycle    *models.WheelCycle
	decision filter.Decision
	report   UnderlyingReport
}

// Run executes one pass. Partial success is the normal result: per-underlying
// failures are recorded in the report and the run continues. Only an auth
// failure or an invariant violation aborts, and both come back as errors.
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	started := e.now()
	report := &RunReport{StartedAt: started.UTC()}
	defer func() { report.FinishedAt = e.now().UTC() }()

	if e.params.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.params.MaxRunDuration)
		defer cancel()
	}
	today := started.In(e.loc)
	log := e.logger.WithField("run_date", today.Format("2006-01-02"))
	log.WithField("watchlist", e.params.Watchlist).Info("Starting run")
	e.sink.Emit(events.New("", events.CategoryRun, "start", events.OutcomeOK, "").
		With("watchlist", strings.Join(e.params.Watchlist, ",")))

	if e.params.RequireMarketOpen {
		state, err := e.marketState(ctx)
		if err != nil {
			if broker.IsAuthFailure(err) {
				return report, e.abort("market_clock", err)
			}
			report.Skipped = "market_clock_unavailable"
			e.sink.Emit(events.New("", events.CategoryRun, "skipped", events.OutcomeFailed, err.Error()))
			return report, fmt.Errorf("market clock: %w", err)
		}
		if state != broker.MarketStateOpen {
			report.Skipped = "market_" + state
			log.WithField("state", state).Info("Market not open, skipping run")
			e.sink.Emit(events.New("", events.CategoryRun, "skipped", events.OutcomeSkipped, report.Skipped))
			return report, nil
		}
	}

	rec, err := e.reconciler.Reconcile(ctx, e.params.Watchlist)
	if err != nil {
		return report, e.abort("reconcile", err)
	}
	if n, err := e.store.PruneIntents(started.Add(-intentRetention)); err != nil {
		log.WithError(err).Warn("Failed to persist pruned idempotency keys")
	} else if n > 0 {
		log.WithField("pruned", n).Debug("Pruned old idempotency keys")
	}

	if err := e.monitorCalls(ctx, rec, today, report); err != nil {
		return report, err
	}

	equity, err := e.equity(ctx)
	if err != nil {
		if broker.IsAuthFailure(err) {
			return report, e.abort("balance", err)
		}
		log.WithError(err).Warn("Account equity unavailable, put sizing will reject")
	}

	scans := make([]scanResult, len(e.params.Watchlist))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.params.ScanWorkers))
	for i, u := range e.params.Watchlist {
		g.Go(func() error {
			scans[i] = e.scan(gctx, u, rec, equity)
			if isFatal(scans[i].err) {
				return scans[i].err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, e.abort("scan", err)
	}

	for _, s := range scans {
		if s.report.Outcome == "" {
			if err := e.execute(ctx, &s, today); err != nil {
				report.Underlyings = append(report.Underlyings, s.report)
				return report, err
			}
		}
		if s.report.Outcome == OutcomeHalted {
			report.Halted = append(report.Halted, s.report.Underlying)
		}
		e.checkReentryWindow(s, today)
		report.Underlyings = append(report.Underlyings, s.report)
	}

	log.WithFields(logrus.Fields{
		"traded":      report.Traded(),
		"underlyings": len(report.Underlyings),
		"stop_orders": len(report.StopOrders),
	}).Info("Run complete")
	e.sink.Emit(events.New("", events.CategoryRun, "complete", events.OutcomeOK, "").
		With("traded", report.Traded()).
		With("halted", len(report.Halted)))
	return report, nil
}

func (e *Engine) marketState(ctx context.Context) (string, error) {
	clock, err := e.broker.GetMarketClock(ctx)
	if err != nil {
		return "", err
	}
	return clock.Clock.State, nil
}

func (e *Engine) equity(ctx context.Context) (float64, error) {
	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return bal.Balances.TotalEquity, nil
}

// tooLate reports whether the run deadline leaves less than the minimum time
// needed to start another underlying.
func (e *Engine) tooLate(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && time.Until(dl) < e.params.MinTimeRemaining
}

// monitorCalls evaluates the stop-loss of every open short call. Short puts
// are never evaluated; assignment is the accepted outcome for them.
func (e *Engine) monitorCalls(ctx context.Context, rec *reconcile.Result, today time.Time, report *RunReport) error {
	for _, u := range e.params.Watchlist {
		cycle := rec.Cycles[u]
		if cycle == nil || cycle.Stage != models.StageCallOpen {
			continue
		}
		for _, leg := range rec.Holdings[u].ShortCalls {
			if e.tooLate(ctx) {
				e.sink.Emit(events.New(u, events.CategoryRisk, risk.StopLossReason, events.OutcomeSkipped, "run deadline").
					With("symbol", leg.Symbol))
				continue
			}
			if err := e.monitorCall(ctx, cycle, leg, today, report); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) monitorCall(ctx context.Context, cycle *models.WheelCycle, leg reconcile.OptionLeg, today time.Time, report *RunReport) error {
	u := cycle.Underlying
	premium := leg.PremiumPerShare()
	if sale, ok := cycle.LastFilledOpen(leg.Symbol); ok && sale.FillPrice.Valid {
		premium = sale.FillPrice.Decimal.InexactFloat64()
	}

	quote, err := e.snapshots.QuoteContract(ctx, leg.Symbol)
	if err != nil {
		if broker.IsAuthFailure(err) {
			return e.abort("monitor", err)
		}
		e.sink.Emit(events.New(u, events.CategoryRisk, risk.StopLossReason, events.OutcomeSkipped, err.Error()).
			With("symbol", leg.Symbol))
		return nil
	}

	pos := risk.ShortCall{
		Underlying: u,
		CycleID:    cycle.CycleID,
		Symbol:     leg.Symbol,
		OptionType: leg.Type,
		Strike:     leg.Strike,
		Expiration: quote.Expiration,
		Premium:    premium,
		Bid:        quote.Bid,
		Ask:        quote.Ask,
		Quantity:   leg.Contracts,
		DTE:        quote.DTE,
	}
	d, err := e.stops.EvaluateCallStop(pos, today)
	if err != nil {
		e.sink.Emit(events.New(u, events.CategoryRisk, risk.StopLossReason, events.OutcomeFailed, err.Error()).
			With("symbol", leg.Symbol))
		return nil
	}

	outcome := events.OutcomePass
	if d.Triggered {
		outcome = events.OutcomeTriggered
	}
	e.sink.Emit(events.New(u, events.CategoryRisk, risk.StopLossReason, outcome, d.Reason).
		With("symbol", leg.Symbol).
		With("cycle_id", cycle.CycleID).
		With("observed", d.LossFraction).
		With("threshold", d.Threshold).
		With("multiplier", d.Multiplier).
		With("dte", pos.DTE))
	if !d.Triggered || d.Intent == nil {
		return nil
	}

	out, err := e.coord.Execute(ctx, *d.Intent)
	report.StopOrders = append(report.StopOrders, out)
	if err != nil {
		if isFatal(err) {
			return e.abort("stop_loss", err)
		}
		e.logger.WithError(err).WithField("symbol", leg.Symbol).Error("Stop-loss buy-back failed")
	}
	return nil
}

// scan builds the snapshot and runs the pipeline for one underlying. Only
// read-only broker calls happen here so scans may run concurrently.
func (e *Engine) scan(ctx context.Context, u string, rec *reconcile.Result, equity float64) scanResult {
	phase := rec.Phase(u)
	side := models.OptionTypePut
	if phase == models.StageAssigned || phase == models.StageCallOpen {
		side = models.OptionTypeCall
	}
	res := scanResult{
		cycle:  rec.Cycles[u],
		report: UnderlyingReport{Underlying: u, Phase: phase, Side: side},
	}
	if e.tooLate(ctx) {
		e.skipDeadline(&res.report)
		return res
	}

	params := e.params.side(side)
	snap, err := e.snapshots.Build(ctx, u, side, params.MaxDTE()+e.params.HorizonPadDays)
	if err != nil {
		if isFatal(err) {
			res.err = err
			return res
		}
		res.report.Outcome = OutcomeDataUnavailable
		res.report.Reason = err.Error()
		e.sink.Emit(events.New(u, events.CategoryData, "snapshot", events.OutcomeFailed, err.Error()).
			With("option_type", string(side)))
		return res
	}
	for _, r := range snap.Malformed {
		e.sink.Emit(events.FromFilterResult(r))
	}

	gap := e.risk.ClassifyGap(snap.PrevClose, snap.Last)
	if gap.Level != risk.GapNormal {
		outcome := events.OutcomeWarning
		if gap.BlocksEntry() {
			outcome = events.OutcomeTriggered
		}
		e.sink.Emit(events.New(u, events.CategoryRisk, "gap", outcome, string(gap.Level)).
			With("observed", gap.Pct).
			With("threshold", e.risk.Limits().GapHaltPct).
			With("prev_close", gap.PrevClose).
			With("last", gap.Last))
	}

	h := rec.Holdings[u]
	res.decision = e.pipeline.Evaluate(filter.Input{
		Underlying: u,
		Side:       side,
		Phase:      phase,
		Params:     params,
		Candidates: snap.Candidates,
		Gap:        gap,
		Exposure: filter.Exposure{
			Notional:       h.PutNotional() + h.WorkingPutNotional() + float64(h.Shares)*snap.Last,
			Equity:         equity,
			SharesHeld:     h.Shares,
			ShortContracts: h.ShortContracts(models.OptionTypeCall) + h.WorkingContracts(models.OptionTypeCall),
		},
	})
	for _, r := range res.decision.Results {
		e.sink.Emit(events.FromFilterResult(r))
	}
	res.report.Evaluated = len(snap.Candidates)

	switch {
	case gap.BlocksEntry():
		res.report.Outcome = OutcomeHalted
		res.report.Reason = fmt.Sprintf("gap %s", gap.Level)
	case res.decision.Winner == nil:
		res.report.Outcome = OutcomeNoCandidate
		res.report.Reason = fmt.Sprintf("%d candidates, %d rejections", len(snap.Candidates), len(res.decision.Rejections()))
	}
	return res
}

// execute submits the winning candidate of a scan. The returned error is set
// only when the run must abort.
func (e *Engine) execute(ctx context.Context, s *scanResult, today time.Time) error {
	if e.tooLate(ctx) {
		e.skipDeadline(&s.report)
		return nil
	}
	winner := *s.decision.Winner
	u := s.report.Underlying

	// an idle underlying gets the id its next cycle will carry
	cycleID := models.ProspectiveCycleID(u, today, e.store.CycleCount(u))
	if c := e.store.GetActiveCycle(u); c != nil {
		cycleID = c.CycleID
	}
	target := models.StagePutOpen
	if winner.OptionType == models.OptionTypeCall {
		target = models.StageCallOpen
	}
	intent := models.NewOrderIntent(winner, cycleID, target, models.SideSellToOpen, s.decision.Quantity, 0, today)

	s.report.Symbol = winner.Symbol
	out, err := e.coord.Execute(ctx, intent)
	s.report.OrderID = out.OrderID
	switch {
	case err == nil && out.Status == execution.StatusDuplicate:
		s.report.Outcome = OutcomeDuplicate
		s.report.Reason = out.Reason
	case err == nil:
		s.report.Outcome = OutcomeTraded
	case errors.Is(err, execution.ErrInsufficientBuyingPower):
		s.report.Outcome = OutcomeRejected
		s.report.Reason = err.Error()
	case isFatal(err):
		s.report.Outcome = OutcomeFailed
		s.report.Reason = err.Error()
		return e.abort("execute", err)
	default:
		s.report.Outcome = OutcomeFailed
		s.report.Reason = err.Error()
		e.logger.WithError(err).WithField("underlying", u).Error("Order submission failed")
	}
	return nil
}

// checkReentryWindow warns when shares have sat assigned longer than the
// configured window without a call being sold.
func (e *Engine) checkReentryWindow(s scanResult, today time.Time) {
	window := e.params.CallReentryWindowDays
	if window <= 0 || s.cycle == nil || s.cycle.Stage != models.StageAssigned || s.cycle.AssignedSince == nil {
		return
	}
	if s.report.Outcome == OutcomeTraded || s.report.Outcome == OutcomeDuplicate {
		return
	}
	days := broker.DaysBetween(s.cycle.AssignedSince.In(e.loc), today)
	if days <= window {
		return
	}
	e.sink.Emit(events.New(s.report.Underlying, events.CategoryRisk, "call_reentry_window", events.OutcomeWarning,
		fmt.Sprintf("assigned %d days without a covered call", days)).
		With("cycle_id", s.cycle.CycleID).
		With("observed", days).
		With("threshold", window))
}

func (e *Engine) skipDeadline(r *UnderlyingReport) {
	r.Outcome = OutcomeSkippedDeadline
	r.Reason = "run deadline"
	e.logger.WithField("underlying", r.Underlying).Warn("Skipping underlying, run deadline near")
	e.sink.Emit(events.New(r.Underlying, events.CategoryRun, "skipped_deadline", events.OutcomeSkipped, r.Reason))
}

func isFatal(err error) bool {
	return err != nil && (broker.IsAuthFailure(err) || errors.Is(err, models.ErrInvariantViolation))
}

// abort emits the abort event and wraps err so callers can tell an auth
// failure from an invariant violation.
func (e *Engine) abort(stage string, err error) error {
	e.logger.WithError(err).WithField("stage", stage).Error("Run aborted")
	e.sink.Emit(events.New("", events.CategoryRun, "abort", events.OutcomeFailed, err.Error()).With("stage", stage))
	if broker.IsAuthFailure(err) && !errors.Is(err, ErrAuthFailure) {
		return fmt.Errorf("%w during %s: %w", ErrAuthFailure, stage, err)
	}
	return fmt.Errorf("run aborted during %s: %w", stage, err)
}
