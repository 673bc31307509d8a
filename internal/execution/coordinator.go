// Package execution turns order intents into broker orders exactly once and
// records the outcome on the wheel cycle.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/events"
	"github.com/eddiefleurent/wheelhouse/internal/ledger"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/retry"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
	"github.com/eddiefleurent/wheelhouse/internal/util"
)

// ErrInsufficientBuyingPower rejects a put sale the account cannot secure.
var ErrInsufficientBuyingPower = errors.New("insufficient buying power")

// Broker is the order-side slice of the broker the coordinator needs.
type Broker interface {
	GetBalance(ctx context.Context) (*broker.BalanceResponse, error)
	GetOrders(ctx context.Context) ([]broker.Order, error)
	PlaceOptionOrder(ctx context.Context, req broker.OptionOrderRequest) (*broker.OrderResponse, error)
}

// Status is the terminal state of one Execute call.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Outcome reports what Execute did.
type Outcome struct {
	Intent     models.OrderIntent
	Status     Status
	OrderID    string
	Reason     string
	LimitPrice float64
}

// Config holds order pricing and timing settings.
type Config struct {
	Duration    string
	TickSize    float64
	PutOffset   float64
	CallOffset  float64
	CallTimeout time.Duration
}

// ConfigFrom extracts execution settings from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Duration:    cfg.Execution.Duration,
		TickSize:    cfg.Execution.TickSize,
		PutOffset:   cfg.Strategy.Put.PriceOffset,
		CallOffset:  cfg.Strategy.Call.PriceOffset,
		CallTimeout: cfg.Execution.CallTimeout,
	}
}

func (c Config) offset(t models.OptionType) float64 {
	if t == models.OptionTypeCall {
		return c.CallOffset
	}
	return c.PutOffset
}

// Coordinator runs the reconcile-then-act protocol for single orders.
// Execute must not be called concurrently for the same underlying.
type Coordinator struct {
	broker Broker
	store  storage.Interface
	ledger ledger.Ledger
	retry  *retry.Client
	sink   events.Sink
	logger *logrus.Logger
	now    func() time.Time
	cfg    Config
}

// New creates a coordinator.
func New(b Broker, store storage.Interface, led ledger.Ledger, rc *retry.Client, sink events.Sink, cfg Config, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	if rc == nil {
		rc = retry.NewClient(logger)
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = 0.01
	}
	if cfg.Duration == "" {
		cfg.Duration = "day"
	}
	return &Coordinator{
		broker: b,
		store:  store,
		ledger: led,
		retry:  rc,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		cfg:    cfg,
	}
}

// WithClock overrides the time source (tests).
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// LimitPrice derives the order limit from the quote midpoint. offset concedes
// toward the far side: sells go lower, buys go higher. Sells floor to tick and
// buys ceil, and the result is never below one tick.
func LimitPrice(bid, ask, offset, tick float64, side models.OrderSide) float64 {
	mid := decimal.NewFromFloat(util.Midpoint(bid, ask))
	if bid > 0 && ask > 0 {
		mid = decimal.NewFromFloat(bid).Add(decimal.NewFromFloat(ask)).Div(decimal.NewFromInt(2))
	}
	off := decimal.NewFromFloat(offset)
	var px float64
	if side == models.SideBuyToClose {
		px = util.CeilToTick(mid.Add(off).InexactFloat64(), tick)
	} else {
		px = util.FloorToTick(mid.Sub(off).InexactFloat64(), tick)
	}
	return math.Max(px, tick)
}

// Execute submits intent unless it was already submitted. A business
// rejection returns ErrInsufficientBuyingPower; broker errors keep their
// class so the caller can tell auth failures apart.
func (c *Coordinator) Execute(ctx context.Context, intent models.OrderIntent) (Outcome, error) {
	out := Outcome{Intent: intent}
	log := c.logger.WithFields(logrus.Fields{
		"underlying":      intent.Underlying,
		"symbol":          intent.Symbol,
		"side":            intent.Side,
		"idempotency_key": intent.IdempotencyKey,
	})

	seen, err := c.ledger.Seen(ctx, intent.IdempotencyKey)
	if err != nil {
		return c.fail(out, fmt.Errorf("checking ledger: %w", err))
	}
	if seen {
		return c.duplicate(out, "", "ledger"), nil
	}

	orders, err := retry.Do(ctx, c.retry, "get_orders", func(ctx context.Context) ([]broker.Order, error) {
		cctx, cancel := c.callCtx(ctx)
		defer cancel()
		return c.broker.GetOrders(cctx)
	})
	if err != nil {
		return c.fail(out, fmt.Errorf("listing orders: %w", err))
	}
	if o, reason, ok := matchExisting(orders, intent); ok {
		orderID := strconv.Itoa(o.ID)
		if reason == "broker_tag" {
			// submitted by an earlier run that never recorded it
			if err := c.heal(ctx, intent, o); err != nil {
				log.WithError(err).Warn("Failed to record previously submitted order")
			}
		}
		return c.duplicate(out, orderID, reason), nil
	}

	if err := c.checkCycle(intent); err != nil {
		return c.fail(out, err)
	}

	if intent.Side == models.SideSellToOpen && intent.OptionType == models.OptionTypePut {
		if err := c.checkBuyingPower(ctx, intent); err != nil {
			if errors.Is(err, ErrInsufficientBuyingPower) {
				out.Status = StatusRejected
				out.Reason = err.Error()
				c.emit(out, events.OutcomeReject)
				return out, err
			}
			return c.fail(out, err)
		}
	}

	out.LimitPrice = LimitPrice(intent.Bid, intent.Ask, c.cfg.offset(intent.OptionType), c.cfg.TickSize, intent.Side)
	intent.LimitPrice = out.LimitPrice
	out.Intent = intent

	orderID, err := c.submit(ctx, intent)
	if err != nil {
		return c.fail(out, err)
	}
	out.OrderID = orderID
	out.Status = StatusSubmitted
	log.WithFields(logrus.Fields{"order_id": orderID, "limit": out.LimitPrice}).Info("Order submitted")

	now := c.now()
	if err := c.ledger.Record(ctx, intent.IdempotencyKey, now); err != nil {
		log.WithError(err).Warn("Failed to record idempotency key, broker tag still guards resubmission")
	}
	c.emit(out, events.OutcomeSubmitted)

	if err := c.recordSubmission(intent, orderID, decimal.NewFromFloat(out.LimitPrice), now); err != nil {
		return out, fmt.Errorf("order %s placed but not recorded: %w", orderID, err)
	}
	return out, nil
}

// matchExisting finds a broker order that makes intent a duplicate: one
// carrying the same tag in any status, or a live one on the same contract and side.
func matchExisting(orders []broker.Order, intent models.OrderIntent) (broker.Order, string, bool) {
	for _, o := range orders {
		if o.Tag != "" && o.Tag == intent.IdempotencyKey {
			return o, "broker_tag", true
		}
	}
	for _, o := range orders {
		if o.IsLive() && strings.EqualFold(o.OptionSymbol, intent.Symbol) && o.Side == string(intent.Side) {
			return o, "live_order", true
		}
	}
	return broker.Order{}, "", false
}

// checkCycle rejects an intent the stored cycle could not absorb, before
// anything reaches the broker.
func (c *Coordinator) checkCycle(intent models.OrderIntent) error {
	cycle := c.store.GetActiveCycle(intent.Underlying)
	if cycle == nil {
		if intent.OptionType != models.OptionTypePut || intent.Side != models.SideSellToOpen {
			return models.NewInvariantError(intent.Underlying, "%s %s with no active cycle", intent.Side, intent.OptionType)
		}
		return nil
	}
	if cycle.CycleID != intent.CycleID {
		return models.NewInvariantError(intent.Underlying, "intent for cycle %s but active cycle is %s", intent.CycleID, cycle.CycleID)
	}
	return nil
}

func (c *Coordinator) checkBuyingPower(ctx context.Context, intent models.OrderIntent) error {
	bal, err := retry.Do(ctx, c.retry, "get_balance", func(ctx context.Context) (*broker.BalanceResponse, error) {
		cctx, cancel := c.callCtx(ctx)
		defer cancel()
		return c.broker.GetBalance(cctx)
	})
	if err != nil {
		return fmt.Errorf("fetching balance: %w", err)
	}
	bp, err := bal.GetOptionBuyingPower()
	if err != nil {
		return fmt.Errorf("reading buying power: %w", err)
	}
	required := intent.Strike * models.SharesPerContract * float64(intent.Quantity)
	if bp < required {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBuyingPower, required, bp)
	}
	return nil
}

// submit places the order with retries. Before every retry it looks for the
// tag at the broker, since a timed-out request may still have been accepted.
func (c *Coordinator) submit(ctx context.Context, intent models.OrderIntent) (string, error) {
	req := broker.OptionOrderRequest{
		Underlying:   intent.Underlying,
		OptionSymbol: intent.Symbol,
		Side:         string(intent.Side),
		Duration:     c.cfg.Duration,
		Tag:          intent.IdempotencyKey,
		Quantity:     intent.Quantity,
		LimitPrice:   intent.LimitPrice,
	}
	attempt := 0
	return retry.Do(ctx, c.retry, "place_order", func(ctx context.Context) (string, error) {
		attempt++
		if attempt > 1 {
			lctx, cancel := c.callCtx(ctx)
			orders, err := c.broker.GetOrders(lctx)
			cancel()
			if err != nil {
				return "", err
			}
			for _, o := range orders {
				if o.Tag == intent.IdempotencyKey {
					return strconv.Itoa(o.ID), nil
				}
			}
		}
		cctx, cancel := c.callCtx(ctx)
		defer cancel()
		resp, err := c.broker.PlaceOptionOrder(cctx, req)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(resp.Order.ID), nil
	})
}

// recordSubmission applies the order to the store: a put on an idle
// underlying opens the cycle, other sales self-loop or advance the stage, and
// buy-backs only add a pending sale until reconciliation sees the fill.
func (c *Coordinator) recordSubmission(intent models.OrderIntent, orderID string, limit decimal.Decimal, now time.Time) error {
	sale := models.OptionSale{
		PlacedAt:       now.UTC(),
		Expiration:     intent.Expiration,
		OrderID:        orderID,
		IdempotencyKey: intent.IdempotencyKey,
		Symbol:         intent.Symbol,
		OptionType:     intent.OptionType,
		Side:           intent.Side,
		Status:         models.SalePending,
		Strike:         intent.Strike,
		Quantity:       intent.Quantity,
		LimitPrice:     limit,
	}

	cycle := c.store.GetActiveCycle(intent.Underlying)
	if cycle == nil {
		if intent.OptionType != models.OptionTypePut || intent.Side != models.SideSellToOpen {
			return models.NewInvariantError(intent.Underlying, "%s %s submitted with no active cycle", intent.Side, intent.OptionType)
		}
		cycle = models.NewWheelCycle(intent.Underlying, intent.CycleID, now)
		if err := cycle.Transition(models.StagePutOpen, models.ConditionPutSold, now); err != nil {
			return err
		}
		cycle.RecordSale(sale)
		if err := c.store.OpenCycle(cycle); err != nil {
			return err
		}
		c.sink.Emit(events.Transition(cycle.Underlying, cycle.CycleID, models.StageIdle, models.StagePutOpen, models.ConditionPutSold))
		return nil
	}

	if cycle.CycleID != intent.CycleID {
		return models.NewInvariantError(intent.Underlying, "intent for cycle %s but active cycle is %s", intent.CycleID, cycle.CycleID)
	}

	if intent.Side == models.SideSellToOpen {
		condition := models.ConditionPutSold
		if intent.OptionType == models.OptionTypeCall {
			condition = models.ConditionCallSold
		}
		from := cycle.Stage
		if err := cycle.Transition(intent.Stage, condition, now); err != nil {
			return err
		}
		c.sink.Emit(events.Transition(cycle.Underlying, cycle.CycleID, from, cycle.Stage, condition))
	}
	cycle.RecordSale(sale)
	return c.store.UpdateCycle(cycle)
}

// heal records an order an earlier run placed but never stored.
func (c *Coordinator) heal(ctx context.Context, intent models.OrderIntent, o broker.Order) error {
	orderID := strconv.Itoa(o.ID)
	if cycle := c.store.GetActiveCycle(intent.Underlying); cycle != nil {
		for _, s := range cycle.Sales {
			if s.OrderID == orderID {
				return c.ledger.Record(ctx, intent.IdempotencyKey, c.now())
			}
		}
	}
	if err := c.ledger.Record(ctx, intent.IdempotencyKey, c.now()); err != nil {
		return err
	}
	if o.IsDead() {
		return nil
	}
	return c.recordSubmission(intent, orderID, decimal.NewFromFloat(o.Price), o.CreatedAt())
}

func (c *Coordinator) duplicate(out Outcome, orderID, reason string) Outcome {
	out.Status = StatusDuplicate
	out.OrderID = orderID
	out.Reason = reason
	c.logger.WithFields(logrus.Fields{
		"underlying":      out.Intent.Underlying,
		"idempotency_key": out.Intent.IdempotencyKey,
		"reason":          reason,
	}).Info("Order already submitted, skipping")
	c.emit(out, events.OutcomeDuplicate)
	return out
}

func (c *Coordinator) fail(out Outcome, err error) (Outcome, error) {
	out.Status = StatusFailed
	out.Reason = err.Error()
	c.emit(out, events.OutcomeFailed)
	return out, err
}

func (c *Coordinator) emit(out Outcome, outcome string) {
	e := events.New(out.Intent.Underlying, events.CategoryOrder, string(out.Intent.Side), outcome, out.Reason).
		With("symbol", out.Intent.Symbol).
		With("option_type", string(out.Intent.OptionType)).
		With("cycle_id", out.Intent.CycleID).
		With("idempotency_key", out.Intent.IdempotencyKey).
		With("quantity", out.Intent.Quantity)
	if out.OrderID != "" {
		e = e.With("order_id", out.OrderID)
	}
	if out.LimitPrice > 0 {
		e = e.With("limit_price", out.LimitPrice)
	}
	if out.Intent.Reason != "" {
		e = e.With("intent_reason", out.Intent.Reason)
	}
	c.sink.Emit(e)
}
