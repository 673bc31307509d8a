// Package reconcile brings stored wheel cycles in line with what the broker
// reports. The broker is the source of truth; the store is a cache of it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/events"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

// maxSteps bounds transitions per underlying per pass. Assignment followed by
// a recovered call is the longest legal chain.
const maxSteps = 4

// Account is the read-only slice of the broker reconciliation needs.
type Account interface {
	GetPositions(ctx context.Context) ([]broker.PositionItem, error)
	GetOrders(ctx context.Context) ([]broker.Order, error)
}

// Result is the broker-confirmed view the rest of the run reads.
type Result struct {
	Cycles   map[string]*models.WheelCycle // nil value means idle
	Holdings map[string]Holdings
	Orders   []broker.Order
}

// Phase returns the reconciled stage of an underlying.
func (r *Result) Phase(underlying string) models.Stage {
	return r.Cycles[strings.ToUpper(underlying)].Phase()
}

// Reconciler handles cycle synchronization between broker and storage
type Reconciler struct {
	account     Account
	store       storage.Interface
	sink        events.Sink
	logger      *logrus.Logger
	loc         *time.Location
	now         func() time.Time
	callTimeout time.Duration
}

// New creates a reconciler. Calendar days are counted in loc.
func New(account Account, store storage.Interface, sink events.Sink, loc *time.Location, callTimeout time.Duration, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{
		account:     account,
		store:       store,
		sink:        sink,
		logger:      logger,
		loc:         loc,
		now:         time.Now,
		callTimeout: callTimeout,
	}
}

// WithClock overrides the time source (tests).
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Reconciler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.callTimeout)
}

// Reconcile fetches positions and orders, settles pending sales, applies every
// broker-justified transition and recovers orphan positions. A broker failure
// or an invariant violation is returned; per-underlying store errors are
// logged and leave that underlying at its cached stage.
func (r *Reconciler) Reconcile(ctx context.Context, watchlist []string) (*Result, error) {
	pctx, cancel := r.callCtx(ctx)
	positions, err := r.account.GetPositions(pctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("reconcile positions: %w", err)
	}
	octx, cancel := r.callCtx(ctx)
	orders, err := r.account.GetOrders(octx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("reconcile orders: %w", err)
	}

	underlyings := normalize(watchlist)
	grouped := groupHoldings(underlyings, positions, orders)
	byID := make(map[string]broker.Order, len(orders))
	for _, o := range orders {
		byID[strconv.Itoa(o.ID)] = o
	}

	r.logger.WithFields(logrus.Fields{
		"positions":   len(positions),
		"orders":      len(orders),
		"underlyings": len(underlyings),
	}).Info("Reconciling cycles with broker")

	res := &Result{
		Cycles:   make(map[string]*models.WheelCycle, len(underlyings)),
		Holdings: make(map[string]Holdings, len(underlyings)),
		Orders:   orders,
	}
	now := r.now().In(r.loc)
	for _, u := range underlyings {
		h := grouped[u]
		res.Holdings[u] = *h

		cycle, err := r.reconcileOne(u, r.store.GetActiveCycle(u), h, byID, now)
		if err != nil {
			if errors.Is(err, models.ErrInvariantViolation) {
				return nil, err
			}
			r.logger.WithError(err).WithField("underlying", u).Error("Reconciliation failed, keeping cached stage")
			r.sink.Emit(events.New(u, events.CategoryRun, "reconcile", events.OutcomeFailed, err.Error()))
			cycle = r.store.GetActiveCycle(u)
		}
		res.Cycles[u] = cycle
	}
	return res, nil
}

func normalize(watchlist []string) []string {
	seen := make(map[string]bool, len(watchlist))
	out := make([]string, 0, len(watchlist))
	for _, u := range watchlist {
		u = strings.ToUpper(strings.TrimSpace(u))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// reconcileOne returns the active cycle after reconciliation, or nil when the
// underlying is idle.
func (r *Reconciler) reconcileOne(u string, cycle *models.WheelCycle, h *Holdings, orders map[string]broker.Order, now time.Time) (*models.WheelCycle, error) {
	if cycle == nil {
		return r.recover(u, h, now)
	}

	changed := r.settleSales(cycle, h, orders, now)
	if r.syncShares(cycle, h) {
		changed = true
	}

	for i := 0; i < maxSteps && cycle.IsActive(); i++ {
		from := cycle.Stage
		condition, err := r.step(cycle, h, now)
		if err != nil {
			return nil, err
		}
		if condition == "" {
			break
		}
		changed = true
		r.logger.WithFields(logrus.Fields{
			"underlying": u,
			"cycle_id":   cycle.CycleID,
			"from":       from,
			"to":         cycle.Stage,
			"condition":  condition,
		}).Info("Cycle transition")
		r.sink.Emit(events.Transition(u, cycle.CycleID, from, cycle.Stage, condition))
	}

	if changed {
		if err := r.store.UpdateCycle(cycle); err != nil {
			return nil, fmt.Errorf("saving cycle %s: %w", cycle.CycleID, err)
		}
	}
	if !cycle.IsActive() {
		return nil, nil
	}
	return cycle, nil
}

// settleSales confirms or cancels pending orders from the broker's order list.
// Tradier only lists recent orders, so an order missing from the list is
// inferred filled when its effect is visible in positions, otherwise canceled
// once it is older than today.
func (r *Reconciler) settleSales(cycle *models.WheelCycle, h *Holdings, orders map[string]broker.Order, now time.Time) bool {
	changed := false
	today := startOfDay(now)
	for _, s := range cycle.PendingSales() {
		if o, ok := orders[s.OrderID]; ok {
			switch {
			case o.IsFilled():
				price := o.AvgFillPrice
				if price <= 0 {
					price = o.Price
				}
				fill := s.LimitPrice
				if price > 0 {
					fill = decimal.NewFromFloat(price)
				}
				changed = r.confirm(cycle, s, fill, now) || changed
			case o.IsDead():
				_ = cycle.CancelSale(s.OrderID, now)
				r.sink.Emit(events.New(cycle.Underlying, events.CategoryOrder, "order_dead", events.OutcomeFailed, o.Status).
					With("order_id", s.OrderID).With("symbol", s.Symbol).With("cycle_id", cycle.CycleID))
				changed = true
			}
			continue
		}

		if r.effectVisible(cycle, s, h) {
			changed = r.confirm(cycle, s, s.LimitPrice, now) || changed
			continue
		}
		if s.PlacedAt.Before(today) {
			_ = cycle.CancelSale(s.OrderID, now)
			r.sink.Emit(events.New(cycle.Underlying, events.CategoryOrder, "order_not_found", events.OutcomeWarning,
				"order missing from broker and no matching position").
				With("order_id", s.OrderID).With("symbol", s.Symbol).With("cycle_id", cycle.CycleID))
			changed = true
		}
	}
	return changed
}

func (r *Reconciler) confirm(cycle *models.WheelCycle, s models.OptionSale, fill decimal.Decimal, now time.Time) bool {
	if err := cycle.ConfirmFill(s.OrderID, fill, now); err != nil {
		r.logger.WithError(err).Warn("Failed to confirm fill")
		return false
	}
	r.sink.Emit(events.New(cycle.Underlying, events.CategoryOrder, "order_filled", events.OutcomeOK, "").
		With("order_id", s.OrderID).With("symbol", s.Symbol).With("cycle_id", cycle.CycleID).
		With("fill_price", fill.InexactFloat64()))
	return true
}

// effectVisible reports whether positions prove an unlisted order executed.
func (r *Reconciler) effectVisible(cycle *models.WheelCycle, s models.OptionSale, h *Holdings) bool {
	if s.Side != models.SideSellToOpen {
		_, stillHeld := h.Leg(s.Symbol)
		return !stillHeld
	}
	if _, held := h.Leg(s.Symbol); held {
		return true
	}
	switch s.OptionType {
	case models.OptionTypePut:
		return cycle.Stage == models.StagePutOpen && h.Shares > 0
	case models.OptionTypeCall:
		return cycle.Stage == models.StageCallOpen && h.Shares < cycle.Shares()
	}
	return false
}

// syncShares follows partial share changes while shares are still held.
func (r *Reconciler) syncShares(cycle *models.WheelCycle, h *Holdings) bool {
	if cycle.Stage != models.StageAssigned && cycle.Stage != models.StageCallOpen {
		return false
	}
	if h.Shares <= 0 || h.Shares == cycle.Shares() {
		return false
	}
	n := h.Shares
	cycle.SharesHeld = &n
	return true
}

// step applies at most one transition and returns its condition, or "" when
// the broker state justifies none.
func (r *Reconciler) step(cycle *models.WheelCycle, h *Holdings, now time.Time) (string, error) {
	pending := len(cycle.PendingSales()) > 0

	switch cycle.Stage {
	case models.StagePutOpen:
		if h.Shares > 0 {
			fallback := 0.0
			if put, ok := cycle.LastFilled(models.OptionTypePut); ok {
				fallback = put.Strike
			}
			basis := decimal.NewFromFloat(h.CostBasisPerShare(fallback))
			return models.ConditionPutAssigned, cycle.Assign(h.Shares, basis, now)
		}
		if len(h.ShortPuts) > 0 || pending {
			return "", nil
		}
		condition := exitCondition(cycle, models.OptionTypePut,
			models.ConditionPutBoughtBack, models.ConditionPutExpired)
		return condition, cycle.Close(condition, decimal.NullDecimal{}, now)

	case models.StageAssigned:
		if h.Shares == 0 {
			return models.ConditionSharesLiquidated, cycle.Close(models.ConditionSharesLiquidated, decimal.NullDecimal{}, now)
		}
		if len(h.ShortCalls) > 0 {
			if err := cycle.Transition(models.StageCallOpen, models.ConditionCallSold, now); err != nil {
				return "", err
			}
			recordRecovered(cycle, h.ShortCalls, now)
			return models.ConditionCallSold, nil
		}
		return "", nil

	case models.StageCallOpen:
		if len(h.ShortCalls) > 0 || pending {
			return "", nil
		}
		if h.Shares == 0 {
			call, ok := cycle.LastFilled(models.OptionTypeCall)
			if !ok || call.Side != models.SideSellToOpen {
				return models.ConditionSharesLiquidated, cycle.Close(models.ConditionSharesLiquidated, decimal.NullDecimal{}, now)
			}
			exit := decimal.NewNullDecimal(decimal.NewFromFloat(call.Strike))
			return models.ConditionCallAssigned, cycle.Close(models.ConditionCallAssigned, exit, now)
		}
		condition := exitCondition(cycle, models.OptionTypeCall,
			models.ConditionCallBoughtBack, models.ConditionCallExpired)
		return condition, cycle.Transition(models.StageAssigned, condition, now)
	}
	return "", nil
}

// exitCondition explains why a short option of type t is gone: the last fill
// was a buy-back, it expired after filling, or it never filled.
func exitCondition(cycle *models.WheelCycle, t models.OptionType, boughtBack, expired string) string {
	last, ok := cycle.LastFilled(t)
	switch {
	case !ok:
		return models.ConditionOrderUnfilled
	case last.Side == models.SideBuyToClose:
		return boughtBack
	default:
		return expired
	}
}

// recover opens a cycle for broker positions the store does not know about.
func (r *Reconciler) recover(u string, h *Holdings, now time.Time) (*models.WheelCycle, error) {
	var target models.Stage
	switch {
	case h.Shares > 0 && len(h.ShortCalls) > 0:
		target = models.StageCallOpen
	case h.Shares > 0:
		target = models.StageAssigned
	case len(h.ShortPuts) > 0:
		target = models.StagePutOpen
	default:
		return nil, nil
	}

	id := models.ProspectiveCycleID(u, now, r.store.CycleCount(u))
	cycle := models.NewWheelCycle(u, id, now)
	if err := cycle.Transition(target, models.ConditionRecoveredPosition, now); err != nil {
		return nil, err
	}
	if h.Shares > 0 {
		n := h.Shares
		cycle.SharesHeld = &n
		cycle.CostBasis = decimal.NewNullDecimal(decimal.NewFromFloat(h.CostBasisPerShare(0)))
	}
	switch target {
	case models.StagePutOpen:
		recordRecovered(cycle, h.ShortPuts, now)
	case models.StageCallOpen:
		recordRecovered(cycle, h.ShortCalls, now)
	}

	if err := r.store.OpenCycle(cycle); err != nil {
		return nil, fmt.Errorf("opening recovery cycle: %w", err)
	}
	r.logger.WithFields(logrus.Fields{
		"underlying": u,
		"cycle_id":   id,
		"stage":      target,
		"shares":     h.Shares,
	}).Warn("Recovered orphan broker position")
	r.sink.Emit(events.Transition(u, id, models.StageIdle, target, models.ConditionRecoveredPosition).
		With("shares", h.Shares))
	return cycle, nil
}

// recordRecovered adds filled sales for short legs the cycle has no record of,
// crediting the premium implied by the broker cost basis.
func recordRecovered(cycle *models.WheelCycle, legs []OptionLeg, now time.Time) {
	for _, l := range legs {
		if _, ok := cycle.LastFilledOpen(l.Symbol); ok {
			continue
		}
		premium := decimal.NewFromFloat(l.PremiumPerShare()).Round(4)
		orderID := "recovered-" + l.Symbol
		cycle.RecordSale(models.OptionSale{
			PlacedAt:   now.UTC(),
			Expiration: l.Expiration,
			OrderID:    orderID,
			Symbol:     l.Symbol,
			OptionType: l.Type,
			Side:       models.SideSellToOpen,
			Strike:     l.Strike,
			Quantity:   l.Contracts,
			LimitPrice: premium,
		})
		_ = cycle.ConfirmFill(orderID, premium, now)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
