package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SharesPerContract is the standard equity option multiplier.
const SharesPerContract = 100.0

var hundred = decimal.NewFromInt(100)

// OrderSide is the broker action of an option order.
type OrderSide string

const (
	// SideSellToOpen opens a short option for premium
	SideSellToOpen OrderSide = "sell_to_open"
	// SideBuyToClose closes a short option
	SideBuyToClose OrderSide = "buy_to_close"
)

// SaleStatus tracks a submitted option order until the broker settles it.
type SaleStatus string

const (
	SalePending  SaleStatus = "pending"
	SaleFilled   SaleStatus = "filled"
	SaleCanceled SaleStatus = "canceled"
)

// OptionSale records one order placed within a cycle. Premium is only credited
// once the broker reports the fill.
type OptionSale struct {
	PlacedAt       time.Time           `json:"placed_at"`
	SettledAt      *time.Time          `json:"settled_at,omitempty"`
	Expiration     time.Time           `json:"expiration"`
	OrderID        string              `json:"order_id"`
	IdempotencyKey string              `json:"idempotency_key"`
	Symbol         string              `json:"symbol"`
	OptionType     OptionType          `json:"option_type"`
	Side           OrderSide           `json:"side"`
	Status         SaleStatus          `json:"status"`
	LimitPrice     decimal.Decimal     `json:"limit_price"`
	FillPrice      decimal.NullDecimal `json:"fill_price"`
	Strike         float64             `json:"strike"`
	Quantity       int                 `json:"quantity"`
}

// Cash is the signed premium of a filled sale: positive for credits, negative for buy-backs.
func (s OptionSale) Cash() decimal.Decimal {
	if s.Status != SaleFilled || !s.FillPrice.Valid {
		return decimal.Zero
	}
	amt := s.FillPrice.Decimal.Mul(decimal.NewFromInt(int64(s.Quantity))).Mul(hundred)
	if s.Side == SideBuyToClose {
		return amt.Neg()
	}
	return amt
}

// WheelCycle tracks one pass of the wheel for an underlying, from the first
// put sale until the shares are called away (or the put phase ends idle).
type WheelCycle struct {
	machine              *StateMachine       `json:"-"`
	OpenedAt             time.Time           `json:"opened_at"`
	LastTransitionAt     time.Time           `json:"last_transition_at"`
	PhaseStartedAt       time.Time           `json:"phase_started_at"`
	ClosedAt             *time.Time          `json:"closed_at,omitempty"`
	AssignedSince        *time.Time          `json:"assigned_since,omitempty"`
	SharesHeld           *int                `json:"shares_held,omitempty"`
	Underlying           string              `json:"underlying"`
	CycleID              string              `json:"cycle_id"`
	Stage                Stage               `json:"stage"`
	ExitReason           string              `json:"exit_reason,omitempty"`
	PutPremiumCollected  decimal.Decimal     `json:"put_premium_collected"`
	CallPremiumCollected decimal.Decimal     `json:"call_premium_collected"`
	CostBasis            decimal.NullDecimal `json:"cost_basis"`
	ExitPrice            decimal.NullDecimal `json:"exit_price"`
	Sales                []OptionSale        `json:"sales"`
}

// ErrSaleNotFound is returned when an order id does not belong to the cycle.
var ErrSaleNotFound = errors.New("sale not found in cycle")

// NewWheelCycle creates a cycle for an idle underlying. It becomes active on
// its first transition.
func NewWheelCycle(underlying, cycleID string, openedAt time.Time) *WheelCycle {
	return &WheelCycle{
		Underlying: underlying,
		CycleID:    cycleID,
		Stage:      StageIdle,
		OpenedAt:   openedAt.UTC(),
		Sales:      make([]OptionSale, 0),
		machine:    NewStateMachine(),
	}
}

// Clone returns a deep copy safe to hand out of the store.
func (c *WheelCycle) Clone() *WheelCycle {
	if c == nil {
		return nil
	}
	out := *c
	out.machine = nil
	out.Sales = make([]OptionSale, len(c.Sales))
	for i, s := range c.Sales {
		if s.SettledAt != nil {
			t := *s.SettledAt
			s.SettledAt = &t
		}
		out.Sales[i] = s
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	if c.AssignedSince != nil {
		t := *c.AssignedSince
		out.AssignedSince = &t
	}
	if c.SharesHeld != nil {
		n := *c.SharesHeld
		out.SharesHeld = &n
	}
	return &out
}

func (c *WheelCycle) ensureMachine() *StateMachine {
	if c.machine == nil || c.machine.GetCurrentStage() != c.Stage {
		c.machine = NewStateMachineAt(c.Stage)
	}
	return c.machine
}

// Phase returns the stage the underlying is in, treating closed as idle.
func (c *WheelCycle) Phase() Stage {
	if c == nil || c.Stage == StageClosed || c.Stage == "" {
		return StageIdle
	}
	return c.Stage
}

// IsActive reports whether the cycle still holds an open commitment.
func (c *WheelCycle) IsActive() bool {
	return c != nil && c.Stage.IsActive()
}

// Transition validates and applies a stage change at the given time.
func (c *WheelCycle) Transition(to Stage, condition string, at time.Time) error {
	if err := c.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("cycle %s (%s) transition failed: %w", c.CycleID, c.Underlying, err)
	}
	at = at.UTC()
	if to != c.Stage {
		c.PhaseStartedAt = at
	}
	c.Stage = to
	c.LastTransitionAt = at
	switch to {
	case StageClosed:
		c.ClosedAt = &at
		c.ExitReason = condition
	case StageAssigned:
		c.AssignedSince = &at
	case StageCallOpen:
		c.AssignedSince = nil
	}
	return nil
}

// Assign records the put assignment and moves the cycle to assigned.
func (c *WheelCycle) Assign(shares int, costBasis decimal.Decimal, at time.Time) error {
	if shares <= 0 {
		return fmt.Errorf("cycle %s: assignment requires a positive share count, got %d", c.CycleID, shares)
	}
	if err := c.Transition(StageAssigned, ConditionPutAssigned, at); err != nil {
		return err
	}
	c.SharesHeld = &shares
	c.CostBasis = decimal.NewNullDecimal(costBasis)
	return nil
}

// Close ends the cycle. exitPrice is per share and may be null when no shares were held.
func (c *WheelCycle) Close(condition string, exitPrice decimal.NullDecimal, at time.Time) error {
	if err := c.Transition(StageClosed, condition, at); err != nil {
		return err
	}
	c.ExitPrice = exitPrice
	return nil
}

// RecordSale appends a newly submitted order.
func (c *WheelCycle) RecordSale(s OptionSale) {
	if s.Status == "" {
		s.Status = SalePending
	}
	c.Sales = append(c.Sales, s)
}

// ConfirmFill marks a pending order filled and credits (or debits) premium.
// Confirming an already filled order is a no-op so reconciliation can repeat.
func (c *WheelCycle) ConfirmFill(orderID string, fillPrice decimal.Decimal, at time.Time) error {
	s := c.sale(orderID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSaleNotFound, orderID)
	}
	if s.Status == SaleFilled {
		return nil
	}
	at = at.UTC()
	s.Status = SaleFilled
	s.FillPrice = decimal.NewNullDecimal(fillPrice)
	s.SettledAt = &at
	switch s.OptionType {
	case OptionTypePut:
		c.PutPremiumCollected = c.PutPremiumCollected.Add(s.Cash())
	case OptionTypeCall:
		c.CallPremiumCollected = c.CallPremiumCollected.Add(s.Cash())
	}
	return nil
}

// CancelSale marks a pending order as dead without touching premium.
func (c *WheelCycle) CancelSale(orderID string, at time.Time) error {
	s := c.sale(orderID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSaleNotFound, orderID)
	}
	if s.Status != SalePending {
		return nil
	}
	at = at.UTC()
	s.Status = SaleCanceled
	s.SettledAt = &at
	return nil
}

func (c *WheelCycle) sale(orderID string) *OptionSale {
	for i := range c.Sales {
		if c.Sales[i].OrderID == orderID {
			return &c.Sales[i]
		}
	}
	return nil
}

// PendingSales returns orders still waiting on the broker.
func (c *WheelCycle) PendingSales() []OptionSale {
	var out []OptionSale
	for _, s := range c.Sales {
		if s.Status == SalePending {
			out = append(out, s)
		}
	}
	return out
}

// LastFilledOpen returns the most recent filled sell-to-open for an option symbol.
func (c *WheelCycle) LastFilledOpen(symbol string) (OptionSale, bool) {
	for i := len(c.Sales) - 1; i >= 0; i-- {
		s := c.Sales[i]
		if s.Symbol == symbol && s.Side == SideSellToOpen && s.Status == SaleFilled {
			return s, true
		}
	}
	return OptionSale{}, false
}

// PhaseSales returns sales of one option type placed since the cycle entered
// its current stage, oldest first.
func (c *WheelCycle) PhaseSales(t OptionType) []OptionSale {
	var out []OptionSale
	for _, s := range c.Sales {
		if s.OptionType == t && !s.PlacedAt.Before(c.PhaseStartedAt) {
			out = append(out, s)
		}
	}
	return out
}

// LastFilled returns the most recent filled sale of one option type in the
// current phase.
func (c *WheelCycle) LastFilled(t OptionType) (OptionSale, bool) {
	sales := c.PhaseSales(t)
	for i := len(sales) - 1; i >= 0; i-- {
		if sales[i].Status == SaleFilled {
			return sales[i], true
		}
	}
	return OptionSale{}, false
}

// Shares returns the held share count or zero.
func (c *WheelCycle) Shares() int {
	if c.SharesHeld == nil {
		return 0
	}
	return *c.SharesHeld
}

// TotalPremium is put plus call premium collected, net of buy-backs.
func (c *WheelCycle) TotalPremium() decimal.Decimal {
	return c.PutPremiumCollected.Add(c.CallPremiumCollected)
}

// CapitalGain is (exit − cost basis) × shares. Zero when either price is unknown.
func (c *WheelCycle) CapitalGain() decimal.Decimal {
	if !c.CostBasis.Valid || !c.ExitPrice.Valid || c.Shares() == 0 {
		return decimal.Zero
	}
	shares := decimal.NewFromInt(int64(c.Shares()))
	return c.ExitPrice.Decimal.Mul(shares).Sub(c.CostBasis.Decimal.Mul(shares))
}

// TotalReturn is capital gain plus all premium collected.
func (c *WheelCycle) TotalReturn() decimal.Decimal {
	return c.CapitalGain().Add(c.TotalPremium())
}

// Validate checks that persisted fields agree with the stage.
func (c *WheelCycle) Validate() error {
	if c.Underlying == "" || c.CycleID == "" {
		return errors.New("cycle requires underlying and cycle_id")
	}
	switch c.Stage {
	case StagePutOpen:
		return nil
	case StageAssigned, StageCallOpen:
		if c.Shares() <= 0 {
			return fmt.Errorf("cycle %s in %s has no shares held", c.CycleID, c.Stage)
		}
		if !c.CostBasis.Valid {
			return fmt.Errorf("cycle %s in %s has no cost basis", c.CycleID, c.Stage)
		}
	case StageClosed:
		if c.ClosedAt == nil {
			return fmt.Errorf("cycle %s closed without closed_at", c.CycleID)
		}
	default:
		return fmt.Errorf("cycle %s has invalid persisted stage %q", c.CycleID, c.Stage)
	}
	return nil
}
