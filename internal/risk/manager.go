// Package risk evaluates position sizing, overnight gap and call stop-loss
// policy. The Manager holds only immutable limits; every evaluation is a pure
// function of its arguments.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// ErrNotShortCall is returned when stop-loss evaluation is asked for anything
// other than a short call. Short puts are never stopped out.
var ErrNotShortCall = errors.New("stop-loss applies to short calls only")

// StopLossReason tags intents created by the call stop.
const StopLossReason = "call_stop_loss"

// Limits is the immutable risk configuration for one run.
type Limits struct {
	TimeDecay                []config.DecayStep
	MaxNotionalPerUnderlying float64
	MaxPositionFraction      float64
	GapElevatedPct           float64
	GapHaltPct               float64
	StopLossPct              float64
}

// LimitsFromConfig copies the risk section so later config edits cannot leak
// into a running evaluation.
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	steps := make([]config.DecayStep, len(cfg.CallStopLoss.TimeDecay))
	copy(steps, cfg.CallStopLoss.TimeDecay)
	sort.Slice(steps, func(i, j int) bool { return steps[i].MaxDTE < steps[j].MaxDTE })
	return Limits{
		MaxNotionalPerUnderlying: cfg.MaxNotionalPerUnderlying,
		MaxPositionFraction:      cfg.MaxPositionFraction,
		GapElevatedPct:           cfg.Gap.ElevatedPct,
		GapHaltPct:               cfg.Gap.HaltPct,
		StopLossPct:              cfg.CallStopLoss.StopLossPct,
		TimeDecay:                steps,
	}
}

// Manager evaluates risk policy against fixed limits.
type Manager struct {
	logger *logrus.Logger
	limits Limits
}

// NewManager creates a Manager. A nil logger uses the standard logger.
func NewManager(limits Limits, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{limits: limits, logger: logger}
}

// Limits returns the limits the manager was built with.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Check is a pass/fail verdict with the numbers that produced it.
type Check struct {
	Reason    string
	Observed  float64
	Threshold float64
	Passed    bool
}

// CheckPositionSize tests a proposed put against both caps. current is the
// notional already committed to the underlying (short put strikes and held
// share value), proposed the cash a new assignment would consume.
func (m *Manager) CheckPositionSize(current, proposed, equity float64) Check {
	projected := current + proposed
	if limit := m.limits.MaxNotionalPerUnderlying; limit > 0 && projected > limit {
		return Check{
			Observed:  projected,
			Threshold: limit,
			Reason:    fmt.Sprintf("projected notional $%.2f exceeds per-underlying cap $%.2f", projected, limit),
		}
	}
	if frac := m.limits.MaxPositionFraction; frac > 0 {
		if equity <= 0 {
			return Check{
				Observed:  proposed,
				Threshold: 0,
				Reason:    "account equity unknown or zero",
			}
		}
		limit := frac * equity
		if proposed > limit {
			return Check{
				Observed:  proposed,
				Threshold: limit,
				Reason:    fmt.Sprintf("position requirement $%.2f exceeds %.0f%% of equity ($%.2f)", proposed, frac*100, limit),
			}
		}
	}
	return Check{Passed: true, Observed: projected, Threshold: m.limits.MaxNotionalPerUnderlying}
}

// CheckCallCoverage tests that held shares cover every short call including
// the proposed contracts. Observed is the contract count after the sale.
func (m *Manager) CheckCallCoverage(sharesHeld, shortContracts, proposed int) Check {
	coverable := sharesHeld / int(models.SharesPerContract)
	total := shortContracts + proposed
	if total > coverable {
		return Check{
			Observed:  float64(total),
			Threshold: float64(coverable),
			Reason:    fmt.Sprintf("%d short calls would exceed the %d covered by %d shares", total, coverable, sharesHeld),
		}
	}
	return Check{Passed: true, Observed: float64(total), Threshold: float64(coverable)}
}

// GapLevel classifies an overnight move.
type GapLevel string

// Gap levels, in increasing severity.
const (
	GapNormal   GapLevel = "normal"
	GapElevated GapLevel = "elevated"
	GapHalt     GapLevel = "halt"
	GapUnknown  GapLevel = "unknown"
)

// GapAssessment is the previous-close to last-quote move of an underlying.
type GapAssessment struct {
	Level     GapLevel
	Move      float64 // signed fraction
	Pct       float64 // absolute fraction
	PrevClose float64
	Last      float64
}

// ClassifyGap computes the move from prevClose to last. Without both prices the
// level is unknown, which blocks entries like a halt.
func (m *Manager) ClassifyGap(prevClose, last float64) GapAssessment {
	a := GapAssessment{PrevClose: prevClose, Last: last, Level: GapUnknown}
	if prevClose <= 0 || last <= 0 || math.IsNaN(prevClose) || math.IsNaN(last) {
		return a
	}
	a.Move = (last - prevClose) / prevClose
	a.Pct = math.Abs(a.Move)
	switch {
	case m.limits.GapHaltPct > 0 && a.Pct > m.limits.GapHaltPct:
		a.Level = GapHalt
	case m.limits.GapElevatedPct > 0 && a.Pct > m.limits.GapElevatedPct:
		a.Level = GapElevated
	default:
		a.Level = GapNormal
	}
	return a
}

// BlocksEntry reports whether new sales must be suppressed.
func (a GapAssessment) BlocksEntry() bool {
	return a.Level == GapHalt || a.Level == GapUnknown
}

// ShortCall is an open short call as seen by the monitoring pass.
type ShortCall struct {
	Expiration time.Time
	Underlying string
	CycleID    string
	Symbol     string
	OptionType models.OptionType
	Strike     float64
	Premium    float64 // per-share fill price collected
	Bid        float64
	Ask        float64
	Quantity   int
	DTE        int
}

// StopDecision is the outcome of a call stop-loss evaluation.
type StopDecision struct {
	Intent       *models.OrderIntent
	Reason       string
	LossFraction float64
	Threshold    float64
	Multiplier   float64
	Triggered    bool
}

// Multiplier returns the stop relaxation factor for a DTE: the first bucket
// whose max_dte covers it, or 1.
func (m *Manager) Multiplier(dte int) float64 {
	for _, step := range m.limits.TimeDecay {
		if dte <= step.MaxDTE && step.Multiplier > 0 {
			return step.Multiplier
		}
	}
	return 1
}

// EvaluateCallStop compares the loss on a short call against the DTE-adjusted
// threshold. A trigger carries a buy-to-close intent keyed on date, which must
// already be in the market timezone.
func (m *Manager) EvaluateCallStop(pos ShortCall, date time.Time) (StopDecision, error) {
	if pos.OptionType != models.OptionTypeCall {
		return StopDecision{}, fmt.Errorf("%w: %s is a %s", ErrNotShortCall, pos.Symbol, pos.OptionType)
	}
	if m.limits.StopLossPct <= 0 {
		return StopDecision{Reason: "call stop-loss disabled"}, nil
	}
	if pos.Premium <= 0 {
		return StopDecision{}, fmt.Errorf("short call %s has no recorded premium", pos.Symbol)
	}
	if pos.Ask <= 0 {
		return StopDecision{}, fmt.Errorf("short call %s has no ask quote", pos.Symbol)
	}

	mult := m.Multiplier(pos.DTE)
	d := StopDecision{
		LossFraction: (pos.Ask - pos.Premium) / pos.Premium,
		Multiplier:   mult,
		Threshold:    m.limits.StopLossPct * mult,
	}
	if d.LossFraction < d.Threshold {
		d.Reason = fmt.Sprintf("loss %.1f%% under threshold %.1f%% at %d DTE", d.LossFraction*100, d.Threshold*100, pos.DTE)
		return d, nil
	}

	d.Triggered = true
	d.Reason = fmt.Sprintf("loss %.1f%% reached threshold %.1f%% at %d DTE", d.LossFraction*100, d.Threshold*100, pos.DTE)
	c := models.Candidate{
		Underlying: pos.Underlying,
		Symbol:     pos.Symbol,
		OptionType: pos.OptionType,
		Strike:     pos.Strike,
		Expiration: pos.Expiration,
		Bid:        pos.Bid,
		Ask:        pos.Ask,
		DTE:        pos.DTE,
	}
	intent := models.NewOrderIntent(c, pos.CycleID, models.StageAssigned, models.SideBuyToClose, pos.Quantity, 0, date)
	intent.Reason = StopLossReason
	d.Intent = &intent

	m.logger.WithFields(logrus.Fields{
		"underlying": pos.Underlying,
		"symbol":     pos.Symbol,
		"loss":       d.LossFraction,
		"threshold":  d.Threshold,
		"dte":        pos.DTE,
	}).Warn("call stop-loss triggered")
	return d, nil
}
