package filter

import (
	"fmt"

	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/risk"
)

func pass(observed, threshold float64) Verdict {
	return Verdict{Passed: true, Observed: observed, Threshold: threshold}
}

func reject(observed, threshold float64, format string, args ...any) Verdict {
	return Verdict{Observed: observed, Threshold: threshold, Reason: fmt.Sprintf(format, args...)}
}

// PhaseEligibility allows puts in idle/put_open and calls in assigned/call_open.
type PhaseEligibility struct{}

// Name implements Stage.
func (PhaseEligibility) Name() models.FilterStage { return models.FilterPhaseEligibility }

// Check implements Stage.
func (PhaseEligibility) Check(in *Input, c models.Candidate) Verdict {
	if c.OptionType != in.Side {
		return reject(0, 1, "%s candidate evaluated on the %s side", c.OptionType, in.Side)
	}
	if !in.Phase.AllowsSide(in.Side) {
		return reject(0, 1, "phase %s does not allow %s sales", in.Phase, in.Side)
	}
	return pass(1, 1)
}

// Liquidity requires open interest and volume at or above their floors.
type Liquidity struct{}

// Name implements Stage.
func (Liquidity) Name() models.FilterStage { return models.FilterLiquidity }

// Check implements Stage.
func (Liquidity) Check(in *Input, c models.Candidate) Verdict {
	p := in.Params
	if c.OpenInterest < p.MinOpenInterest {
		return reject(float64(c.OpenInterest), float64(p.MinOpenInterest),
			"open interest %d below %d", c.OpenInterest, p.MinOpenInterest)
	}
	if c.Volume < p.MinVolume {
		return reject(float64(c.Volume), float64(p.MinVolume), "volume %d below %d", c.Volume, p.MinVolume)
	}
	return pass(float64(c.Volume), float64(p.MinVolume))
}

// DTEWindow requires target-tolerance <= DTE <= target+tolerance.
type DTEWindow struct{}

// Name implements Stage.
func (DTEWindow) Name() models.FilterStage { return models.FilterDTEWindow }

// Check implements Stage.
func (DTEWindow) Check(in *Input, c models.Candidate) Verdict {
	lo, hi := in.Params.MinDTE(), in.Params.MaxDTE()
	if c.DTE < lo {
		return reject(float64(c.DTE), float64(lo), "%d DTE below window [%d, %d]", c.DTE, lo, hi)
	}
	if c.DTE > hi {
		return reject(float64(c.DTE), float64(hi), "%d DTE above window [%d, %d]", c.DTE, lo, hi)
	}
	return pass(float64(c.DTE), float64(in.Params.TargetDTE))
}

// DeltaBand requires |delta| inside the configured band.
type DeltaBand struct{}

// Name implements Stage.
func (DeltaBand) Name() models.FilterStage { return models.FilterDeltaBand }

// Check implements Stage.
func (DeltaBand) Check(in *Input, c models.Candidate) Verdict {
	d := c.AbsDelta()
	p := in.Params
	if d < p.DeltaMin {
		return reject(d, p.DeltaMin, "|delta| %.3f below band [%.2f, %.2f]", d, p.DeltaMin, p.DeltaMax)
	}
	if d > p.DeltaMax {
		return reject(d, p.DeltaMax, "|delta| %.3f above band [%.2f, %.2f]", d, p.DeltaMin, p.DeltaMax)
	}
	return pass(d, p.DeltaMidpoint())
}

// PremiumFloor requires bid >= min_premium.
type PremiumFloor struct{}

// Name implements Stage.
func (PremiumFloor) Name() models.FilterStage { return models.FilterPremiumFloor }

// Check implements Stage.
func (PremiumFloor) Check(in *Input, c models.Candidate) Verdict {
	if c.Bid < in.Params.MinPremium {
		return reject(c.Bid, in.Params.MinPremium, "bid %.2f below minimum premium %.2f", c.Bid, in.Params.MinPremium)
	}
	return pass(c.Bid, in.Params.MinPremium)
}

// PositionSizing applies the notional and equity caps to puts and share
// coverage to calls.
type PositionSizing struct {
	Risk *risk.Manager
}

// Name implements Stage.
func (PositionSizing) Name() models.FilterStage { return models.FilterPositionSizing }

// Check implements Stage.
func (s PositionSizing) Check(in *Input, c models.Candidate) Verdict {
	qty := in.Params.Contracts
	var chk risk.Check
	if in.Side == models.OptionTypeCall {
		chk = s.Risk.CheckCallCoverage(in.Exposure.SharesHeld, in.Exposure.ShortContracts, qty)
	} else {
		chk = s.Risk.CheckPositionSize(in.Exposure.Notional, c.Notional(qty), in.Exposure.Equity)
	}
	return Verdict{Passed: chk.Passed, Observed: chk.Observed, Threshold: chk.Threshold, Reason: chk.Reason}
}

// GapRisk rejects every candidate of an underlying whose overnight move is
// halt-worthy or unknown.
type GapRisk struct {
	Risk *risk.Manager
}

// Name implements Stage.
func (GapRisk) Name() models.FilterStage { return models.FilterGapRisk }

// Check implements Stage.
func (s GapRisk) Check(in *Input, _ models.Candidate) Verdict {
	g := in.Gap
	threshold := s.Risk.Limits().GapHaltPct
	switch g.Level {
	case risk.GapUnknown:
		return reject(0, threshold, "gap unknown: previous close unavailable")
	case risk.GapHalt:
		return reject(g.Pct, threshold, "overnight gap %.2f%% exceeds %.2f%%", g.Pct*100, threshold*100)
	case risk.GapElevated:
		v := pass(g.Pct, threshold)
		v.Reason = fmt.Sprintf("elevated gap %.2f%%", g.Pct*100)
		return v
	}
	return pass(g.Pct, threshold)
}
