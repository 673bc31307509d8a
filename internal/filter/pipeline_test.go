package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/risk"
)

var sideParams = config.SideConfig{
	Contracts:       1,
	TargetDTE:       7,
	DTETolerance:    2,
	DeltaMin:        0.10,
	DeltaMax:        0.20,
	MinPremium:      0.30,
	MinVolume:       10,
	MinOpenInterest: 100,
}

func newRisk() *risk.Manager {
	return risk.NewManager(risk.Limits{
		MaxNotionalPerUnderlying: 10000,
		MaxPositionFraction:      0.25,
		GapElevatedPct:           0.02,
		GapHaltPct:               0.05,
	}, nil)
}

func put(strike, delta, bid float64, dte int) models.Candidate {
	return models.Candidate{
		Underlying:   "XYZ",
		Symbol:       fmt.Sprintf("XYZ260313P%08d", int(strike*1000)),
		OptionType:   models.OptionTypePut,
		Strike:       strike,
		Delta:        -delta,
		Bid:          bid,
		Ask:          bid + 0.10,
		DTE:          dte,
		Volume:       50,
		OpenInterest: 500,
	}
}

func putInput(cands ...models.Candidate) Input {
	r := newRisk()
	return Input{
		Underlying: "XYZ",
		Side:       models.OptionTypePut,
		Phase:      models.StageIdle,
		Params:     sideParams,
		Candidates: cands,
		Exposure:   Exposure{Equity: 40000},
		Gap:        r.ClassifyGap(50, 50.2),
	}
}

func TestPipeline_StageOrder(t *testing.T) {
	p := New(newRisk())
	assert.Equal(t, []models.FilterStage{
		models.FilterPhaseEligibility,
		models.FilterLiquidity,
		models.FilterDTEWindow,
		models.FilterDeltaBand,
		models.FilterPremiumFloor,
		models.FilterPositionSizing,
		models.FilterGapRisk,
	}, p.Stages())
}

func TestPipeline_IdlePutAccepted(t *testing.T) {
	p := New(newRisk())
	d := p.Evaluate(putInput(put(48, 0.15, 1.20, 7)))

	require.NotNil(t, d.Winner)
	assert.Equal(t, 48.0, d.Winner.Strike)
	assert.Equal(t, 1, d.Quantity)
	assert.Len(t, d.Results, 7)
	assert.Empty(t, d.Rejections())
}

func TestPipeline_AssignedCallAccepted(t *testing.T) {
	p := New(newRisk())
	r := newRisk()
	call := models.Candidate{
		Underlying:   "XYZ",
		Symbol:       "XYZ260313C00052500",
		OptionType:   models.OptionTypeCall,
		Strike:       52.5,
		Delta:        0.18,
		Bid:          0.45,
		Ask:          0.55,
		DTE:          7,
		Volume:       40,
		OpenInterest: 300,
	}
	d := p.Evaluate(Input{
		Underlying: "XYZ",
		Side:       models.OptionTypeCall,
		Phase:      models.StageAssigned,
		Params:     sideParams,
		Candidates: []models.Candidate{call},
		Exposure:   Exposure{Equity: 40000, Notional: 5000, SharesHeld: 100},
		Gap:        r.ClassifyGap(50, 50),
	})
	require.NotNil(t, d.Winner)
	assert.Equal(t, 52.5, d.Winner.Strike)
}

func TestPipeline_OneResultPerStageAndStopAtFirstFailure(t *testing.T) {
	p := New(newRisk())
	cands := []models.Candidate{
		put(48, 0.15, 1.20, 7),  // passes everything
		put(47, 0.15, 1.00, 20), // fails dte_window
		put(46, 0.35, 1.00, 7),  // fails delta_band
		put(45, 0.12, 0.10, 7),  // fails premium_floor
	}
	illiquid := put(44, 0.15, 1.00, 7)
	illiquid.OpenInterest = 5
	cands = append(cands, illiquid)

	d := p.Evaluate(putInput(cands...))

	perSymbol := map[string][]models.FilterStage{}
	for _, r := range d.Results {
		perSymbol[r.Symbol] = append(perSymbol[r.Symbol], r.Stage)
	}
	stages := p.Stages()
	expectFail := map[string]models.FilterStage{
		cands[1].Symbol: models.FilterDTEWindow,
		cands[2].Symbol: models.FilterDeltaBand,
		cands[3].Symbol: models.FilterPremiumFloor,
		cands[4].Symbol: models.FilterLiquidity,
	}
	for _, r := range d.Results {
		if !r.Passed {
			assert.Equal(t, expectFail[r.Symbol], r.Stage, r.Symbol)
		}
	}
	for sym, got := range perSymbol {
		seen := map[models.FilterStage]bool{}
		for i, st := range got {
			assert.False(t, seen[st], "%s evaluated twice at %s", sym, st)
			seen[st] = true
			assert.Equal(t, stages[i], st, "%s stages out of order", sym)
		}
		if fail, ok := expectFail[sym]; ok {
			assert.Equal(t, fail, got[len(got)-1], "%s continued after failing", sym)
		}
	}
	assert.Len(t, perSymbol[cands[0].Symbol], 7)
	require.NotNil(t, d.Winner)
	assert.Equal(t, cands[0].Symbol, d.Winner.Symbol)
}

func TestPipeline_TieBreak(t *testing.T) {
	p := New(newRisk())

	// midpoint 0.15: the 0.16 delta wins over 0.11 regardless of bid
	d := p.Evaluate(putInput(put(45, 0.11, 2.00, 7), put(47, 0.16, 0.90, 7)))
	require.NotNil(t, d.Winner)
	assert.Equal(t, 47.0, d.Winner.Strike)

	// equal distance: higher bid wins
	d = p.Evaluate(putInput(put(45, 0.14, 0.80, 7), put(47, 0.16, 0.95, 7)))
	require.NotNil(t, d.Winner)
	assert.Equal(t, 47.0, d.Winner.Strike)

	// full tie: lower strike, independent of input order
	a, b := put(47, 0.15, 1.00, 7), put(46, 0.15, 1.00, 7)
	d1 := p.Evaluate(putInput(a, b))
	d2 := p.Evaluate(putInput(b, a))
	assert.Equal(t, 46.0, d1.Winner.Strike)
	assert.Equal(t, d1.Winner.Symbol, d2.Winner.Symbol)
}

func TestPipeline_PhaseEligibility(t *testing.T) {
	p := New(newRisk())
	in := putInput(put(48, 0.15, 1.20, 7))
	in.Phase = models.StageAssigned
	d := p.Evaluate(in)
	assert.Nil(t, d.Winner)
	require.Len(t, d.Results, 1)
	assert.Equal(t, models.FilterPhaseEligibility, d.Results[0].Stage)

	in.Phase = models.StagePutOpen
	assert.NotNil(t, p.Evaluate(in).Winner, "additional puts are allowed in put_open")
}

func TestPipeline_PositionSizing(t *testing.T) {
	p := New(newRisk())
	in := putInput(put(48, 0.15, 1.20, 7))
	in.Exposure.Notional = 6000
	d := p.Evaluate(in)
	assert.Nil(t, d.Winner)
	last := d.Results[len(d.Results)-1]
	assert.Equal(t, models.FilterPositionSizing, last.Stage)
	assert.Equal(t, 10800.0, last.Observed)
	assert.Equal(t, 10000.0, last.Threshold)

	in = putInput(put(48, 0.15, 1.20, 7))
	in.Exposure.Equity = 10000
	d = p.Evaluate(in)
	assert.Nil(t, d.Winner, "4800 exceeds 25% of 10000")
}

func TestPipeline_CallCoverage(t *testing.T) {
	p := New(newRisk())
	r := newRisk()
	call := put(52, 0.15, 0.60, 7)
	call.OptionType = models.OptionTypeCall
	call.Delta = 0.15
	in := Input{
		Underlying: "XYZ",
		Side:       models.OptionTypeCall,
		Phase:      models.StageCallOpen,
		Params:     sideParams,
		Candidates: []models.Candidate{call},
		Exposure:   Exposure{Equity: 40000, SharesHeld: 100, ShortContracts: 1},
		Gap:        r.ClassifyGap(50, 50),
	}
	d := p.Evaluate(in)
	assert.Nil(t, d.Winner, "100 shares cannot cover a second call")
}

func TestPipeline_GapMonotonic(t *testing.T) {
	p := New(newRisk())
	r := newRisk()
	rejected := false
	for bps := 0; bps <= 1000; bps += 10 {
		in := putInput(put(48, 0.15, 1.20, 7))
		in.Gap = r.ClassifyGap(50, 50*(1-float64(bps)/10000))
		d := p.Evaluate(in)
		if rejected {
			require.Nil(t, d.Winner, "gap %d bps accepted after a smaller gap was rejected", bps)
		}
		rejected = d.Winner == nil
	}
	assert.True(t, rejected)
}

func TestPipeline_ElevatedGapPassesWithReason(t *testing.T) {
	p := New(newRisk())
	in := putInput(put(48, 0.15, 1.20, 7))
	in.Gap = newRisk().ClassifyGap(50, 48.75)
	d := p.Evaluate(in)
	require.NotNil(t, d.Winner)
	last := d.Results[len(d.Results)-1]
	assert.True(t, last.Passed)
	assert.Contains(t, last.Reason, "elevated")
}

func TestPipeline_Empty(t *testing.T) {
	d := New(newRisk()).Evaluate(putInput())
	assert.Nil(t, d.Winner)
	assert.Empty(t, d.Results)
}
