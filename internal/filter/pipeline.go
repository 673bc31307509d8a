// Package filter narrows a candidate set to at most one contract per
// underlying and side. Puts and calls run through the same stages with
// different parameter sets.
package filter

import (
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/risk"
)

// deltaEpsilon treats delta distances closer than this as equal.
const deltaEpsilon = 1e-9

// Exposure is what the underlying already commits before the new sale.
type Exposure struct {
	Notional       float64 // short and working put strikes plus held share value
	Equity         float64
	SharesHeld     int
	ShortContracts int // open and working short calls
}

// Input is everything one evaluation reads. It is built fresh per run from
// reconciled state.
type Input struct {
	Underlying string
	Side       models.OptionType
	Phase      models.Stage
	Params     config.SideConfig
	Candidates []models.Candidate
	Exposure   Exposure
	Gap        risk.GapAssessment
}

// Verdict is a stage outcome for one candidate.
type Verdict struct {
	Reason    string
	Observed  float64
	Threshold float64
	Passed    bool
}

// Stage is one independently testable filter.
type Stage interface {
	Name() models.FilterStage
	Check(in *Input, c models.Candidate) Verdict
}

// Decision is the pipeline output for one (underlying, side).
type Decision struct {
	Winner   *models.Candidate
	Results  []models.FilterResult
	Quantity int
}

// Rejections returns only the failed results.
func (d Decision) Rejections() []models.FilterResult {
	var out []models.FilterResult
	for _, r := range d.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Pipeline runs stages in order.
type Pipeline struct {
	now    func() time.Time
	stages []Stage
}

// New builds the canonical pipeline backed by riskMgr for sizing and gap policy.
func New(riskMgr *risk.Manager) *Pipeline {
	return NewWithStages(
		PhaseEligibility{},
		Liquidity{},
		DTEWindow{},
		DeltaBand{},
		PremiumFloor{},
		PositionSizing{Risk: riskMgr},
		GapRisk{Risk: riskMgr},
	)
}

// NewWithStages builds a pipeline from an explicit stage list.
func NewWithStages(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, now: time.Now}
}

// Stages returns the stage names in order.
func (p *Pipeline) Stages() []models.FilterStage {
	names := make([]models.FilterStage, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Evaluate runs every candidate through the stages. A candidate stops at its
// first failure; every evaluation appends exactly one result.
func (p *Pipeline) Evaluate(in Input) Decision {
	d := Decision{Quantity: in.Params.Contracts}
	ts := p.now().UTC()

	var survivors []models.Candidate
	for _, c := range in.Candidates {
		passed := true
		for _, stage := range p.stages {
			v := stage.Check(&in, c)
			r := models.NewFilterResult(c, stage.Name(), v.Passed, v.Observed, v.Threshold, v.Reason)
			r.Timestamp = ts
			d.Results = append(d.Results, r)
			if !v.Passed {
				passed = false
				break
			}
		}
		if passed {
			survivors = append(survivors, c)
		}
	}

	if len(survivors) == 0 {
		return d
	}
	mid := in.Params.DeltaMidpoint()
	sort.SliceStable(survivors, func(i, j int) bool {
		di := math.Abs(survivors[i].AbsDelta() - mid)
		dj := math.Abs(survivors[j].AbsDelta() - mid)
		if math.Abs(di-dj) > deltaEpsilon {
			return di < dj
		}
		if survivors[i].Bid != survivors[j].Bid {
			return survivors[i].Bid > survivors[j].Bid
		}
		return survivors[i].Strike < survivors[j].Strike
	})
	winner := survivors[0]
	d.Winner = &winner
	return d
}
