package models

import (
	"fmt"
	"math"
	"time"
)

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// ParseOptionType normalizes broker spellings ("put", "P", "CALL").
func ParseOptionType(s string) (OptionType, error) {
	switch s {
	case "put", "PUT", "Put", "P", "p":
		return OptionTypePut, nil
	case "call", "CALL", "Call", "C", "c":
		return OptionTypeCall, nil
	}
	return "", fmt.Errorf("unknown option type %q", s)
}

// Candidate is one option contract considered for sale during a run. It is
// rebuilt from market data every run and never persisted.
type Candidate struct {
	Expiration        time.Time  `json:"expiration"`
	Underlying        string     `json:"underlying"`
	Symbol            string     `json:"symbol"`
	OptionType        OptionType `json:"option_type"`
	Strike            float64    `json:"strike"`
	Delta             float64    `json:"delta"`
	Bid               float64    `json:"bid"`
	Ask               float64    `json:"ask"`
	ImpliedVolatility float64    `json:"implied_volatility"`
	OpenInterest      int64      `json:"open_interest"`
	Volume            int64      `json:"volume"`
	DTE               int        `json:"dte"`
}

// AbsDelta returns |delta|; put deltas arrive negative.
func (c Candidate) AbsDelta() float64 {
	return math.Abs(c.Delta)
}

// Notional is strike × 100 × contracts, the cash a put assignment would consume.
func (c Candidate) Notional(contracts int) float64 {
	return c.Strike * SharesPerContract * float64(contracts)
}

// FilterStage names a pipeline stage in FilterResult records.
type FilterStage string

// Stage names in pipeline order. MalformedData is emitted by the snapshot
// adapter for contracts dropped before the pipeline runs.
const (
	FilterMalformedData    FilterStage = "malformed_data"
	FilterPhaseEligibility FilterStage = "phase_eligibility"
	FilterLiquidity        FilterStage = "liquidity"
	FilterDTEWindow        FilterStage = "dte_window"
	FilterDeltaBand        FilterStage = "delta_band"
	FilterPremiumFloor     FilterStage = "premium_floor"
	FilterPositionSizing   FilterStage = "position_sizing"
	FilterGapRisk          FilterStage = "gap_risk"
)

// FilterResult is an append-only audit record of one (candidate, stage) evaluation.
type FilterResult struct {
	Timestamp  time.Time   `json:"ts"`
	Stage      FilterStage `json:"stage"`
	Underlying string      `json:"underlying"`
	Symbol     string      `json:"symbol"`
	OptionType OptionType  `json:"option_type"`
	Reason     string      `json:"reason,omitempty"`
	Observed   float64     `json:"observed"`
	Threshold  float64     `json:"threshold"`
	Passed     bool        `json:"passed"`
}

// NewFilterResult stamps a result for a candidate.
func NewFilterResult(c Candidate, stage FilterStage, passed bool, observed, threshold float64, reason string) FilterResult {
	return FilterResult{
		Timestamp:  time.Now().UTC(),
		Stage:      stage,
		Underlying: c.Underlying,
		Symbol:     c.Symbol,
		OptionType: c.OptionType,
		Passed:     passed,
		Observed:   observed,
		Threshold:  threshold,
		Reason:     reason,
	}
}
