package engine

import (
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/execution"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// Outcome is the terminal state of one underlying within a run.
type Outcome string

const (
	OutcomeTraded          Outcome = "traded"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeNoCandidate     Outcome = "no_candidate"
	OutcomeRejected        Outcome = "rejected"
	OutcomeHalted          Outcome = "halted"
	OutcomeDataUnavailable Outcome = "data_unavailable"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkippedDeadline Outcome = "skipped_deadline"
)

// UnderlyingReport summarizes what a run did for one underlying.
type UnderlyingReport struct {
	Underlying string            `json:"underlying"`
	Phase      models.Stage      `json:"phase"`
	Side       models.OptionType `json:"side"`
	Outcome    Outcome           `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	OrderID    string            `json:"order_id,omitempty"`
	Evaluated  int               `json:"evaluated"`
}

// RunReport is returned by every run, including aborted ones.
type RunReport struct {
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Skipped     string              `json:"skipped,omitempty"`
	Underlyings []UnderlyingReport  `json:"underlyings"`
	StopOrders  []execution.Outcome `json:"stop_orders,omitempty"`
	Halted      []string            `json:"halted,omitempty"`
}

// Traded counts underlyings that submitted an order this run.
func (r *RunReport) Traded() int {
	n := 0
	for _, u := range r.Underlyings {
		if u.Outcome == OutcomeTraded {
			n++
		}
	}
	return n
}

// For returns the report of one underlying.
func (r *RunReport) For(underlying string) (UnderlyingReport, bool) {
	for _, u := range r.Underlyings {
		if u.Underlying == underlying {
			return u, true
		}
	}
	return UnderlyingReport{}, false
}
