package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// Interface defines the contract for wheel cycle persistence. The store is a
// cache of broker state: reconciliation may overwrite anything in it.
//
// Implementations must be safe for concurrent use. Returned cycles are copies;
// mutate them and hand them back through UpdateCycle.
type Interface interface {
	// Cycle management
	GetActiveCycle(underlying string) *models.WheelCycle
	GetActiveCycles() []models.WheelCycle
	OpenCycle(cycle *models.WheelCycle) error
	UpdateCycle(cycle *models.WheelCycle) error
	CycleCount(underlying string) int

	// Idempotency keys of submitted orders
	HasIntent(key string) bool
	RecordIntent(key string, at time.Time) error
	PruneIntents(before time.Time) (int, error)

	// Data persistence
	Save() error
	Load() error

	// Historical data and analytics
	GetHistory() []models.WheelCycle
	GetStatistics() *Statistics
}

// Statistics summarizes closed cycles.
type Statistics struct {
	PremiumBySymbol map[string]decimal.Decimal `json:"premium_by_symbol"`

	TotalPremium   decimal.Decimal `json:"total_premium"`
	TotalReturn    decimal.Decimal `json:"total_return"`
	CapitalGain    decimal.Decimal `json:"capital_gain"`
	ClosedCycles   int             `json:"closed_cycles"`
	AssignedCycles int             `json:"assigned_cycles"`
	CalledAway     int             `json:"called_away"`
	WinningCycles  int             `json:"winning_cycles"`
	LosingCycles   int             `json:"losing_cycles"`
	WinRate        float64         `json:"win_rate"`
}

// NewStorage creates the default storage implementation (JSON file).
func NewStorage(path string) (Interface, error) {
	return NewJSONStorage(path)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)

// computeStatistics derives Statistics from closed cycles. Breakeven cycles
// count toward neither wins nor losses.
func computeStatistics(history []models.WheelCycle) *Statistics {
	stats := &Statistics{PremiumBySymbol: make(map[string]decimal.Decimal)}
	for i := range history {
		c := &history[i]
		stats.ClosedCycles++
		if c.CostBasis.Valid {
			stats.AssignedCycles++
		}
		if c.ExitReason == models.ConditionCallAssigned {
			stats.CalledAway++
		}
		ret := c.TotalReturn()
		stats.TotalPremium = stats.TotalPremium.Add(c.TotalPremium())
		stats.CapitalGain = stats.CapitalGain.Add(c.CapitalGain())
		stats.TotalReturn = stats.TotalReturn.Add(ret)
		stats.PremiumBySymbol[c.Underlying] = stats.PremiumBySymbol[c.Underlying].Add(c.TotalPremium())
		switch ret.Sign() {
		case 1:
			stats.WinningCycles++
		case -1:
			stats.LosingCycles++
		}
	}
	if decided := stats.WinningCycles + stats.LosingCycles; decided > 0 {
		stats.WinRate = float64(stats.WinningCycles) / float64(decided) * 100
	}
	return stats
}

// checkSingleActive enforces one non-closed cycle per underlying.
func checkSingleActive(active []models.WheelCycle) error {
	seen := make(map[string]string, len(active))
	for _, c := range active {
		if prev, ok := seen[c.Underlying]; ok {
			return models.NewInvariantError(c.Underlying, "two active cycles %s and %s", prev, c.CycleID)
		}
		seen[c.Underlying] = c.CycleID
	}
	return nil
}
