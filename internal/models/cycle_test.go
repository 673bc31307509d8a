package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 14, 45, 0, 0, time.UTC)

func putSale(orderID string, limit string) OptionSale {
	return OptionSale{
		PlacedAt:   t0,
		OrderID:    orderID,
		Symbol:     "XYZ260306P00048000",
		OptionType: OptionTypePut,
		Side:       SideSellToOpen,
		Strike:     48,
		Expiration: t0.AddDate(0, 0, 4),
		LimitPrice: decimal.RequireFromString(limit),
		Quantity:   1,
	}
}

func TestWheelCycle_PremiumAccumulatesAcrossPutSales(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0))
	c.RecordSale(putSale("101", "1.20"))
	require.NoError(t, c.ConfirmFill("101", decimal.RequireFromString("1.20"), t0))

	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0.Add(time.Hour)))
	c.RecordSale(putSale("102", "0.80"))
	require.NoError(t, c.ConfirmFill("102", decimal.RequireFromString("0.85"), t0.Add(time.Hour)))

	// repeated confirmation is idempotent
	require.NoError(t, c.ConfirmFill("102", decimal.RequireFromString("0.85"), t0.Add(2*time.Hour)))

	assert.True(t, c.PutPremiumCollected.Equal(decimal.NewFromInt(205)), "got %s", c.PutPremiumCollected)
	assert.True(t, c.CallPremiumCollected.IsZero())
	assert.Empty(t, c.PendingSales())
}

func TestWheelCycle_BuyBackDebitsPremium(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0))
	require.NoError(t, c.Assign(100, decimal.NewFromInt(48), t0))
	require.NoError(t, c.Transition(StageCallOpen, ConditionCallSold, t0))
	c.RecordSale(OptionSale{
		OrderID: "201", Symbol: "XYZ260313C00050000", OptionType: OptionTypeCall,
		Side: SideSellToOpen, Strike: 50, Quantity: 1,
	})
	c.RecordSale(OptionSale{
		OrderID: "202", Symbol: "XYZ260313C00050000", OptionType: OptionTypeCall,
		Side: SideBuyToClose, Strike: 50, Quantity: 1,
	})
	require.NoError(t, c.ConfirmFill("201", decimal.RequireFromString("1.00"), t0))
	require.NoError(t, c.ConfirmFill("202", decimal.RequireFromString("1.60"), t0))

	assert.True(t, c.CallPremiumCollected.Equal(decimal.NewFromInt(-60)), "got %s", c.CallPremiumCollected)

	open, ok := c.LastFilledOpen("XYZ260313C00050000")
	require.True(t, ok)
	assert.Equal(t, "201", open.OrderID)
}

func TestWheelCycle_CancelLeavesPremium(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0))
	c.RecordSale(putSale("101", "1.20"))
	require.NoError(t, c.CancelSale("101", t0))

	assert.True(t, c.PutPremiumCollected.IsZero())
	assert.Equal(t, SaleCanceled, c.Sales[0].Status)
	assert.Empty(t, c.PendingSales())

	err := c.ConfirmFill("missing", decimal.NewFromInt(1), t0)
	assert.True(t, errors.Is(err, ErrSaleNotFound))
}

func TestWheelCycle_FullWheelEconomics(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0))
	c.RecordSale(putSale("101", "1.20"))
	require.NoError(t, c.ConfirmFill("101", decimal.RequireFromString("1.20"), t0))

	require.NoError(t, c.Assign(100, decimal.NewFromInt(48), t0.AddDate(0, 0, 4)))
	assert.Equal(t, StageAssigned, c.Stage)
	require.NotNil(t, c.AssignedSince)

	require.NoError(t, c.Transition(StageCallOpen, ConditionCallSold, t0.AddDate(0, 0, 5)))
	assert.Nil(t, c.AssignedSince)
	c.RecordSale(OptionSale{
		OrderID: "201", Symbol: "XYZ260313C00050000", OptionType: OptionTypeCall,
		Side: SideSellToOpen, Strike: 50, Quantity: 1,
	})
	require.NoError(t, c.ConfirmFill("201", decimal.RequireFromString("0.60"), t0.AddDate(0, 0, 5)))

	require.NoError(t, c.Close(ConditionCallAssigned, decimal.NewNullDecimal(decimal.NewFromInt(50)), t0.AddDate(0, 0, 11)))

	assert.Equal(t, StageClosed, c.Stage)
	assert.Equal(t, StageIdle, c.Phase())
	assert.Equal(t, ConditionCallAssigned, c.ExitReason)
	assert.True(t, c.CapitalGain().Equal(decimal.NewFromInt(200)), "capital gain %s", c.CapitalGain())
	assert.True(t, c.TotalReturn().Equal(decimal.NewFromInt(380)), "total return %s", c.TotalReturn())
	assert.NoError(t, c.Validate())
}

func TestWheelCycle_CapitalGainUnknownWithoutExit(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0))
	require.NoError(t, c.Assign(100, decimal.NewFromInt(48), t0))
	assert.True(t, c.CapitalGain().IsZero())
}

func TestWheelCycle_AssignRejectsNonPositiveShares(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0))
	assert.Error(t, c.Assign(0, decimal.NewFromInt(48), t0))
	assert.Equal(t, StagePutOpen, c.Stage)
}

func TestWheelCycle_MachineRestoredFromPersistedStage(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0))
	require.NoError(t, c.Assign(100, decimal.NewFromInt(48), t0))

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "machine"))

	var restored WheelCycle
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, StageAssigned, restored.Stage)
	assert.Equal(t, 100, restored.Shares())
	assert.True(t, restored.CostBasis.Valid)

	require.NoError(t, restored.Transition(StageCallOpen, ConditionCallSold, t0))
	assert.Error(t, restored.Transition(StagePutOpen, ConditionPutSold, t0))
}

func TestWheelCycle_Validate(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	assert.Error(t, c.Validate(), "idle is never persisted")

	c.Stage = StageAssigned
	assert.Error(t, c.Validate(), "assigned requires shares")

	shares := 100
	c.SharesHeld = &shares
	assert.Error(t, c.Validate(), "assigned requires cost basis")

	c.CostBasis = decimal.NewNullDecimal(decimal.NewFromInt(48))
	assert.NoError(t, c.Validate())

	c.Stage = StageClosed
	assert.Error(t, c.Validate(), "closed requires closed_at")
}

func TestWheelCycle_CloneIsDeep(t *testing.T) {
	at := time.Date(2026, 3, 6, 15, 0, 0, 0, time.UTC)
	c := NewWheelCycle("XYZ", "c1", at)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, at))
	require.NoError(t, c.Assign(100, decimal.NewFromInt(48), at))
	c.RecordSale(OptionSale{OrderID: "1", OptionType: OptionTypeCall, Side: SideSellToOpen, Quantity: 1})

	cp := c.Clone()
	*cp.SharesHeld = 200
	cp.Sales[0].Status = SaleCanceled
	*cp.AssignedSince = at.Add(time.Hour)

	assert.Equal(t, 100, c.Shares())
	assert.Equal(t, SalePending, c.Sales[0].Status)
	assert.Equal(t, at, *c.AssignedSince)
	assert.Nil(t, (*WheelCycle)(nil).Clone())
}

func TestWheelCycle_PhaseSalesResetOnStageChange(t *testing.T) {
	c := NewWheelCycle("XYZ", "c1", t0)
	require.NoError(t, c.Transition(StagePutOpen, ConditionPutSold, t0))
	require.NoError(t, c.Assign(100, decimal.NewFromInt(48), t0.Add(time.Hour)))

	callAt := t0.Add(2 * time.Hour)
	require.NoError(t, c.Transition(StageCallOpen, ConditionCallSold, callAt))
	c.RecordSale(OptionSale{PlacedAt: callAt, OrderID: "201", OptionType: OptionTypeCall, Side: SideSellToOpen, Quantity: 1})
	require.NoError(t, c.ConfirmFill("201", decimal.RequireFromString("0.50"), callAt))

	_, ok := c.LastFilled(OptionTypeCall)
	assert.True(t, ok)

	expiredAt := t0.AddDate(0, 0, 7)
	require.NoError(t, c.Transition(StageAssigned, ConditionCallExpired, expiredAt))
	require.NoError(t, c.Transition(StageCallOpen, ConditionCallSold, expiredAt.Add(time.Hour)))
	c.RecordSale(OptionSale{PlacedAt: expiredAt.Add(time.Hour), OrderID: "202", OptionType: OptionTypeCall, Side: SideSellToOpen, Quantity: 1})

	sales := c.PhaseSales(OptionTypeCall)
	require.Len(t, sales, 1)
	assert.Equal(t, "202", sales[0].OrderID)
	_, ok = c.LastFilled(OptionTypeCall)
	assert.False(t, ok, "previous phase fill is not reused")

	// self-loop keeps the phase open
	require.NoError(t, c.Transition(StageCallOpen, ConditionCallSold, expiredAt.Add(2*time.Hour)))
	assert.Len(t, c.PhaseSales(OptionTypeCall), 1)
}
