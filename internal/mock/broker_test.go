package mock

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

var asOf = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

func TestNewSeededIsDeterministic(t *testing.T) {
	ctx := context.Background()
	a := NewSeeded([]string{"spy", "IWM"}, asOf)
	b := NewSeeded([]string{"SPY", "IWM"}, asOf)

	for _, sym := range []string{"SPY", "IWM"} {
		qa, err := a.GetQuote(ctx, sym)
		require.NoError(t, err)
		qb, err := b.GetQuote(ctx, sym)
		require.NoError(t, err)
		assert.Equal(t, qa.Last, qb.Last)
		assert.GreaterOrEqual(t, qa.Last, 20.0)
		assert.Less(t, qa.Last, 200.0)

		exps, err := a.GetExpirations(ctx, sym)
		require.NoError(t, err)
		require.Len(t, exps, 4)
		for _, exp := range exps {
			d, err := time.Parse(expirationLayout, exp)
			require.NoError(t, err)
			assert.Equal(t, time.Friday, d.Weekday())

			ca, err := a.GetOptionChain(ctx, sym, exp, true)
			require.NoError(t, err)
			cb, err := b.GetOptionChain(ctx, sym, exp, true)
			require.NoError(t, err)
			assert.Equal(t, ca, cb)
		}
	}
}

func TestGenerateChainDeltas(t *testing.T) {
	b := New()
	exp := asOf.AddDate(0, 0, 11)
	chain := b.GenerateChain("XYZ", 50, exp, asOf)
	require.NotEmpty(t, chain)

	for _, opt := range chain {
		require.NotNil(t, opt.Greeks)
		require.NotNil(t, opt.Greeks.Delta)
		delta := *opt.Greeks.Delta
		strike := *opt.Strike
		assert.GreaterOrEqual(t, strike, 40.0)
		assert.LessOrEqual(t, strike, 60.0)
		assert.LessOrEqual(t, math.Abs(delta), 1.0)
		assert.LessOrEqual(t, *opt.Bid, *opt.Ask)

		switch opt.OptionType {
		case string(models.OptionTypePut):
			assert.LessOrEqual(t, delta, 0.0, opt.Symbol)
		case string(models.OptionTypeCall):
			assert.GreaterOrEqual(t, delta, 0.0, opt.Symbol)
		}
		if opt.OptionType == string(models.OptionTypePut) && strike == 47 {
			// 6% out of the money
			assert.InDelta(t, -0.15, delta, 0.01)
		}
	}

	stored, err := b.GetOptionChain(context.Background(), "XYZ", exp.Format(expirationLayout), true)
	require.NoError(t, err)
	assert.Len(t, stored, len(chain))
}

func TestPlaceFillAndAssignPut(t *testing.T) {
	ctx := context.Background()
	b := New()
	exp := asOf.AddDate(0, 0, 7)
	symbol := broker.FormatOptionSymbol("XYZ", exp, models.OptionTypePut, 48)

	resp, err := b.PlaceOptionOrder(ctx, broker.OptionOrderRequest{
		Underlying:   "XYZ",
		OptionSymbol: symbol,
		Side:         string(models.SideSellToOpen),
		Quantity:     1,
		LimitPrice:   1.25,
		Duration:     "day",
		Tag:          "wheel-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, 1001, resp.Order.ID)

	orders, err := b.GetOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].IsLive())
	assert.Equal(t, "wheel-abc", orders[0].Tag)

	require.NoError(t, b.FillOrder(resp.Order.ID, 1.25))
	assert.Error(t, b.FillOrder(resp.Order.ID, 1.25), "filled orders cannot fill twice")

	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, symbol, positions[0].Symbol)
	assert.Equal(t, -1.0, positions[0].Quantity)
	assert.InDelta(t, -125.0, positions[0].CostBasis, 1e-9)

	require.NoError(t, b.Assign(symbol))
	positions, err = b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "XYZ", positions[0].Symbol)
	assert.Equal(t, 100.0, positions[0].Quantity)
	assert.InDelta(t, 4800.0, positions[0].CostBasis, 1e-9)

	assert.Error(t, b.Assign(symbol), "nothing left to assign")
}

func TestAssignCallRemovesShares(t *testing.T) {
	b := New()
	exp := asOf.AddDate(0, 0, 7)
	symbol := broker.FormatOptionSymbol("XYZ", exp, models.OptionTypeCall, 52)
	b.SetPositions(
		broker.PositionItem{ID: 1, Symbol: "XYZ", Quantity: 100, CostBasis: 5000},
		broker.PositionItem{ID: 2, Symbol: symbol, Quantity: -1, CostBasis: -90},
	)

	require.NoError(t, b.Assign(symbol))
	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestExpireRemovesPosition(t *testing.T) {
	b := New()
	symbol := broker.FormatOptionSymbol("XYZ", asOf, models.OptionTypePut, 45)
	b.SetPositions(broker.PositionItem{ID: 1, Symbol: symbol, Quantity: -1, CostBasis: -50})

	b.Expire(symbol)
	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPlaceOptionOrderValidation(t *testing.T) {
	tests := []struct {
		name string
		req  broker.OptionOrderRequest
	}{
		{"zero price", broker.OptionOrderRequest{Side: "sell_to_open", Quantity: 1}},
		{"zero quantity", broker.OptionOrderRequest{Side: "sell_to_open", LimitPrice: 1}},
		{"unsupported side", broker.OptionOrderRequest{Side: "buy_to_open", Quantity: 1, LimitPrice: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			_, err := b.PlaceOptionOrder(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, broker.ClassPermanent, broker.Classify(err))
			assert.Len(t, b.Placed(), 1)
		})
	}
}

func TestSetErrorUntilCleared(t *testing.T) {
	ctx := context.Background()
	b := New()
	boom := errors.New("boom")

	b.SetError(MethodGetMarketClock, boom)
	_, err := b.GetMarketClock(ctx)
	assert.ErrorIs(t, err, boom)

	b.SetError(MethodGetMarketClock, nil)
	clock, err := b.GetMarketClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, broker.MarketStateOpen, clock.Clock.State)

	b.SetMarketState(broker.MarketStateClosed)
	clock, err = b.GetMarketClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, broker.MarketStateClosed, clock.Clock.State)
}

func TestFillOnPlaceAndCancel(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.FillOnPlace(true)
	symbol := broker.FormatOptionSymbol("XYZ", asOf.AddDate(0, 0, 7), models.OptionTypeCall, 55)

	resp, err := b.PlaceOptionOrder(ctx, broker.OptionOrderRequest{
		Underlying: "XYZ", OptionSymbol: symbol, Side: "sell_to_open", Quantity: 2, LimitPrice: 0.40,
	})
	require.NoError(t, err)

	orders, err := b.GetOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].IsFilled())

	err = b.CancelOrder(ctx, resp.Order.ID)
	var apiErr *broker.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)

	err = b.CancelOrder(ctx, 42)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestBalance(t *testing.T) {
	b := New()
	b.SetBalance(50000, 20000)

	bal, err := b.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50000.0, bal.Balances.TotalEquity)
	bp, err := bal.GetOptionBuyingPower()
	require.NoError(t, err)
	assert.Equal(t, 20000.0, bp)
}
