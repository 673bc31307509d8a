package broker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBroker returns err from every call once callCount exceeds failAfter.
type stubBroker struct {
	err       error
	callCount int
	failAfter int
}

func (m *stubBroker) fail() error {
	m.callCount++
	if m.err != nil && m.callCount > m.failAfter {
		return m.err
	}
	return nil
}

func (m *stubBroker) GetBalance(context.Context) (*BalanceResponse, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	b := &BalanceResponse{}
	b.Balances.TotalEquity = 1000
	return b, nil
}

func (m *stubBroker) GetPositions(context.Context) ([]PositionItem, error) {
	return []PositionItem{}, m.fail()
}

func (m *stubBroker) GetOrders(context.Context) ([]Order, error) {
	return []Order{}, m.fail()
}

func (m *stubBroker) GetQuote(_ context.Context, symbol string) (*QuoteItem, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return &QuoteItem{Symbol: symbol, Last: 100}, nil
}

func (m *stubBroker) GetExpirations(context.Context, string) ([]string, error) {
	return []string{"2026-03-13"}, m.fail()
}

func (m *stubBroker) GetOptionChain(context.Context, string, string, bool) ([]Option, error) {
	return []Option{}, m.fail()
}

func (m *stubBroker) GetMarketClock(context.Context) (*MarketClockResponse, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	c := &MarketClockResponse{}
	c.Clock.State = MarketStateOpen
	return c, nil
}

func (m *stubBroker) PlaceOptionOrder(context.Context, OptionOrderRequest) (*OrderResponse, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	resp := &OrderResponse{}
	resp.Order.ID = 123
	return resp, nil
}

func (m *stubBroker) CancelOrder(context.Context, int) error {
	return m.fail()
}

var tripFast = CircuitBreakerSettings{
	MaxRequests:  1,
	Interval:     time.Minute,
	Timeout:      time.Minute,
	MinRequests:  2,
	FailureRatio: 0.5,
}

func TestCircuitBreakerBroker_PassThrough(t *testing.T) {
	stub := &stubBroker{}
	cb := NewCircuitBreakerBroker(stub, nil)
	ctx := context.Background()

	bal, err := cb.GetBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, bal.Balances.TotalEquity)

	q, err := cb.GetQuote(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, "XYZ", q.Symbol)

	resp, err := cb.PlaceOptionOrder(ctx, OptionOrderRequest{})
	require.NoError(t, err)
	assert.Equal(t, 123, resp.Order.ID)

	clock, err := cb.GetMarketClock(ctx)
	require.NoError(t, err)
	assert.True(t, clock.IsOpen())

	_, err = cb.GetPositions(ctx)
	assert.NoError(t, err)
	_, err = cb.GetOrders(ctx)
	assert.NoError(t, err)
	_, err = cb.GetExpirations(ctx, "XYZ")
	assert.NoError(t, err)
	_, err = cb.GetOptionChain(ctx, "XYZ", "2026-03-13", true)
	assert.NoError(t, err)
	assert.NoError(t, cb.CancelOrder(ctx, 1))
	assert.Equal(t, 9, stub.callCount)
}

func TestCircuitBreakerBroker_TransientFailuresTrip(t *testing.T) {
	stub := &stubBroker{err: &APIError{Status: http.StatusBadGateway, Body: "bad gateway"}}
	cb := NewCircuitBreakerBrokerWithSettings(stub, tripFast, nil)

	for i := 0; i < 3; i++ {
		_, _ = cb.GetQuote(context.Background(), "XYZ")
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	before := stub.callCount
	_, err := cb.GetQuote(context.Background(), "XYZ")
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, before, stub.callCount, "open breaker must not reach the broker")
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestCircuitBreakerBroker_RejectionsDoNotTrip(t *testing.T) {
	stub := &stubBroker{err: &APIError{Status: http.StatusBadRequest, Body: "invalid option symbol"}}
	cb := NewCircuitBreakerBrokerWithSettings(stub, tripFast, nil)

	for i := 0; i < 5; i++ {
		_, err := cb.PlaceOptionOrder(context.Background(), OptionOrderRequest{})
		require.Error(t, err)
		assert.Equal(t, ClassPermanent, Classify(err))
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestDaysBetween(t *testing.T) {
	from := time.Date(2026, 3, 6, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, 7, DaysBetween(from, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, DaysBetween(from, time.Date(2026, 3, 6, 1, 0, 0, 0, time.UTC)))
	assert.Equal(t, -1, DaysBetween(from, time.Date(2026, 3, 5, 23, 0, 0, 0, time.UTC)))
}
