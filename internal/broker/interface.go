package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Broker is the capability surface the engine needs from a brokerage.
// Every call takes a context so callers can bound it with a timeout.
type Broker interface {
	// Account
	GetBalance(ctx context.Context) (*BalanceResponse, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetOrders(ctx context.Context) ([]Order, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*QuoteItem, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
	GetMarketClock(ctx context.Context) (*MarketClockResponse, error)

	// Orders
	PlaceOptionOrder(ctx context.Context, req OptionOrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID int) error
}

// Ensure TradierAPI implements Broker at compile time.
var _ Broker = (*TradierAPI)(nil)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with default settings
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
// Only transient failures count against the breaker; an order rejection says
// nothing about broker health.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger *logrus.Logger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) != ClassTransient
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for health reporting.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetBalance wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*BalanceResponse, error) { return b.GetBalance(ctx) })
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions(ctx) })
}

// GetOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrders(ctx context.Context) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) { return b.GetOrders(ctx) })
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuote(ctx, symbol) })
}

// GetExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) { return b.GetExpirations(ctx, symbol) })
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChain(ctx, symbol, expiration, withGreeks)
	})
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(ctx)
	})
}

// PlaceOptionOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOptionOrder(ctx context.Context, req OptionOrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionOrder(ctx, req)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// DaysBetween counts calendar days from one date to another, ignoring time of day.
// Negative when to is before from.
func DaysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}
