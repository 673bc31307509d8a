// Package broker provides trading API clients for the wheel engine.
// It includes the Tradier API client and a circuit-breaking wrapper.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Market clock state constants
const (
	MarketStateOpen       = "open"
	MarketStatePreMarket  = "premarket"
	MarketStatePostMarket = "postmarket"
	MarketStateClosed     = "closed"
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// RateLimits defines API rate limits for different endpoint categories.
type RateLimits struct {
	MarketData int // requests per minute
	Trading    int // requests per minute
	Standard   int // requests per minute
}

type endpointCategory int

const (
	categoryStandard endpointCategory = iota
	categoryMarketData
	categoryTrading
)

// TradierAPI is a Tradier REST client scoped to one account.
type TradierAPI struct {
	client    *http.Client
	limiters  map[endpointCategory]*rate.Limiter
	logger    *logrus.Logger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a new TradierAPI client with optional custom baseURL and rate limits
func NewTradierAPIWithBaseURL(
	apiKey, accountID string,
	sandbox bool,
	baseURL string,
	customLimits ...RateLimits,
) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	var limits RateLimits
	if len(customLimits) > 0 {
		limits = customLimits[0]
	}
	if limits.MarketData <= 0 && limits.Trading <= 0 && limits.Standard <= 0 {
		if sandbox {
			limits = RateLimits{MarketData: 120, Trading: 60, Standard: 120}
		} else {
			limits = RateLimits{MarketData: 500, Trading: 500, Standard: 500}
		}
	}

	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		sandbox:   sandbox,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logrus.StandardLogger(),
		limiters: map[endpointCategory]*rate.Limiter{
			categoryMarketData: newMinuteLimiter(limits.MarketData),
			categoryTrading:    newMinuteLimiter(limits.Trading),
			categoryStandard:   newMinuteLimiter(limits.Standard),
		},
	}
}

// newMinuteLimiter converts a per-minute request rate into a token bucket that allows
// a tenth of that rate as burst.
func newMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if t.client != nil && timeout > 0 {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger sets the logger used for request diagnostics.
func (t *TradierAPI) WithLogger(l *logrus.Logger) *TradierAPI {
	if l != nil {
		t.logger = l
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// nullableObject decodes Tradier's "null" string placeholder as an empty value.
func nullableObject(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	return bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`))
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Greeks         *Greeks  `json:"greeks,omitempty"`
	Symbol         string   `json:"symbol"`
	Description    string   `json:"description"`
	OptionType     string   `json:"option_type"`
	ExpirationDate string   `json:"expiration_date"`
	Underlying     string   `json:"underlying"`
	Strike         *float64 `json:"strike"`
	Bid            *float64 `json:"bid"`
	Ask            *float64 `json:"ask"`
	Last           float64  `json:"last"`
	Volume         int64    `json:"volume"`
	OpenInterest   int64    `json:"open_interest"`
}

// Greeks contains option Greeks data from the Tradier API.
type Greeks struct {
	UpdatedAt string   `json:"updated_at"`
	Delta     *float64 `json:"delta"`
	Gamma     float64  `json:"gamma"`
	Theta     float64  `json:"theta"`
	Vega      float64  `json:"vega"`
	BidIV     float64  `json:"bid_iv"`
	MidIV     float64  `json:"mid_iv"`
	AskIV     float64  `json:"ask_iv"`
	SmvVol    float64  `json:"smv_vol"`
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	if nullableObject(b) {
		*pw = PositionsWrapper{}
		return nil
	}
	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
// Short option positions carry a negative quantity and cost basis.
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol           string  `json:"symbol"`
	Description      string  `json:"description"`
	Type             string  `json:"type"`
	TradeDate        int64   `json:"trade_date"`
	Volume           int64   `json:"volume"`
	AverageVolume    int64   `json:"average_volume"`
	ChangePercentage float64 `json:"change_percentage"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Low              float64 `json:"low"`
	Close            float64 `json:"close"`
	PrevClose        float64 `json:"prevclose"`
	Bid              float64 `json:"bid"`
	Ask              float64 `json:"ask"`
	Last             float64 `json:"last"`
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations struct {
		Date singleOrArray[string] `json:"date"`
	} `json:"expirations"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		Margin *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
		} `json:"margin"`
		Cash *struct {
			CashAvailable  float64 `json:"cash_available"`
			UnsettledFunds float64 `json:"unsettled_funds"`
		} `json:"cash"`
		PDT *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
		} `json:"pdt"`
		AccountNumber      string  `json:"account_number"`
		AccountType        string  `json:"account_type"`
		TotalEquity        float64 `json:"total_equity"`
		TotalCash          float64 `json:"total_cash"`
		OptionShortValue   float64 `json:"option_short_value"`
		StockLongValue     float64 `json:"stock_long_value"`
		PendingOrdersCount int     `json:"pending_orders_count"`
	} `json:"balances"`
}

// GetOptionBuyingPower extracts option buying power based on account type
func (b *BalanceResponse) GetOptionBuyingPower() (float64, error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("margin account type specified but margin data is missing")
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("pdt account type specified but pdt data is missing")
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, nil
		}
		return 0, fmt.Errorf("cash account type specified but cash data is missing")
	}
	return 0, fmt.Errorf("unknown account type: %s", b.Balances.AccountType)
}

// MarketClockResponse represents the market clock response from the Tradier API.
type MarketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

// IsOpen reports whether regular trading is in session.
func (m *MarketClockResponse) IsOpen() bool {
	return m != nil && m.Clock.State == MarketStateOpen
}

// OrdersResponse represents the account orders listing.
type OrdersResponse struct {
	Orders OrdersWrapper `json:"orders"`
}

// OrdersWrapper handles "null" and single-object order listings.
type OrdersWrapper struct {
	Order singleOrArray[Order] `json:"order"`
}

func (ow *OrdersWrapper) UnmarshalJSON(b []byte) error {
	if nullableObject(b) {
		*ow = OrdersWrapper{}
		return nil
	}
	type normalWrapper OrdersWrapper
	return json.Unmarshal(b, (*normalWrapper)(ow))
}

// Order is one account order as reported by Tradier.
type Order struct {
	CreateDate        string  `json:"create_date"`
	TransactionDate   string  `json:"transaction_date"`
	Type              string  `json:"type"`
	Symbol            string  `json:"symbol"`
	OptionSymbol      string  `json:"option_symbol"`
	Side              string  `json:"side"`
	Class             string  `json:"class"`
	Status            string  `json:"status"`
	Duration          string  `json:"duration"`
	Tag               string  `json:"tag"`
	ReasonDescription string  `json:"reason_description"`
	ID                int     `json:"id"`
	Price             float64 `json:"price"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	Quantity          float64 `json:"quantity"`
	ExecQuantity      float64 `json:"exec_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
}

// Order status values reported by Tradier.
const (
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusExpired         = "expired"
	OrderStatusCanceled        = "canceled"
	OrderStatusPending         = "pending"
	OrderStatusRejected        = "rejected"
	OrderStatusError           = "error"
)

// IsLive reports whether the order can still fill.
func (o Order) IsLive() bool {
	switch o.Status {
	case OrderStatusOpen, OrderStatusPartiallyFilled, OrderStatusPending, "calculated", "accepted_for_bidding", "held":
		return true
	}
	return false
}

// IsFilled reports a completed fill.
func (o Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

// IsDead reports an order that ended without filling.
func (o Order) IsDead() bool {
	switch o.Status {
	case OrderStatusExpired, OrderStatusCanceled, OrderStatusRejected, OrderStatusError:
		return true
	}
	return false
}

// CreatedAt parses the creation timestamp, zero if missing.
func (o Order) CreatedAt() time.Time {
	ts, err := time.Parse(time.RFC3339, o.CreateDate)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// OrderResponse represents the order placement response from the Tradier API.
type OrderResponse struct {
	Order struct {
		Status    string `json:"status"`
		PartnerID string `json:"partner_id"`
		ID        int    `json:"id"`
	} `json:"order"`
}

// OptionOrderRequest is a single-leg option order.
type OptionOrderRequest struct {
	Underlying   string
	OptionSymbol string
	Side         string // sell_to_open | buy_to_close
	Duration     string // day | gtc
	Tag          string
	Quantity     int
	LimitPrice   float64
}

// ============ API Methods ============

// GetQuote retrieves the current market quote for a symbol.
func (t *TradierAPI) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequest(ctx, categoryMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if len(response.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote data for %s", symbol)
	}
	return &response.Quotes.Quote[0], nil
}

// GetExpirations returns available option expirations for a symbol.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequest(ctx, categoryMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Expirations.Date, nil
}

// GetOptionChain retrieves the option chain for one expiration.
func (t *TradierAPI) GetOptionChain(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", strconv.FormatBool(greeks))
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequest(ctx, categoryMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Options.Option, nil
}

// GetPositions retrieves all account positions.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequest(ctx, categoryStandard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Positions.Position, nil
}

// GetOrders retrieves account orders, including today's filled and canceled ones.
func (t *TradierAPI) GetOrders(ctx context.Context) ([]Order, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders?includeTags=true", t.baseURL, t.accountID)

	var response OrdersResponse
	if err := t.makeRequest(ctx, categoryStandard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Orders.Order, nil
}

// GetBalance retrieves account balances.
func (t *TradierAPI) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequest(ctx, categoryStandard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetMarketClock retrieves the current market clock.
func (t *TradierAPI) GetMarketClock(ctx context.Context) (*MarketClockResponse, error) {
	endpoint := t.baseURL + "/markets/clock"

	var response MarketClockResponse
	if err := t.makeRequest(ctx, categoryMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// PlaceOptionOrder submits a single-leg limit option order.
func (t *TradierAPI) PlaceOptionOrder(ctx context.Context, req OptionOrderRequest) (*OrderResponse, error) {
	if req.LimitPrice <= 0 {
		return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", req.LimitPrice)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", req.Quantity)
	}
	if req.Side != "sell_to_open" && req.Side != "buy_to_close" {
		return nil, fmt.Errorf("unsupported option order side %q", req.Side)
	}
	nd, err := normalizeDuration(req.Duration)
	if err != nil {
		return nil, err
	}
	underlying := req.Underlying
	if underlying == "" {
		parsed, err := ParseOptionSymbol(req.OptionSymbol)
		if err != nil {
			return nil, err
		}
		underlying = parsed.Underlying
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", underlying)
	params.Add("option_symbol", req.OptionSymbol)
	params.Add("side", req.Side)
	params.Add("quantity", strconv.Itoa(req.Quantity))
	params.Add("type", "limit")
	params.Add("duration", nd)
	params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequest(ctx, categoryTrading, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, fmt.Errorf("order response missing id (status %q)", response.Order.Status)
	}
	return &response, nil
}

// CancelOrder cancels a working order.
func (t *TradierAPI) CancelOrder(ctx context.Context, orderID int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	return t.makeRequest(ctx, categoryTrading, http.MethodDelete, endpoint, nil, &response)
}

func normalizeDuration(duration string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(duration))
	switch d {
	case "":
		return "day", nil
	case "day", "gtc":
		return d, nil
	}
	return "", fmt.Errorf("invalid order duration %q: must be 'day' or 'gtc'", duration)
}

// makeRequest performs a rate-limited request and decodes the JSON body.
func (t *TradierAPI) makeRequest(ctx context.Context, category endpointCategory, method, endpoint string,
	params url.Values, response interface{}) error {
	if lim := t.limiters[category]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var req *http.Request
	var err error
	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "wheelhouse/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Warn("failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("tradier rate limit")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}
