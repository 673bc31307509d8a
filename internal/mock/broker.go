// Package mock provides a deterministic in-memory broker for paper runs and
// tests. Nothing here is random: the same seed state always yields the same
// chains, quotes and order ids.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/util"
)

const expirationLayout = "2006-01-02"

// Method names accepted by SetError.
const (
	MethodGetBalance       = "GetBalance"
	MethodGetPositions     = "GetPositions"
	MethodGetOrders        = "GetOrders"
	MethodGetQuote         = "GetQuote"
	MethodGetExpirations   = "GetExpirations"
	MethodGetOptionChain   = "GetOptionChain"
	MethodGetMarketClock   = "GetMarketClock"
	MethodPlaceOptionOrder = "PlaceOptionOrder"
	MethodCancelOrder      = "CancelOrder"
)

// Broker implements broker.Broker in memory.
type Broker struct {
	quotes      map[string]broker.QuoteItem
	chains      map[string]map[string][]broker.Option
	errs        map[string]error
	positions   []broker.PositionItem
	orders      []broker.Order
	placed      []broker.OptionOrderRequest
	marketState string
	equity      float64
	buyingPower float64
	nextID      int
	fillOnPlace bool
	mu          sync.Mutex
}

var _ broker.Broker = (*Broker)(nil)

// New returns an open-market broker with $100k equity and buying power.
func New() *Broker {
	return &Broker{
		quotes:      make(map[string]broker.QuoteItem),
		chains:      make(map[string]map[string][]broker.Option),
		errs:        make(map[string]error),
		marketState: broker.MarketStateOpen,
		equity:      100000,
		buyingPower: 100000,
		nextID:      1000,
	}
}

// NewSeeded returns a broker with a quote and four weekly chains for every
// underlying. Spot prices derive from the symbol so paper runs are repeatable.
func NewSeeded(underlyings []string, asOf time.Time) *Broker {
	b := New()
	for _, u := range underlyings {
		u = strings.ToUpper(u)
		spot := seedPrice(u)
		b.SetQuote(u, spot, spot)
		for _, exp := range fridays(asOf, 4) {
			b.GenerateChain(u, spot, exp, asOf)
		}
	}
	return b
}

func seedPrice(symbol string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return float64(20 + h.Sum32()%180)
}

func fridays(from time.Time, n int) []time.Time {
	d := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	var out []time.Time
	for len(out) < n {
		if d.Weekday() == time.Friday {
			out = append(out, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return out
}

// SetQuote sets the last and previous close of a symbol.
func (b *Broker) SetQuote(symbol string, last, prevClose float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[strings.ToUpper(symbol)] = broker.QuoteItem{
		Symbol:    strings.ToUpper(symbol),
		Type:      "stock",
		Last:      last,
		PrevClose: prevClose,
		Bid:       last - 0.01,
		Ask:       last + 0.01,
	}
}

// AddOption adds one contract to its underlying's chain.
func (b *Broker) AddOption(opt broker.Option) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := strings.ToUpper(opt.Underlying)
	if b.chains[u] == nil {
		b.chains[u] = make(map[string][]broker.Option)
	}
	b.chains[u][opt.ExpirationDate] = append(b.chains[u][opt.ExpirationDate], opt)
}

// GenerateChain builds, stores and returns a put and call at every strike
// within 20% of spot. Delta decays with moneyness so a 5% OTM strike sits
// near 0.18.
func (b *Broker) GenerateChain(underlying string, spot float64, expiration, asOf time.Time) []broker.Option {
	interval := 1.0
	if spot >= 100 {
		interval = 5
	}
	dte := max(broker.DaysBetween(asOf, expiration), 0)
	timeValue := spot * 0.25 * math.Sqrt(float64(max(dte, 1))/365)

	var out []broker.Option
	start := math.Ceil(spot*0.8/interval) * interval
	for strike := start; strike <= spot*1.2; strike += interval {
		decay := math.Exp(-math.Abs(strike-spot) / spot * 20)
		for _, t := range []models.OptionType{models.OptionTypePut, models.OptionTypeCall} {
			otm := (t == models.OptionTypePut && strike <= spot) || (t == models.OptionTypeCall && strike >= spot)
			delta := 0.5 * decay
			if !otm {
				delta = 1 - 0.5*decay
			}
			intrinsic := 0.0
			if !otm {
				intrinsic = math.Abs(strike - spot)
			}
			mid := util.RoundToTick(math.Max(0.05, intrinsic+timeValue*decay), 0.05)
			if t == models.OptionTypePut {
				delta = -delta
			}
			bid := math.Max(0, util.RoundToTick(mid-0.05, 0.01))
			ask := util.RoundToTick(mid+0.05, 0.01)
			out = append(out, Contract(underlying, expiration, t, strike, bid, ask, delta))
		}
	}
	for _, opt := range out {
		b.AddOption(opt)
	}
	return out
}

// Contract builds one chain entry with a two-sided quote and delta.
func Contract(underlying string, expiration time.Time, t models.OptionType, strike, bid, ask, delta float64) broker.Option {
	s, b, a, d := strike, bid, ask, delta
	return broker.Option{
		Symbol:         broker.FormatOptionSymbol(underlying, expiration, t, strike),
		Description:    fmt.Sprintf("%s %s $%.2f %s", strings.ToUpper(underlying), expiration.Format("Jan 02 2006"), strike, t),
		OptionType:     string(t),
		ExpirationDate: expiration.Format(expirationLayout),
		Underlying:     strings.ToUpper(underlying),
		Strike:         &s,
		Bid:            &b,
		Ask:            &a,
		Last:           util.Midpoint(bid, ask),
		Volume:         500,
		OpenInterest:   2000,
		Greeks:         &broker.Greeks{Delta: &d, MidIV: 0.25},
	}
}

// SetPositions replaces the account positions.
func (b *Broker) SetPositions(positions ...broker.PositionItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append([]broker.PositionItem(nil), positions...)
}

// SetOrders replaces the order history.
func (b *Broker) SetOrders(orders ...broker.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append([]broker.Order(nil), orders...)
}

// SetBalance sets account equity and option buying power.
func (b *Broker) SetBalance(equity, buyingPower float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.equity, b.buyingPower = equity, buyingPower
}

// SetMarketState sets what GetMarketClock reports.
func (b *Broker) SetMarketState(state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketState = state
}

// SetError makes method fail with err until cleared with a nil err.
func (b *Broker) SetError(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.errs, method)
		return
	}
	b.errs[method] = err
}

// FillOnPlace makes new orders fill immediately at their limit.
func (b *Broker) FillOnPlace(fill bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillOnPlace = fill
}

// Placed returns every order request received, including failed ones.
func (b *Broker) Placed() []broker.OptionOrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.OptionOrderRequest(nil), b.placed...)
}

// FillOrder fills a working order at price and applies it to positions.
func (b *Broker) FillOrder(id int, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.orders {
		if b.orders[i].ID != id {
			continue
		}
		if !b.orders[i].IsLive() {
			return fmt.Errorf("order %d is %s", id, b.orders[i].Status)
		}
		b.fill(&b.orders[i], price)
		return nil
	}
	return fmt.Errorf("order %d not found", id)
}

// Expire removes a short option position as if it expired worthless.
func (b *Broker) Expire(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removePosition(symbol)
}

// Assign exercises a short option: a put delivers shares at the strike, a
// call takes them away.
func (b *Broker) Assign(symbol string) error {
	sym, err := broker.ParseOptionSymbol(symbol)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	qty := b.removePosition(symbol)
	if qty >= 0 {
		return fmt.Errorf("no short position in %s", symbol)
	}
	shares := -qty * models.SharesPerContract
	if sym.Type == models.OptionTypeCall {
		shares = -shares
	}
	b.adjustPosition(sym.Underlying, shares, shares*sym.Strike)
	return nil
}

func (b *Broker) fill(o *broker.Order, price float64) {
	o.Status = broker.OrderStatusFilled
	o.AvgFillPrice = price
	o.ExecQuantity = o.Quantity
	o.RemainingQuantity = 0
	o.TransactionDate = o.CreateDate
	qty := o.Quantity
	if o.Side == string(models.SideSellToOpen) {
		qty = -qty
	}
	b.adjustPosition(o.OptionSymbol, qty, qty*price*models.SharesPerContract)
}

func (b *Broker) adjustPosition(symbol string, qty, cost float64) {
	for i := range b.positions {
		if b.positions[i].Symbol != symbol {
			continue
		}
		b.positions[i].Quantity += qty
		b.positions[i].CostBasis += cost
		if b.positions[i].Quantity == 0 {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
		}
		return
	}
	b.nextID++
	b.positions = append(b.positions, broker.PositionItem{ID: b.nextID, Symbol: symbol, Quantity: qty, CostBasis: cost})
}

func (b *Broker) removePosition(symbol string) float64 {
	for i, p := range b.positions {
		if p.Symbol == symbol {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
			return p.Quantity
		}
	}
	return 0
}

func (b *Broker) failure(method string) error {
	return b.errs[method]
}

// GetBalance implements broker.Broker as a margin account.
func (b *Broker) GetBalance(context.Context) (*broker.BalanceResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(MethodGetBalance); err != nil {
		return nil, err
	}
	resp := &broker.BalanceResponse{}
	resp.Balances.AccountType = "margin"
	resp.Balances.TotalEquity = b.equity
	resp.Balances.Margin = &struct {
		OptionBuyingPower float64 `json:"option_buying_power"`
		StockBuyingPower  float64 `json:"stock_buying_power"`
	}{OptionBuyingPower: b.buyingPower, StockBuyingPower: b.buyingPower * 2}
	return resp, nil
}

// GetPositions implements broker.Broker.
func (b *Broker) GetPositions(context.Context) ([]broker.PositionItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(MethodGetPositions); err != nil {
		return nil, err
	}
	return append([]broker.PositionItem(nil), b.positions...), nil
}

// GetOrders implements broker.Broker.
func (b *Broker) GetOrders(context.Context) ([]broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(MethodGetOrders); err != nil {
		return nil, err
	}
	return append([]broker.Order(nil), b.orders...), nil
}

// GetQuote implements broker.Broker.
func (b *Broker) GetQuote(_ context.Context, symbol string) (*broker.QuoteItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(MethodGetQuote); err != nil {
		return nil, err
	}
	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("no quote data for %s", symbol)
	}
	return &q, nil
}

// GetExpirations implements broker.Broker.
func (b *Broker) GetExpirations(_ context.Context, symbol string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(MethodGetExpirations); err != nil {
		return nil, err
	}
	var out []string
	for exp := range b.chains[strings.ToUpper(symbol)] {
		out = append(out, exp)
	}
	sort.Strings(out)
	return out, nil
}

// GetOptionChain implements broker.Broker. Greeks are always included.
func (b *Broker) GetOptionChain(_ context.Context, symbol, expiration string, _ bool) ([]broker.Option, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(MethodGetOptionChain); err != nil {
		return nil, err
	}
	if _, err := time.Parse(expirationLayout, expiration); err != nil {
		return nil, fmt.Errorf("invalid expiration format: %w", err)
	}
	return append([]broker.Option(nil), b.chains[strings.ToUpper(symbol)][expiration]...), nil
}

// GetMarketClock implements broker.Broker.
func (b *Broker) GetMarketClock(context.Context) (*broker.MarketClockResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(MethodGetMarketClock); err != nil {
		return nil, err
	}
	resp := &broker.MarketClockResponse{}
	resp.Clock.State = b.marketState
	return resp, nil
}

// PlaceOptionOrder implements broker.Broker with the same request checks as
// the Tradier client.
func (b *Broker) PlaceOptionOrder(_ context.Context, req broker.OptionOrderRequest) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	if err := b.failure(MethodPlaceOptionOrder); err != nil {
		return nil, err
	}
	if req.LimitPrice <= 0 || req.Quantity <= 0 {
		return nil, &broker.APIError{Status: http.StatusBadRequest, Body: "invalid price or quantity"}
	}
	if req.Side != string(models.SideSellToOpen) && req.Side != string(models.SideBuyToClose) {
		return nil, &broker.APIError{Status: http.StatusBadRequest, Body: "unsupported side " + req.Side}
	}

	b.nextID++
	o := broker.Order{
		ID:                b.nextID,
		Type:              "limit",
		Class:             "option",
		Symbol:            req.Underlying,
		OptionSymbol:      req.OptionSymbol,
		Side:              req.Side,
		Status:            broker.OrderStatusOpen,
		Duration:          req.Duration,
		Tag:               req.Tag,
		Price:             req.LimitPrice,
		Quantity:          float64(req.Quantity),
		RemainingQuantity: float64(req.Quantity),
		CreateDate:        time.Now().UTC().Format(time.RFC3339),
	}
	if b.fillOnPlace {
		b.fill(&o, req.LimitPrice)
	}
	b.orders = append(b.orders, o)

	resp := &broker.OrderResponse{}
	resp.Order.ID = o.ID
	resp.Order.Status = "ok"
	return resp, nil
}

// CancelOrder implements broker.Broker.
func (b *Broker) CancelOrder(_ context.Context, orderID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(MethodCancelOrder); err != nil {
		return err
	}
	for i := range b.orders {
		if b.orders[i].ID == orderID {
			if !b.orders[i].IsLive() {
				return &broker.APIError{Status: http.StatusBadRequest, Body: fmt.Sprintf("order %d is %s", orderID, b.orders[i].Status)}
			}
			b.orders[i].Status = broker.OrderStatusCanceled
			return nil
		}
	}
	return &broker.APIError{Status: http.StatusNotFound, Body: fmt.Sprintf("order %d not found", orderID)}
}
