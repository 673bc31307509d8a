package reconcile

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// OptionLeg is one short option position reported by the broker.
type OptionLeg struct {
	Expiration time.Time
	Symbol     string
	Type       models.OptionType
	Strike     float64
	CostBasis  float64 // total, negative for a credit
	Contracts  int     // always positive for a short leg
}

// PremiumPerShare is the credit received per share, derived from cost basis.
func (l OptionLeg) PremiumPerShare() float64 {
	if l.Contracts <= 0 {
		return 0
	}
	return math.Abs(l.CostBasis) / (float64(l.Contracts) * models.SharesPerContract)
}

// Holdings is what the broker says one underlying holds right now.
type Holdings struct {
	Underlying     string
	ShortPuts      []OptionLeg
	ShortCalls     []OptionLeg
	LiveOrders     []broker.Order
	Shares         int
	ShareCostBasis float64
}

// ShortContracts sums short contracts of one type.
func (h Holdings) ShortContracts(t models.OptionType) int {
	legs := h.ShortPuts
	if t == models.OptionTypeCall {
		legs = h.ShortCalls
	}
	n := 0
	for _, l := range legs {
		n += l.Contracts
	}
	return n
}

// PutNotional is strike × 100 × contracts over open short puts.
func (h Holdings) PutNotional() float64 {
	total := 0.0
	for _, l := range h.ShortPuts {
		total += l.Strike * models.SharesPerContract * float64(l.Contracts)
	}
	return total
}

// WorkingContracts sums the unfilled quantity of live sell-to-open orders of
// one type. Those contracts are committed even though no position shows yet.
func (h Holdings) WorkingContracts(t models.OptionType) int {
	n := 0
	for _, o := range h.workingOpens(t) {
		n += unfilled(o.order)
	}
	return n
}

// WorkingPutNotional is strike × 100 × unfilled contracts over live
// sell-to-open put orders.
func (h Holdings) WorkingPutNotional() float64 {
	total := 0.0
	for _, o := range h.workingOpens(models.OptionTypePut) {
		total += o.strike * models.SharesPerContract * float64(unfilled(o.order))
	}
	return total
}

type workingOpen struct {
	order  broker.Order
	strike float64
}

func (h Holdings) workingOpens(t models.OptionType) []workingOpen {
	var out []workingOpen
	for _, o := range h.LiveOrders {
		if o.Side != string(models.SideSellToOpen) {
			continue
		}
		sym, err := broker.ParseOptionSymbol(o.OptionSymbol)
		if err != nil || sym.Type != t {
			continue
		}
		out = append(out, workingOpen{order: o, strike: sym.Strike})
	}
	return out
}

// unfilled is the part of a live order that has not executed yet. The filled
// part already shows up as a position.
func unfilled(o broker.Order) int {
	if o.RemainingQuantity > 0 {
		return int(math.Round(o.RemainingQuantity))
	}
	return max(0, int(math.Round(o.Quantity-o.ExecQuantity)))
}

// CostBasisPerShare returns the broker cost basis per share, or fallback when unknown.
func (h Holdings) CostBasisPerShare(fallback float64) float64 {
	if h.Shares <= 0 || h.ShareCostBasis <= 0 {
		return fallback
	}
	return h.ShareCostBasis / float64(h.Shares)
}

// Leg finds a short leg by option symbol.
func (h Holdings) Leg(symbol string) (OptionLeg, bool) {
	for _, legs := range [][]OptionLeg{h.ShortPuts, h.ShortCalls} {
		for _, l := range legs {
			if l.Symbol == symbol {
				return l, true
			}
		}
	}
	return OptionLeg{}, false
}

// Empty reports no shares, no short options and no working orders.
func (h Holdings) Empty() bool {
	return h.Shares == 0 && len(h.ShortPuts) == 0 && len(h.ShortCalls) == 0 && len(h.LiveOrders) == 0
}

// groupHoldings buckets broker positions and live option orders by watched
// underlying. Long options and anything off the watchlist are ignored.
func groupHoldings(watchlist []string, positions []broker.PositionItem, orders []broker.Order) map[string]*Holdings {
	out := make(map[string]*Holdings, len(watchlist))
	for _, u := range watchlist {
		u = strings.ToUpper(u)
		out[u] = &Holdings{Underlying: u}
	}

	for _, p := range positions {
		qty := int(math.Round(p.Quantity))
		if !broker.IsOptionSymbol(p.Symbol) {
			h, ok := out[strings.ToUpper(p.Symbol)]
			if ok && qty > 0 {
				h.Shares += qty
				h.ShareCostBasis += p.CostBasis
			}
			continue
		}
		sym, err := broker.ParseOptionSymbol(p.Symbol)
		if err != nil || qty >= 0 {
			continue
		}
		h, ok := out[strings.ToUpper(sym.Underlying)]
		if !ok {
			continue
		}
		leg := OptionLeg{
			Symbol:     p.Symbol,
			Type:       sym.Type,
			Strike:     sym.Strike,
			Expiration: sym.Expiration,
			Contracts:  -qty,
			CostBasis:  p.CostBasis,
		}
		if sym.Type == models.OptionTypePut {
			h.ShortPuts = append(h.ShortPuts, leg)
		} else {
			h.ShortCalls = append(h.ShortCalls, leg)
		}
	}

	for _, o := range orders {
		if !o.IsLive() || o.OptionSymbol == "" {
			continue
		}
		sym, err := broker.ParseOptionSymbol(o.OptionSymbol)
		if err != nil {
			continue
		}
		if h, ok := out[strings.ToUpper(sym.Underlying)]; ok {
			h.LiveOrders = append(h.LiveOrders, o)
		}
	}

	for _, h := range out {
		sort.Slice(h.ShortPuts, func(i, j int) bool { return h.ShortPuts[i].Symbol < h.ShortPuts[j].Symbol })
		sort.Slice(h.ShortCalls, func(i, j int) bool { return h.ShortCalls[i].Symbol < h.ShortCalls[j].Symbol })
	}
	return out
}
