// Package snapshot turns raw broker quotes and option chains into typed
// candidate sets for the filter pipeline.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// ErrDataUnavailable means the quote, expirations or chain could not be
// fetched. The underlying is skipped for this run.
var ErrDataUnavailable = errors.New("market data unavailable")

const expirationLayout = "2006-01-02"

// MarketData is the read-only slice of the broker the adapter needs.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (*broker.QuoteItem, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error)
}

// Snapshot is the per-run market view of one underlying and side.
type Snapshot struct {
	AsOf       time.Time
	Underlying string
	Side       models.OptionType
	Candidates []models.Candidate
	Malformed  []models.FilterResult
	Last       float64
	PrevClose  float64
}

// Adapter builds snapshots from a broker.
type Adapter struct {
	md          MarketData
	logger      *logrus.Logger
	loc         *time.Location
	now         func() time.Time
	callTimeout time.Duration
}

// NewAdapter creates an adapter. DTE is counted in loc calendar days.
func NewAdapter(md MarketData, loc *time.Location, callTimeout time.Duration, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Adapter{md: md, loc: loc, callTimeout: callTimeout, logger: logger, now: time.Now}
}

// WithClock overrides the time source (tests).
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	if now != nil {
		a.now = now
	}
	return a
}

func (a *Adapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.callTimeout)
}

// Build fetches the quote and every chain expiring within horizonDays and
// returns candidates of the requested side. Contracts missing strike, bid/ask
// or delta are reported in Malformed rather than returned.
func (a *Adapter) Build(ctx context.Context, underlying string, side models.OptionType, horizonDays int) (*Snapshot, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	now := a.now().In(a.loc)
	snap := &Snapshot{Underlying: underlying, Side: side, AsOf: now}

	qctx, cancel := a.callCtx(ctx)
	quote, err := a.md.GetQuote(qctx, underlying)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: quote %s: %w", ErrDataUnavailable, underlying, err)
	}
	if quote == nil || quote.Last <= 0 {
		return nil, fmt.Errorf("%w: quote %s has no last price", ErrDataUnavailable, underlying)
	}
	snap.Last = quote.Last
	snap.PrevClose = quote.PrevClose

	ectx, cancel := a.callCtx(ctx)
	expirations, err := a.md.GetExpirations(ectx, underlying)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: expirations %s: %w", ErrDataUnavailable, underlying, err)
	}

	dates := a.expirationsWithin(expirations, now, horizonDays)
	for _, exp := range dates {
		cctx, cancel := a.callCtx(ctx)
		chain, err := a.md.GetOptionChain(cctx, underlying, exp.Format(expirationLayout), true)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: chain %s %s: %w", ErrDataUnavailable, underlying, exp.Format(expirationLayout), err)
		}
		for _, opt := range chain {
			a.addOption(snap, opt, exp, now)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"underlying":  underlying,
		"side":        side,
		"expirations": len(dates),
		"candidates":  len(snap.Candidates),
		"malformed":   len(snap.Malformed),
	}).Debug("snapshot built")
	return snap, nil
}

// expirationsWithin parses and keeps expirations between today and horizonDays out.
func (a *Adapter) expirationsWithin(raw []string, now time.Time, horizonDays int) []time.Time {
	var out []time.Time
	for _, s := range raw {
		exp, err := time.ParseInLocation(expirationLayout, s, a.loc)
		if err != nil {
			a.logger.WithField("expiration", s).Warn("skipping unparseable expiration")
			continue
		}
		dte := broker.DaysBetween(now, exp)
		if dte < 0 || dte > horizonDays {
			continue
		}
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (a *Adapter) addOption(snap *Snapshot, opt broker.Option, exp, now time.Time) {
	optType, err := models.ParseOptionType(opt.OptionType)
	if err != nil || optType != snap.Side {
		return
	}

	c := models.Candidate{
		Underlying:   snap.Underlying,
		Symbol:       opt.Symbol,
		OptionType:   optType,
		Expiration:   exp,
		DTE:          broker.DaysBetween(now, exp),
		Volume:       opt.Volume,
		OpenInterest: opt.OpenInterest,
	}

	reason := ""
	switch {
	case opt.Strike == nil || *opt.Strike <= 0 || math.IsNaN(*opt.Strike):
		reason = "missing strike"
	case opt.Bid == nil || opt.Ask == nil:
		reason = "missing bid/ask"
	case *opt.Bid < 0 || *opt.Ask <= 0 || *opt.Ask < *opt.Bid:
		reason = fmt.Sprintf("invalid quote bid=%.2f ask=%.2f", *opt.Bid, *opt.Ask)
	case opt.Greeks == nil || opt.Greeks.Delta == nil || math.IsNaN(*opt.Greeks.Delta):
		reason = "missing delta"
	}
	if opt.Strike != nil {
		c.Strike = *opt.Strike
	}
	if c.Symbol == "" && c.Strike > 0 {
		c.Symbol = broker.FormatOptionSymbol(snap.Underlying, exp, optType, c.Strike)
	}
	if reason != "" {
		snap.Malformed = append(snap.Malformed, models.NewFilterResult(c, models.FilterMalformedData, false, 0, 0, reason))
		return
	}

	c.Bid = *opt.Bid
	c.Ask = *opt.Ask
	c.Delta = *opt.Greeks.Delta
	c.ImpliedVolatility = opt.Greeks.MidIV
	snap.Candidates = append(snap.Candidates, c)
}

// QuoteContract fetches the current quote of one held option by OCC symbol.
// Missing bid/ask is reported as ErrDataUnavailable.
func (a *Adapter) QuoteContract(ctx context.Context, symbol string) (models.Candidate, error) {
	parsed, err := broker.ParseOptionSymbol(symbol)
	if err != nil {
		return models.Candidate{}, err
	}
	exp := time.Date(parsed.Expiration.Year(), parsed.Expiration.Month(), parsed.Expiration.Day(), 0, 0, 0, 0, a.loc)

	cctx, cancel := a.callCtx(ctx)
	chain, err := a.md.GetOptionChain(cctx, parsed.Underlying, exp.Format(expirationLayout), true)
	cancel()
	if err != nil {
		return models.Candidate{}, fmt.Errorf("%w: chain %s: %w", ErrDataUnavailable, symbol, err)
	}

	for _, opt := range chain {
		if opt.Symbol != symbol {
			continue
		}
		if opt.Bid == nil || opt.Ask == nil || *opt.Ask <= 0 {
			return models.Candidate{}, fmt.Errorf("%w: %s has no two-sided quote", ErrDataUnavailable, symbol)
		}
		c := models.Candidate{
			Underlying:   parsed.Underlying,
			Symbol:       symbol,
			OptionType:   parsed.Type,
			Strike:       parsed.Strike,
			Expiration:   exp,
			DTE:          broker.DaysBetween(a.now().In(a.loc), exp),
			Bid:          *opt.Bid,
			Ask:          *opt.Ask,
			Volume:       opt.Volume,
			OpenInterest: opt.OpenInterest,
		}
		if opt.Greeks != nil && opt.Greeks.Delta != nil {
			c.Delta = *opt.Greeks.Delta
		}
		return c, nil
	}
	return models.Candidate{}, fmt.Errorf("%w: %s not in chain", ErrDataUnavailable, symbol)
}
