// Package util provides common utility functions for price calculations.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// tickOp snaps x to a multiple of tick using exact decimal arithmetic so that
// binary float artifacts (1.235 stored as 1.23499...) never move a price across a tick.
func tickOp(x, tick float64, snap func(decimal.Decimal) decimal.Decimal) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) || math.IsInf(tick, 0) {
		return x
	}
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	steps := snap(decimal.NewFromFloat(x).Div(t))
	return steps.Mul(t).InexactFloat64()
}

// RoundToTick rounds x to the nearest tick increment; ties round away from zero.
func RoundToTick(x, tick float64) float64 {
	return tickOp(x, tick, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
}

// FloorToTick rounds x down to a tick increment. Used for sell limits so a
// credit order never asks for more than the computed price.
func FloorToTick(x, tick float64) float64 {
	return tickOp(x, tick, decimal.Decimal.Floor)
}

// CeilToTick rounds x up to a tick increment.
func CeilToTick(x, tick float64) float64 {
	return tickOp(x, tick, decimal.Decimal.Ceil)
}

// Midpoint returns the bid/ask midpoint. A one-sided quote returns the side that exists.
func Midpoint(bid, ask float64) float64 {
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}
