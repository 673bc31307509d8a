package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// cycleNamespace scopes deterministic cycle ids.
var cycleNamespace = uuid.MustParse("5f1c9a42-7d3e-4b8a-9c61-2e0d4a7b8f13")

const keyDateLayout = "2006-01-02"

// OrderIntent is a fully specified order the engine wants placed.
type OrderIntent struct {
	Expiration     time.Time  `json:"expiration"`
	Underlying     string     `json:"underlying"`
	CycleID        string     `json:"cycle_id"`
	Symbol         string     `json:"symbol"`
	IdempotencyKey string     `json:"idempotency_key"`
	Reason         string     `json:"reason,omitempty"`
	OptionType     OptionType `json:"option_type"`
	Side           OrderSide  `json:"side"`
	Stage          Stage      `json:"stage"` // stage the order moves the cycle into
	Strike         float64    `json:"strike"`
	Bid            float64    `json:"bid"`
	Ask            float64    `json:"ask"`
	LimitPrice     float64    `json:"limit_price"`
	Quantity       int        `json:"quantity"`
}

// IdempotencyKey derives the broker order tag for an intent. Two runs on the
// same calendar date that pick the same contract for the same cycle and target
// stage produce the same key. Tradier tags allow alphanumerics and dashes only.
func IdempotencyKey(underlying, cycleID string, stage Stage, side OrderSide, expiration time.Time, strike float64, date time.Time) string {
	raw := strings.Join([]string{
		strings.ToUpper(underlying),
		cycleID,
		string(stage),
		string(side),
		expiration.Format(keyDateLayout),
		fmt.Sprintf("%.3f", strike),
		date.Format(keyDateLayout),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return "wheel-" + hex.EncodeToString(sum[:])[:24]
}

// NewOrderIntent builds an intent from a chosen candidate and computes its key.
// date must already be in the market timezone.
func NewOrderIntent(c Candidate, cycleID string, stage Stage, side OrderSide, qty int, limit float64, date time.Time) OrderIntent {
	return OrderIntent{
		Underlying:     c.Underlying,
		CycleID:        cycleID,
		Symbol:         c.Symbol,
		OptionType:     c.OptionType,
		Side:           side,
		Stage:          stage,
		Strike:         c.Strike,
		Expiration:     c.Expiration,
		Bid:            c.Bid,
		Ask:            c.Ask,
		Quantity:       qty,
		LimitPrice:     limit,
		IdempotencyKey: IdempotencyKey(c.Underlying, cycleID, stage, side, c.Expiration, c.Strike, date),
	}
}

// ProspectiveCycleID returns the id a new cycle will get if opened today.
// priorCycles is the number of cycles already recorded for the underlying, so
// an id changes only after the previous cycle exists in the store.
func ProspectiveCycleID(underlying string, date time.Time, priorCycles int) string {
	name := fmt.Sprintf("%s|%s|%d", strings.ToUpper(underlying), date.Format(keyDateLayout), priorCycles)
	return uuid.NewSHA1(cycleNamespace, []byte(name)).String()
}
