package models

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey_DeterministicWithinDay(t *testing.T) {
	exp := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
	morning := time.Date(2026, 3, 6, 9, 45, 0, 0, time.UTC)
	afternoon := time.Date(2026, 3, 6, 15, 30, 0, 0, time.UTC)

	a := IdempotencyKey("xyz", "c1", StagePutOpen, SideSellToOpen, exp, 48, morning)
	b := IdempotencyKey("XYZ", "c1", StagePutOpen, SideSellToOpen, exp, 48, afternoon)
	assert.Equal(t, a, b)
	assert.Regexp(t, regexp.MustCompile(`^wheel-[0-9a-f]{24}$`), a)

	variants := []string{
		IdempotencyKey("XYZ", "c2", StagePutOpen, SideSellToOpen, exp, 48, morning),
		IdempotencyKey("XYZ", "c1", StageCallOpen, SideSellToOpen, exp, 48, morning),
		IdempotencyKey("XYZ", "c1", StagePutOpen, SideSellToOpen, exp.AddDate(0, 0, 7), 48, morning),
		IdempotencyKey("XYZ", "c1", StagePutOpen, SideSellToOpen, exp, 47, morning),
		IdempotencyKey("XYZ", "c1", StagePutOpen, SideSellToOpen, exp, 48, morning.AddDate(0, 0, 1)),
		IdempotencyKey("XYZ", "c1", StagePutOpen, SideBuyToClose, exp, 48, morning),
	}
	for i, v := range variants {
		assert.NotEqual(t, a, v, "variant %d should change the key", i)
	}
}

func TestProspectiveCycleID(t *testing.T) {
	day := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, ProspectiveCycleID("XYZ", day, 0), ProspectiveCycleID("xyz", day.Add(5*time.Hour), 0))
	assert.NotEqual(t, ProspectiveCycleID("XYZ", day, 0), ProspectiveCycleID("XYZ", day, 1))
	assert.NotEqual(t, ProspectiveCycleID("XYZ", day, 0), ProspectiveCycleID("ABC", day, 0))
}

func TestNewOrderIntent(t *testing.T) {
	c := Candidate{
		Underlying: "XYZ", Symbol: "XYZ260313P00048000", OptionType: OptionTypePut,
		Strike: 48, Expiration: time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), Bid: 1.20, Ask: 1.30,
	}
	day := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	in := NewOrderIntent(c, "c1", StagePutOpen, SideSellToOpen, 1, 1.25, day)

	assert.Equal(t, IdempotencyKey("XYZ", "c1", StagePutOpen, SideSellToOpen, c.Expiration, 48, day), in.IdempotencyKey)
	assert.Equal(t, 1, in.Quantity)
	assert.Equal(t, 1.25, in.LimitPrice)
	assert.Equal(t, 4800.0, c.Notional(1))
}

func TestInvariantError(t *testing.T) {
	err := NewInvariantError("XYZ", "second active cycle %s", "c2")
	assert.True(t, errors.Is(err, ErrInvariantViolation))

	var ie *InvariantError
	assert.True(t, errors.As(err, &ie))
	assert.Equal(t, "XYZ", ie.Underlying)
	assert.Contains(t, err.Error(), "INVARIANT VIOLATION")
}

func TestParseOptionType(t *testing.T) {
	for in, want := range map[string]OptionType{"put": OptionTypePut, "P": OptionTypePut, "CALL": OptionTypeCall, "c": OptionTypeCall} {
		got, err := ParseOptionType(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOptionType("straddle")
	assert.Error(t, err)
}
