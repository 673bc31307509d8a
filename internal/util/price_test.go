package util

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickRounding(t *testing.T) {
	tests := []struct {
		name  string
		x     float64
		tick  float64
		round float64
		floor float64
		ceil  float64
	}{
		{"already on tick", 1.25, 0.01, 1.25, 1.25, 1.25},
		{"between ticks", 1.2345, 0.01, 1.23, 1.23, 1.24},
		{"tie rounds away from zero", 1.235, 0.01, 1.24, 1.23, 1.24},
		{"negative tie", -1.235, 0.01, -1.24, -1.24, -1.23},
		{"nickel tick", 0.62, 0.05, 0.60, 0.60, 0.65},
		{"nickel tie", 0.625, 0.05, 0.65, 0.60, 0.65},
		{"stored as 1.1499999", 1.15, 0.05, 1.15, 1.15, 1.15},
		{"negative tick uses its magnitude", 2.337, -0.01, 2.34, 2.33, 2.34},
		{"zero tick is a no-op", 1.2345, 0, 1.2345, 1.2345, 1.2345},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.round, RoundToTick(tt.x, tt.tick), 1e-9, "round")
			assert.InDelta(t, tt.floor, FloorToTick(tt.x, tt.tick), 1e-9, "floor")
			assert.InDelta(t, tt.ceil, CeilToTick(tt.x, tt.tick), 1e-9, "ceil")
		})
	}
}

func TestTickRoundingNonFinite(t *testing.T) {
	assert.True(t, math.IsNaN(RoundToTick(math.NaN(), 0.01)))
	assert.True(t, math.IsInf(FloorToTick(math.Inf(1), 0.01), 1))
	assert.Equal(t, 1.234, CeilToTick(1.234, math.NaN()))
	assert.Equal(t, 1.234, RoundToTick(1.234, math.Inf(1)))
}

func TestMidpoint(t *testing.T) {
	tests := []struct {
		name     string
		bid, ask float64
		expected float64
	}{
		{"two sided", 1.10, 1.30, 1.20},
		{"bid only", 0.45, 0, 0.45},
		{"ask only", 0, 0.60, 0.60},
		{"empty", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Midpoint(tt.bid, tt.ask), 1e-10)
		})
	}
}
