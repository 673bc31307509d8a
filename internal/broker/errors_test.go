package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"unauthorized", &APIError{Status: 401}, ClassAuth},
		{"forbidden wrapped", fmt.Errorf("placing order: %w", &APIError{Status: 403}), ClassAuth},
		{"throttled", &APIError{Status: 429}, ClassTransient},
		{"request timeout", &APIError{Status: 408}, ClassTransient},
		{"server error", &APIError{Status: 502}, ClassTransient},
		{"rejected order", &APIError{Status: 400, Body: "invalid symbol"}, ClassPermanent},
		{"not found", &APIError{Status: 404}, ClassPermanent},
		{"breaker open", gobreaker.ErrOpenState, ClassTransient},
		{"breaker half-open limit", fmt.Errorf("x: %w", gobreaker.ErrTooManyRequests), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassPermanent},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ClassTransient},
		{"untyped reset", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"plain business error", errors.New("invalid quantity"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassHelpers(t *testing.T) {
	assert.True(t, IsTransient(&APIError{Status: 503}))
	assert.False(t, IsTransient(&APIError{Status: 401}))
	assert.True(t, IsAuthFailure(&APIError{Status: 401}))
	assert.Equal(t, "auth", ClassAuth.String())
	assert.Equal(t, "transient", ClassTransient.String())
}
