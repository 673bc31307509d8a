package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/config"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestClient records backoff waits instead of sleeping.
func newTestClient(maxRetries int) (*Client, *[]time.Duration) {
	var waits []time.Duration
	c := NewClient(quietLogger(), Config{
		MaxRetries:     maxRetries,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
	}).WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})
	return c, &waits
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	c, waits := newTestClient(3)
	calls := 0

	got, err := Do(context.Background(), c, "place", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &broker.APIError{Status: 503, Body: "unavailable"}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	require.Len(t, *waits, 2)
	assert.Equal(t, 100*time.Millisecond, (*waits)[0])
	// doubled, capped at 300ms, plus up to a quarter of jitter
	assert.GreaterOrEqual(t, (*waits)[1], 200*time.Millisecond)
	assert.Less(t, (*waits)[1], 250*time.Millisecond)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	c, waits := newTestClient(3)
	calls := 0
	rejected := &broker.APIError{Status: 400, Body: "invalid symbol"}

	_, err := Do(context.Background(), c, "place", func(context.Context) (string, error) {
		calls++
		return "", rejected
	})

	assert.ErrorIs(t, err, rejected)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestDo_AuthErrorNotRetried(t *testing.T) {
	c, _ := newTestClient(3)
	calls := 0

	_, err := Do(context.Background(), c, "place", func(context.Context) (string, error) {
		calls++
		return "", &broker.APIError{Status: 401, Body: "bad token"}
	})

	assert.True(t, broker.IsAuthFailure(err))
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustedWrapsLastError(t *testing.T) {
	c, waits := newTestClient(2)
	calls := 0

	_, err := Do(context.Background(), c, "place", func(context.Context) (string, error) {
		calls++
		return "", errors.New("connection reset by peer")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 3, calls)
	assert.Len(t, *waits, 2)
	for _, w := range *waits {
		assert.LessOrEqual(t, w, 375*time.Millisecond)
	}
}

func TestDo_StopsOnCanceledContext(t *testing.T) {
	c := NewClient(quietLogger(), Config{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := Do(ctx, c, "place", func(context.Context) (string, error) {
		calls++
		cancel()
		return "", errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestFromExecution(t *testing.T) {
	cfg := FromExecution(config.ExecutionConfig{MaxRetries: -1, MaxBackoff: time.Millisecond})
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, DefaultConfig.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, cfg.InitialBackoff, cfg.MaxBackoff)
}

func TestNextBackoffDoublesUpToCap(t *testing.T) {
	c := NewClient(quietLogger(), Config{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	for range 20 {
		got := c.nextBackoff(100 * time.Millisecond)
		assert.GreaterOrEqual(t, got, 200*time.Millisecond)
		assert.Less(t, got, 250*time.Millisecond, "jitter stays under a quarter")

		capped := c.nextBackoff(800 * time.Millisecond)
		assert.GreaterOrEqual(t, capped, time.Second)
		assert.Less(t, capped, 1250*time.Millisecond)
	}
}
