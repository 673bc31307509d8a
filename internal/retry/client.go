// Package retry re-runs broker calls that failed transiently.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/config"
)

// ErrRetriesExhausted wraps the last transient error once every attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     10 * time.Second,
}

// FromExecution reads retry settings from the execution block.
func FromExecution(c config.ExecutionConfig) Config {
	cfg := Config{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg
}

// Client retries operations according to its Config.
type Client struct {
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	config Config
}

func NewClient(logger *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		logger: logger,
		config: cfg,
		sleep:  sleepCtx,
	}
}

// WithSleep replaces the backoff wait, for tests.
func (c *Client) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Client {
	c.sleep = sleep
	return c
}

// Do calls op until it succeeds, fails with a non-transient error, or the
// attempts run out. Permanent and auth errors return unwrapped on first sight.
func Do[T any](ctx context.Context, c *Client, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", name, err)
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				c.logger.WithFields(logrus.Fields{"op": name, "attempt": attempt + 1}).Info("Succeeded after retry")
			}
			return result, nil
		}

		lastErr = err
		if !broker.IsTransient(err) {
			return zero, err
		}
		if attempt == c.config.MaxRetries {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"op":      name,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
			"error":   err.Error(),
		}).Warn("Transient error, retrying")

		if err := c.sleep(ctx, backoff); err != nil {
			return zero, fmt.Errorf("%s canceled during backoff: %w", name, err)
		}
		backoff = c.nextBackoff(backoff)
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w: %w", name, c.config.MaxRetries+1, ErrRetriesExhausted, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := current * 2
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Debug("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
