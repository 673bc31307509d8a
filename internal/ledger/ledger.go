// Package ledger remembers which idempotency keys have already been submitted
// to the broker, so a repeated run on the same day never re-sends an order.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

// Ledger records submitted order keys.
type Ledger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string, at time.Time) error
}

// StoreLedger keeps keys alongside cycles in the storage file.
type StoreLedger struct {
	store storage.Interface
}

func NewStoreLedger(store storage.Interface) *StoreLedger {
	return &StoreLedger{store: store}
}

func (l *StoreLedger) Seen(_ context.Context, key string) (bool, error) {
	return l.store.HasIntent(key), nil
}

func (l *StoreLedger) Record(_ context.Context, key string, at time.Time) error {
	return l.store.RecordIntent(key, at)
}

const redisPrefix = "wheel:intent:"

// RedisLedger shares keys across processes. Keys expire after ttl; the date is
// part of every key so a day is enough to cover its reuse window.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(opt *redis.Options, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: redis.NewClient(opt), ttl: ttl}
}

func (l *RedisLedger) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, redisPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	return n > 0, nil
}

// Record is first-writer-wins; recording an existing key is not an error.
func (l *RedisLedger) Record(ctx context.Context, key string, at time.Time) error {
	if err := l.client.SetNX(ctx, redisPrefix+key, at.UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("ledger record %s: %w", key, err)
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

// New picks the backend named in config.
func New(cfg config.LedgerConfig, store storage.Interface) (Ledger, error) {
	switch cfg.Backend {
	case "", "store":
		return NewStoreLedger(store), nil
	case "redis":
		return NewRedisLedger(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
