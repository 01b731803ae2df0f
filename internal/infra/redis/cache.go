package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearledger/ledgerd/pkg/logger"
)

const (
	// DefaultTTL keeps the treasury snapshot fresh enough for dashboards
	// while absorbing read bursts.
	DefaultTTL = 10 * time.Second

	// KeyPrefix is the prefix for treasury cache keys
	KeyPrefix = "treasury:"

	statusKey = KeyPrefix + "status"
)

// TreasuryCache is a Redis-backed read-through cache for the treasury status
// snapshot. It is strictly best-effort: a Redis failure degrades to a direct
// read, never to a request failure.
type TreasuryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewTreasuryCache creates a new treasury cache with the default TTL
func NewTreasuryCache(client *redis.Client, log *logger.Logger) *TreasuryCache {
	return NewTreasuryCacheWithTTL(client, DefaultTTL, log)
}

// NewTreasuryCacheWithTTL creates a new treasury cache with a custom TTL
func NewTreasuryCacheWithTTL(client *redis.Client, ttl time.Duration, log *logger.Logger) *TreasuryCache {
	return &TreasuryCache{
		client: client,
		ttl:    ttl,
		logger: log.WithField("component", "treasury_cache"),
	}
}

// Get retrieves the cached treasury snapshot into dest. The second return is
// false on a miss.
func (c *TreasuryCache) Get(ctx context.Context, dest interface{}) (bool, error) {
	val, err := c.client.Get(ctx, statusKey).Result()
	if errors.Is(err, redis.Nil) {
		c.logger.Debug("cache miss", "key", statusKey)
		return false, nil
	}
	if err != nil {
		c.logger.Error("cache error", "operation", "get", "error", err)
		return false, fmt.Errorf("failed to get cached treasury status: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached treasury status: %w", err)
	}

	c.logger.Debug("cache hit", "key", statusKey)
	return true, nil
}

// Set stores the treasury snapshot
func (c *TreasuryCache) Set(ctx context.Context, status interface{}) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal treasury status: %w", err)
	}

	if err := c.client.Set(ctx, statusKey, data, c.ttl).Err(); err != nil {
		c.logger.Error("cache error", "operation", "set", "error", err)
		return fmt.Errorf("failed to set cached treasury status: %w", err)
	}

	return nil
}

// Invalidate drops the cached snapshot. Called after any mutation that moves
// a balance so readers never see a stale total past the next request.
func (c *TreasuryCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, statusKey).Err(); err != nil {
		c.logger.Error("cache error", "operation", "invalidate", "error", err)
		return fmt.Errorf("failed to invalidate treasury cache: %w", err)
	}
	return nil
}
