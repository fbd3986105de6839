package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RedisCache implements domain.Cache on Redis.
// Used as the Pro tier cache and as L2 in two-phase caching. Experiment
// counters must live here in multi-instance deployments so the exposure
// cap holds across processes.
type RedisCache struct {
	client *redis.Client
}

// capScript increments a counter only while it stays under the cap.
// Returns 1 when the increment was applied, 0 when the cap is exhausted.
var capScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current >= tonumber(ARGV[1]) then
		return 0
	end
	redis.call('INCR', KEYS[1])
	return 1
`)

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, makeKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, makeKey(key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, makeKey(key)).Err()
}

// GetScore retrieves a cached ML score.
func (c *RedisCache) GetScore(ctx context.Context, userID, bankAccountID string) (*domain.ScoreResponse, error) {
	data, err := c.Get(ctx, scoreKey(userID, bankAccountID))
	if err != nil || data == nil {
		return nil, err
	}

	var score domain.ScoreResponse
	if err := json.Unmarshal(data, &score); err != nil {
		return nil, err
	}
	return &score, nil
}

// SetScore caches an ML score for cache-only evaluations.
func (c *RedisCache) SetScore(ctx context.Context, userID, bankAccountID string, score *domain.ScoreResponse, ttl time.Duration) error {
	data, err := json.Marshal(score)
	if err != nil {
		return err
	}
	return c.Set(ctx, scoreKey(userID, bankAccountID), data, ttl)
}

// IncrementWithCap runs a Lua script so the read and the increment are one
// atomic Redis step; concurrent callers can never push a counter past its
// limit.
func (c *RedisCache) IncrementWithCap(ctx context.Context, key string, limit int64) (bool, error) {
	result, err := capScript.Run(ctx, c.client, []string{makeKey(key)}, limit).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func makeKey(key string) string {
	return "kestrel:" + key
}
