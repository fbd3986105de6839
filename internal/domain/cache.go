package domain

import (
	"context"
	"time"
)

// Cache defines the caching and shared-counter interface.
// Community tier runs on a local LRU; Pro tier runs on Redis so the
// experiment exposure counter is correct across nodes.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetScore retrieves a cached ML score for a (user, bank account) pair.
	// Returns nil, nil on a miss.
	GetScore(ctx context.Context, userID, bankAccountID string) (*ScoreResponse, error)

	// SetScore caches an ML score so cache-only evaluations can reuse it.
	SetScore(ctx context.Context, userID, bankAccountID string, score *ScoreResponse, ttl time.Duration) error

	// IncrementWithCap atomically increments the counter at key and reports
	// whether the increment stayed within limit. Once the cap is reached the
	// counter stops growing and every further call returns false; a
	// check-then-increment race must never exceed the cap.
	IncrementWithCap(ctx context.Context, key string, limit int64) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// ScoreTTL bounds how long ML scores stay reusable.
	ScoreTTL time.Duration
}
