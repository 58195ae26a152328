package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend      string // "memory", "ristretto", "redis" or "none"
	TTL          time.Duration
	Prefix       string
	MaxCostBytes int64
}

// NewEntryCache builds the configured backend. redisClient is only used for
// the "redis" backend and must be non-nil there.
func NewEntryCache(cfg Config, redisClient *redis.Client) (EntryCache, error) {
	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("cache backend redis requires a redis client")
		}
		return NewRedisEntryCache(redisClient, RedisConfig{Prefix: cfg.Prefix}), nil
	case "ristretto":
		return NewRistrettoEntryCache(cfg.MaxCostBytes)
	case "none":
		return Nop{}, nil
	case "", "memory":
		return NewMemoryEntryCache(cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
