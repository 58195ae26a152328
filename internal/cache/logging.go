package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"csec-tutor-engine/internal/metrics"
	"csec-tutor-engine/pkg/logging/logging"
)

// LoggingEntryCache wraps an EntryCache with logging + metrics.
type LoggingEntryCache struct {
	inner EntryCache
}

// NewLoggingEntryCache returns a cache that logs and records metrics.
func NewLoggingEntryCache(inner EntryCache) EntryCache {
	return &LoggingEntryCache{inner: inner}
}

func (c *LoggingEntryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := c.inner.Get(ctx, key)

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
		metrics.EntryCacheHitsTotal.Inc()
	}

	fields := append(keyFields(key),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", sinceMs(start)),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("entry_cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("entry_cache_get", fields...)
	}

	return value, ok, err
}

func (c *LoggingEntryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, value, ttl)

	fields := append(keyFields(key),
		zap.Duration("ttl", ttl),
		zap.Float64("latency_ms", sinceMs(start)),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("entry_cache_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("entry_cache_set", fields...)
	}

	return err
}

func (c *LoggingEntryCache) Delete(ctx context.Context, key string) error {
	err := c.inner.Delete(ctx, key)
	if err != nil {
		logging.L(ctx).Error("entry_cache_delete", append(keyFields(key), zap.Error(err))...)
	}
	return err
}

func keyFields(key string) []zap.Field {
	fields := []zap.Field{zap.String("cache_key", key)}
	if k, ok := ParseEntryKey(key); ok {
		fields = append(fields,
			zap.String("kind", k.Kind),
			zap.String("subject_id", k.SubjectID),
			zap.String("topic_id", k.TopicID),
			zap.String("scope", k.Scope),
			zap.String("owner_id", k.OwnerID),
		)
	}
	return fields
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
