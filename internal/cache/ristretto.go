package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// RistrettoEntryCache is a size-bounded in-process cache. Unlike the memory
// cache it evicts under pressure, so it is the better in-process choice for
// long-running instances.
type RistrettoEntryCache struct {
	c *ristretto.Cache[string, []byte]
}

// NewRistrettoEntryCache bounds the cache to maxCostBytes of values.
func NewRistrettoEntryCache(maxCostBytes int64) (*RistrettoEntryCache, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoEntryCache{c: c}, nil
}

func (r *RistrettoEntryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := r.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set waits for the write buffer to drain so a replaced entry is visible to
// the next Get on this instance.
func (r *RistrettoEntryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		r.c.Del(key)
		return nil
	}
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	r.c.SetWithTTL(key, valueCopy, int64(len(valueCopy)), ttl)
	r.c.Wait()
	return nil
}

func (r *RistrettoEntryCache) Delete(_ context.Context, key string) error {
	r.c.Del(key)
	return nil
}

func (r *RistrettoEntryCache) Close() error {
	r.c.Close()
	return nil
}
