// Package cache holds the hot entry cache that sits in front of the content
// store. It is best-effort: every miss or error falls through to the store.
package cache

import (
	"context"
	"time"
)

// EntryCache is the interface used by the content resolver.
// Implemented by memory (dev), ristretto (bounded in-process) and Redis (shared).
type EntryCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Nop never stores anything. Used when the cache backend is "none".
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error                     { return nil }
