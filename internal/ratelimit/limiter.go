// Package ratelimit implements fixed-window request counting per key.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Window is the counter state of one key.
type Window struct {
	Key         string
	Count       int
	WindowStart time.Time
}

// Advance applies one hit at now: the window restarts with Count 1 once
// more than length has elapsed since WindowStart, otherwise Count grows.
func (w Window) Advance(now time.Time, length time.Duration) Window {
	if w.WindowStart.IsZero() || now.Sub(w.WindowStart) > length {
		return Window{Key: w.Key, Count: 1, WindowStart: now}
	}
	w.Count++
	return w
}

// Store records hits. Hit must apply Window.Advance atomically per key.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, length time.Duration) (Window, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	Count      int
	RetryAfter time.Duration
}

// Config holds the ceiling and window length.
type Config struct {
	Ceiling int
	Window  time.Duration
}

// Limiter enforces Config.Ceiling hits per Config.Window for each key.
type Limiter struct {
	store   Store
	ceiling int
	window  time.Duration
	now     func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a limiter; a nil store means a fresh in-memory table.
func New(cfg Config, store Store, opts ...Option) *Limiter {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if store == nil {
		store = NewMemoryStore()
	}

	l := &Limiter{
		store:   store,
		ceiling: cfg.Ceiling,
		window:  cfg.Window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request for key and reports whether it fits under the
// ceiling.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()

	w, err := l.store.Hit(ctx, key, now, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit hit %q: %w", key, err)
	}

	if w.Count > l.ceiling {
		retry := w.WindowStart.Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Remaining: 0, Count: w.Count, RetryAfter: retry}, nil
	}

	return Decision{Allowed: true, Remaining: l.ceiling - w.Count, Count: w.Count}, nil
}

// Ceiling returns the configured maximum per window.
func (l *Limiter) Ceiling() int { return l.ceiling }
