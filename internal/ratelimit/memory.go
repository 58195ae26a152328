package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the process-local window table. Its contents are lost on
// restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window
	maxKeys int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]Window),
		maxKeys: 100000,
	}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, length time.Duration) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		// Cap tracked keys; reclaim expired windows before refusing to grow.
		if len(s.windows) >= s.maxKeys {
			s.sweepLocked(now, length)
		}
		w = Window{Key: key}
	}

	w = w.Advance(now, length)
	s.windows[key] = w
	return w, nil
}

// Sweep drops windows older than length and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time, length time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now, length)
}

func (s *MemoryStore) sweepLocked(now time.Time, length time.Duration) int {
	removed := 0
	for k, w := range s.windows {
		if now.Sub(w.WindowStart) > length {
			delete(s.windows, k)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps idle windows every interval until the returned cancel
// function is called.
func (s *MemoryStore) StartCleanup(interval, length time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now, length)
			}
		}
	}()
	return cancel
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
