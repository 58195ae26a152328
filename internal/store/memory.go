package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryBackend keeps records in process memory. It is the default when no
// database is configured and the reference backend in tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]Record)}
}

// Put replaces the whole record for its key.
func (m *MemoryBackend) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	rec.Payload = append([]byte(nil), rec.Payload...)

	m.mu.Lock()
	m.items[recordKey(rec.Collection, rec.OwnerID, rec.ID)] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, collection, ownerID, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("context error: %w", err)
	}

	m.mu.RLock()
	rec, ok := m.items[recordKey(collection, ownerID, id)]
	m.mu.RUnlock()

	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec, nil
}

func (m *MemoryBackend) List(ctx context.Context, collection, ownerID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	prefix := ownerPrefix(collection, ownerID)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for k, rec := range m.items {
		if strings.HasPrefix(k, prefix) {
			rec.Payload = append([]byte(nil), rec.Payload...)
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, collection, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	m.mu.Lock()
	delete(m.items, recordKey(collection, ownerID, id))
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
