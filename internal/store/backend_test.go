package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// exerciseBackend runs the port contract every backend must satisfy.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := b.Get(ctx, CollectionPlans, "u-1", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	first := Record{Collection: CollectionPlans, OwnerID: "u-1", ID: "p-1",
		Payload: json.RawMessage(`{"subject":"Mathematics","v":1}`), UpdatedAt: now}
	require.NoError(t, b.Put(ctx, first))

	got, err := b.Get(ctx, CollectionPlans, "u-1", "p-1")
	require.NoError(t, err)
	require.JSONEq(t, string(first.Payload), string(got.Payload))

	// Replace wholesale: no field of the old payload survives.
	second := first
	second.Payload = json.RawMessage(`{"subject":"Biology"}`)
	second.UpdatedAt = now.Add(time.Second)
	require.NoError(t, b.Put(ctx, second))

	got, err = b.Get(ctx, CollectionPlans, "u-1", "p-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"subject":"Biology"}`, string(got.Payload))

	require.NoError(t, b.Put(ctx, Record{Collection: CollectionPlans, OwnerID: "u-1", ID: "p-2",
		Payload: json.RawMessage(`{}`), UpdatedAt: now}))
	require.NoError(t, b.Put(ctx, Record{Collection: CollectionPlans, OwnerID: "u-2", ID: "p-3",
		Payload: json.RawMessage(`{}`), UpdatedAt: now}))
	require.NoError(t, b.Put(ctx, Record{Collection: CollectionProgress, OwnerID: "u-1", ID: "p-4",
		Payload: json.RawMessage(`{}`), UpdatedAt: now}))

	list, err := b.List(ctx, CollectionPlans, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Shared records use the empty owner and never leak into owner listings.
	require.NoError(t, b.Put(ctx, Record{Collection: CollectionPlans, OwnerID: "", ID: "shared",
		Payload: json.RawMessage(`{}`), UpdatedAt: now}))
	list, err = b.List(ctx, CollectionPlans, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, b.Delete(ctx, CollectionPlans, "u-1", "p-1"))
	_, err = b.Get(ctx, CollectionPlans, "u-1", "p-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, b.Put(ctx, Record{Collection: CollectionPlans, ID: "bad", Payload: json.RawMessage(`{`)}))
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestSQLiteBackend(t *testing.T) {
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "fallback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	exerciseBackend(t, b)
}

func TestBadgerBackend(t *testing.T) {
	b, err := NewBadgerBackend("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	exerciseBackend(t, b)
}

func TestBadgerBackendOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := NewBadgerBackend(dir)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, Record{Collection: CollectionProgress, OwnerID: "u-1", ID: "x",
		Payload: json.RawMessage(`{"score":80}`), UpdatedAt: time.Now()}))
	require.NoError(t, b.Close())

	reopened, err := NewBadgerBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, CollectionProgress, "u-1", "x")
	require.NoError(t, err)
	require.JSONEq(t, `{"score":80}`, string(got.Payload))
}

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("TUTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TUTOR_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, dsn))
	pool, err := NewPool(ctx, PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DELETE FROM records`)
	require.NoError(t, err)

	exerciseBackend(t, NewPostgresBackend(pool))
}

func TestMemoryBackendHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemoryBackend().Put(ctx, Record{Collection: "c", ID: "i", Payload: json.RawMessage(`{}`)})
	require.True(t, errors.Is(err, context.Canceled))
}

func TestSQLiteBackendReportsCorruptTimestamp(t *testing.T) {
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "fallback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO records (collection, owner_id, id, payload, updated_at) VALUES (?, ?, ?, ?, ?)`,
		CollectionProgress, "u-1", "rec-1", []byte(`{}`), "yesterday-ish")
	require.NoError(t, err)

	_, err = b.Get(ctx, CollectionProgress, "u-1", "rec-1")
	require.ErrorContains(t, err, "updated_at")

	_, err = b.List(ctx, CollectionProgress, "u-1")
	require.ErrorContains(t, err, "updated_at")
}
