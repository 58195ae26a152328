package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errDown = errors.New("primary datastore unavailable")

// flakyBackend wraps a memory backend and fails selected operations.
type flakyBackend struct {
	*MemoryBackend
	failPut  bool
	failGet  bool
	failList bool
	failDel  bool
	puts     int
}

func newFlaky() *flakyBackend {
	return &flakyBackend{MemoryBackend: NewMemoryBackend()}
}

func (f *flakyBackend) Put(ctx context.Context, rec Record) error {
	f.puts++
	if f.failPut {
		return errDown
	}
	return f.MemoryBackend.Put(ctx, rec)
}

func (f *flakyBackend) Get(ctx context.Context, collection, ownerID, id string) (Record, error) {
	if f.failGet {
		return Record{}, errDown
	}
	return f.MemoryBackend.Get(ctx, collection, ownerID, id)
}

func (f *flakyBackend) List(ctx context.Context, collection, ownerID string) ([]Record, error) {
	if f.failList {
		return nil, errDown
	}
	return f.MemoryBackend.List(ctx, collection, ownerID)
}

func (f *flakyBackend) Delete(ctx context.Context, collection, ownerID, id string) error {
	if f.failDel {
		return errDown
	}
	return f.MemoryBackend.Delete(ctx, collection, ownerID, id)
}

type studyPlan struct {
	Subject string   `json:"subject"`
	Topics  []string `json:"topics"`
}

func TestDualSavePrefersPrimary(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	d := NewDual(primary, fallback, zaptest.NewLogger(t))

	ent, err := d.SaveJSON(context.Background(), CollectionPlans, "u-1", "plan-1",
		studyPlan{Subject: "Mathematics", Topics: []string{"Algebra"}})
	require.NoError(t, err)
	require.Equal(t, OriginPrimary, ent.BackendOfRecord)
	require.Equal(t, 1, primary.puts)
	require.Equal(t, 0, fallback.puts, "fallback must not be written when primary succeeds")
	require.False(t, ent.UpdatedAt.IsZero())
}

func TestDualWriteThenReadUnderPrimaryFailure(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	primary.failPut = true
	d := NewDual(primary, fallback, zaptest.NewLogger(t))
	ctx := context.Background()

	ent, err := d.SaveJSON(ctx, CollectionPlans, "u-1", "plan-1",
		studyPlan{Subject: "Mathematics", Topics: []string{"Algebra"}})
	require.NoError(t, err)
	require.Equal(t, OriginFallback, ent.BackendOfRecord)

	got, err := d.Fetch(ctx, CollectionPlans, "u-1", "plan-1")
	require.NoError(t, err)
	require.Equal(t, OriginFallback, got.BackendOfRecord)

	var plan studyPlan
	require.NoError(t, got.Decode(&plan))
	require.Equal(t, "Mathematics", plan.Subject)
	require.Equal(t, []string{"Algebra"}, plan.Topics)

	list, err := d.List(ctx, CollectionPlans, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "plan-1", list[0].ID)
}

func TestDualFetchWhenPrimaryReadsFail(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	primary.failPut = true
	d := NewDual(primary, fallback, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := d.SaveJSON(ctx, CollectionProgress, "u-1", "rec-1", map[string]int{"score": 70})
	require.NoError(t, err)

	primary.failGet = true
	primary.failList = true

	got, err := d.Fetch(ctx, CollectionProgress, "u-1", "rec-1")
	require.NoError(t, err)
	require.Equal(t, OriginFallback, got.BackendOfRecord)

	list, err := d.List(ctx, CollectionProgress, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDualBothBackendsFail(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	primary.failPut = true
	fallback.failPut = true
	d := NewDual(primary, fallback, zaptest.NewLogger(t))

	_, err := d.SaveJSON(context.Background(), CollectionPlans, "u-1", "plan-1", studyPlan{Subject: "Physics"})
	require.ErrorIs(t, err, ErrStorageFailure)
	require.ErrorIs(t, err, errDown)
}

func TestDualFetchPrefersPrimaryCopy(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	d := NewDual(primary, fallback, zaptest.NewLogger(t))
	ctx := context.Background()

	// An older copy left behind in the fallback by an earlier failover.
	require.NoError(t, fallback.MemoryBackend.Put(ctx, Record{Collection: CollectionPlans, OwnerID: "u-1", ID: "plan-1",
		Payload: json.RawMessage(`{"subject":"stale"}`), UpdatedAt: time.Now().Add(-time.Hour)}))

	_, err := d.SaveJSON(ctx, CollectionPlans, "u-1", "plan-1", studyPlan{Subject: "fresh"})
	require.NoError(t, err)

	got, err := d.Fetch(ctx, CollectionPlans, "u-1", "plan-1")
	require.NoError(t, err)
	require.Equal(t, OriginPrimary, got.BackendOfRecord)
	require.JSONEq(t, `{"subject":"fresh","topics":null}`, string(got.Payload))

	list, err := d.List(ctx, CollectionPlans, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, OriginPrimary, list[0].BackendOfRecord)
}

func TestDualListMergesAndOrders(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	d := NewDual(primary, fallback, zaptest.NewLogger(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, primary.MemoryBackend.Put(ctx, Record{Collection: CollectionPlans, OwnerID: "u-1", ID: "a",
		Payload: json.RawMessage(`{}`), UpdatedAt: base}))
	require.NoError(t, fallback.MemoryBackend.Put(ctx, Record{Collection: CollectionPlans, OwnerID: "u-1", ID: "b",
		Payload: json.RawMessage(`{}`), UpdatedAt: base.Add(time.Minute)}))

	list, err := d.List(ctx, CollectionPlans, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b", list[0].ID)
	require.Equal(t, OriginFallback, list[0].BackendOfRecord)
	require.Equal(t, "a", list[1].ID)
}

func TestDualListBothFail(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	primary.failList = true
	fallback.failList = true
	d := NewDual(primary, fallback, zaptest.NewLogger(t))

	_, err := d.List(context.Background(), CollectionPlans, "u-1")
	require.ErrorIs(t, err, errDown)
}

func TestDualFetchNotFound(t *testing.T) {
	d := NewDual(newFlaky(), newFlaky(), zaptest.NewLogger(t))

	_, err := d.Fetch(context.Background(), CollectionPlans, "u-1", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDualSaveRejectsInvalidRecord(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	d := NewDual(primary, fallback, zaptest.NewLogger(t))

	_, err := d.Save(context.Background(), Record{Collection: CollectionPlans, OwnerID: "u-1"})
	require.Error(t, err)
	require.Equal(t, 0, primary.puts)
	require.Equal(t, 0, fallback.puts)
}

func TestDualFallbackSaveRetiresOlderPrimaryCopy(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	d := NewDual(primary, fallback, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := d.SaveJSON(ctx, CollectionProgress, "u-1", "rec-1", map[string]int{"score": 50})
	require.NoError(t, err)

	// Primary stops accepting writes but still answers reads.
	primary.failPut = true
	ent, err := d.SaveJSON(ctx, CollectionProgress, "u-1", "rec-1", map[string]int{"score": 90})
	require.NoError(t, err)
	require.Equal(t, OriginFallback, ent.BackendOfRecord)
	require.Equal(t, 0, primary.Len())

	got, err := d.Fetch(ctx, CollectionProgress, "u-1", "rec-1")
	require.NoError(t, err)
	require.Equal(t, OriginFallback, got.BackendOfRecord)
	require.JSONEq(t, `{"score":90}`, string(got.Payload))

	list, err := d.List(ctx, CollectionProgress, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.JSONEq(t, `{"score":90}`, string(list[0].Payload))
}

func TestDualPrimarySaveRetiresFallbackCopy(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	primary.failPut = true
	d := NewDual(primary, fallback, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := d.SaveJSON(ctx, CollectionPlans, "u-1", "plan-1", studyPlan{Subject: "Biology"})
	require.NoError(t, err)
	require.Equal(t, 1, fallback.Len())

	primary.failPut = false
	ent, err := d.SaveJSON(ctx, CollectionPlans, "u-1", "plan-1", studyPlan{Subject: "Chemistry"})
	require.NoError(t, err)
	require.Equal(t, OriginPrimary, ent.BackendOfRecord)
	require.Equal(t, 0, fallback.Len())
	require.Equal(t, 1, primary.Len())
}

func TestDualSaveSucceedsWhenRetireFails(t *testing.T) {
	primary, fallback := newFlaky(), newFlaky()
	fallback.failDel = true
	d := NewDual(primary, fallback, zaptest.NewLogger(t))

	ent, err := d.SaveJSON(context.Background(), CollectionPlans, "u-1", "plan-1", studyPlan{Subject: "Physics"})
	require.NoError(t, err)
	require.Equal(t, OriginPrimary, ent.BackendOfRecord)
}
