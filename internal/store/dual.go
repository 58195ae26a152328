package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"csec-tutor-engine/internal/metrics"
)

// Dual writes to the primary backend and falls back to the secondary one on
// any primary failure. Reads consult the primary first, so a record written
// to the primary is authoritative even if an older copy sits in the fallback.
type Dual struct {
	primary  Backend
	fallback Backend
	logger   *zap.Logger
	now      func() time.Time
}

// NewDual wires the two backends. Both are required.
func NewDual(primary, fallback Backend, logger *zap.Logger) *Dual {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dual{
		primary:  primary,
		fallback: fallback,
		logger:   logger.Named("store"),
		now:      time.Now,
	}
}

// Save persists rec, replacing any previous record with the same key on the
// backend that accepts it. The two attempts run sequentially, never both.
func (d *Dual) Save(ctx context.Context, rec Record) (Entity, error) {
	if err := rec.Validate(); err != nil {
		return Entity{}, fmt.Errorf("save: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = d.now().UTC()
	}

	primaryErr := d.primary.Put(ctx, rec)
	if primaryErr == nil {
		metrics.StorageOpsTotal.WithLabelValues(string(OriginPrimary), "save", "ok").Inc()
		d.retire(ctx, d.fallback, OriginFallback, rec)
		return Entity{Record: rec, BackendOfRecord: OriginPrimary}, nil
	}
	metrics.StorageOpsTotal.WithLabelValues(string(OriginPrimary), "save", "error").Inc()

	d.logger.Warn("primary_save_failed",
		zap.String("collection", rec.Collection),
		zap.String("owner_id", rec.OwnerID),
		zap.String("id", rec.ID),
		zap.Error(primaryErr),
	)

	fallbackErr := d.fallback.Put(ctx, rec)
	if fallbackErr == nil {
		metrics.StorageOpsTotal.WithLabelValues(string(OriginFallback), "save", "ok").Inc()
		d.logger.Info("fallback_save",
			zap.String("collection", rec.Collection),
			zap.String("owner_id", rec.OwnerID),
			zap.String("id", rec.ID),
		)
		d.retire(ctx, d.primary, OriginPrimary, rec)
		return Entity{Record: rec, BackendOfRecord: OriginFallback}, nil
	}
	metrics.StorageOpsTotal.WithLabelValues(string(OriginFallback), "save", "error").Inc()
	metrics.StorageFailuresTotal.Inc()

	d.logger.Error("storage_failure",
		zap.String("collection", rec.Collection),
		zap.String("owner_id", rec.OwnerID),
		zap.String("id", rec.ID),
		zap.NamedError("primary_error", primaryErr),
		zap.NamedError("fallback_error", fallbackErr),
	)

	return Entity{}, fmt.Errorf("save %s/%s: %w", rec.Collection, rec.ID,
		errors.Join(ErrStorageFailure, primaryErr, fallbackErr))
}

// retire deletes the copy of rec held by the backend that did not accept the
// write, so an older copy there cannot shadow the new one. Failures are
// logged; the save itself already succeeded.
func (d *Dual) retire(ctx context.Context, b Backend, origin Origin, rec Record) {
	err := b.Delete(ctx, rec.Collection, rec.OwnerID, rec.ID)
	if err == nil || errors.Is(err, ErrNotFound) {
		return
	}
	metrics.StorageOpsTotal.WithLabelValues(string(origin), "retire", "error").Inc()
	d.logger.Error("stale_copy_not_retired",
		zap.String("backend", string(origin)),
		zap.String("collection", rec.Collection),
		zap.String("owner_id", rec.OwnerID),
		zap.String("id", rec.ID),
		zap.Error(err),
	)
}

// SaveJSON marshals payload and saves it under the given key.
func (d *Dual) SaveJSON(ctx context.Context, collection, ownerID, id string, payload any) (Entity, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entity{}, fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	return d.Save(ctx, Record{
		Collection: collection,
		OwnerID:    ownerID,
		ID:         id,
		Payload:    raw,
	})
}

// Fetch returns the record from the primary, or from the fallback when the
// primary misses or errors.
func (d *Dual) Fetch(ctx context.Context, collection, ownerID, id string) (Entity, error) {
	rec, primaryErr := d.primary.Get(ctx, collection, ownerID, id)
	if primaryErr == nil {
		metrics.StorageOpsTotal.WithLabelValues(string(OriginPrimary), "fetch", "ok").Inc()
		return Entity{Record: rec, BackendOfRecord: OriginPrimary}, nil
	}

	if errors.Is(primaryErr, ErrNotFound) {
		metrics.StorageOpsTotal.WithLabelValues(string(OriginPrimary), "fetch", "miss").Inc()
	} else {
		metrics.StorageOpsTotal.WithLabelValues(string(OriginPrimary), "fetch", "error").Inc()
		d.logger.Warn("primary_fetch_failed",
			zap.String("collection", collection),
			zap.String("owner_id", ownerID),
			zap.String("id", id),
			zap.Error(primaryErr),
		)
	}

	rec, fallbackErr := d.fallback.Get(ctx, collection, ownerID, id)
	if fallbackErr == nil {
		metrics.StorageOpsTotal.WithLabelValues(string(OriginFallback), "fetch", "ok").Inc()
		return Entity{Record: rec, BackendOfRecord: OriginFallback}, nil
	}

	if errors.Is(fallbackErr, ErrNotFound) {
		metrics.StorageOpsTotal.WithLabelValues(string(OriginFallback), "fetch", "miss").Inc()
		if errors.Is(primaryErr, ErrNotFound) {
			return Entity{}, fmt.Errorf("fetch %s/%s: %w", collection, id, ErrNotFound)
		}
		// Primary is down and the fallback never saw the record.
		return Entity{}, fmt.Errorf("fetch %s/%s: %w", collection, id, errors.Join(ErrNotFound, primaryErr))
	}

	metrics.StorageOpsTotal.WithLabelValues(string(OriginFallback), "fetch", "error").Inc()
	d.logger.Error("fetch_failed",
		zap.String("collection", collection),
		zap.String("owner_id", ownerID),
		zap.String("id", id),
		zap.NamedError("primary_error", primaryErr),
		zap.NamedError("fallback_error", fallbackErr),
	)
	return Entity{}, fmt.Errorf("fetch %s/%s: %w", collection, id, errors.Join(primaryErr, fallbackErr))
}

// List merges both backends, de-duplicated by id with primary copies taking
// precedence. A single failing backend degrades the listing instead of
// failing it. Results are ordered by UpdatedAt, newest first.
func (d *Dual) List(ctx context.Context, collection, ownerID string) ([]Entity, error) {
	primaryRecs, primaryErr := d.primary.List(ctx, collection, ownerID)
	fallbackRecs, fallbackErr := d.fallback.List(ctx, collection, ownerID)

	d.observeList(OriginPrimary, primaryErr)
	d.observeList(OriginFallback, fallbackErr)

	if primaryErr != nil && fallbackErr != nil {
		return nil, fmt.Errorf("list %s: %w", collection, errors.Join(primaryErr, fallbackErr))
	}
	if primaryErr != nil {
		d.logger.Warn("primary_list_failed",
			zap.String("collection", collection),
			zap.String("owner_id", ownerID),
			zap.Error(primaryErr),
		)
	}
	if fallbackErr != nil {
		d.logger.Warn("fallback_list_failed",
			zap.String("collection", collection),
			zap.String("owner_id", ownerID),
			zap.Error(fallbackErr),
		)
	}

	seen := make(map[string]struct{}, len(primaryRecs)+len(fallbackRecs))
	out := make([]Entity, 0, len(primaryRecs)+len(fallbackRecs))

	for _, rec := range primaryRecs {
		seen[rec.ID] = struct{}{}
		out = append(out, Entity{Record: rec, BackendOfRecord: OriginPrimary})
	}
	for _, rec := range fallbackRecs {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, Entity{Record: rec, BackendOfRecord: OriginFallback})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	return out, nil
}

func (d *Dual) observeList(origin Origin, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StorageOpsTotal.WithLabelValues(string(origin), "list", result).Inc()
}
