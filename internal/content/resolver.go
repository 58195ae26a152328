// Package content serves generated study material, reusing a stored entry
// when it is still valid for the learner and generating through a model
// tier otherwise.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"csec-tutor-engine/internal/cache"
	"csec-tutor-engine/internal/metrics"
	"csec-tutor-engine/internal/store"
	"csec-tutor-engine/internal/tier"
	"csec-tutor-engine/pkg/logging/logging"
)

// Store is the slice of the dual-backend layer the resolver needs.
type Store interface {
	Save(ctx context.Context, rec store.Record) (store.Entity, error)
	Fetch(ctx context.Context, collection, ownerID, id string) (store.Entity, error)
}

// Tiers runs an operation over a named model tier.
type Tiers interface {
	Generate(ctx context.Context, tierName string, op tier.Operation) (tier.Outcome, error)
}

// Generator builds the provider call for a request.
type Generator interface {
	Operation(req Request) tier.Operation
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(req Request) tier.Operation

func (f GeneratorFunc) Operation(req Request) tier.Operation { return f(req) }

type Config struct {
	// PromptVersion is the current generation template version. Entries
	// written under another version are regenerated.
	PromptVersion string
	// KindTiers maps a content kind to a tier name.
	KindTiers map[Kind]string
	// EntryTTL bounds how long an entry stays in the hot cache.
	EntryTTL time.Duration
	// DedupeMisses collapses concurrent misses for the same key and signature.
	DedupeMisses bool
}

// DefaultKindTiers is used for kinds missing from Config.KindTiers.
var DefaultKindTiers = map[Kind]string{
	KindLesson:   tier.Structured,
	KindPractice: tier.Structured,
	KindExam:     tier.Premium,
}

type Resolver struct {
	cfg   Config
	store Store
	tiers Tiers
	gen   Generator
	hot   cache.EntryCache
	group singleflight.Group
	now   func() time.Time
}

// NewResolver wires the resolver. hot may be nil. Logging goes through the
// request context logger.
func NewResolver(cfg Config, st Store, tiers Tiers, gen Generator, hot cache.EntryCache) *Resolver {
	if hot == nil {
		hot = cache.Nop{}
	}
	kt := make(map[Kind]string, len(DefaultKindTiers))
	for k, v := range DefaultKindTiers {
		kt[k] = v
	}
	for k, v := range cfg.KindTiers {
		kt[k] = v
	}
	cfg.KindTiers = kt
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 10 * time.Minute
	}

	return &Resolver{
		cfg:   cfg,
		store: st,
		tiers: tiers,
		gen:   gen,
		hot:   hot,
		now:   time.Now,
	}
}

// Resolve returns content for req. A valid stored entry is returned with
// Cached set and no generation. In cache-only mode a miss yields
// ErrNotAvailable. Otherwise the content is generated, persisted and
// returned.
//
// If generation succeeded but both storage backends rejected the entry, the
// generated Result is returned together with an error wrapping
// store.ErrStorageFailure.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	req, err := req.normalize()
	if err != nil {
		metrics.ContentResolutionsTotal.WithLabelValues("unknown", "invalid").Inc()
		return Result{}, err
	}

	key := req.key()
	log := logging.L(ctx).With(
		zap.String("kind", string(req.Kind)),
		zap.String("subject", req.SubjectID),
		zap.String("topic", req.TopicID),
		zap.String("scope", string(req.Scope)),
	)

	if !req.ForceRegenerate {
		if entry, ok := r.lookup(ctx, key); ok {
			if r.valid(entry, req) {
				metrics.ContentResolutionsTotal.WithLabelValues(string(req.Kind), "hit").Inc()
				log.Debug("content_cache_hit", zap.String("model", entry.ModelUsed))
				return Result{
					Content:    entry.Content,
					Model:      entry.ModelUsed,
					IsFallback: entry.IsFallback,
					Cached:     true,
					Persisted:  true,
				}, nil
			}
			log.Debug("content_cache_stale",
				zap.String("entry_prompt_version", entry.PromptVersion),
				zap.Bool("signature_match", entry.ContextSignature == req.ContextSignature),
			)
		}
	}

	if req.CacheOnly {
		metrics.ContentResolutionsTotal.WithLabelValues(string(req.Kind), "unavailable").Inc()
		return Result{}, ErrNotAvailable
	}

	if !r.cfg.DedupeMisses {
		return r.generate(ctx, req, key, log)
	}

	type shared struct {
		res Result
		err error
	}
	flightKey := key.String() + "|" + req.ContextSignature + "|" + r.cfg.PromptVersion
	// The shared generation outlives whichever caller started it; each
	// caller still stops waiting when its own context ends.
	ch := r.group.DoChan(flightKey, func() (any, error) {
		res, err := r.generate(context.WithoutCancel(ctx), req, key, log)
		return shared{res: res, err: err}, nil
	})
	select {
	case out := <-ch:
		s := out.Val.(shared)
		return s.res, s.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *Resolver) valid(e Entry, req Request) bool {
	return e.PromptVersion == r.cfg.PromptVersion && e.ContextSignature == req.ContextSignature
}

// TierFor returns the tier name used for kind.
func (r *Resolver) TierFor(kind Kind) string {
	return r.cfg.KindTiers[kind]
}

// lookup reads the hot cache, then the store. Store errors count as a miss.
func (r *Resolver) lookup(ctx context.Context, key cache.EntryKey) (Entry, bool) {
	ks := key.String()

	if raw, ok, err := r.hot.Get(ctx, ks); err == nil && ok {
		var e Entry
		if err := json.Unmarshal(raw, &e); err == nil {
			return e, true
		}
		_ = r.hot.Delete(ctx, ks)
	}

	ent, err := r.store.Fetch(ctx, store.ContentCollection(key.Kind), key.OwnerID, key.ID())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.L(ctx).Warn("content_lookup_failed", zap.String("key", ks), zap.Error(err))
		}
		return Entry{}, false
	}

	var e Entry
	if err := ent.Decode(&e); err != nil {
		logging.L(ctx).Warn("content_entry_corrupt", zap.String("key", ks), zap.Error(err))
		return Entry{}, false
	}
	if raw, err := json.Marshal(e); err == nil {
		_ = r.hot.Set(ctx, ks, raw, r.cfg.EntryTTL)
	}
	return e, true
}

func (r *Resolver) generate(ctx context.Context, req Request, key cache.EntryKey, log *zap.Logger) (Result, error) {
	tierName := r.TierFor(req.Kind)

	out, err := r.tiers.Generate(ctx, tierName, r.gen.Operation(req))
	if err != nil {
		metrics.ContentResolutionsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		log.Warn("content_generation_failed", zap.String("tier", tierName), zap.Error(err))
		return Result{}, fmt.Errorf("generate %s: %w", req.Kind, err)
	}

	content := out.Content
	if req.Kind.Structured() {
		normalized, ok := normalizeStructured(content)
		if !ok {
			metrics.ContentDegradedTotal.WithLabelValues(string(req.Kind)).Inc()
			log.Warn("content_structured_output_malformed", zap.String("model", out.ModelUsed))
			return Result{
				Content:    placeholder(req),
				Model:      out.ModelUsed,
				IsFallback: out.IsFallback,
				Degraded:   true,
			}, nil
		}
		content = normalized
	}

	entry := Entry{
		SubjectID:        req.SubjectID,
		TopicID:          req.TopicID,
		Kind:             req.Kind,
		Scope:            req.Scope,
		OwnerID:          req.OwnerID,
		Content:          content,
		ModelUsed:        out.ModelUsed,
		IsFallback:       out.IsFallback,
		PromptVersion:    r.cfg.PromptVersion,
		ContextSignature: req.ContextSignature,
		CreatedAt:        r.now().UTC(),
	}
	res := Result{
		Content:    content,
		Model:      out.ModelUsed,
		IsFallback: out.IsFallback,
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return res, fmt.Errorf("encode entry: %w", err)
	}

	ks := key.String()
	saved, err := r.store.Save(ctx, store.Record{
		Collection: store.ContentCollection(key.Kind),
		OwnerID:    key.OwnerID,
		ID:         key.ID(),
		Payload:    payload,
		UpdatedAt:  entry.CreatedAt,
	})
	if err != nil {
		// The previous entry may still be live somewhere; keep the hot
		// cache from serving it.
		_ = r.hot.Delete(ctx, ks)
		metrics.ContentResolutionsTotal.WithLabelValues(string(req.Kind), "unpersisted").Inc()
		log.Error("content_persist_failed", zap.Error(err))
		return res, fmt.Errorf("persist %s: %w", req.Kind, err)
	}

	if err := r.hot.Set(ctx, ks, payload, r.cfg.EntryTTL); err != nil {
		_ = r.hot.Delete(ctx, ks)
	}

	result := "generated"
	if req.ForceRegenerate {
		result = "regenerated"
	}
	metrics.ContentResolutionsTotal.WithLabelValues(string(req.Kind), result).Inc()
	log.Info("content_generated",
		zap.String("tier", tierName),
		zap.String("model", out.ModelUsed),
		zap.Bool("is_fallback", out.IsFallback),
		zap.String("backend", string(saved.BackendOfRecord)),
	)

	res.Persisted = true
	res.BackendOfRecord = saved.BackendOfRecord
	return res, nil
}
