// Package tier resolves a generation request against an ordered list of
// candidate models, falling through to the next candidate on quota or
// transient provider faults.
package tier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"csec-tutor-engine/internal/metrics"
)

// Well-known tier names.
const (
	Utility    = "utility"
	Structured = "structured"
	Premium    = "premium"
)

// Operation performs one generation call against the given model.
type Operation func(ctx context.Context, modelID string) (string, error)

// Outcome is the result of a successful tier resolution.
type Outcome struct {
	Content    string
	ModelUsed  string
	IsFallback bool
	Attempts   []Attempt
}

// Attempt records how one candidate call ended.
type Attempt struct {
	Model    string
	Fault    Fault
	Err      error
	Duration time.Duration
}

// Resolver walks tiers of candidate models.
type Resolver struct {
	tiers  map[string][]string
	logger *zap.Logger
}

// NewResolver copies the tier table so later edits by the caller have no effect.
func NewResolver(tiers map[string][]string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	table := make(map[string][]string, len(tiers))
	for name, models := range tiers {
		cleaned := make([]string, 0, len(models))
		for _, m := range models {
			if m = strings.TrimSpace(m); m != "" {
				cleaned = append(cleaned, m)
			}
		}
		table[name] = cleaned
	}

	return &Resolver{
		tiers:  table,
		logger: logger.Named("tier"),
	}
}

// Candidates returns the ordered candidate list for a tier.
func (r *Resolver) Candidates(name string) ([]string, bool) {
	models, ok := r.tiers[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(models))
	copy(out, models)
	return out, true
}

// Generate calls op once per candidate of the named tier, in rank order,
// until one succeeds. Terminal faults abort the tier immediately; quota and
// transient faults move on to the next candidate without delay. When every
// candidate fails without a terminal fault the returned error satisfies
// errors.Is(err, ErrTierExhausted).
func (r *Resolver) Generate(ctx context.Context, name string, op Operation) (Outcome, error) {
	candidates, ok := r.tiers[name]
	if !ok || len(candidates) == 0 {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}

	attempts := make([]Attempt, 0, len(candidates))

	for i, model := range candidates {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempts}, fmt.Errorf("tier %s: %w", name, err)
		}

		start := time.Now()
		raw, err := op(ctx, model)
		elapsed := time.Since(start)

		if err == nil {
			attempts = append(attempts, Attempt{Model: model, Fault: FaultNone, Duration: elapsed})
			metrics.GenerationAttemptsTotal.WithLabelValues(name, model, "success").Inc()

			r.logger.Info("tier_generate",
				zap.String("tier", name),
				zap.String("model_used", model),
				zap.Bool("is_fallback", i > 0),
				zap.Int("attempts", len(attempts)),
				zap.Duration("latency", elapsed),
			)

			return Outcome{
				Content:    raw,
				ModelUsed:  model,
				IsFallback: i > 0,
				Attempts:   attempts,
			}, nil
		}

		fault := Classify(err)
		attempts = append(attempts, Attempt{Model: model, Fault: fault, Err: err, Duration: elapsed})
		metrics.GenerationAttemptsTotal.WithLabelValues(name, model, fault.String()).Inc()

		// A cancelled caller is not the model's fault; stop walking the tier.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Outcome{Attempts: attempts}, fmt.Errorf("tier %s: model %s: %w", name, model, err)
		}

		if fault == FaultTerminal {
			r.logger.Warn("tier_terminal_fault",
				zap.String("tier", name),
				zap.String("model", model),
				zap.Error(err),
			)
			return Outcome{Attempts: attempts}, fmt.Errorf("tier %s: model %s: %w", name, model, err)
		}

		r.logger.Warn("tier_candidate_failed",
			zap.String("tier", name),
			zap.String("model", model),
			zap.String("fault", fault.String()),
			zap.Int("rank", i),
			zap.Error(err),
		)
	}

	metrics.TierExhaustedTotal.WithLabelValues(name).Inc()
	r.logger.Error("tier_exhausted",
		zap.String("tier", name),
		zap.Int("attempts", len(attempts)),
	)

	return Outcome{Attempts: attempts}, &ExhaustedError{Tier: name, Attempts: attempts}
}
