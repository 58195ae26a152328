package defense

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"csec-tutor-engine/internal/llm"
	"csec-tutor-engine/internal/metrics"
	"csec-tutor-engine/internal/ratelimit"
	"csec-tutor-engine/internal/tier"
	"csec-tutor-engine/pkg/logging/logging"
)

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
	Ceiling() int
}

// Tiers runs an operation over a named model tier.
type Tiers interface {
	Generate(ctx context.Context, tierName string, op tier.Operation) (tier.Outcome, error)
}

// Outcome labels how a turn ended.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeFiltered    Outcome = "filtered"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTooLong     Outcome = "too_long"
	OutcomeTooShort    Outcome = "too_short"
	OutcomeInjection   Outcome = "injection"
	OutcomeError       Outcome = "error"
)

// Rejected reports whether the turn was stopped before generation.
func (o Outcome) Rejected() bool {
	switch o {
	case OutcomeRateLimited, OutcomeTooLong, OutcomeTooShort, OutcomeInjection:
		return true
	}
	return false
}

type TurnRequest struct {
	// Key is the session id, or the client address when there is none.
	Key     string
	Message string
	History []llm.ChatMessage
}

type Reply struct {
	Reply      string        `json:"reply"`
	Remaining  int           `json:"remaining"`
	LatencyMs  int64         `json:"latency_ms"`
	Outcome    Outcome       `json:"-"`
	Model      string        `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

type Config struct {
	Tier         string // default utility
	HistoryTurns int    // default 6
	TurnMaxChars int    // default 500
	SystemPrompt string
	Params       llm.Params
}

const defaultSystemPrompt = "You are a friendly CSEC tutor for Caribbean secondary school students. " +
	"Only help with CSEC subjects. Keep answers short and encouraging."

const (
	rateLimitedReply = "You have reached the chat limit for now. Please come back in a few minutes."
	tooShortReply    = "Could you tell me a little more about what you would like help with?"
)

// Pipeline runs one conversational turn through the defense stages.
type Pipeline struct {
	cfg       Config
	limiter   Limiter
	sanitizer *Sanitizer
	filter    *OutputFilter
	tiers     Tiers
	client    llm.Client
	now       func() time.Time
}

func NewPipeline(cfg Config, limiter Limiter, sanitizer *Sanitizer, filter *OutputFilter, tiers Tiers, client llm.Client) *Pipeline {
	if cfg.Tier == "" {
		cfg.Tier = tier.Utility
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 6
	}
	if cfg.TurnMaxChars <= 0 {
		cfg.TurnMaxChars = 500
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Pipeline{
		cfg:       cfg,
		limiter:   limiter,
		sanitizer: sanitizer,
		filter:    filter,
		tiers:     tiers,
		client:    client,
		now:       time.Now,
	}
}

// Handle runs the turn. Rejections come back as a Reply with a rejecting
// Outcome and a nil error; only generation failures return an error.
func (p *Pipeline) Handle(ctx context.Context, req TurnRequest) (Reply, error) {
	start := p.now()
	log := logging.L(ctx)

	finish := func(r Reply) Reply {
		r.LatencyMs = p.now().Sub(start).Milliseconds()
		metrics.ChatTurnsTotal.WithLabelValues(string(r.Outcome)).Inc()
		return r
	}

	// 1. rate limit
	remaining := p.limiter.Ceiling()
	decision, err := p.limiter.Allow(ctx, req.Key)
	switch {
	case err != nil:
		// Fail open when the limiter store is unreachable.
		log.Error("chat_rate_limit_unavailable", zap.Error(err))
	case !decision.Allowed:
		log.Info("chat_rate_limited", zap.Int("count", decision.Count))
		return finish(Reply{
			Reply:      rateLimitedReply,
			Remaining:  0,
			Outcome:    OutcomeRateLimited,
			RetryAfter: decision.RetryAfter,
		}), nil
	default:
		remaining = decision.Remaining
	}

	// 2-4. length, structure, injection
	check := p.sanitizer.Check(req.Message)
	switch check.Verdict {
	case TooLong:
		return finish(Reply{
			Reply:     fmt.Sprintf("That message is a bit long. Please keep it under %d characters.", p.sanitizer.MaxChars()),
			Remaining: remaining,
			Outcome:   OutcomeTooLong,
		}), nil
	case TooShort:
		return finish(Reply{Reply: tooShortReply, Remaining: remaining, Outcome: OutcomeTooShort}), nil
	case InjectionDetected:
		log.Warn("chat_injection_rejected", zap.String("pattern", check.Pattern))
		return finish(Reply{Reply: p.filter.Redirect(), Remaining: remaining, Outcome: OutcomeInjection}), nil
	}

	// 5. history; forwarded turns are scanned like the message itself
	history := TruncateHistory(req.History, p.cfg.HistoryTurns, p.cfg.TurnMaxChars)
	for i, m := range history {
		if c := p.sanitizer.CheckTurn(m.Content); c.Verdict == InjectionDetected {
			log.Warn("chat_injection_rejected", zap.String("pattern", c.Pattern), zap.Int("history_turn", i), zap.String("role", m.Role))
			return finish(Reply{Reply: p.filter.Redirect(), Remaining: remaining, Outcome: OutcomeInjection}), nil
		}
	}
	msgs := make([]llm.ChatMessage, 0, len(history)+2)
	msgs = append(msgs, llm.ChatMessage{Role: llm.RoleSystem, Content: p.cfg.SystemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: check.Clean})

	out, err := p.tiers.Generate(ctx, p.cfg.Tier, llm.Operation(p.client, msgs, p.cfg.Params))
	if err != nil {
		log.Warn("chat_generation_failed", zap.Error(err), zap.Bool("tier_exhausted", errors.Is(err, tier.ErrTierExhausted)))
		return finish(Reply{Remaining: remaining, Outcome: OutcomeError}), err
	}

	// 6. output filter
	reply, leaked := p.filter.Filter(out.Content)
	outcome := OutcomeOK
	if leaked {
		outcome = OutcomeFiltered
		log.Warn("chat_reply_filtered", zap.String("model", out.ModelUsed))
	}

	return finish(Reply{
		Reply:     reply,
		Remaining: remaining,
		Outcome:   outcome,
		Model:     out.ModelUsed,
	}), nil
}
