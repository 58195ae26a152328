package handlers

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"csec-tutor-engine/internal/defense"
	"csec-tutor-engine/internal/llm"
	"csec-tutor-engine/internal/middleware"
	"csec-tutor-engine/internal/tier"
	"csec-tutor-engine/pkg/logging/logging"
)

// ChatPipeline is satisfied by *defense.Pipeline.
type ChatPipeline interface {
	Handle(ctx context.Context, req defense.TurnRequest) (defense.Reply, error)
}

// ChatHandler holds dependencies for the /v1/chat endpoint.
type ChatHandler struct {
	Pipeline ChatPipeline
}

func NewChatHandler(p ChatPipeline) *ChatHandler {
	return &ChatHandler{Pipeline: p}
}

type chatRequest struct {
	Message string            `json:"message"`
	History []llm.ChatMessage `json:"history"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	Remaining int    `json:"remaining"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Chat handles POST /v1/chat. Rejected turns still carry a reply the client
// can show; only the status code differs.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var body chatRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	reply, err := h.Pipeline.Handle(ctx, defense.TurnRequest{
		Key:     SessionKey(r),
		Message: body.Message,
		History: body.History,
	})
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(reply.Remaining))

	if err != nil {
		status, code := chatErrorStatus(err)
		logger.Error("chat_turn_failed", zap.Error(err), zap.Int("status", status))
		writeJSON(w, status, chatResponse{Remaining: reply.Remaining, LatencyMs: reply.LatencyMs, Error: code})
		return
	}

	resp := chatResponse{Reply: reply.Reply, Remaining: reply.Remaining, LatencyMs: reply.LatencyMs}
	status := http.StatusOK
	switch reply.Outcome {
	case defense.OutcomeRateLimited:
		status = http.StatusTooManyRequests
		resp.Error = "rate_limited"
		secs := int(math.Ceil(reply.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case defense.OutcomeTooLong:
		status = http.StatusBadRequest
		resp.Error = "message_too_long"
	case defense.OutcomeTooShort:
		status = http.StatusBadRequest
		resp.Error = "message_too_short"
	}

	logger.Info("chat_turn",
		zap.String("outcome", string(reply.Outcome)),
		zap.String("model", reply.Model),
		zap.Int("remaining", reply.Remaining),
		zap.Int64("latency_ms", reply.LatencyMs),
	)
	writeJSON(w, status, resp)
}

func chatErrorStatus(err error) (int, string) {
	if status, code, ok := contextStatus(err); ok {
		return status, code
	}
	switch {
	case errors.Is(err, tier.ErrTierExhausted):
		return http.StatusServiceUnavailable, "tier_exhausted"
	case errors.Is(err, tier.ErrTerminal):
		return http.StatusBadGateway, "upstream_rejected"
	}
	return http.StatusInternalServerError, "internal_server_error"
}

// SessionKey returns the rate-limit key for r: the session header, or the
// client address without its port.
func SessionKey(r *http.Request) string {
	if sid := r.Header.Get(middleware.HeaderSessionID); sid != "" {
		return "sid:" + sid
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
