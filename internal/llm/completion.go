package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"csec-tutor-engine/internal/tier"
)

const (
	maxRequestSize = 2 * 1024 * 1024 // 2MB total JSON payload
	maxMessageSize = 512 * 1024      // 512KB per message content
)

// checkRequest applies the local guards shared by both client flavours.
// Failures are caller-side and therefore terminal.
func checkRequest(req *ChatRequest) error {
	if req == nil {
		return tier.Terminal(errors.New("llmclient: request is nil"))
	}
	if err := req.Validate(); err != nil {
		return tier.Terminal(fmt.Errorf("llmclient: invalid request: %w", err))
	}
	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return tier.Terminal(fmt.Errorf(
				"llmclient: message[%d] content too large (%d bytes, max %d)",
				i, len(m.Content), maxMessageSize,
			))
		}
	}
	return nil
}

// ChatCompletion makes exactly one upstream attempt.
func (c *client) ChatCompletion(parentCtx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if err := checkRequest(req); err != nil {
		return nil, err
	}

	c.logger.Debug("llm request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	pReq := providerChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}

	bodyBytes, err := json.Marshal(pReq)
	if err != nil {
		return nil, tier.Terminal(fmt.Errorf("llmclient: marshal request: %w", err))
	}
	if len(bodyBytes) > maxRequestSize {
		return nil, tier.Terminal(fmt.Errorf(
			"llmclient: request too large (%d bytes, max %d)",
			len(bodyBytes), maxRequestSize,
		))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, tier.Terminal(fmt.Errorf("llmclient: build HTTP request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		err = classifyTransportError(parentCtx, err)
		c.logger.Warn("llm request failed",
			zap.String("model", req.Model),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := statusErrorFrom(req.Model, resp)
		c.logger.Warn("llm upstream error",
			zap.String("model", req.Model),
			zap.Int("status", serr.Status),
			zap.String("error_type", serr.Type),
			zap.String("fault", tier.Classify(serr).String()),
			zap.Duration("retry_after", serr.RetryAfter),
		)
		return nil, serr
	}

	var pResp providerChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, tier.Transient(fmt.Errorf("llmclient: decode upstream response: %w", err))
	}

	if len(pResp.Choices) == 0 {
		c.logger.Error("llm provider returned no choices",
			zap.String("model", req.Model),
		)
		return nil, tier.Transient(errors.New("llmclient: provider returned no choices"))
	}

	out := &ChatResponse{
		ID:      pResp.ID,
		Created: time.Unix(pResp.Created, 0),
		Model:   pResp.Model,
		Choices: make([]ChatChoice, 0, len(pResp.Choices)),
	}

	for _, ch := range pResp.Choices {
		out.Choices = append(out.Choices, ChatChoice{
			Index:        ch.Index,
			Message:      ch.Message,
			FinishReason: ch.FinishReason,
		})
	}

	// Always include usage (even if zero)
	out.Usage = &Usage{}
	if pResp.Usage != nil {
		out.Usage.PromptTokens = pResp.Usage.PromptTokens
		out.Usage.CompletionTokens = pResp.Usage.CompletionTokens
		out.Usage.TotalTokens = pResp.Usage.TotalTokens
	}

	c.logger.Info("llm request completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

func statusErrorFrom(model string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	serr := &StatusError{
		Model:      model,
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp),
	}

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		serr.Message = perr.Error.Message
		serr.Type = perr.Error.Type
	} else {
		serr.Message = truncate(string(body), 200)
	}
	return serr
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
