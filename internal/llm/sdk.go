package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"csec-tutor-engine/internal/tier"
)

type sdkClient struct {
	cfg    Config
	api    *openai.Client
	logger *zap.Logger
}

// NewSDKClient builds a Client on top of go-openai. BaseURL is the provider
// root; "/v1" is appended the same way the HTTP client does.
func NewSDKClient(cfg Config, logger *zap.Logger) (Client, error) {
	cfg = cfg.WithDefaults()
	cfg.Flavor = FlavorSDK
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL + "/v1"
	oc.HTTPClient = httpClientFor(cfg)

	return &sdkClient{
		cfg:    cfg,
		api:    openai.NewClientWithConfig(oc),
		logger: logger.Named("llmclient.sdk"),
	}, nil
}

func (c *sdkClient) ChatCompletion(parentCtx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if err := checkRequest(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	for _, m := range req.Messages {
		oreq.Messages = append(oreq.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(ctx, oreq)
	if err != nil {
		err = classifySDKError(parentCtx, req.Model, err)
		c.logger.Warn("llm request failed",
			zap.String("model", req.Model),
			zap.String("fault", tier.Classify(err).String()),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, tier.Transient(errors.New("llmclient: provider returned no choices"))
	}

	out := &ChatResponse{
		ID:      resp.ID,
		Created: time.Unix(resp.Created, 0),
		Model:   resp.Model,
		Choices: make([]ChatChoice, 0, len(resp.Choices)),
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, ChatChoice{
			Index:        ch.Index,
			Message:      ChatMessage{Role: ch.Message.Role, Content: ch.Message.Content},
			FinishReason: string(ch.FinishReason),
		})
	}

	c.logger.Info("llm request completed",
		zap.String("model", out.Model),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func classifySDKError(parent context.Context, model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{
			Model:   model,
			Status:  apiErr.HTTPStatusCode,
			Type:    apiErr.Type,
			Message: apiErr.Message,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{
			Model:   model,
			Status:  reqErr.HTTPStatusCode,
			Message: truncate(string(reqErr.Body), 200),
		}
	}

	return classifyTransportError(parent, err)
}
