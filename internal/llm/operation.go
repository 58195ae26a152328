package llm

import (
	"context"
	"errors"

	"csec-tutor-engine/internal/tier"
)

// Params carries the sampling options shared by every candidate of a tier.
type Params struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
}

// Operation adapts a Client to tier.Operation: each candidate gets the same
// messages with its own model id.
func Operation(c Client, messages []ChatMessage, p Params) tier.Operation {
	return func(ctx context.Context, modelID string) (string, error) {
		resp, err := c.ChatCompletion(ctx, &ChatRequest{
			Model:       modelID,
			Messages:    messages,
			Temperature: p.Temperature,
			TopP:        p.TopP,
			MaxTokens:   p.MaxTokens,
		})
		if err != nil {
			return "", err
		}
		text := resp.Text()
		if text == "" {
			return "", tier.Transient(errors.New("llmclient: empty completion"))
		}
		return text, nil
	}
}
