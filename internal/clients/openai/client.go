package openai

import (
	"context"
	"fmt"

	"voice-server/internal/observability"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client wraps the OpenAI SDK for text chat completions.
type Client struct {
	api    oai.Client
	logger *observability.Logger
}

func NewClient(apiKey string, logger *observability.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return &Client{
		api:    oai.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}, nil
}

// Complete performs one chat completion round trip.
func (c *Client) Complete(ctx context.Context, params oai.ChatCompletionNewParams) (*oai.ChatCompletion, error) {
	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}
	c.logger.Debug(observability.WithFields(ctx,
		observability.Field{Key: "model", Value: completion.Model},
		observability.Field{Key: "total_tokens", Value: completion.Usage.TotalTokens},
	), "Chat completion finished")
	return completion, nil
}
