package googleai

import (
	"context"
	"fmt"

	"voice-server/internal/observability"

	"google.golang.org/genai"
)

// Client wraps the genai SDK for Gemini Live voice sessions.
type Client struct {
	client *genai.Client
	logger *observability.Logger
}

// NewClient creates a Gemini client for real-time audio sessions.
func NewClient(ctx context.Context, apiKey string, logger *observability.Logger) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}

	return &Client{
		client: client,
		logger: logger,
	}, nil
}
