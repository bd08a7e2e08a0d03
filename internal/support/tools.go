package support

import (
	"context"
	"encoding/json"
	"fmt"

	"voice-server/internal/voice/tools"
)

type clientLookupArgs struct {
	ClientID string `json:"client_id"`
}

type createCaseArgs struct {
	ClientID    string `json:"client_id"`
	Description string `json:"description"`
}

type summaryArgs struct {
	ClientID            string `json:"client_id"`
	ConversationSummary string `json:"conversation_summary"`
}

// Tools lists the support-desk tools in the order they are advertised to the
// agent.
func (s *Service) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: tools.Definition{
				Name:        "get_client_products_by_client_id",
				Description: "Look up a client's products and open support cases by their client ID.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"client_id": map[string]any{
							"type":        "string",
							"description": "The client's identifier, for example CL-1001.",
						},
					},
					"required": []string{"client_id"},
				},
			},
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args clientLookupArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
				return s.GetClientProducts(ctx, args.ClientID)
			},
		},
		{
			Definition: tools.Definition{
				Name:        "create_support_case",
				Description: "Open a support case for a client so the support team can follow up after the call.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"client_id": map[string]any{
							"type":        "string",
							"description": "The client's identifier.",
						},
						"description": map[string]any{
							"type":        "string",
							"description": "A short description of the client's problem.",
						},
					},
					"required": []string{"client_id", "description"},
				},
			},
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args createCaseArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
				return s.CreateSupportCase(ctx, args.ClientID, args.Description)
			},
		},
		{
			Definition: tools.Definition{
				Name:        "send_conversation_summary",
				Description: "Email the client a written summary of this conversation. Use before ending the call.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"client_id": map[string]any{
							"type":        "string",
							"description": "The client's identifier.",
						},
						"conversation_summary": map[string]any{
							"type":        "string",
							"description": "A concise summary of what was discussed and any next steps.",
						},
					},
					"required": []string{"client_id", "conversation_summary"},
				},
			},
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args summaryArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
				return s.SendConversationSummary(ctx, args.ClientID, args.ConversationSummary)
			},
		},
	}
}

// RegisterTools installs the support tools into the registry advertised to
// agent sessions.
func (s *Service) RegisterTools(registry *tools.Registry) error {
	for _, tool := range s.Tools() {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Definition.Name, err)
		}
	}
	return nil
}
