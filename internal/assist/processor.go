package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"voice-server/internal/observability"
	"voice-server/internal/voice/tools"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// maxToolRounds bounds how many times one request may loop through tool
// execution before the conversation is cut off.
const maxToolRounds = 4

var (
	ErrNoResponse         = errors.New("model returned no choices")
	ErrToolRoundsExceeded = errors.New("tool call rounds exhausted")
)

// Completer is the chat completion surface the processor depends on.
type Completer interface {
	Complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// Message is one turn of the text conversation as submitted by the client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Processor answers text chat requests with the same persona and tools as the
// voice agent, over regular chat completions instead of a realtime stream.
type Processor struct {
	completer    Completer
	model        string
	instructions string
	registry     *tools.Registry
	logger       *observability.Logger
}

func New(completer Completer, model, instructions string, registry *tools.Registry, logger *observability.Logger) *Processor {
	return &Processor{
		completer:    completer,
		model:        model,
		instructions: instructions,
		registry:     registry,
		logger:       logger,
	}
}

// Chat runs the conversation until the model answers in plain text, executing
// any tool calls it makes along the way.
func (p *Processor) Chat(ctx context.Context, history []Message) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("conversation history is empty")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(p.instructions))
	for _, m := range history {
		switch m.Role {
		case "user":
			messages = append(messages, openai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			return "", fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	toolParams := p.toolParams()
	for round := 0; round < maxToolRounds; round++ {
		completion, err := p.completer.Complete(ctx, openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(p.model),
			Messages: messages,
			Tools:    toolParams,
		})
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", ErrNoResponse
		}

		msg := completion.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		messages = append(messages, msg.ToParam())
		for _, call := range msg.ToolCalls {
			output := p.executeTool(ctx, call.ID, call.Function.Name, call.Function.Arguments)
			messages = append(messages, openai.ToolMessage(output, call.ID))
		}
	}
	return "", ErrToolRoundsExceeded
}

// executeTool runs one registered tool and renders its output for the model.
// Failures are reported back as tool output so the model can explain them.
func (p *Processor) executeTool(ctx context.Context, callID, name, args string) string {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "tool", Value: name},
		observability.Field{Key: "tool_call_id", Value: callID},
	)

	tool, ok := p.registry.Lookup(name)
	if !ok {
		p.logger.Warn(ctx, "Assist requested an unregistered tool")
		return tools.Result{Err: fmt.Errorf("%s: %w", name, tools.ErrUnknownTool)}.Output()
	}

	payload, err := tool.Handler(ctx, json.RawMessage(args))
	if err != nil {
		p.logger.WarnWithError(ctx, "Assist tool execution failed", err)
		return tools.Result{Err: err}.Output()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error(ctx, "Failed to marshal tool payload", err)
		return tools.Result{Err: fmt.Errorf("marshal tool output: %w", err)}.Output()
	}
	p.logger.Info(ctx, "Assist tool executed")
	return tools.Result{Payload: raw}.Output()
}

func (p *Processor) toolParams() []openai.ChatCompletionToolParam {
	defs := p.registry.Definitions()
	params := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		params = append(params, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: param.NewOpt(def.Description),
				Parameters:  shared.FunctionParameters(def.Parameters),
			},
		})
	}
	return params
}
