package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
)

// MessagesClient is the subset of the Anthropic SDK used by the adapter. It
// is satisfied by *sdk.MessageService so tests can substitute a stub.
type MessagesClient interface {
	NewStreaming(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	messages MessagesClient
	cfg      *config.LLMProviderConfig
}

// NewAnthropicClient builds a client from a provider entry, reading the API
// key from the configured environment variable.
func NewAnthropicClient(cfg *config.LLMProviderConfig) (*AnthropicClient, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("anthropic: %s is not set", keyEnv)
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	ac := sdk.NewClient(opts...)
	return &AnthropicClient{messages: &ac.Messages, cfg: cfg}, nil
}

// NewAnthropicClientWith injects the SDK surface directly, for tests.
func NewAnthropicClientWith(messages MessagesClient, cfg *config.LLMProviderConfig) *AnthropicClient {
	return &AnthropicClient{messages: messages, cfg: cfg}
}

// Generate starts a streaming completion and translates SDK events into
// chunks.
func (c *AnthropicClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	params, err := c.prepareParams(input)
	if err != nil {
		return nil, err
	}
	stream := c.messages.NewStreaming(ctx, *params)
	slog.Debug("LLM stream started", "provider", "anthropic", "model", c.cfg.Model, "run_id", input.RunID)

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		tools := make(map[int]*toolBuffer)
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					tools[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
				}
			case sdk.ContentBlockDeltaEvent:
				idx := int(ev.Index)
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text != "" && !send(ctx, ch, &TextChunk{Content: delta.Text}) {
						return
					}
				case sdk.InputJSONDelta:
					if tb := tools[idx]; tb != nil && delta.PartialJSON != "" {
						tb.fragments = append(tb.fragments, delta.PartialJSON)
					}
				case sdk.ThinkingDelta:
					if delta.Thinking != "" && !send(ctx, ch, &ThinkingChunk{Content: delta.Thinking}) {
						return
					}
				}
			case sdk.ContentBlockStopEvent:
				if tb := tools[int(ev.Index)]; tb != nil {
					delete(tools, int(ev.Index))
					call := &ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: tb.arguments()}
					if !send(ctx, ch, call) {
						return
					}
				}
			case sdk.MessageDeltaEvent:
				usage := &UsageChunk{
					InputTokens:  int(ev.Usage.InputTokens),
					OutputTokens: int(ev.Usage.OutputTokens),
					TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
				}
				if !send(ctx, ch, usage) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, anthropicErrorChunk(err))
		}
	}()
	return ch, nil
}

// Close implements Client. The SDK holds no connection state.
func (c *AnthropicClient) Close() error { return nil }

func (c *AnthropicClient) prepareParams(input *GenerateInput) (*sdk.MessageNewParams, error) {
	if input == nil || len(input.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	if c.cfg.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	maxTokens := effectiveMaxTokens(input, c.cfg)
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	msgs, system, err := encodeAnthropicMessages(input.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.cfg.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(input.Tools) > 0 {
		tools, err := encodeAnthropicTools(input.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if t := effectiveTemperature(input, c.cfg); t != nil {
		params.Temperature = sdk.Float(*t)
	}
	return &params, nil
}

// encodeAnthropicMessages splits system turns out of the conversation; the
// Messages API carries them as a separate parameter.
func encodeAnthropicMessages(msgs []ConversationMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case "tool":
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool result message missing tool_call_id")
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return conversation, system, nil
}

func encodeAnthropicTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := anthropicInputSchema(def.ParametersSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func anthropicInputSchema(raw string) (sdk.ToolInputSchemaParam, error) {
	if raw == "" {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func anthropicErrorChunk(err error) *ErrorChunk {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ErrorChunk{Message: err.Error(), Code: string(caperr.CodeTimeoutOperation), Retryable: true}
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return netErrorChunk(apierr.StatusCode, err)
	}
	return netErrorChunk(0, err)
}
