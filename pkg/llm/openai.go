package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
)

// OpenAIClient implements Client over the OpenAI Chat Completions API.
type OpenAIClient struct {
	client *openai.Client
	cfg    *config.LLMProviderConfig
}

// NewOpenAIClient builds a client from a provider entry, reading the API key
// from the configured environment variable.
func NewOpenAIClient(cfg *config.LLMProviderConfig) (*OpenAIClient, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("openai: %s is not set", keyEnv)
	}
	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Generate starts a streaming chat completion and translates stream deltas
// into chunks.
func (c *OpenAIClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	req, err := c.prepareRequest(input)
	if err != nil {
		return nil, err
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		return nil, openaiErrorChunk(err).Err()
	}
	slog.Debug("LLM stream started", "provider", "openai", "model", req.Model, "run_id", input.RunID)

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		calls := make(map[int]*toolBuffer)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				flushToolCalls(ctx, ch, calls)
				return
			}
			if err != nil {
				send(ctx, ch, openaiErrorChunk(err))
				return
			}
			if resp.Usage != nil {
				usage := &UsageChunk{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}
				if !send(ctx, ch, usage) {
					return
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				if !send(ctx, ch, &TextChunk{Content: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				buf := calls[idx]
				if buf == nil {
					buf = &toolBuffer{}
					calls[idx] = buf
				}
				if tc.ID != "" {
					buf.id = tc.ID
				}
				if tc.Function.Name != "" {
					buf.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					buf.fragments = append(buf.fragments, tc.Function.Arguments)
				}
			}
			if choice.FinishReason == openai.FinishReasonToolCalls {
				if !flushToolCalls(ctx, ch, calls) {
					return
				}
			}
		}
	}()
	return ch, nil
}

// Close implements Client. The SDK holds no connection state.
func (c *OpenAIClient) Close() error { return nil }

func (c *OpenAIClient) prepareRequest(input *GenerateInput) (*openai.ChatCompletionRequest, error) {
	if input == nil || len(input.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	if c.cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	req := openai.ChatCompletionRequest{
		Model:         c.cfg.Model,
		Messages:      encodeOpenAIMessages(input.Messages),
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if maxTokens := effectiveMaxTokens(input, c.cfg); maxTokens > 0 {
		req.MaxTokens = maxTokens
	}
	if t := effectiveTemperature(input, c.cfg); t != nil {
		req.Temperature = float32(*t)
	}
	if len(input.Tools) > 0 {
		req.Tools = encodeOpenAITools(input.Tools)
	}
	return &req, nil
}

func encodeOpenAIMessages(msgs []ConversationMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		if m.Role == "tool" {
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.ToolName
		}
		out = append(out, cm)
	}
	return out
}

func encodeOpenAITools(defs []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		fd := &openai.FunctionDefinition{Name: def.Name, Description: def.Description}
		if def.ParametersSchema != "" {
			fd.Parameters = json.RawMessage(def.ParametersSchema)
		}
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: fd})
	}
	return out
}

// flushToolCalls emits buffered tool calls in index order and clears the
// buffer. OpenAI finalizes all calls of a turn at once via finish_reason.
func flushToolCalls(ctx context.Context, ch chan<- Chunk, calls map[int]*toolBuffer) bool {
	if len(calls) == 0 {
		return true
	}
	idxs := make([]int, 0, len(calls))
	for idx := range calls {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		tb := calls[idx]
		if !send(ctx, ch, &ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: tb.arguments()}) {
			return false
		}
	}
	clear(calls)
	return true
}

func openaiErrorChunk(err error) *ErrorChunk {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ErrorChunk{Message: err.Error(), Code: string(caperr.CodeTimeoutOperation), Retryable: true}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return netErrorChunk(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return netErrorChunk(reqErr.HTTPStatusCode, err)
	}
	return netErrorChunk(0, err)
}
