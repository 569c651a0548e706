// Package llm is the provider-agnostic language model client: a channel-based
// streaming API with typed chunks, plus adapters for Anthropic, OpenAI, and a
// deterministic mock provider.
package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
)

// Client is the interface for calling a language model provider.
type Client interface {
	// Generate sends a conversation to the model and returns a stream of
	// chunks. The returned channel is closed when the stream completes.
	// Provider failures after the stream starts are delivered as ErrorChunk
	// values in the channel.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases provider resources.
	Close() error
}

// GenerateInput is one model call.
type GenerateInput struct {
	RunID    string
	StepID   string
	Messages []ConversationMessage
	Tools    []ToolDefinition // nil = no tools

	// MaxTokens and Temperature override the provider defaults when set.
	MaxTokens   int
	Temperature *float64
}

// ConversationMessage is one turn of model input.
type ConversationMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // for assistant messages
	ToolCallID string     // for tool result messages
	ToolName   string     // for tool result messages
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall represents a model's request to call a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a chunk of the model's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a chunk of the model's internal reasoning.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this model call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals a provider failure.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// Err converts the chunk into a taxonomy error.
func (c *ErrorChunk) Err() error {
	code := caperr.Code(c.Code)
	if code == "" {
		code = caperr.CodeNetRequestFailed
	}
	return caperr.New(code, c.Message).WithRetryable(c.Retryable)
}

// send delivers one chunk unless the context ends first.
func send(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// netErrorChunk classifies a provider failure by HTTP status. Status zero
// means the request never produced a response.
func netErrorChunk(status int, err error) *ErrorChunk {
	switch {
	case status == http.StatusTooManyRequests:
		return &ErrorChunk{Message: err.Error(), Code: string(caperr.CodeNetRateLimited), Retryable: true}
	case status == 0 || status >= http.StatusInternalServerError:
		return &ErrorChunk{Message: err.Error(), Code: string(caperr.CodeNetUnavailable), Retryable: true}
	default:
		return &ErrorChunk{Message: err.Error(), Code: string(caperr.CodeNetRequestFailed), Retryable: false}
	}
}

// toolBuffer accumulates one streamed tool call until its arguments are
// complete.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

// arguments joins the streamed fragments. Argument-free calls become an
// empty JSON object.
func (tb *toolBuffer) arguments() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

// effectiveMaxTokens applies the per-call override over the provider default.
func effectiveMaxTokens(input *GenerateInput, cfg *config.LLMProviderConfig) int {
	if input.MaxTokens > 0 {
		return input.MaxTokens
	}
	return cfg.MaxTokens
}

// effectiveTemperature applies the per-call override over the provider
// default. Nil means the provider API default.
func effectiveTemperature(input *GenerateInput, cfg *config.LLMProviderConfig) *float64 {
	if input.Temperature != nil {
		return input.Temperature
	}
	return cfg.Temperature
}
