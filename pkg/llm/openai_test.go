package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
)

// chatStreamServer serves a scripted chat completions stream, one data line
// per chunk, terminated with [DONE].
func chatStreamServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server
}

func openAITestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	t.Setenv("CAPHUB_TEST_OPENAI_KEY", "test-key")
	client, err := NewOpenAIClient(&config.LLMProviderConfig{
		Type:      config.LLMProviderOpenAI,
		Model:     "gpt-4o",
		APIKeyEnv: "CAPHUB_TEST_OPENAI_KEY",
		BaseURL:   baseURL + "/v1",
		MaxTokens: 256,
	})
	require.NoError(t, err)
	return client
}

func TestOpenAIClientStreamsChunks(t *testing.T) {
	server := chatStreamServer(t,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"hello "}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"world"}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":\"x\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":4,"total_tokens":15}}`,
	)
	client := openAITestClient(t, server.URL)

	ch, err := client.Generate(context.Background(), &GenerateInput{RunID: "run-1", Messages: userMessage("find x")})
	require.NoError(t, err)

	res, err := Drain(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "search", Arguments: `{"q":"x"}`}, res.ToolCalls[0])
	assert.Equal(t, UsageChunk{InputTokens: 11, OutputTokens: 4, TotalTokens: 15}, res.Usage)
}

func TestOpenAIClientRateLimitAtCallTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	}))
	t.Cleanup(server.Close)
	client := openAITestClient(t, server.URL)

	_, err := client.Generate(context.Background(), &GenerateInput{Messages: userMessage("hi")})
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeNetRateLimited))
	assert.True(t, caperr.IsRetryable(err))
}

func TestOpenAIClientMalformedStreamChunk(t *testing.T) {
	server := chatStreamServer(t,
		`{"choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`not-json`,
	)
	client := openAITestClient(t, server.URL)

	ch, err := client.Generate(context.Background(), &GenerateInput{Messages: userMessage("hi")})
	require.NoError(t, err)

	_, err = Drain(context.Background(), ch)
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeNetUnavailable))
}

func TestOpenAIClientPreparesRequest(t *testing.T) {
	temp := 0.3
	client := &OpenAIClient{cfg: &config.LLMProviderConfig{
		Type:      config.LLMProviderOpenAI,
		Model:     "gpt-4o",
		MaxTokens: 256,
	}}

	req, err := client.prepareRequest(&GenerateInput{
		Messages: []ConversationMessage{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "find x"},
			{Role: "assistant", Content: "", ToolCalls: []ToolCall{{ID: "c1", Name: "search", Arguments: `{"q":"x"}`}}},
			{Role: "tool", Content: `{"ok":true}`, ToolCallID: "c1", ToolName: "search"},
		},
		Tools:       []ToolDefinition{{Name: "lookup", Description: "Look things up", ParametersSchema: `{"type":"object"}`}},
		Temperature: &temp,
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, float32(0.3), req.Temperature)
	require.NotNil(t, req.StreamOptions)
	assert.True(t, req.StreamOptions.IncludeUsage)

	require.Len(t, req.Messages, 4)
	assistant := req.Messages[2]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, openai.ToolTypeFunction, assistant.ToolCalls[0].Type)
	assert.Equal(t, "search", assistant.ToolCalls[0].Function.Name)
	toolMsg := req.Messages[3]
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.Equal(t, "search", toolMsg.Name)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Function.Name)
}

func TestOpenAIClientValidatesInput(t *testing.T) {
	client := &OpenAIClient{cfg: &config.LLMProviderConfig{Type: config.LLMProviderOpenAI, Model: "gpt-4o"}}

	_, err := client.prepareRequest(nil)
	require.Error(t, err)

	_, err = client.prepareRequest(&GenerateInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages")

	noModel := &OpenAIClient{cfg: &config.LLMProviderConfig{Type: config.LLMProviderOpenAI}}
	_, err = noModel.prepareRequest(&GenerateInput{Messages: userMessage("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}
