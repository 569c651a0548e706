package threads

import (
	"context"
	"fmt"
	"strings"

	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
)

const summarizeInstructions = "Summarize the conversation below into a compact prose summary. " +
	"Keep decisions, open questions, and stated facts. Drop greetings and filler. " +
	"When a previous summary is given, fold the new messages into it instead of starting over."

// LLMSummarizer folds thread history through a language model.
type LLMSummarizer struct {
	client    llm.Client
	maxTokens int
}

// NewLLMSummarizer wraps an LLM client as a Summarizer. maxTokens <= 0
// uses the provider default.
func NewLLMSummarizer(client llm.Client, maxTokens int) *LLMSummarizer {
	return &LLMSummarizer{client: client, maxTokens: maxTokens}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, messages []*models.Message, previous string) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\nNew messages:\n")
	}
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	ch, err := s.client.Generate(ctx, &llm.GenerateInput{
		Messages: []llm.ConversationMessage{
			{Role: "system", Content: summarizeInstructions},
			{Role: "user", Content: b.String()},
		},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", err
	}
	result, err := llm.Drain(ctx, ch)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}
