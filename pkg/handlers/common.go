package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
)

// systemPrompt composes the system turn. The leading sentence names the
// agent; the scripted mock provider routes on it.
func systemPrompt(agent *models.Agent, instructions string) string {
	name := agent.Name
	if name == "" {
		name = agent.AgentID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", name)
	if agent.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(agent.Description)
	}
	if instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(instructions)
	}
	return b.String()
}

// buildConversation assembles the model input: system turn, thread summary
// when one exists, then the effective input messages. Thread messages are
// already materialized into Input.Messages by the executor, so the window
// contributes only its summary here.
func buildConversation(hctx *Context, instructions string) []llm.ConversationMessage {
	msgs := []llm.ConversationMessage{
		{Role: "system", Content: systemPrompt(hctx.Agent, instructions)},
	}
	if hctx.Window != nil && hctx.Window.Summary != "" {
		msgs = append(msgs, llm.ConversationMessage{
			Role:    "system",
			Content: "Summary of the conversation so far:\n" + hctx.Window.Summary,
		})
	}
	for _, m := range hctx.Input.Messages {
		msgs = append(msgs, llm.ConversationMessage{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

// beginStep adds the run's next step and reports whether a previous attempt
// already completed it. A replayed step arrives terminal with its recorded
// output; the caller reuses that output instead of redoing the work.
func beginStep(ctx context.Context, hctx *Context, step models.Step) (*models.Step, bool, error) {
	s, err := hctx.Control.AddStep(ctx, step)
	if err != nil {
		return nil, false, err
	}
	return s, s.Status.Terminal(), nil
}

// callModel runs one model call to completion, forwarding text fragments to
// the event stream as they arrive.
func callModel(ctx context.Context, hctx *Context, stepID string, input *llm.GenerateInput) (*llm.Result, error) {
	input.RunID = hctx.Run.ID
	input.StepID = stepID

	ch, err := hctx.LLM.Generate(ctx, input)
	if err != nil {
		return nil, err
	}

	var acc llm.Accumulator
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if err := acc.Err(); err != nil {
					return nil, err
				}
				return acc.Result(), nil
			}
			if text, isText := chunk.(*llm.TextChunk); isText {
				hctx.Control.EmitToken(stepID, text.Content)
			}
			acc.Add(chunk)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// failStep records a step failure best-effort and hands the original error
// back for the run.
func failStep(ctx context.Context, hctx *Context, stepID string, err error) error {
	if cerr := hctx.Control.CompleteStep(ctx, stepID, StepResult{Error: stepError(err)}); cerr != nil {
		slog.Warn("Failed to record step failure", "step_id", stepID, "error", cerr)
	}
	return err
}

// stepError converts an error into its persisted step form.
func stepError(err error) *models.StepError {
	e := caperr.From(err)
	return &models.StepError{
		Code:      string(e.Code),
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Context,
	}
}

// usageOf converts a drained result's usage to the run model.
func usageOf(result *llm.Result) models.TokenUsage {
	return models.TokenUsage{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		TotalTokens:  result.Usage.TotalTokens,
	}
}

// payloadString returns the first non-blank string under any of the keys.
func payloadString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// payloadStrings reads a string list that may arrive as []any or []string.
func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// payloadInt reads an integer that may arrive as a JSON float64.
func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// lastUserMessage returns the content of the newest user turn in the
// effective input.
func lastUserMessage(input models.RunInput) string {
	for i := len(input.Messages) - 1; i >= 0; i-- {
		if input.Messages[i].Role == models.RoleUser && input.Messages[i].Content != "" {
			return input.Messages[i].Content
		}
	}
	return ""
}
