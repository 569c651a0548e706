package handlers

import (
	"context"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
)

const reasoningInstructions = "Think through the problem step by step before giving your final answer."

// ReasoningHandler runs a single model call tuned for deliberate multi-step
// answers. Thinking output, when the provider streams it, is preserved in
// the outcome data.
type ReasoningHandler struct{}

func NewReasoningHandler() *ReasoningHandler { return &ReasoningHandler{} }

func (*ReasoningHandler) Meta() models.HandlerMeta {
	return models.HandlerMeta{
		Name:        "core.reasoning",
		Version:     "1.0.0",
		Operation:   models.OperationReasoning,
		Description: "Step-by-step reasoning over a question.",
		Priority:    10,
	}
}

func (h *ReasoningHandler) Handle(ctx context.Context, hctx *Context) (*Outcome, error) {
	msgs := buildConversation(hctx, reasoningInstructions)
	if len(hctx.Input.Messages) == 0 {
		question := payloadString(hctx.Input.Payload, "question", "query")
		if question == "" {
			return nil, caperr.New(caperr.CodeValidInput, "reasoning: no messages and no question payload")
		}
		msgs = append(msgs, llm.ConversationMessage{Role: "user", Content: question})
	}

	step, done, err := beginStep(ctx, hctx, models.Step{
		Type: models.StepTypeLLMCall,
		Name: "reason",
	})
	if err != nil {
		return nil, err
	}
	if done {
		out := &Outcome{Response: payloadString(step.Output, "response")}
		if thinking := payloadString(step.Output, "thinking"); thinking != "" {
			out.Data = map[string]any{"thinking": thinking}
		}
		return out, nil
	}

	result, err := callModel(ctx, hctx, step.ID, &llm.GenerateInput{Messages: msgs})
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}

	output := map[string]any{"response": result.Text}
	var data map[string]any
	if result.Thinking != "" {
		output["thinking"] = result.Thinking
		data = map[string]any{"thinking": result.Thinking}
	}

	err = hctx.Control.CompleteStep(ctx, step.ID, StepResult{
		Output: output,
		Usage:  usageOf(result),
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{Response: result.Text, Data: data}, nil
}
