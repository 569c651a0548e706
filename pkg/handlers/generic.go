package handlers

import (
	"context"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
)

// GenericHandler answers the conversation with a single model call.
type GenericHandler struct{}

func NewGenericHandler() *GenericHandler { return &GenericHandler{} }

func (*GenericHandler) Meta() models.HandlerMeta {
	return models.HandlerMeta{
		Name:        "core.generic",
		Version:     "1.0.0",
		Operation:   models.OperationGeneric,
		Description: "Single model call over the conversation.",
	}
}

func (h *GenericHandler) Handle(ctx context.Context, hctx *Context) (*Outcome, error) {
	msgs := buildConversation(hctx, "")
	if len(hctx.Input.Messages) == 0 {
		text := payloadString(hctx.Input.Payload, "message", "request")
		if text == "" {
			return nil, caperr.New(caperr.CodeValidInput, "generic: no messages and no message payload")
		}
		msgs = append(msgs, llm.ConversationMessage{Role: "user", Content: text})
	}

	step, done, err := beginStep(ctx, hctx, models.Step{
		Type: models.StepTypeLLMCall,
		Name: "generate",
	})
	if err != nil {
		return nil, err
	}
	if done {
		return &Outcome{Response: payloadString(step.Output, "response")}, nil
	}

	result, err := callModel(ctx, hctx, step.ID, &llm.GenerateInput{Messages: msgs})
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}

	err = hctx.Control.CompleteStep(ctx, step.ID, StepResult{
		Output: map[string]any{"response": result.Text},
		Usage:  usageOf(result),
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{Response: result.Text}, nil
}
