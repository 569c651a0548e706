package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
)

const classificationInstructions = "Classify the text into exactly one of the given categories. Respond with the category name only, nothing else."

// ClassificationHandler asks the model to pick one of the caller's
// categories and normalizes the answer back onto the category list.
type ClassificationHandler struct{}

func NewClassificationHandler() *ClassificationHandler { return &ClassificationHandler{} }

func (*ClassificationHandler) Meta() models.HandlerMeta {
	return models.HandlerMeta{
		Name:        "core.classification",
		Version:     "1.0.0",
		Operation:   models.OperationClassification,
		Description: "Single-label classification against caller-supplied categories.",
	}
}

func (h *ClassificationHandler) Handle(ctx context.Context, hctx *Context) (*Outcome, error) {
	text := payloadString(hctx.Input.Payload, "text")
	if text == "" {
		text = lastUserMessage(hctx.Input)
	}
	if text == "" {
		return nil, caperr.New(caperr.CodeValidField, "classification: text is required")
	}
	categories := payloadStrings(hctx.Input.Payload, "categories")
	if len(categories) == 0 {
		return nil, caperr.New(caperr.CodeValidField, "classification: categories are required")
	}

	var prompt strings.Builder
	prompt.WriteString("Categories:\n")
	for _, c := range categories {
		fmt.Fprintf(&prompt, "- %s\n", c)
	}
	prompt.WriteString("\nText:\n")
	prompt.WriteString(text)

	msgs := append(buildConversation(hctx, classificationInstructions),
		llm.ConversationMessage{Role: "user", Content: prompt.String()})

	step, done, err := beginStep(ctx, hctx, models.Step{
		Type:  models.StepTypeLLMCall,
		Name:  "classify",
		Input: map[string]any{"categories": categories},
	})
	if err != nil {
		return nil, err
	}
	if done {
		category := payloadString(step.Output, "category")
		matched, _ := step.Output["matched"].(bool)
		return &Outcome{
			Response: category,
			Data: map[string]any{
				"category":   category,
				"matched":    matched,
				"categories": categories,
			},
		}, nil
	}

	result, err := callModel(ctx, hctx, step.ID, &llm.GenerateInput{Messages: msgs})
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}

	category, matched := matchCategory(result.Text, categories)

	err = hctx.Control.CompleteStep(ctx, step.ID, StepResult{
		Output: map[string]any{"category": category, "matched": matched},
		Usage:  usageOf(result),
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Response: category,
		Data: map[string]any{
			"category":   category,
			"matched":    matched,
			"categories": categories,
		},
	}, nil
}

// matchCategory maps a model answer onto the category list. Exact match
// after trimming wins; otherwise a category the answer contains. Unmatched
// answers come back raw with matched false so callers can decide.
func matchCategory(answer string, categories []string) (string, bool) {
	cleaned := strings.ToLower(strings.Trim(strings.TrimSpace(answer), `"'.`))
	for _, c := range categories {
		if strings.ToLower(c) == cleaned {
			return c, true
		}
	}
	for _, c := range categories {
		if strings.Contains(cleaned, strings.ToLower(c)) {
			return c, true
		}
	}
	return strings.TrimSpace(answer), false
}
