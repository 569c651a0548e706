package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
)

const extractionInstructions = "Extract the requested fields from the text. Respond with a single JSON object that conforms to the schema. No prose, no code fences."

// ExtractionHandler asks the model for structured output and validates it
// against the caller's JSON Schema before accepting it.
type ExtractionHandler struct{}

func NewExtractionHandler() *ExtractionHandler { return &ExtractionHandler{} }

func (*ExtractionHandler) Meta() models.HandlerMeta {
	return models.HandlerMeta{
		Name:        "core.extraction",
		Version:     "1.0.0",
		Operation:   models.OperationExtraction,
		Description: "Schema-validated structured extraction.",
	}
}

func (h *ExtractionHandler) Handle(ctx context.Context, hctx *Context) (*Outcome, error) {
	text := payloadString(hctx.Input.Payload, "text")
	if text == "" {
		text = lastUserMessage(hctx.Input)
	}
	if text == "" {
		return nil, caperr.New(caperr.CodeValidField, "extraction: text is required")
	}
	rawSchema, ok := hctx.Input.Payload["schema"]
	if !ok {
		return nil, caperr.New(caperr.CodeValidField, "extraction: schema is required")
	}

	schema, schemaJSON, err := compileSchema(rawSchema)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("Schema:\n%s\n\nText:\n%s", schemaJSON, text)
	msgs := append(buildConversation(hctx, extractionInstructions),
		llm.ConversationMessage{Role: "user", Content: prompt})

	step, done, err := beginStep(ctx, hctx, models.Step{
		Type:  models.StepTypeLLMCall,
		Name:  "extract",
		Input: map[string]any{"schema": rawSchema},
	})
	if err != nil {
		return nil, err
	}
	if done {
		extracted := step.Output["extracted"]
		response, _ := json.Marshal(extracted)
		return &Outcome{
			Response: string(response),
			Data:     map[string]any{"extracted": extracted},
		}, nil
	}

	result, err := callModel(ctx, hctx, step.ID, &llm.GenerateInput{Messages: msgs})
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}

	extracted, err := decodeExtraction(result.Text, schema)
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}

	err = hctx.Control.CompleteStep(ctx, step.ID, StepResult{
		Output: map[string]any{"extracted": extracted},
		Usage:  usageOf(result),
	})
	if err != nil {
		return nil, err
	}

	response, _ := json.Marshal(extracted)
	return &Outcome{
		Response: string(response),
		Data:     map[string]any{"extracted": extracted},
	}, nil
}

// compileSchema accepts the schema as a decoded map or a JSON string and
// compiles it. The marshaled form is returned for the prompt.
func compileSchema(raw any) (*jsonschema.Schema, string, error) {
	var doc any
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			return nil, "", caperr.Wrap(caperr.CodeValidSchema, "extraction: schema is not valid JSON", err)
		}
	default:
		doc = raw
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, "", caperr.Wrap(caperr.CodeValidSchema, "extraction: schema is not encodable", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, "", caperr.Wrap(caperr.CodeValidSchema, "extraction: schema rejected", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, "", caperr.Wrap(caperr.CodeValidSchema, "extraction: schema does not compile", err)
	}
	return schema, string(encoded), nil
}

// decodeExtraction parses the model answer and validates it against the
// schema. Code fences are stripped first; models add them despite
// instructions.
func decodeExtraction(answer string, schema *jsonschema.Schema) (any, error) {
	cleaned := stripCodeFence(answer)

	var extracted any
	if err := json.Unmarshal([]byte(cleaned), &extracted); err != nil {
		return nil, caperr.Wrap(caperr.CodeValidSchema, "extraction: model output is not valid JSON", err)
	}
	if err := schema.Validate(extracted); err != nil {
		return nil, caperr.Wrap(caperr.CodeValidSchema, "extraction: output does not match schema", err)
	}
	return extracted, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
