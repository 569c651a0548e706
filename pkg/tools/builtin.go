package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/retrieval"
)

// EchoTool returns its input unchanged. It exists so routing, tool dispatch
// and result plumbing can be exercised without external dependencies.
type EchoTool struct{}

func NewEchoTool() *EchoTool { return &EchoTool{} }

func (*EchoTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "echo",
		Description: "Returns the given text unchanged.",
		ParametersSchema: `{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Text to echo back."}
			},
			"required": ["text"]
		}`,
	}
}

func (*EchoTool) Invoke(_ context.Context, args map[string]any) (string, error) {
	text, ok := args["text"].(string)
	if !ok {
		// Sloppy callers put the payload under input.
		if text, ok = args["input"].(string); !ok {
			return "", fmt.Errorf("echo: text argument is required")
		}
	}
	return text, nil
}

// TimeTool reports the current time. The clock is injectable for tests.
type TimeTool struct {
	now func() time.Time
}

func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

func (*TimeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:             "time_now",
		Description:      "Returns the current UTC time in RFC 3339 format.",
		ParametersSchema: `{"type": "object", "properties": {}}`,
	}
}

func (t *TimeTool) Invoke(_ context.Context, _ map[string]any) (string, error) {
	return t.now().UTC().Format(time.RFC3339), nil
}

// KnowledgeSearchTool exposes the retrieval store to the model.
type KnowledgeSearchTool struct {
	store retrieval.Store
}

func NewKnowledgeSearchTool(store retrieval.Store) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{store: store}
}

func (*KnowledgeSearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "knowledge_search",
		Description: "Searches the knowledge store and returns matching documents with similarity scores.",
		ParametersSchema: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Search text."},
				"top_k": {"type": "integer", "description": "Maximum number of results."},
				"context_ids": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Restrict the search to these knowledge contexts."
				}
			},
			"required": ["query"]
		}`,
	}
}

type knowledgeHit struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Similarity float32           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (t *KnowledgeSearchTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("knowledge_search: query argument is required")
	}
	opts := retrieval.SearchOptions{
		TopK:       intArg(args, "top_k"),
		ContextIDs: stringSliceArg(args, "context_ids"),
	}

	results, err := t.store.Search(ctx, query, opts)
	if err != nil {
		return "", err
	}

	hits := make([]knowledgeHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, knowledgeHit{
			ID:         r.Document.ID,
			Content:    r.Document.Content,
			Similarity: r.Similarity,
			Metadata:   r.Document.Metadata,
		})
	}
	encoded, err := json.Marshal(hits)
	if err != nil {
		return "", fmt.Errorf("knowledge_search: encode results: %w", err)
	}
	return string(encoded), nil
}

// intArg reads an integer argument that may arrive as a JSON float64 or a
// coerced int64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
