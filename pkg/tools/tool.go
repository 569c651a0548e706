// Package tools is the hub's tool registry. Handlers hand the registered
// definitions to the model and route the resulting tool calls back through
// Execute, which returns failures as content the model can react to.
package tools

import (
	"context"

	"github.com/caphub/caphub/pkg/llm"
)

// Tool is one invocable capability. Definitions are advertised to the model;
// Invoke receives the parsed call arguments.
type Tool interface {
	Definition() llm.ToolDefinition
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Result is the outcome of one tool call, keyed back to the call ID the
// model issued.
type Result struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`

	// IsError marks failures that were converted to content. The
	// conversation continues; the model decides how to react.
	IsError bool `json:"is_error"`
}
