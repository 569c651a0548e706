package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/masking"
)

// Registry holds the tools available to handlers. Registration happens at
// boot; Execute runs concurrently with it during tests, so access is locked.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	masker *masking.Service
}

// NewRegistry creates an empty registry. The masker, when present, scrubs
// tool output before it reaches the model or the event stream.
func NewRegistry(masker *masking.Service) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		masker: masker,
	}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(tool Tool) error {
	def := tool.Definition()
	if def.Name == "" {
		return caperr.New(caperr.CodeValidInput, "tools: tool name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return caperr.Newf(caperr.CodeValidInput, "tools: %q is already registered", def.Name)
	}
	r.tools[def.Name] = tool
	slog.Debug("Tool registered", "tool", def.Name)
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tool definitions sorted by name, ready to pass to the
// model.
func (r *Registry) List() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the tool named by the call. Unknown tools, argument problems
// and tool failures come back as results with IsError set so the model can
// react. The error return is reserved for context-driven aborts, which the
// run loop maps to cancellation or timeout.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (*Result, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		slog.Warn("Model called an unregistered tool", "tool", call.Name, "call_id", call.ID)
		return errorResult(call, fmt.Sprintf("tool %q is not registered", call.Name)), nil
	}

	args := ParseArguments(call.Arguments)

	start := time.Now()
	content, err := tool.Invoke(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("Tool execution failed",
			"tool", call.Name,
			"call_id", call.ID,
			"error", err)
		return errorResult(call, err.Error()), nil
	}

	if r.masker != nil && r.masker.Enabled() {
		content = r.masker.MaskString(content)
	}

	slog.Debug("Tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"duration_ms", time.Since(start).Milliseconds())

	return &Result{CallID: call.ID, Name: call.Name, Content: content}, nil
}

func errorResult(call llm.ToolCall, message string) *Result {
	return &Result{
		CallID:  call.ID,
		Name:    call.Name,
		Content: message,
		IsError: true,
	}
}
