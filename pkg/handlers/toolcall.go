package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/tools"
)

// defaultToolIterations caps the tool loop when the handler is built without
// an explicit limit.
const defaultToolIterations = 10

const toolLoopInstructions = "Use the available tools when they help; answer directly when they do not."

// ToolCallHandler runs the multi-turn tool loop: the model is called with the
// agent's tool definitions, requested calls are executed and fed back as tool
// turns, and a response without tool calls ends the loop. When the payload
// names a tool directly, the model is skipped entirely.
type ToolCallHandler struct {
	maxIterations int
}

func NewToolCallHandler(maxIterations int) *ToolCallHandler {
	if maxIterations <= 0 {
		maxIterations = defaultToolIterations
	}
	return &ToolCallHandler{maxIterations: maxIterations}
}

func (*ToolCallHandler) Meta() models.HandlerMeta {
	return models.HandlerMeta{
		Name:        "core.tool_call",
		Version:     "1.0.0",
		Operation:   models.OperationToolCall,
		Description: "Native function-calling loop; direct dispatch when the payload names a tool.",
	}
}

func (h *ToolCallHandler) Handle(ctx context.Context, hctx *Context) (*Outcome, error) {
	if hctx.Tools == nil {
		return nil, caperr.New(caperr.CodeRunExecutionFailed, "tool_call: tool registry is not configured")
	}
	if name := payloadString(hctx.Input.Payload, "tool"); name != "" {
		return h.direct(ctx, hctx, name)
	}
	return h.loop(ctx, hctx)
}

// direct executes the payload-named tool without involving the model. A tool
// failure fails the run here; there is no model to react to it.
func (h *ToolCallHandler) direct(ctx context.Context, hctx *Context, name string) (*Outcome, error) {
	var args map[string]any
	if m, ok := hctx.Input.Payload["args"].(map[string]any); ok {
		args = m
	}

	step, done, err := beginStep(ctx, hctx, models.Step{
		Type:     models.StepTypeToolCall,
		Name:     name,
		ToolName: name,
		Input:    args,
	})
	if err != nil {
		return nil, err
	}
	if done {
		return &Outcome{
			Response: payloadString(step.Output, "content"),
			Data:     map[string]any{"tool": name},
		}, nil
	}

	raw := []byte("{}")
	if len(args) > 0 {
		raw, _ = json.Marshal(args)
	}
	call := llm.ToolCall{ID: step.ID, Name: name, Arguments: string(raw)}

	hctx.Control.EmitToolCalling(step.ID, call)
	result, err := hctx.Tools.Execute(ctx, call)
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}
	hctx.Control.EmitToolResult(step.ID, call.ID, name, result.IsError)

	if result.IsError {
		terr := caperr.New(caperr.CodeRunExecutionFailed, result.Content).
			WithContext("tool", name)
		return nil, failStep(ctx, hctx, step.ID, terr)
	}

	err = hctx.Control.CompleteStep(ctx, step.ID, StepResult{
		Output: map[string]any{"content": result.Content},
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Response: result.Content,
		Data:     map[string]any{"tool": name},
	}, nil
}

// loop calls the model with tool definitions until it answers without
// requesting calls or the iteration budget runs out.
func (h *ToolCallHandler) loop(ctx context.Context, hctx *Context) (*Outcome, error) {
	msgs := buildConversation(hctx, toolLoopInstructions)
	if len(hctx.Input.Messages) == 0 {
		text := payloadString(hctx.Input.Payload, "message", "request", "query", "question")
		if text == "" {
			return nil, caperr.New(caperr.CodeValidInput, "tool_call: no messages and no message payload")
		}
		msgs = append(msgs, llm.ConversationMessage{Role: "user", Content: text})
	}

	defs := h.availableTools(hctx)
	totalCalls := 0

	for iteration := 1; iteration <= h.maxIterations; iteration++ {
		step, done, err := beginStep(ctx, hctx, models.Step{
			Type:  models.StepTypeLLMCall,
			Name:  "iterate",
			Input: map[string]any{"iteration": iteration},
		})
		if err != nil {
			return nil, err
		}

		var text string
		var calls []llm.ToolCall
		if done {
			text = payloadString(step.Output, "response")
			calls = decodeToolCalls(step.Output["tool_calls"])
		} else {
			result, err := callModel(ctx, hctx, step.ID, &llm.GenerateInput{Messages: msgs, Tools: defs})
			if err != nil {
				return nil, failStep(ctx, hctx, step.ID, err)
			}
			text = result.Text
			calls = result.ToolCalls

			// The full calls are recorded so a checkpoint resume can rebuild
			// the conversation without calling the model again.
			output := map[string]any{"response": result.Text}
			if len(calls) > 0 {
				output["tool_calls"] = encodeToolCalls(calls)
			}
			err = hctx.Control.CompleteStep(ctx, step.ID, StepResult{
				Output: output,
				Usage:  usageOf(result),
			})
			if err != nil {
				return nil, err
			}
		}

		// No tool calls means this is the final answer.
		if len(calls) == 0 {
			return &Outcome{
				Response: text,
				Data: map[string]any{
					"iterations": iteration,
					"tool_calls": totalCalls,
				},
			}, nil
		}

		msgs = append(msgs, llm.ConversationMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: calls,
		})

		totalCalls += len(calls)
		var results []*tools.Result
		if len(calls) > 1 && hctx.Agent.Capabilities.ParallelToolCalls {
			results, err = h.executeParallel(ctx, hctx, calls)
		} else {
			results, err = h.executeSequential(ctx, hctx, calls)
		}
		if err != nil {
			return nil, err
		}

		for i, call := range calls {
			msgs = append(msgs, llm.ConversationMessage{
				Role:       "tool",
				Content:    results[i].Content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	return h.conclude(ctx, hctx, msgs, totalCalls)
}

// executeSequential runs the calls in order, each as its own tool_call step.
func (h *ToolCallHandler) executeSequential(ctx context.Context, hctx *Context, calls []llm.ToolCall) ([]*tools.Result, error) {
	results := make([]*tools.Result, len(calls))
	for i, call := range calls {
		result, err := h.executeCall(ctx, hctx, call, "")
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

// executeParallel fans the calls out under a parallel_execution parent.
// Children carry ParentID; their relative order is not observable, but the
// returned slice preserves call order for the conversation.
func (h *ToolCallHandler) executeParallel(ctx context.Context, hctx *Context, calls []llm.ToolCall) ([]*tools.Result, error) {
	policy := models.ParallelLenient
	if payloadString(hctx.Input.Payload, "parallel_policy") == string(models.ParallelStrict) {
		policy = models.ParallelStrict
	}

	// The parent's completion is recomputed even on replay; its CompleteStep
	// is a no-op for a replayed step while the children replay individually.
	parent, _, err := beginStep(ctx, hctx, models.Step{
		Type:   models.StepTypeParallelExecution,
		Name:   "parallel tools",
		Policy: policy,
		Input:  map[string]any{"tool_calls": callNames(calls)},
	})
	if err != nil {
		return nil, err
	}

	results := make([]*tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			result, err := h.executeCall(gctx, hctx, call, parent.ID)
			if err != nil {
				return err
			}
			results[i] = result
			if result.IsError && policy == models.ParallelStrict {
				return caperr.Newf(caperr.CodeRunExecutionFailed,
					"tool_call: %s failed under strict policy: %s", call.Name, result.Content).
					WithContext("tool", call.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, failStep(ctx, hctx, parent.ID, err)
	}

	failed := 0
	for _, r := range results {
		if r.IsError {
			failed++
		}
	}
	err = hctx.Control.CompleteStep(ctx, parent.ID, StepResult{
		Output: map[string]any{"succeeded": len(results) - failed, "failed": failed},
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// executeCall runs one tool call as a persisted step. Only context-driven
// aborts surface as errors; a tool failure fails the step but its content
// still goes back to the model so it can react.
func (h *ToolCallHandler) executeCall(ctx context.Context, hctx *Context, call llm.ToolCall, parentID string) (*tools.Result, error) {
	step, done, err := beginStep(ctx, hctx, models.Step{
		Type:     models.StepTypeToolCall,
		Name:     call.Name,
		ToolName: call.Name,
		ParentID: parentID,
		Input:    tools.ParseArguments(call.Arguments),
	})
	if err != nil {
		return nil, err
	}
	if done {
		content, _ := step.Output["content"].(string)
		isError, _ := step.Output["is_error"].(bool)
		return &tools.Result{CallID: call.ID, Name: call.Name, Content: content, IsError: isError}, nil
	}

	hctx.Control.EmitToolCalling(step.ID, call)
	result, err := hctx.Tools.Execute(ctx, call)
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}
	hctx.Control.EmitToolResult(step.ID, call.ID, call.Name, result.IsError)

	sr := StepResult{Output: map[string]any{"content": result.Content}}
	if result.IsError {
		sr.Output["is_error"] = true
		sr.Error = &models.StepError{
			Code:    string(caperr.CodeRunExecutionFailed),
			Message: result.Content,
		}
	}
	if err := hctx.Control.CompleteStep(ctx, step.ID, sr); err != nil {
		return nil, err
	}
	return result, nil
}

// conclude forces a final answer after the iteration budget is spent: one
// more call without tools so the model cannot keep requesting work.
func (h *ToolCallHandler) conclude(ctx context.Context, hctx *Context, msgs []llm.ConversationMessage, totalCalls int) (*Outcome, error) {
	msgs = append(msgs, llm.ConversationMessage{
		Role: "user",
		Content: fmt.Sprintf("You have used all %d tool iterations. Provide your best final answer now based on the work so far.",
			h.maxIterations),
	})

	step, done, err := beginStep(ctx, hctx, models.Step{
		Type:  models.StepTypeLLMCall,
		Name:  "conclude",
		Input: map[string]any{"forced": true},
	})
	if err != nil {
		return nil, err
	}
	if done {
		return &Outcome{
			Response: payloadString(step.Output, "response"),
			Data: map[string]any{
				"iterations": h.maxIterations,
				"tool_calls": totalCalls,
				"forced":     true,
			},
		}, nil
	}

	result, err := callModel(ctx, hctx, step.ID, &llm.GenerateInput{Messages: msgs})
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}

	err = hctx.Control.CompleteStep(ctx, step.ID, StepResult{
		Output: map[string]any{"response": result.Text, "forced": true},
		Usage:  usageOf(result),
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Response: result.Text,
		Data: map[string]any{
			"iterations": h.maxIterations,
			"tool_calls": totalCalls,
			"forced":     true,
		},
	}, nil
}

// availableTools returns the registry definitions, narrowed to the agent's
// tool whitelist when one is declared.
func (h *ToolCallHandler) availableTools(hctx *Context) []llm.ToolDefinition {
	defs := hctx.Tools.List()
	allowed := hctx.Agent.Capabilities.Tools
	if len(allowed) == 0 {
		return defs
	}
	want := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		want[name] = true
	}
	filtered := defs[:0]
	for _, def := range defs {
		if want[def.Name] {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

func callNames(calls []llm.ToolCall) []string {
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}
	return names
}

// encodeToolCalls flattens calls into the step output so a checkpoint resume
// can reconstruct them.
func encodeToolCalls(calls []llm.ToolCall) []any {
	out := make([]any, len(calls))
	for i, call := range calls {
		out[i] = map[string]any{
			"id":        call.ID,
			"name":      call.Name,
			"arguments": call.Arguments,
		}
	}
	return out
}

// decodeToolCalls reverses encodeToolCalls after a JSON round trip through
// the checkpoint store.
func decodeToolCalls(v any) []llm.ToolCall {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	calls := make([]llm.ToolCall, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var call llm.ToolCall
		call.ID, _ = m["id"].(string)
		call.Name, _ = m["name"].(string)
		call.Arguments, _ = m["arguments"].(string)
		if call.Name != "" {
			calls = append(calls, call)
		}
	}
	return calls
}
