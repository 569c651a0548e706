// Package handlers contains the step handler registry, the router that picks
// a handler for a run input, and the built-in handlers for the hub's
// operation vocabulary. Handlers drive all persisted mutations through the
// RunControl callbacks the executor injects.
package handlers

import (
	"context"

	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/retrieval"
	"github.com/caphub/caphub/pkg/tools"
)

// Handler executes one routed run. Implementations are stateless; everything
// run-specific arrives in the Context.
type Handler interface {
	// Meta advertises the handler to the registry and router.
	Meta() models.HandlerMeta

	// Handle executes the run. A returned error fails the run with the
	// error preserved; recoverable problems inside the run (a failed tool
	// call the model can react to) are not errors.
	Handle(ctx context.Context, hctx *Context) (*Outcome, error)
}

// Context carries everything a handler needs for one run. Created by the
// executor per dispatch.
type Context struct {
	// Run is a snapshot of the run being executed.
	Run *models.Run
	// Agent is the resolved target agent.
	Agent *models.Agent
	// Input is the effective input. When the run rode a thread with no
	// inline messages, Input.Messages holds the materialized context.
	Input models.RunInput
	// Window is the assembled thread context, nil for thread-less runs.
	Window *models.ContextWindow
	// Decision records how routing picked this handler.
	Decision models.RouteDecision

	// LLM is the model client for the run's agent.
	LLM llm.Client
	// Tools is the shared tool registry.
	Tools *tools.Registry
	// Knowledge is the retrieval store, nil when retrieval is disabled.
	Knowledge retrieval.Store

	// Control is the executor-owned callback surface.
	Control RunControl
}

// StepResult finishes one step.
type StepResult struct {
	Output map[string]any
	Error  *models.StepError
	Usage  models.TokenUsage
}

// RunControl is implemented by the executor's execution context. It is
// declared here so handlers do not import the executor. Every mutation is
// atomic and persisted before it returns.
type RunControl interface {
	// AddStep appends a step in running status and returns it with ID,
	// Index and StartedAt assigned. step:started is published.
	AddStep(ctx context.Context, step models.Step) (*models.Step, error)

	// CompleteStep finishes a step. Result usage is folded into the run
	// aggregate. step:completed is published.
	CompleteStep(ctx context.Context, stepID string, result StepResult) error

	// UpdateTokenUsage adds usage that does not belong to any step to the
	// run aggregate.
	UpdateTokenUsage(ctx context.Context, usage models.TokenUsage) error

	// EmitToken streams one text fragment. No-op unless the run streams.
	EmitToken(stepID, content string)

	// EmitToolCalling and EmitToolResult publish tool progress events.
	EmitToolCalling(stepID string, call llm.ToolCall)
	EmitToolResult(stepID, callID, toolName string, isError bool)

	// Interrupt suspends the run until the interrupt resolves, expires or
	// is cancelled. The response is nil when an expired interrupt resumed
	// under the continue_without policy.
	Interrupt(ctx context.Context, req models.CreateInterruptRequest) (*models.InterruptResponse, error)

	// InvokeAgent executes a child run to a terminal status. Call depth is
	// capped by the executor.
	InvokeAgent(ctx context.Context, req models.SubmitRunRequest) (*models.Run, error)
}

// Outcome is a handler's successful result. Usage is not carried here; it
// flows through CompleteStep and UpdateTokenUsage as it is incurred.
type Outcome struct {
	Response string
	Data     map[string]any
}
