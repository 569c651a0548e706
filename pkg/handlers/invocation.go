package handlers

import (
	"context"
	"encoding/json"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/models"
)

// AgentInvocationHandler runs another agent as a child run and relays its
// output. Depth capping and child lifecycle live in the executor; this
// handler only shapes the child request and records the agent_call step.
type AgentInvocationHandler struct{}

func NewAgentInvocationHandler() *AgentInvocationHandler { return &AgentInvocationHandler{} }

func (*AgentInvocationHandler) Meta() models.HandlerMeta {
	return models.HandlerMeta{
		Name:        "core.agent_invocation",
		Version:     "1.0.0",
		Operation:   models.OperationAgentInvocation,
		Description: "Delegates the run to another agent and relays its output.",
	}
}

func (h *AgentInvocationHandler) Handle(ctx context.Context, hctx *Context) (*Outcome, error) {
	target := payloadString(hctx.Input.Payload, "agent_id", "target_agent_id")
	if target == "" {
		return nil, caperr.New(caperr.CodeValidField, "agent_invocation: agent_id is required").
			WithContext("field", "agent_id")
	}
	if target == hctx.Run.AgentID {
		return nil, caperr.New(caperr.CodeValidField, "agent_invocation: agent cannot invoke itself").
			WithContext("agent_id", target)
	}

	childInput, err := childInput(hctx.Input.Payload)
	if err != nil {
		return nil, err
	}

	step, done, err := beginStep(ctx, hctx, models.Step{
		Type:          models.StepTypeAgentCall,
		Name:          target,
		CalledAgentID: target,
		Input:         map[string]any{"agent_id": target},
	})
	if err != nil {
		return nil, err
	}
	if done {
		response := payloadString(step.Output, "response")
		return &Outcome{
			Response: response,
			Data: map[string]any{
				"run_id":   payloadString(step.Output, "run_id"),
				"agent_id": target,
				"status":   string(models.RunStatusCompleted),
			},
		}, nil
	}

	child, err := hctx.Control.InvokeAgent(ctx, models.SubmitRunRequest{
		AgentID: target,
		Input:   childInput,
	})
	if err != nil {
		return nil, failStep(ctx, hctx, step.ID, err)
	}

	if child.Status != models.RunStatusCompleted {
		cerr := caperr.Newf(caperr.CodeRunExecutionFailed, "agent_invocation: child run ended %s", child.Status).
			WithContext("child_run_id", child.ID).
			WithContext("child_status", string(child.Status))
		if child.Error != nil {
			cerr = cerr.WithContext("child_error", child.Error.Code+": "+child.Error.Message)
		}
		return nil, failStep(ctx, hctx, step.ID, cerr)
	}

	response := ""
	if child.Output != nil {
		response = child.Output.Response
	}
	err = hctx.Control.CompleteStep(ctx, step.ID, StepResult{
		Output: map[string]any{"run_id": child.ID, "response": response},
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Response: response,
		Data: map[string]any{
			"run_id":   child.ID,
			"agent_id": target,
			"status":   string(child.Status),
		},
	}, nil
}

// childInput shapes the child run's input from the payload: an explicit
// "input" object wins, then a bare "message", then the parent's own messages.
func childInput(payload map[string]any) (models.RunInput, error) {
	if raw, ok := payload["input"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return models.RunInput{}, caperr.Wrap(caperr.CodeValidField, "agent_invocation: input is not encodable", err)
		}
		var input models.RunInput
		if err := json.Unmarshal(encoded, &input); err != nil {
			return models.RunInput{}, caperr.Wrap(caperr.CodeValidField, "agent_invocation: input does not match the run input shape", err)
		}
		return input, nil
	}

	if msg := payloadString(payload, "message", "request"); msg != "" {
		return models.RunInput{
			Messages: []models.RunMessage{{Role: models.RoleUser, Content: msg}},
		}, nil
	}

	return models.RunInput{}, caperr.New(caperr.CodeValidField, "agent_invocation: input or message is required").
		WithContext("field", "input")
}
