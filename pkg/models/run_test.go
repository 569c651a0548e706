package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from RunStatus
		to   RunStatus
		want bool
	}{
		{"pending to queued", RunStatusPending, RunStatusQueued, true},
		{"pending to running skips queued in local mode", RunStatusPending, RunStatusRunning, true},
		{"pending to cancelled", RunStatusPending, RunStatusCancelled, true},
		{"pending to completed is illegal", RunStatusPending, RunStatusCompleted, false},
		{"queued to running", RunStatusQueued, RunStatusRunning, true},
		{"queued to streaming is illegal", RunStatusQueued, RunStatusStreaming, false},
		{"running to streaming", RunStatusRunning, RunStatusStreaming, true},
		{"running to interrupted", RunStatusRunning, RunStatusInterrupted, true},
		{"running to completed", RunStatusRunning, RunStatusCompleted, true},
		{"running to timeout", RunStatusRunning, RunStatusTimeout, true},
		{"streaming to completed", RunStatusStreaming, RunStatusCompleted, true},
		{"streaming to interrupted", RunStatusStreaming, RunStatusInterrupted, true},
		{"interrupted resolves back to running", RunStatusInterrupted, RunStatusRunning, true},
		{"interrupted to failed on expiry", RunStatusInterrupted, RunStatusFailed, true},
		{"interrupted to cancelled", RunStatusInterrupted, RunStatusCancelled, true},
		{"completed is terminal", RunStatusCompleted, RunStatusRunning, false},
		{"failed is terminal", RunStatusFailed, RunStatusRunning, false},
		{"cancelled is terminal", RunStatusCancelled, RunStatusCompleted, false},
		{"timeout is terminal", RunStatusTimeout, RunStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}
	active := []RunStatus{RunStatusPending, RunStatusQueued, RunStatusRunning, RunStatusStreaming, RunStatusInterrupted}
	for _, s := range active {
		assert.False(t, s.Terminal(), "expected %s to be non-terminal", s)
	}
}

func TestTokenUsageAdd(t *testing.T) {
	var u TokenUsage
	u.Add(TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	u.Add(TokenUsage{InputTokens: 2, OutputTokens: 3, TotalTokens: 5})
	assert.Equal(t, TokenUsage{InputTokens: 12, OutputTokens: 8, TotalTokens: 20}, u)
}

func TestStepStatusNeverLeavesTerminal(t *testing.T) {
	assert.True(t, StepStatusPending.CanTransitionTo(StepStatusRunning))
	assert.True(t, StepStatusRunning.CanTransitionTo(StepStatusCompleted))
	assert.True(t, StepStatusRunning.CanTransitionTo(StepStatusFailed))
	assert.False(t, StepStatusCompleted.CanTransitionTo(StepStatusRunning))
	assert.False(t, StepStatusFailed.CanTransitionTo(StepStatusPending))
	assert.False(t, StepStatusCompleted.CanTransitionTo(StepStatusFailed))
}

func TestKnownOperation(t *testing.T) {
	for _, op := range []Operation{OperationRAG, OperationReasoning, OperationClassification,
		OperationExtraction, OperationGeneric, OperationToolCall, OperationAgentInvocation} {
		assert.True(t, KnownOperation(op))
	}
	assert.False(t, KnownOperation("summarize"))
	assert.False(t, KnownOperation(""))
}
