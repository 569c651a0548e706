package models

import (
	"time"
)

// StepType classifies the atomic units inside a run.
type StepType string

const (
	StepTypeLLMCall           StepType = "llm_call"
	StepTypeToolCall          StepType = "tool_call"
	StepTypeAgentCall         StepType = "agent_call"
	StepTypeDecision          StepType = "decision"
	StepTypeSkillExecution    StepType = "skill_execution"
	StepTypeKnowledgeQuery    StepType = "knowledge_query"
	StepTypeParallelExecution StepType = "parallel_execution"
)

// StepStatus tracks a step through pending → running → {completed, failed}.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// CanTransitionTo reports whether s → next is allowed. Steps never move
// backward and never leave a terminal status.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusRunning || next == StepStatusCompleted || next == StepStatusFailed
	case StepStatusRunning:
		return next == StepStatusCompleted || next == StepStatusFailed
	default:
		return false
	}
}

// ParallelPolicy selects how a parallel_execution parent reacts to a child
// failure.
type ParallelPolicy string

const (
	// ParallelStrict fails the parent on the first child failure.
	ParallelStrict ParallelPolicy = "strict"
	// ParallelLenient completes the parent with the surviving results.
	ParallelLenient ParallelPolicy = "lenient"
)

// StepError records why a step failed, preserving the retryable flag so the
// executor can distinguish transient from permanent failures.
type StepError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Step is an atomic unit of work inside a run. Steps are strictly ordered
// per run by Index, except children of a parallel_execution step, whose
// relative order is not observable.
type Step struct {
	ID     string     `json:"id"`
	RunID  string     `json:"run_id"`
	Index  int        `json:"index"`
	Type   StepType   `json:"type"`
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Error  *StepError     `json:"error,omitempty"`

	// ToolName is set for tool_call steps.
	ToolName string `json:"tool_name,omitempty"`
	// CalledAgentID is set for agent_call steps.
	CalledAgentID string `json:"called_agent_id,omitempty"`
	// ParentID links a child to its owning parallel_execution step.
	ParentID string `json:"parent_id,omitempty"`
	// Policy applies to parallel_execution steps only.
	Policy ParallelPolicy `json:"policy,omitempty"`

	Usage      TokenUsage `json:"usage,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}
