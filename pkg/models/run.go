package models

import (
	"time"
)

// RunStatus is the state of a run in its lifecycle state machine.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusQueued      RunStatus = "queued"
	RunStatusRunning     RunStatus = "running"
	RunStatusStreaming   RunStatus = "streaming"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
	RunStatusTimeout     RunStatus = "timeout"
)

// runTransitions is the allowed-transition table. pending → running covers
// local mode, where queued is skipped.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:     {RunStatusQueued, RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusQueued:      {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusRunning:     {RunStatusStreaming, RunStatusInterrupted, RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout},
	RunStatusStreaming:   {RunStatusInterrupted, RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout},
	RunStatusInterrupted: {RunStatusRunning, RunStatusFailed, RunStatusCancelled, RunStatusTimeout},
}

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s → next is an allowed transition.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the run occupies an agent concurrency slot.
func (s RunStatus) Active() bool {
	switch s {
	case RunStatusRunning, RunStatusStreaming, RunStatusInterrupted:
		return true
	default:
		return false
	}
}

// Operation is the explicit operation discriminator a caller may set on a
// run input. When absent the router falls back to pattern detection.
type Operation string

const (
	OperationRAG             Operation = "rag"
	OperationReasoning       Operation = "reasoning"
	OperationClassification  Operation = "classification"
	OperationExtraction      Operation = "extraction"
	OperationGeneric         Operation = "generic"
	OperationToolCall        Operation = "tool_call"
	OperationAgentInvocation Operation = "agent_invocation"
)

// KnownOperation reports whether op is part of the routing vocabulary.
func KnownOperation(op Operation) bool {
	switch op {
	case OperationRAG, OperationReasoning, OperationClassification,
		OperationExtraction, OperationGeneric, OperationToolCall,
		OperationAgentInvocation:
		return true
	default:
		return false
	}
}

// RunMessage is one input message supplied with a run.
type RunMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// RunInput is what a run executes against: optional explicit operation,
// messages, and a free-form payload the router inspects for shape.
type RunInput struct {
	Operation Operation      `json:"operation,omitempty"`
	Messages  []RunMessage   `json:"messages,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TokenUsage aggregates model token consumption across a run's steps.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage from one step.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Artifact is a named blob a run may produce alongside its response.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
	URI         string `json:"uri,omitempty"`
}

// RunOutput is the result of a completed run.
type RunOutput struct {
	Response   string         `json:"response,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Artifacts  []Artifact     `json:"artifacts,omitempty"`
	Usage      TokenUsage     `json:"usage"`
	DurationMS int64          `json:"duration_ms"`
}

// RunError is the terminal error recorded on a failed run.
type RunError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// RunOptions tunes a single run.
type RunOptions struct {
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
	Stream    bool  `json:"stream,omitempty"`
	// CheckpointIntervalMS overrides the executor default for this run.
	CheckpointIntervalMS int64 `json:"checkpoint_interval_ms,omitempty"`
	MaxRetries           int   `json:"max_retries,omitempty"`
}

// Run is one execution of an agent against an input.
type Run struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	// ParentRunID is set on child runs dispatched through agent_call.
	// Children execute inline on the parent's worker and are excluded
	// from startup recovery; a retried parent re-invokes them.
	ParentRunID string     `json:"parent_run_id,omitempty"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Status      RunStatus  `json:"status"`
	Input       RunInput   `json:"input"`
	Output      *RunOutput `json:"output,omitempty"`
	Steps       []*Step    `json:"steps,omitempty"`
	Error       *RunError  `json:"error,omitempty"`
	Options     RunOptions `json:"options,omitempty"`
	Attempt     int        `json:"attempt"`
	WorkerID    string     `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SubmitRunRequest contains fields for submitting a run.
type SubmitRunRequest struct {
	AgentID  string     `json:"agent_id"`
	ThreadID string     `json:"thread_id,omitempty"`
	Input    RunInput   `json:"input"`
	Options  RunOptions `json:"options,omitempty"`
}

// RunFilters contains filtering options for listing runs.
type RunFilters struct {
	AgentID  string `json:"agent_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// RunListResponse contains a paginated run list.
type RunListResponse struct {
	Runs       []*Run `json:"runs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}
