package events

import "github.com/caphub/caphub/pkg/models"

// RunStartedPayload is the payload for run:started events.
// Published when a worker claims a run and begins executing it.
type RunStartedPayload struct {
	Type      string `json:"type"` // always EventRunStarted
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Handler   string `json:"handler,omitempty"` // resolved handler name
	Attempt   int    `json:"attempt"`           // 1-based delivery attempt
	Timestamp string `json:"timestamp"`         // RFC3339Nano
}

// StepStatusPayload is the payload for step:started and step:completed
// events. The Type field is the only discriminator between the two.
type StepStatusPayload struct {
	Type      string            `json:"type"` // EventStepStarted or EventStepCompleted
	RunID     string            `json:"run_id"`
	StepID    string            `json:"step_id"`
	StepIndex int               `json:"step_index"`
	StepType  models.StepType   `json:"step_type"`
	Name      string            `json:"name,omitempty"`
	Status    models.StepStatus `json:"status"`
	Error     *models.StepError `json:"error,omitempty"` // set on failed steps
	Timestamp string            `json:"timestamp"`       // RFC3339Nano
}

// TokenPayload is the payload for token transient events.
// Published for each streaming delta — high frequency, ephemeral.
type TokenPayload struct {
	Type      string `json:"type"` // always EventToken
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id"`
	Delta     string `json:"delta"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// ToolCallingPayload is the payload for tool:calling events.
type ToolCallingPayload struct {
	Type      string         `json:"type"` // always EventToolCalling
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Timestamp string         `json:"timestamp"` // RFC3339Nano
}

// ToolResultPayload is the payload for tool:result events.
type ToolResultPayload struct {
	Type       string            `json:"type"` // always EventToolResult
	RunID      string            `json:"run_id"`
	StepID     string            `json:"step_id"`
	Tool       string            `json:"tool"`
	Status     models.StepStatus `json:"status"` // completed or failed
	DurationMS int64             `json:"duration_ms"`
	Timestamp  string            `json:"timestamp"` // RFC3339Nano
}

// InterruptEventPayload is the payload for interrupt events. Published on
// every interrupt transition; the Status field tells created, notified,
// viewed, resolved, expired and cancelled apart.
type InterruptEventPayload struct {
	Type          string                   `json:"type"` // always EventInterrupt
	RunID         string                   `json:"run_id"`
	InterruptID   string                   `json:"interrupt_id"`
	InterruptType models.InterruptType     `json:"interrupt_type"`
	Status        models.InterruptStatus   `json:"status"`
	Priority      models.InterruptPriority `json:"priority"`
	Message       string                   `json:"message,omitempty"`
	ExpiresAt     string                   `json:"expires_at,omitempty"` // RFC3339Nano
	Timestamp     string                   `json:"timestamp"`            // RFC3339Nano
}

// AgentHealthPayload is the payload for agent:health_changed transient
// events. Published only when the composite state actually changes.
type AgentHealthPayload struct {
	Type      string             `json:"type"` // always EventAgentHealthChanged
	AgentID   string             `json:"agent_id"`
	Status    models.HealthState `json:"status"`
	Previous  models.HealthState `json:"previous"`
	Timestamp string             `json:"timestamp"` // RFC3339Nano
}

// CompletedPayload is the payload for completed events, the terminal
// success event. The stream closes after it.
type CompletedPayload struct {
	Type       string            `json:"type"` // always EventCompleted
	RunID      string            `json:"run_id"`
	Response   string            `json:"response,omitempty"`
	Usage      models.TokenUsage `json:"usage"`
	DurationMS int64             `json:"duration_ms"`
	Timestamp  string            `json:"timestamp"` // RFC3339Nano
}

// ErrorPayload is the payload for error events, the terminal event for
// failed, cancelled and timed-out runs. The stream closes after it.
type ErrorPayload struct {
	Type      string           `json:"type"` // always EventError
	RunID     string           `json:"run_id"`
	Status    models.RunStatus `json:"status"` // failed, cancelled or timeout
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Timestamp string           `json:"timestamp"` // RFC3339Nano
}
