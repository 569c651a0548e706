package models

import (
	"time"
)

// InterruptType classifies why a run suspended.
type InterruptType string

const (
	InterruptApprovalRequired      InterruptType = "approval_required"
	InterruptConfirmationRequired  InterruptType = "confirmation_required"
	InterruptInputRequired         InterruptType = "input_required"
	InterruptClarificationRequired InterruptType = "clarification_required"
	InterruptSelectionRequired     InterruptType = "selection_required"
	InterruptConfidenceLow         InterruptType = "confidence_low"
	InterruptConflictDetected      InterruptType = "conflict_detected"
	InterruptErrorOccurred         InterruptType = "error_occurred"
	InterruptKnowledgeGap          InterruptType = "knowledge_gap"
	InterruptHighRiskOperation     InterruptType = "high_risk_operation"
	InterruptPolicyViolation       InterruptType = "policy_violation"
	InterruptAnomalyDetected       InterruptType = "anomaly_detected"
)

// KnownInterruptType reports whether t is part of the interrupt vocabulary.
func KnownInterruptType(t InterruptType) bool {
	switch t {
	case InterruptApprovalRequired, InterruptConfirmationRequired,
		InterruptInputRequired, InterruptClarificationRequired,
		InterruptSelectionRequired, InterruptConfidenceLow,
		InterruptConflictDetected, InterruptErrorOccurred,
		InterruptKnowledgeGap, InterruptHighRiskOperation,
		InterruptPolicyViolation, InterruptAnomalyDetected:
		return true
	default:
		return false
	}
}

// InterruptPriority orders interrupts for human attention.
type InterruptPriority string

const (
	PriorityLow    InterruptPriority = "low"
	PriorityNormal InterruptPriority = "normal"
	PriorityHigh   InterruptPriority = "high"
	PriorityUrgent InterruptPriority = "urgent"
)

// KnownInterruptPriority reports whether p is part of the priority vocabulary.
func KnownInterruptPriority(p InterruptPriority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// InterruptStatus tracks an interrupt through its lifecycle.
type InterruptStatus string

const (
	InterruptStatusPending   InterruptStatus = "pending"
	InterruptStatusNotified  InterruptStatus = "notified"
	InterruptStatusViewed    InterruptStatus = "viewed"
	InterruptStatusResolved  InterruptStatus = "resolved"
	InterruptStatusExpired   InterruptStatus = "expired"
	InterruptStatusCancelled InterruptStatus = "cancelled"
)

// Terminal reports whether the interrupt admits no further transitions.
func (s InterruptStatus) Terminal() bool {
	switch s {
	case InterruptStatusResolved, InterruptStatusExpired, InterruptStatusCancelled:
		return true
	default:
		return false
	}
}

// Resolvable reports whether resolve/expire/cancel may act on this status.
// Notification and viewing are optional; resolution is legal from any
// non-terminal status.
func (s InterruptStatus) Resolvable() bool {
	return !s.Terminal()
}

// InterruptPayload describes the decision being asked of a human.
type InterruptPayload struct {
	Message        string         `json:"message"`
	Options        []string       `json:"options,omitempty"`
	ProposedAction map[string]any `json:"proposed_action,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// InterruptResponse is the answer recorded at resolution time. A nil Value
// with Continued set records a continue_without expiry resolution.
type InterruptResponse struct {
	Value       any    `json:"value,omitempty"`
	RespondedBy string `json:"responded_by,omitempty"`
	Note        string `json:"note,omitempty"`
	Continued   bool   `json:"continued,omitempty"`
}

// Interrupt is a suspension point owned by a run.
type Interrupt struct {
	ID       string            `json:"id"`
	RunID    string            `json:"run_id"`
	ThreadID string            `json:"thread_id,omitempty"`
	AgentID  string            `json:"agent_id"`
	StepID   string            `json:"step_id,omitempty"`
	Type     InterruptType     `json:"type"`
	Priority InterruptPriority `json:"priority"`
	Status   InterruptStatus   `json:"status"`

	Payload  InterruptPayload   `json:"payload"`
	Response *InterruptResponse `json:"response,omitempty"`

	TimeoutMS  int64      `json:"timeout_ms"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// CreateInterruptRequest contains fields for creating an interrupt.
type CreateInterruptRequest struct {
	RunID     string            `json:"run_id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	AgentID   string            `json:"agent_id"`
	StepID    string            `json:"step_id,omitempty"`
	Type      InterruptType     `json:"type"`
	Priority  InterruptPriority `json:"priority,omitempty"`
	Payload   InterruptPayload  `json:"payload"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

// InterruptFilters contains filtering options for listing interrupts.
type InterruptFilters struct {
	RunID    string `json:"run_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Type     string `json:"type,omitempty"`
	Priority string `json:"priority,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// InterruptListResponse contains a paginated interrupt list.
type InterruptListResponse struct {
	Interrupts []*Interrupt `json:"interrupts"`
	TotalCount int          `json:"total_count"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
}
