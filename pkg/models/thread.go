package models

import (
	"time"
)

// ThreadStatus is the lifecycle status of a conversation thread.
type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusPaused   ThreadStatus = "paused"
	ThreadStatusClosed   ThreadStatus = "closed"
	ThreadStatusArchived ThreadStatus = "archived"
)

// AcceptsAppends reports whether new messages may be appended.
func (s ThreadStatus) AcceptsAppends() bool {
	return s == ThreadStatusActive || s == ThreadStatusPaused
}

// MessageRole identifies the author of a thread message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Valid reports whether the role is one of the four known roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	default:
		return false
	}
}

// MessageMeta carries optional per-message metadata.
type MessageMeta struct {
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	// Pinned marks a decision-point message always retained by the hybrid
	// context strategy.
	Pinned bool `json:"pinned,omitempty"`
}

// Message is one entry in a thread's append-only log. Seq is assigned at
// append time and totally orders messages within the thread.
type Message struct {
	ID             string      `json:"id"`
	ThreadID       string      `json:"thread_id"`
	Seq            int64       `json:"seq"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Meta           MessageMeta `json:"metadata,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ThreadSummary is a versioned summary of a thread's older messages.
// Re-summarization replaces the previous version.
type ThreadSummary struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	UpToSeq   int64     `json:"up_to_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is an ordered, append-only message log tied to one agent.
type Thread struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Status       ThreadStatus   `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Summary      *ThreadSummary `json:"summary,omitempty"`
	Resolution   string         `json:"resolution,omitempty"`
	MessageCount int            `json:"message_count"`
	LastSeq      int64          `json:"last_seq"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
}

// CreateThreadRequest contains fields for creating a thread.
type CreateThreadRequest struct {
	AgentID         string          `json:"agent_id"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	InitialMessages []AppendMessage `json:"initial_messages,omitempty"`
}

// AppendMessage contains fields for appending one message.
type AppendMessage struct {
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Meta           MessageMeta `json:"metadata,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// MessageFilters controls message listing.
type MessageFilters struct {
	AfterSeq int64 `json:"after_seq,omitempty"`
	Limit    int   `json:"limit,omitempty"`
	Reverse  bool  `json:"reverse,omitempty"`
	// PinnedOnly restricts the listing to decision-point messages.
	PinnedOnly bool `json:"pinned_only,omitempty"`
}

// ThreadFilters contains filtering options for listing threads.
type ThreadFilters struct {
	AgentID string       `json:"agent_id,omitempty"`
	Status  ThreadStatus `json:"status,omitempty"`
	Limit   int          `json:"limit,omitempty"`
	Offset  int          `json:"offset,omitempty"`
}

// ContextStrategy selects how a context window is assembled.
type ContextStrategy string

const (
	// ContextRecent takes the newest messages until the budget is spent.
	ContextRecent ContextStrategy = "recent"
	// ContextSummary replaces older messages with the stored summary.
	ContextSummary ContextStrategy = "summary"
	// ContextHybrid combines the summary, pinned messages and a recent tail.
	ContextHybrid ContextStrategy = "hybrid"
)

// ContextBudget bounds context-window assembly.
type ContextBudget struct {
	MaxTokens int             `json:"max_tokens"`
	Strategy  ContextStrategy `json:"strategy,omitempty"`
	// MinTailMessages is the number of newest messages always kept verbatim.
	MinTailMessages int `json:"min_tail_messages,omitempty"`
}

// ContextWindow is the assembled prompt context for an agent.
type ContextWindow struct {
	ThreadID string          `json:"thread_id"`
	Strategy ContextStrategy `json:"strategy"`
	Messages []Message       `json:"messages"`
	// Summary is non-empty when the strategy folded older history into it.
	Summary string `json:"summary,omitempty"`
	// Cursor is the highest message Seq included in the window.
	Cursor      int64 `json:"cursor"`
	TotalTokens int   `json:"total_tokens"`
	Truncated   bool  `json:"truncated"`
}

// ThreadListResponse contains a paginated thread list.
type ThreadListResponse struct {
	Threads    []*Thread `json:"threads"`
	TotalCount int       `json:"total_count"`
	Limit      int       `json:"limit"`
	Offset     int       `json:"offset"`
}
