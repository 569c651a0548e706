package models

import (
	"time"
)

// AgentStatus is the administrative status of a registered agent.
type AgentStatus string

const (
	AgentStatusActive      AgentStatus = "active"
	AgentStatusInactive    AgentStatus = "inactive"
	AgentStatusDeprecated  AgentStatus = "deprecated"
	AgentStatusMaintenance AgentStatus = "maintenance"
)

// LifecycleState tracks where an agent is in its operational lifecycle.
// Within a cohort the state advances monotonically:
// registered → initializing → ready → {idle ↔ running ↔ waiting} → draining → stopped.
type LifecycleState string

const (
	LifecycleRegistered   LifecycleState = "registered"
	LifecycleInitializing LifecycleState = "initializing"
	LifecycleReady        LifecycleState = "ready"
	LifecycleIdle         LifecycleState = "idle"
	LifecycleRunning      LifecycleState = "running"
	LifecycleWaiting      LifecycleState = "waiting"
	LifecycleInterrupted  LifecycleState = "interrupted"
	LifecycleDraining     LifecycleState = "draining"
	LifecycleStopped      LifecycleState = "stopped"
	LifecycleError        LifecycleState = "error"
	LifecycleFailed       LifecycleState = "failed"
	LifecycleMaintenance  LifecycleState = "maintenance"
)

// lifecycleCohort orders lifecycle states so transitions never move backward.
// The operating states (ready/idle/running/waiting/interrupted) share a cohort
// and may oscillate among themselves.
var lifecycleCohort = map[LifecycleState]int{
	LifecycleRegistered:   0,
	LifecycleInitializing: 1,
	LifecycleReady:        2,
	LifecycleIdle:         2,
	LifecycleRunning:      2,
	LifecycleWaiting:      2,
	LifecycleInterrupted:  2,
	LifecycleDraining:     3,
	LifecycleStopped:      4,
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic cohort ordering. error, failed and maintenance are reachable
// from any non-stopped state; maintenance returns to the operating cohort.
func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	if s == next {
		return true
	}
	switch next {
	case LifecycleError, LifecycleFailed, LifecycleMaintenance:
		return s != LifecycleStopped
	}
	if s == LifecycleMaintenance {
		return lifecycleCohort[next] >= lifecycleCohort[LifecycleReady]
	}
	from, okFrom := lifecycleCohort[s]
	to, okTo := lifecycleCohort[next]
	if !okFrom || !okTo {
		return false
	}
	if from == to {
		return true
	}
	return to > from
}

// Dispatchable reports whether an agent in this lifecycle state may receive
// new runs. Draining agents finish in-flight work but accept nothing new.
func (s LifecycleState) Dispatchable() bool {
	switch s {
	case LifecycleReady, LifecycleIdle, LifecycleRunning:
		return true
	default:
		return false
	}
}

// Terminal reports whether the lifecycle state admits no further transitions
// for this registration cohort.
func (s LifecycleState) Terminal() bool {
	switch s {
	case LifecycleStopped, LifecycleFailed:
		return true
	default:
		return false
	}
}

// Capabilities describes what an agent can do.
type Capabilities struct {
	Domains           []string `json:"domains,omitempty"`
	Actions           []string `json:"actions,omitempty"`
	Tools             []string `json:"tools,omitempty"`
	ParallelToolCalls bool     `json:"parallel_tool_calls,omitempty"`
	MaxContextTokens  int      `json:"max_context_tokens,omitempty"`
}

// HasTool reports whether the named tool is advertised.
func (c Capabilities) HasTool(name string) bool {
	for _, t := range c.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// HasDomain reports whether the agent claims membership in the domain.
func (c Capabilities) HasDomain(domain string) bool {
	for _, d := range c.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// HasAction reports whether the named action is advertised.
func (c Capabilities) HasAction(name string) bool {
	for _, a := range c.Actions {
		if a == name {
			return true
		}
	}
	return false
}

// InterruptPolicy selects how an expired interrupt affects the owning run.
type InterruptPolicy string

const (
	// InterruptPolicyFail fails the run when an interrupt expires unresolved.
	InterruptPolicyFail InterruptPolicy = "fail"
	// InterruptPolicyContinue resumes the run with a null response instead.
	InterruptPolicyContinue InterruptPolicy = "continue_without"
)

// Extensions carries optional agent behavior flags and limits.
type Extensions struct {
	SupportsThreads    bool            `json:"supports_threads,omitempty"`
	SupportsInterrupts bool            `json:"supports_interrupts,omitempty"`
	SupportsStreaming  bool            `json:"supports_streaming,omitempty"`
	MaxConcurrentRuns  int             `json:"max_concurrent_runs,omitempty"`
	DefaultTimeoutMS   int64           `json:"default_timeout_ms,omitempty"`
	RequiresApproval   bool            `json:"requires_approval,omitempty"`
	InterruptPolicy    InterruptPolicy `json:"interrupt_policy,omitempty"`
}

// HealthState is the composite health verdict for an agent.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ComponentCheck is one named check inside a health probe.
type ComponentCheck struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail,omitempty"`
}

// HealthStatus is the most recent probe snapshot for an agent.
type HealthStatus struct {
	Status          HealthState      `json:"status"`
	AvgLatencyMS    float64          `json:"avg_latency_ms"`
	SuccessRate     float64          `json:"success_rate"`
	ActiveRuns      int              `json:"active_runs"`
	QueuedRuns      int              `json:"queued_runs"`
	Components      []ComponentCheck `json:"components,omitempty"`
	UnhealthyStreak int              `json:"unhealthy_streak,omitempty"`
	CheckedAt       time.Time        `json:"checked_at"`
}

// Agent is a registered capability surface addressable by AgentID and Version.
type Agent struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	Version        string         `json:"version"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	System         string         `json:"system,omitempty"`
	Type           string         `json:"type,omitempty"`
	Status         AgentStatus    `json:"status"`
	LifecycleState LifecycleState `json:"lifecycle_state"`
	Capabilities   Capabilities   `json:"capabilities"`
	Extensions     Extensions     `json:"extensions"`
	RoutingWeight  int            `json:"routing_weight"`
	Health         *HealthStatus  `json:"health_status,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AgentSpec contains fields for registering a new agent.
type AgentSpec struct {
	AgentID      string         `json:"agent_id"`
	Version      string         `json:"version"`
	Name         string         `json:"name,omitempty"`
	Description  string         `json:"description,omitempty"`
	System       string         `json:"system,omitempty"`
	Type         string         `json:"type,omitempty"`
	Status       AgentStatus    `json:"status,omitempty"`
	Capabilities Capabilities   `json:"capabilities"`
	Extensions   Extensions     `json:"extensions"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AgentPatch contains optional fields for updating an agent. Nil means
// "leave unchanged".
type AgentPatch struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	Status         *AgentStatus    `json:"status,omitempty"`
	LifecycleState *LifecycleState `json:"lifecycle_state,omitempty"`
	Capabilities   *Capabilities   `json:"capabilities,omitempty"`
	Extensions     *Extensions     `json:"extensions,omitempty"`
	RoutingWeight  *int            `json:"routing_weight,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// DiscoverCriteria filters agents during discovery.
type DiscoverCriteria struct {
	System             string      `json:"system,omitempty"`
	Type               string      `json:"type,omitempty"`
	Status             AgentStatus `json:"status,omitempty"`
	Domain             string      `json:"domain,omitempty"`
	Tool               string      `json:"tool,omitempty"`
	SupportsThreads    *bool       `json:"supports_threads,omitempty"`
	SupportsInterrupts *bool       `json:"supports_interrupts,omitempty"`
	SupportsStreaming  *bool       `json:"supports_streaming,omitempty"`
	Limit              int         `json:"limit,omitempty"`
	Offset             int         `json:"offset,omitempty"`
}

// AgentFilters contains filtering options for listing agents.
type AgentFilters struct {
	System string `json:"system,omitempty"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// AgentListResponse contains a paginated agent list.
type AgentListResponse struct {
	Agents     []*Agent `json:"agents"`
	TotalCount int      `json:"total_count"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
}
