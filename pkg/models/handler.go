package models

// HandlerMeta is what a step handler advertises to the registry.
type HandlerMeta struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Operation   Operation `json:"operation_type"`
	Description string    `json:"description,omitempty"`
	// RequiredCapabilities must be a subset of the target agent's
	// tools ∪ actions when capability routing is enabled.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// Priority breaks ties among candidates with equal confidence.
	Priority int `json:"priority"`
}

// Key identifies a handler registration. Duplicate name+version is rejected.
func (m HandlerMeta) Key() string {
	return m.Name + "@" + m.Version
}

// RoutePhase records which routing phase selected a handler.
type RoutePhase string

const (
	RoutePhaseExplicit RoutePhase = "explicit"
	RoutePhasePattern  RoutePhase = "pattern"
)

// RouteDecision is the outcome of routing one input.
type RouteDecision struct {
	Handler    HandlerMeta `json:"handler"`
	Operation  Operation   `json:"operation"`
	Confidence float64     `json:"confidence"`
	// Reason records the selecting phase for observability; it is never
	// used for control flow.
	Reason string `json:"reason"`
}
