package handlers

import (
	"fmt"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/models"
)

// Router picks a handler for a run input. Routing runs in phases: an
// explicit operation seeds candidates at confidence 1.0; otherwise payload
// shape infers the operation with a lower confidence. Candidates are then
// filtered by agent capabilities and the winner is selected by priority.
type Router struct {
	registry *Registry
	cfg      *config.RoutingConfig
}

func NewRouter(registry *Registry, cfg *config.RoutingConfig) *Router {
	if cfg == nil {
		cfg = config.DefaultRoutingConfig()
	}
	return &Router{registry: registry, cfg: cfg}
}

// Route resolves (input, agent) to a handler decision. No viable handler
// fails with CAP_RUN_EXECUTION_FAILED; the executor propagates it onto the
// run.
func (r *Router) Route(input models.RunInput, agent *models.Agent) (*models.RouteDecision, error) {
	op := input.Operation
	confidence := 1.0
	reason := fmt.Sprintf("%s: operation %s", models.RoutePhaseExplicit, op)

	switch {
	case op == "":
		detected, score, shape := detectOperation(input)
		if detected == "" {
			return nil, caperr.New(caperr.CodeRunExecutionFailed,
				"routing: no explicit operation and no recognizable payload shape")
		}
		op = detected
		confidence = score
		reason = fmt.Sprintf("%s: %s", models.RoutePhasePattern, shape)
	case !models.KnownOperation(op):
		return nil, caperr.Newf(caperr.CodeValidField, "routing: unknown operation %q", op)
	}

	candidates := r.registry.ByOperation(op)
	if r.cfg.CapabilityFilter() {
		candidates = filterByCapabilities(candidates, agent)
	}
	if len(candidates) == 0 {
		return nil, caperr.Newf(caperr.CodeRunExecutionFailed,
			"routing: no handler for operation %q", op).
			WithContext("agent_id", agent.AgentID)
	}
	if confidence < r.cfg.MinConfidence {
		return nil, caperr.Newf(caperr.CodeRunExecutionFailed,
			"routing: confidence %.2f below floor %.2f", confidence, r.cfg.MinConfidence).
			WithContext("operation", string(op))
	}

	winner := candidates[0]
	for _, h := range candidates[1:] {
		if routePreferred(h.Meta(), winner.Meta()) {
			winner = h
		}
	}

	return &models.RouteDecision{
		Handler:    winner.Meta(),
		Operation:  op,
		Confidence: confidence,
		Reason:     reason,
	}, nil
}

// detectOperation infers an operation from payload shape. The table is
// ordered by descending confidence, so the first match is the strongest.
// Inputs that carry only conversation messages route as generic.
func detectOperation(input models.RunInput) (models.Operation, float64, string) {
	payload := input.Payload
	has := func(key string) bool {
		_, ok := payload[key]
		return ok
	}
	switch {
	case has("text") && has("categories"):
		return models.OperationClassification, 0.95, "text+categories"
	case has("text") && has("schema"):
		return models.OperationExtraction, 0.95, "text+schema"
	case (has("query") || has("question")) && has("context_ids"):
		return models.OperationRAG, 0.90, "query+context_ids"
	case has("question"):
		return models.OperationReasoning, 0.70, "question"
	case has("query"):
		return models.OperationRAG, 0.60, "query"
	case has("message"):
		return models.OperationGeneric, 0.50, "message"
	case has("request"):
		return models.OperationGeneric, 0.50, "request"
	case len(input.Messages) > 0:
		return models.OperationGeneric, 0.50, "messages"
	}
	return "", 0, ""
}

func filterByCapabilities(candidates []Handler, agent *models.Agent) []Handler {
	out := make([]Handler, 0, len(candidates))
	for _, h := range candidates {
		if agentSatisfies(agent, h.Meta().RequiredCapabilities) {
			out = append(out, h)
		}
	}
	return out
}

// agentSatisfies requires every capability tag to appear among the agent's
// tools or actions.
func agentSatisfies(agent *models.Agent, required []string) bool {
	for _, name := range required {
		if !agent.Capabilities.HasTool(name) && !agent.Capabilities.HasAction(name) {
			return false
		}
	}
	return true
}

// routePreferred reports whether a beats b: higher priority, then higher
// version, then lexicographically smaller name.
func routePreferred(a, b models.HandlerMeta) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if c := models.CompareVersions(a.Version, b.Version); c != 0 {
		return c > 0
	}
	return a.Name < b.Name
}
