// Package registry manages the agent catalog: registration, updates,
// discovery ordering, dispatch gating, and background health probing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

// casAttempts bounds the read-modify-write retry loop. Collisions come from
// the health prober and admin updates racing on the same row.
const casAttempts = 3

// Service is the agent registry. It owns the catalog of registered agents
// and answers the two questions the executor asks before dispatching a run:
// is this agent allowed to take work, and does it have a free slot.
type Service struct {
	agents storage.AgentStore
	runs   storage.RunStore
	cfg    *config.RoutingConfig

	// slots tracks concurrency slots held by this process. The store count
	// lags behind claims that have not transitioned to running yet, so both
	// are consulted in AcquireSlot.
	slotMu sync.Mutex
	slots  map[string]int
}

// NewService creates the registry on top of the given stores.
func NewService(agents storage.AgentStore, runs storage.RunStore, cfg *config.RoutingConfig) *Service {
	if cfg == nil {
		cfg = config.DefaultRoutingConfig()
	}
	return &Service{
		agents: agents,
		runs:   runs,
		cfg:    cfg,
		slots:  make(map[string]int),
	}
}

// Register adds an agent to the catalog. Registering an agent_id whose
// current registration is non-terminal and carries the same version is a
// conflict; a new version or a terminally stopped registration is superseded
// by a fresh cohort.
func (s *Service) Register(ctx context.Context, spec models.AgentSpec) (*models.Agent, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	if s.cfg.MaxAgents > 0 {
		count, err := s.agents.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("count agents: %w", err)
		}
		if count >= s.cfg.MaxAgents {
			return nil, caperr.Newf(caperr.CodeAgentConflict, "registry is at capacity (%d agents)", s.cfg.MaxAgents).
				WithContext("max_agents", s.cfg.MaxAgents)
		}
	}

	existing, err := s.agents.Get(ctx, spec.AgentID)
	switch {
	case err == nil:
		if !existing.LifecycleState.Terminal() && existing.Version == spec.Version {
			return nil, caperr.Newf(caperr.CodeAgentConflict, "agent %s version %s is already registered", spec.AgentID, spec.Version).
				WithContext("agent_id", spec.AgentID).
				WithContext("version", spec.Version)
		}
		// A stopped registration or an older version gives way to the new cohort.
		if err := s.agents.Delete(ctx, spec.AgentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("supersede agent %s: %w", spec.AgentID, err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get agent %s: %w", spec.AgentID, err)
	}

	status := spec.Status
	if status == "" {
		status = models.AgentStatusActive
	}
	now := time.Now().UTC()
	agent := &models.Agent{
		ID:             uuid.NewString(),
		AgentID:        spec.AgentID,
		Version:        spec.Version,
		Name:           spec.Name,
		Description:    spec.Description,
		System:         spec.System,
		Type:           spec.Type,
		Status:         status,
		LifecycleState: models.LifecycleReady,
		Capabilities:   spec.Capabilities,
		Extensions:     spec.Extensions,
		Metadata:       spec.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, caperr.Newf(caperr.CodeAgentConflict, "agent %s is already registered", spec.AgentID).
				WithContext("agent_id", spec.AgentID)
		}
		return nil, fmt.Errorf("create agent %s: %w", spec.AgentID, err)
	}

	slog.Info("Agent registered",
		"agent_id", agent.AgentID,
		"version", agent.Version,
		"system", agent.System,
		"status", agent.Status)
	return agent, nil
}

// Update applies a patch to an agent. Lifecycle changes must respect the
// monotonic cohort ordering.
func (s *Service) Update(ctx context.Context, agentID string, patch models.AgentPatch) (*models.Agent, error) {
	agent, err := s.mutate(ctx, agentID, func(a *models.Agent) error {
		return applyPatch(a, patch)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Agent updated", "agent_id", agentID)
	return agent, nil
}

// Delete removes an agent from the catalog. Runs already accepted keep
// their agent_id and finish normally.
func (s *Service) Delete(ctx context.Context, agentID string) error {
	if err := s.agents.Delete(ctx, agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(agentID)
		}
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}

	s.slotMu.Lock()
	delete(s.slots, agentID)
	s.slotMu.Unlock()

	slog.Info("Agent deleted", "agent_id", agentID)
	return nil
}

// Get returns an agent by its agent_id.
func (s *Service) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	return s.get(ctx, agentID)
}

// List returns agents matching the filters plus the unpaginated total.
func (s *Service) List(ctx context.Context, filters models.AgentFilters) ([]*models.Agent, int, error) {
	agents, total, err := s.agents.List(ctx, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	return agents, total, nil
}

// Discover returns agents matching the criteria, ordered best-first:
// healthiest first, then routing weight descending, then agent_id as a
// stable tiebreak.
func (s *Service) Discover(ctx context.Context, criteria models.DiscoverCriteria) ([]*models.Agent, error) {
	agents, _, err := s.agents.List(ctx, models.AgentFilters{
		System: criteria.System,
		Type:   criteria.Type,
		Status: string(criteria.Status),
	})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	matched := make([]*models.Agent, 0, len(agents))
	for _, agent := range agents {
		if criteria.Domain != "" && !agent.Capabilities.HasDomain(criteria.Domain) {
			continue
		}
		if criteria.Tool != "" && !agent.Capabilities.HasTool(criteria.Tool) {
			continue
		}
		if criteria.SupportsThreads != nil && agent.Extensions.SupportsThreads != *criteria.SupportsThreads {
			continue
		}
		if criteria.SupportsInterrupts != nil && agent.Extensions.SupportsInterrupts != *criteria.SupportsInterrupts {
			continue
		}
		if criteria.SupportsStreaming != nil && agent.Extensions.SupportsStreaming != *criteria.SupportsStreaming {
			continue
		}
		matched = append(matched, agent)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := healthRank(matched[i]), healthRank(matched[j])
		if ri != rj {
			return ri < rj
		}
		if matched[i].RoutingWeight != matched[j].RoutingWeight {
			return matched[i].RoutingWeight > matched[j].RoutingWeight
		}
		return matched[i].AgentID < matched[j].AgentID
	})

	if criteria.Offset > 0 {
		if criteria.Offset >= len(matched) {
			return []*models.Agent{}, nil
		}
		matched = matched[criteria.Offset:]
	}
	if criteria.Limit > 0 && criteria.Limit < len(matched) {
		matched = matched[:criteria.Limit]
	}
	return matched, nil
}

// Health returns the agent's most recent probe snapshot. Agents never
// probed report unknown.
func (s *Service) Health(ctx context.Context, agentID string) (*models.HealthStatus, error) {
	agent, err := s.get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Health == nil {
		return &models.HealthStatus{Status: models.HealthUnknown}, nil
	}
	return agent.Health, nil
}

// SetRoutingWeight changes the agent's discovery and routing priority.
func (s *Service) SetRoutingWeight(ctx context.Context, agentID string, weight int) (*models.Agent, error) {
	if weight < 0 {
		return nil, caperr.New(caperr.CodeValidField, "routing_weight must not be negative").
			WithContext("field", "routing_weight")
	}
	agent, err := s.mutate(ctx, agentID, func(a *models.Agent) error {
		a.RoutingWeight = weight
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Agent routing weight set", "agent_id", agentID, "weight", weight)
	return agent, nil
}

// Deprecate marks an agent deprecated and starts draining it. In-flight
// runs finish; new submissions are rejected by CheckDispatchable.
func (s *Service) Deprecate(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := s.mutate(ctx, agentID, func(a *models.Agent) error {
		a.Status = models.AgentStatusDeprecated
		if a.LifecycleState.CanTransitionTo(models.LifecycleDraining) {
			a.LifecycleState = models.LifecycleDraining
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Agent deprecated", "agent_id", agentID)
	return agent, nil
}

// CheckDispatchable verifies the agent may accept a new run right now.
// Unhealthy wins over not-ready so callers see the root cause.
func (s *Service) CheckDispatchable(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := s.get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Health != nil && agent.Health.Status == models.HealthUnhealthy {
		return nil, caperr.Newf(caperr.CodeAgentUnhealthy, "agent %s is unhealthy", agentID).
			WithContext("agent_id", agentID).
			WithContext("unhealthy_streak", agent.Health.UnhealthyStreak)
	}
	if agent.Status != models.AgentStatusActive {
		return nil, caperr.Newf(caperr.CodeAgentNotReady, "agent %s is %s", agentID, agent.Status).
			WithContext("agent_id", agentID).
			WithContext("status", string(agent.Status))
	}
	if !agent.LifecycleState.Dispatchable() {
		return nil, caperr.Newf(caperr.CodeAgentNotReady, "agent %s lifecycle is %s", agentID, agent.LifecycleState).
			WithContext("agent_id", agentID).
			WithContext("lifecycle_state", string(agent.LifecycleState))
	}
	return agent, nil
}

// AcquireSlot reserves a concurrency slot for the agent. ok is false when
// the agent is at max_concurrent_runs; the caller leaves the run queued and
// retries later. A zero max means unlimited.
func (s *Service) AcquireSlot(ctx context.Context, agent *models.Agent) (bool, error) {
	limit := agent.Extensions.MaxConcurrentRuns
	if limit <= 0 {
		return true, nil
	}

	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	active, err := s.runs.CountActiveByAgent(ctx, agent.AgentID)
	if err != nil {
		return false, fmt.Errorf("count active runs: %w", err)
	}
	// Slots claimed by this process may not have transitioned to running
	// yet, so the local count can run ahead of the store.
	if local := s.slots[agent.AgentID]; local > active {
		active = local
	}
	if active >= limit {
		return false, nil
	}
	s.slots[agent.AgentID]++
	return true, nil
}

// ReleaseSlot returns a slot taken by AcquireSlot. Call it after the run's
// terminal transition is durable.
func (s *Service) ReleaseSlot(agentID string) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	if n := s.slots[agentID]; n > 1 {
		s.slots[agentID] = n - 1
	} else {
		delete(s.slots, agentID)
	}
}

func (s *Service) get(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound(agentID)
		}
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return agent, nil
}

// mutate applies fn to a fresh copy of the agent and saves it, retrying when
// a concurrent writer advanced the row in between reads.
func (s *Service) mutate(ctx context.Context, agentID string, fn func(*models.Agent) error) (*models.Agent, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		agent, err := s.get(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if err := fn(agent); err != nil {
			return nil, err
		}
		err = s.agents.Update(ctx, agent)
		if err == nil {
			return agent, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound(agentID)
		}
		if !errors.Is(err, storage.ErrConcurrentModification) {
			return nil, fmt.Errorf("update agent %s: %w", agentID, err)
		}
		lastErr = err
	}
	return nil, caperr.Wrap(caperr.CodeAgentConflict, "agent "+agentID+" is being modified concurrently", lastErr).
		WithContext("agent_id", agentID)
}

func notFound(agentID string) error {
	return caperr.Newf(caperr.CodeAgentNotFound, "agent %s is not registered", agentID).
		WithContext("agent_id", agentID)
}

// healthRank orders agents for discovery. Unprobed agents sort with
// unknown, ahead of unhealthy ones.
func healthRank(agent *models.Agent) int {
	if agent.Health == nil {
		return 2
	}
	switch agent.Health.Status {
	case models.HealthHealthy:
		return 0
	case models.HealthDegraded:
		return 1
	case models.HealthUnknown:
		return 2
	default:
		return 3
	}
}

func validateSpec(spec models.AgentSpec) error {
	if spec.AgentID == "" {
		return caperr.New(caperr.CodeValidField, "agent_id is required").WithContext("field", "agent_id")
	}
	if spec.Version == "" {
		return caperr.New(caperr.CodeValidField, "version is required").WithContext("field", "version")
	}
	if spec.Status != "" && !validStatus(spec.Status) {
		return caperr.Newf(caperr.CodeValidField, "unknown agent status %q", spec.Status).WithContext("field", "status")
	}
	if spec.Extensions.MaxConcurrentRuns < 0 {
		return caperr.New(caperr.CodeValidField, "max_concurrent_runs must not be negative").WithContext("field", "max_concurrent_runs")
	}
	if spec.Extensions.DefaultTimeoutMS < 0 {
		return caperr.New(caperr.CodeValidField, "default_timeout_ms must not be negative").WithContext("field", "default_timeout_ms")
	}
	if p := spec.Extensions.InterruptPolicy; p != "" && p != models.InterruptPolicyFail && p != models.InterruptPolicyContinue {
		return caperr.Newf(caperr.CodeValidField, "unknown interrupt policy %q", p).WithContext("field", "interrupt_policy")
	}
	return nil
}

func validStatus(status models.AgentStatus) bool {
	switch status {
	case models.AgentStatusActive, models.AgentStatusInactive, models.AgentStatusDeprecated, models.AgentStatusMaintenance:
		return true
	}
	return false
}

func applyPatch(agent *models.Agent, patch models.AgentPatch) error {
	if patch.Status != nil {
		if !validStatus(*patch.Status) {
			return caperr.Newf(caperr.CodeValidField, "unknown agent status %q", *patch.Status).WithContext("field", "status")
		}
		agent.Status = *patch.Status
	}
	if patch.LifecycleState != nil {
		if !agent.LifecycleState.CanTransitionTo(*patch.LifecycleState) {
			return caperr.Newf(caperr.CodeValidField, "lifecycle cannot move from %s to %s", agent.LifecycleState, *patch.LifecycleState).
				WithContext("field", "lifecycle_state")
		}
		agent.LifecycleState = *patch.LifecycleState
	}
	if patch.Name != nil {
		agent.Name = *patch.Name
	}
	if patch.Description != nil {
		agent.Description = *patch.Description
	}
	if patch.Capabilities != nil {
		agent.Capabilities = *patch.Capabilities
	}
	if patch.Extensions != nil {
		if patch.Extensions.MaxConcurrentRuns < 0 {
			return caperr.New(caperr.CodeValidField, "max_concurrent_runs must not be negative").WithContext("field", "max_concurrent_runs")
		}
		agent.Extensions = *patch.Extensions
	}
	if patch.RoutingWeight != nil {
		if *patch.RoutingWeight < 0 {
			return caperr.New(caperr.CodeValidField, "routing_weight must not be negative").WithContext("field", "routing_weight")
		}
		agent.RoutingWeight = *patch.RoutingWeight
	}
	if patch.Metadata != nil {
		agent.Metadata = patch.Metadata
	}
	return nil
}
