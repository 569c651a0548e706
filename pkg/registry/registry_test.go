package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := NewService(store.Agents(), store.Runs(), config.DefaultRoutingConfig())
	return svc, store
}

func testSpec(agentID string) models.AgentSpec {
	return models.AgentSpec{
		AgentID: agentID,
		Version: "1.0.0",
		Name:    "Test Agent",
		System:  "crm",
		Type:    "llm",
		Capabilities: models.Capabilities{
			Domains: []string{"support"},
			Tools:   []string{"search"},
		},
	}
}

func setHealth(t *testing.T, svc *Service, agentID string, health *models.HealthStatus) {
	t.Helper()
	_, err := svc.mutate(context.Background(), agentID, func(a *models.Agent) error {
		a.Health = health
		return nil
	})
	require.NoError(t, err)
}

func TestService_RegisterDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	agent, err := svc.Register(ctx, testSpec("support-bot"))
	require.NoError(t, err)

	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, "support-bot", agent.AgentID)
	assert.Equal(t, models.AgentStatusActive, agent.Status)
	assert.Equal(t, models.LifecycleReady, agent.LifecycleState)
	assert.Zero(t, agent.RoutingWeight)
	assert.False(t, agent.CreatedAt.IsZero())

	got, err := svc.Get(ctx, "support-bot")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
}

func TestService_RegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.AgentSpec)
	}{
		{"missing agent_id", func(s *models.AgentSpec) { s.AgentID = "" }},
		{"missing version", func(s *models.AgentSpec) { s.Version = "" }},
		{"unknown status", func(s *models.AgentSpec) { s.Status = "sleeping" }},
		{"negative concurrency", func(s *models.AgentSpec) { s.Extensions.MaxConcurrentRuns = -1 }},
		{"negative timeout", func(s *models.AgentSpec) { s.Extensions.DefaultTimeoutMS = -5 }},
		{"unknown interrupt policy", func(s *models.AgentSpec) { s.Extensions.InterruptPolicy = "shrug" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec("validation-target")
			tt.mutate(&spec)
			_, err := svc.Register(ctx, spec)
			assert.True(t, caperr.IsCode(err, caperr.CodeValidField), "got %v", err)
		})
	}
}

func TestService_RegisterConflictAndSupersede(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, testSpec("bot"))
	require.NoError(t, err)

	// Same agent_id and version while the first is still live.
	_, err = svc.Register(ctx, testSpec("bot"))
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentConflict), "got %v", err)

	// A new version replaces the live registration.
	upgraded := testSpec("bot")
	upgraded.Version = "2.0.0"
	second, err := svc.Register(ctx, upgraded)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := svc.Get(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)

	// Once stopped, even the same version may re-register.
	stopped := models.LifecycleStopped
	_, err = svc.Update(ctx, "bot", models.AgentPatch{LifecycleState: &stopped})
	require.NoError(t, err)

	third, err := svc.Register(ctx, upgraded)
	require.NoError(t, err)
	assert.NotEqual(t, second.ID, third.ID)
	assert.Equal(t, models.LifecycleReady, third.LifecycleState)
}

func TestService_RegisterCapacity(t *testing.T) {
	store := memory.New()
	svc := NewService(store.Agents(), store.Runs(), &config.RoutingConfig{MaxAgents: 1})
	ctx := context.Background()

	_, err := svc.Register(ctx, testSpec("one"))
	require.NoError(t, err)

	_, err = svc.Register(ctx, testSpec("two"))
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentConflict), "got %v", err)
}

func TestService_UpdatePatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, testSpec("bot"))
	require.NoError(t, err)

	name := "Renamed"
	weight := 40
	running := models.LifecycleRunning
	agent, err := svc.Update(ctx, "bot", models.AgentPatch{
		Name:           &name,
		RoutingWeight:  &weight,
		LifecycleState: &running,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", agent.Name)
	assert.Equal(t, 40, agent.RoutingWeight)
	assert.Equal(t, models.LifecycleRunning, agent.LifecycleState)

	// Draining may not regress into the operating cohort.
	draining := models.LifecycleDraining
	_, err = svc.Update(ctx, "bot", models.AgentPatch{LifecycleState: &draining})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "bot", models.AgentPatch{LifecycleState: &running})
	assert.True(t, caperr.IsCode(err, caperr.CodeValidField), "got %v", err)

	_, err = svc.Update(ctx, "ghost", models.AgentPatch{Name: &name})
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentNotFound), "got %v", err)
}

func TestService_DeleteClearsSlots(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	spec := testSpec("bot")
	spec.Extensions.MaxConcurrentRuns = 1
	agent, err := svc.Register(ctx, spec)
	require.NoError(t, err)

	ok, err := svc.AcquireSlot(ctx, agent)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.Delete(ctx, "bot"))
	assert.True(t, caperr.IsCode(svc.Delete(ctx, "bot"), caperr.CodeAgentNotFound))

	// Re-registration starts with a clean slot ledger.
	agent, err = svc.Register(ctx, spec)
	require.NoError(t, err)
	ok, err = svc.AcquireSlot(ctx, agent)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_DiscoverFiltersAndOrdering(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	register := func(agentID string, weight int, caps models.Capabilities, ext models.Extensions) {
		t.Helper()
		spec := testSpec(agentID)
		spec.Capabilities = caps
		spec.Extensions = ext
		_, err := svc.Register(ctx, spec)
		require.NoError(t, err)
		if weight != 0 {
			_, err = svc.SetRoutingWeight(ctx, agentID, weight)
			require.NoError(t, err)
		}
	}

	billing := models.Capabilities{Domains: []string{"billing"}, Tools: []string{"ledger"}}
	support := models.Capabilities{Domains: []string{"support"}, Tools: []string{"search"}}

	register("billing-a", 10, billing, models.Extensions{SupportsStreaming: true})
	register("billing-b", 50, billing, models.Extensions{})
	register("billing-c", 50, billing, models.Extensions{})
	register("support-a", 90, support, models.Extensions{})

	setHealth(t, svc, "billing-a", &models.HealthStatus{Status: models.HealthHealthy})
	setHealth(t, svc, "billing-b", &models.HealthStatus{Status: models.HealthUnhealthy})
	// billing-c stays unprobed and sorts with unknown.

	got, err := svc.Discover(ctx, models.DiscoverCriteria{Domain: "billing"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Healthy beats unknown beats unhealthy, regardless of weight.
	assert.Equal(t, "billing-a", got[0].AgentID)
	assert.Equal(t, "billing-c", got[1].AgentID)
	assert.Equal(t, "billing-b", got[2].AgentID)

	streaming := true
	got, err = svc.Discover(ctx, models.DiscoverCriteria{Domain: "billing", SupportsStreaming: &streaming})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "billing-a", got[0].AgentID)

	got, err = svc.Discover(ctx, models.DiscoverCriteria{Tool: "search"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "support-a", got[0].AgentID)

	got, err = svc.Discover(ctx, models.DiscoverCriteria{Domain: "billing", Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "billing-c", got[0].AgentID)
}

func TestService_DiscoverWeightTiebreak(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha"} {
		spec := testSpec(id)
		_, err := svc.Register(ctx, spec)
		require.NoError(t, err)
		setHealth(t, svc, id, &models.HealthStatus{Status: models.HealthHealthy})
	}
	_, err := svc.SetRoutingWeight(ctx, "zeta", 10)
	require.NoError(t, err)
	_, err = svc.SetRoutingWeight(ctx, "alpha", 10)
	require.NoError(t, err)

	got, err := svc.Discover(ctx, models.DiscoverCriteria{System: "crm"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].AgentID)
	assert.Equal(t, "zeta", got[1].AgentID)
}

func TestService_CheckDispatchable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, testSpec("bot"))
	require.NoError(t, err)

	agent, err := svc.CheckDispatchable(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, "bot", agent.AgentID)

	inactive := models.AgentStatusInactive
	_, err = svc.Update(ctx, "bot", models.AgentPatch{Status: &inactive})
	require.NoError(t, err)
	_, err = svc.CheckDispatchable(ctx, "bot")
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentNotReady), "got %v", err)

	// Unhealthy wins over not-ready.
	setHealth(t, svc, "bot", &models.HealthStatus{Status: models.HealthUnhealthy, UnhealthyStreak: 3})
	_, err = svc.CheckDispatchable(ctx, "bot")
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentUnhealthy), "got %v", err)

	active := models.AgentStatusActive
	_, err = svc.Update(ctx, "bot", models.AgentPatch{Status: &active})
	require.NoError(t, err)
	setHealth(t, svc, "bot", &models.HealthStatus{Status: models.HealthDegraded})

	// Degraded still dispatches.
	_, err = svc.CheckDispatchable(ctx, "bot")
	require.NoError(t, err)

	draining := models.LifecycleDraining
	_, err = svc.Update(ctx, "bot", models.AgentPatch{LifecycleState: &draining})
	require.NoError(t, err)
	_, err = svc.CheckDispatchable(ctx, "bot")
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentNotReady), "got %v", err)

	_, err = svc.CheckDispatchable(ctx, "ghost")
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentNotFound), "got %v", err)
}

func TestService_AcquireSlotCapacity(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	spec := testSpec("bot")
	spec.Extensions.MaxConcurrentRuns = 2
	agent, err := svc.Register(ctx, spec)
	require.NoError(t, err)

	ok, err := svc.AcquireSlot(ctx, agent)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.AcquireSlot(ctx, agent)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.AcquireSlot(ctx, agent)
	require.NoError(t, err)
	assert.False(t, ok, "third slot must be refused")

	svc.ReleaseSlot("bot")
	ok, err = svc.AcquireSlot(ctx, agent)
	require.NoError(t, err)
	assert.True(t, ok)

	// Runs already active in the store count even when this process holds
	// no local slots.
	svc.ReleaseSlot("bot")
	svc.ReleaseSlot("bot")
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, store.Runs().CreateRun(ctx, &models.Run{
			ID:      id,
			AgentID: "bot",
			Status:  models.RunStatusRunning,
		}))
	}
	ok, err = svc.AcquireSlot(ctx, agent)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_AcquireSlotUnlimited(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	agent, err := svc.Register(ctx, testSpec("bot"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		ok, err := svc.AcquireSlot(ctx, agent)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestService_Deprecate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, testSpec("bot"))
	require.NoError(t, err)

	agent, err := svc.Deprecate(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusDeprecated, agent.Status)
	assert.Equal(t, models.LifecycleDraining, agent.LifecycleState)

	_, err = svc.CheckDispatchable(ctx, "bot")
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentNotReady), "got %v", err)
}

func TestService_SetRoutingWeight(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, testSpec("bot"))
	require.NoError(t, err)

	agent, err := svc.SetRoutingWeight(ctx, "bot", 75)
	require.NoError(t, err)
	assert.Equal(t, 75, agent.RoutingWeight)

	_, err = svc.SetRoutingWeight(ctx, "bot", -1)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidField), "got %v", err)
}

func TestService_HealthUnknownBeforeFirstProbe(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, testSpec("bot"))
	require.NoError(t, err)

	health, err := svc.Health(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnknown, health.Status)

	_, err = svc.Health(ctx, "ghost")
	assert.True(t, caperr.IsCode(err, caperr.CodeAgentNotFound), "got %v", err)
}
