package interrupts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage/memory"
)

type testEnv struct {
	store *memory.Store
	bus   *events.Bus
	svc   *Service
}

func newTestEnv(t *testing.T, cfg *config.InterruptsConfig, agents ...*models.Agent) *testEnv {
	t.Helper()
	store := memory.New()
	for _, agent := range agents {
		require.NoError(t, store.Agents().Create(context.Background(), agent))
	}
	bus := events.NewBus(&config.EventsConfig{BufferSize: 16, OverflowPolicy: config.OverflowDropOldest})
	pub := events.NewPublisher(bus, store.Events(), nil, false)
	return &testEnv{
		store: store,
		bus:   bus,
		svc:   NewService(store.Interrupts(), store.Agents(), pub, cfg),
	}
}

func testAgent(agentID string, policy models.InterruptPolicy) *models.Agent {
	return &models.Agent{
		ID:      "a-" + agentID,
		AgentID: agentID,
		Version: "1.0.0",
		Status:  models.AgentStatusActive,
		Extensions: models.Extensions{
			SupportsInterrupts: true,
			InterruptPolicy:    policy,
		},
	}
}

func createRequest(runID string) models.CreateInterruptRequest {
	return models.CreateInterruptRequest{
		RunID:   runID,
		AgentID: "bot",
		Type:    models.InterruptApprovalRequired,
		Payload: models.InterruptPayload{
			Message: "Approve restarting the payments pod?",
			Options: []string{"approve", "reject"},
		},
		TimeoutMS: 60_000,
	}
}

func TestCreateInterrupt(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	sub, err := env.bus.Subscribe(ctx, events.RunChannel("run-1"))
	require.NoError(t, err)
	defer sub.Close()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	assert.NotEmpty(t, intr.ID)
	assert.Equal(t, "run-1", intr.RunID)
	assert.Equal(t, models.InterruptStatusPending, intr.Status)
	assert.Equal(t, models.PriorityNormal, intr.Priority)
	assert.Equal(t, int64(60_000), intr.TimeoutMS)
	assert.Equal(t, time.Minute, intr.ExpiresAt.Sub(intr.CreatedAt))
	assert.Nil(t, intr.Response)

	var envelope events.Envelope
	select {
	case envelope = <-sub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interrupt event")
	}
	require.Equal(t, events.EventInterrupt, envelope.Type)

	var payload events.InterruptEventPayload
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	assert.Equal(t, intr.ID, payload.InterruptID)
	assert.Equal(t, models.InterruptStatusPending, payload.Status)
	assert.Equal(t, "Approve restarting the payments pod?", payload.Message)
}

func TestCreateAppliesDefaults(t *testing.T) {
	cfg := &config.InterruptsConfig{
		DefaultTimeout: config.Duration(2 * time.Minute),
		SweepInterval:  config.Duration(time.Second),
	}
	env := newTestEnv(t, cfg, testAgent("bot", ""))

	req := createRequest("run-1")
	req.TimeoutMS = 0
	req.Priority = ""

	intr, err := env.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), intr.TimeoutMS)
	assert.Equal(t, 2*time.Minute, intr.ExpiresAt.Sub(intr.CreatedAt))
	assert.Equal(t, models.PriorityNormal, intr.Priority)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.CreateInterruptRequest)
	}{
		{"missing run_id", func(r *models.CreateInterruptRequest) { r.RunID = "" }},
		{"missing agent_id", func(r *models.CreateInterruptRequest) { r.AgentID = "" }},
		{"unknown type", func(r *models.CreateInterruptRequest) { r.Type = "telepathy_required" }},
		{"missing message", func(r *models.CreateInterruptRequest) { r.Payload.Message = "" }},
		{"unknown priority", func(r *models.CreateInterruptRequest) { r.Priority = "whenever" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := createRequest("run-1")
			tc.mutate(&req)
			_, err := env.svc.Create(ctx, req)
			require.Error(t, err)
			assert.Equal(t, caperr.CodeValidField, caperr.CodeOf(err))
		})
	}
}

func TestCreateSecondActiveConflicts(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	first, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	_, err = env.svc.Create(ctx, createRequest("run-1"))
	require.Error(t, err)
	assert.Equal(t, caperr.CodeInterruptConflict, caperr.CodeOf(err))

	// A different run is unaffected.
	_, err = env.svc.Create(ctx, createRequest("run-2"))
	require.NoError(t, err)

	// Once the first turns terminal the run may suspend again.
	_, err = env.svc.Resolve(ctx, first.ID, models.InterruptResponse{Value: "approve"})
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)
}

func TestResolveSignalsWaiter(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	resumed, release := env.svc.Await(intr.ID)
	defer release()

	updated, err := env.svc.Resolve(ctx, intr.ID, models.InterruptResponse{
		Value:       "approve",
		RespondedBy: "oncall@example.com",
		Note:        "looks safe",
	})
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusResolved, updated.Status)
	require.NotNil(t, updated.Response)
	assert.Equal(t, "approve", updated.Response.Value)
	assert.Equal(t, "oncall@example.com", updated.Response.RespondedBy)
	assert.False(t, updated.Response.Continued)
	require.NotNil(t, updated.ResolvedAt)

	select {
	case r := <-resumed:
		assert.Equal(t, models.InterruptStatusResolved, r.Status)
		require.NotNil(t, r.Response)
		assert.Equal(t, "approve", r.Response.Value)
		assert.False(t, r.Continue)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resumption")
	}
}

func TestResolveIsSingleWinner(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	_, err = env.svc.Resolve(ctx, intr.ID, models.InterruptResponse{Value: "approve"})
	require.NoError(t, err)

	_, err = env.svc.Resolve(ctx, intr.ID, models.InterruptResponse{Value: "reject"})
	require.Error(t, err)
	assert.Equal(t, caperr.CodeInterruptConflict, caperr.CodeOf(err))

	_, err = env.svc.Expire(ctx, intr.ID)
	require.Error(t, err)
	assert.Equal(t, caperr.CodeInterruptConflict, caperr.CodeOf(err))

	// The stored answer is the winner's.
	stored, err := env.svc.Get(ctx, intr.ID)
	require.NoError(t, err)
	assert.Equal(t, "approve", stored.Response.Value)
}

func TestResolveClearsContinuedFlag(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	updated, err := env.svc.Resolve(ctx, intr.ID, models.InterruptResponse{Value: "yes", Continued: true})
	require.NoError(t, err)
	assert.False(t, updated.Response.Continued)
}

func TestResolveUnknownInterrupt(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))

	_, err := env.svc.Resolve(context.Background(), "missing", models.InterruptResponse{Value: "ok"})
	require.Error(t, err)
	assert.Equal(t, caperr.CodeInterruptNotFound, caperr.CodeOf(err))
}

func TestNotifiedAndViewedAreOptional(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	notified, err := env.svc.MarkNotified(ctx, intr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusNotified, notified.Status)

	// Notified is single-shot.
	_, err = env.svc.MarkNotified(ctx, intr.ID)
	require.Error(t, err)
	assert.Equal(t, caperr.CodeInterruptConflict, caperr.CodeOf(err))

	viewed, err := env.svc.MarkViewed(ctx, intr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusViewed, viewed.Status)

	// Resolution is legal from viewed.
	resolved, err := env.svc.Resolve(ctx, intr.ID, models.InterruptResponse{Value: "approve"})
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusResolved, resolved.Status)
}

func TestViewedStraightFromPending(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	viewed, err := env.svc.MarkViewed(ctx, intr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusViewed, viewed.Status)

	// Notification after viewing would move the status backward.
	_, err = env.svc.MarkNotified(ctx, intr.ID)
	require.Error(t, err)
	assert.Equal(t, caperr.CodeInterruptConflict, caperr.CodeOf(err))
}

func TestExpireFailPolicy(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", models.InterruptPolicyFail))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	resumed, release := env.svc.Await(intr.ID)
	defer release()

	expired, err := env.svc.Expire(ctx, intr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusExpired, expired.Status)
	assert.Nil(t, expired.Response)

	select {
	case r := <-resumed:
		assert.Equal(t, models.InterruptStatusExpired, r.Status)
		assert.False(t, r.Continue)
		assert.Nil(t, r.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resumption")
	}
}

func TestExpireContinueWithoutPolicy(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", models.InterruptPolicyContinue))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	resumed, release := env.svc.Await(intr.ID)
	defer release()

	expired, err := env.svc.Expire(ctx, intr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusExpired, expired.Status)
	require.NotNil(t, expired.Response)
	assert.True(t, expired.Response.Continued)
	assert.Nil(t, expired.Response.Value)

	select {
	case r := <-resumed:
		assert.Equal(t, models.InterruptStatusExpired, r.Status)
		assert.True(t, r.Continue)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resumption")
	}
}

func TestExpireUnknownAgentFallsBackToFail(t *testing.T) {
	// No agent registered at all.
	env := newTestEnv(t, nil)
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	expired, err := env.svc.Expire(ctx, intr.ID)
	require.NoError(t, err)
	assert.Nil(t, expired.Response)
}

func TestCancelSignalsWaiter(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	resumed, release := env.svc.Await(intr.ID)
	defer release()

	cancelled, err := env.svc.Cancel(ctx, intr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusCancelled, cancelled.Status)

	select {
	case r := <-resumed:
		assert.Equal(t, models.InterruptStatusCancelled, r.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resumption")
	}
}

func TestSignalBeforeAwaitIsParked(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	// Resolution lands before anyone waits.
	_, err = env.svc.Resolve(ctx, intr.ID, models.InterruptResponse{Value: "approve"})
	require.NoError(t, err)

	resumed, release := env.svc.Await(intr.ID)
	defer release()

	select {
	case r := <-resumed:
		assert.Equal(t, models.InterruptStatusResolved, r.Status)
		assert.Equal(t, "approve", r.Response.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("parked resumption was not delivered")
	}
}

func TestAwaitReleaseDropsWaiter(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	_, release := env.svc.Await(intr.ID)
	release()

	// Signaling after release parks the outcome for a later waiter.
	_, err = env.svc.Resolve(ctx, intr.ID, models.InterruptResponse{Value: "approve"})
	require.NoError(t, err)

	resumed, release2 := env.svc.Await(intr.ID)
	defer release2()
	select {
	case r := <-resumed:
		assert.Equal(t, models.InterruptStatusResolved, r.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("parked resumption was not delivered")
	}
}

func TestActiveForRun(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	active, err := env.svc.ActiveForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	intr, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)

	active, err = env.svc.ActiveForRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, intr.ID, active.ID)

	_, err = env.svc.Cancel(ctx, intr.ID)
	require.NoError(t, err)

	active, err = env.svc.ActiveForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	first, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, createRequest("run-2"))
	require.NoError(t, err)
	_, err = env.svc.Resolve(ctx, first.ID, models.InterruptResponse{Value: "ok"})
	require.NoError(t, err)

	byRun, err := env.svc.List(ctx, models.InterruptFilters{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, byRun.TotalCount)
	assert.Equal(t, first.ID, byRun.Interrupts[0].ID)

	pending, err := env.svc.List(ctx, models.InterruptFilters{Status: string(models.InterruptStatusPending)})
	require.NoError(t, err)
	assert.Equal(t, 1, pending.TotalCount)
	assert.Equal(t, "run-2", pending.Interrupts[0].RunID)

	all, err := env.svc.List(ctx, models.InterruptFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.TotalCount)
	assert.Equal(t, 50, all.Limit)
}

func TestExpireDue(t *testing.T) {
	env := newTestEnv(t, nil, testAgent("bot", ""))
	ctx := context.Background()

	_, err := env.svc.Create(ctx, createRequest("run-1"))
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, createRequest("run-2"))
	require.NoError(t, err)
	keep, err := env.svc.Create(ctx, createRequest("run-3"))
	require.NoError(t, err)
	_, err = env.svc.Resolve(ctx, keep.ID, models.InterruptResponse{Value: "ok"})
	require.NoError(t, err)

	// Nothing is due yet.
	count, err := env.svc.ExpireDue(ctx, time.Now().UTC(), sweepBatchSize)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Past every deadline: the two live interrupts expire, the resolved
	// one is untouched.
	count, err = env.svc.ExpireDue(ctx, time.Now().UTC().Add(time.Hour), sweepBatchSize)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expired, err := env.svc.List(ctx, models.InterruptFilters{Status: string(models.InterruptStatusExpired)})
	require.NoError(t, err)
	assert.Equal(t, 2, expired.TotalCount)

	stored, err := env.svc.Get(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusResolved, stored.Status)
}
