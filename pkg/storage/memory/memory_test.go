package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

func testAgent(agentID string) *models.Agent {
	now := time.Now().UTC()
	return &models.Agent{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		Version:        "1.0.0",
		Status:         models.AgentStatusActive,
		LifecycleState: models.LifecycleReady,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestAgentStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := New().Agents()

	agent := testAgent("billing-agent")
	require.NoError(t, store.Create(ctx, agent))

	t.Run("duplicate agent_id rejected", func(t *testing.T) {
		dup := testAgent("billing-agent")
		assert.ErrorIs(t, store.Create(ctx, dup), storage.ErrAlreadyExists)
	})

	t.Run("get returns an independent copy", func(t *testing.T) {
		got, err := store.Get(ctx, "billing-agent")
		require.NoError(t, err)
		got.Status = models.AgentStatusInactive

		again, err := store.Get(ctx, "billing-agent")
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusActive, again.Status)
	})

	t.Run("stale update rejected", func(t *testing.T) {
		first, err := store.Get(ctx, "billing-agent")
		require.NoError(t, err)
		second, err := store.Get(ctx, "billing-agent")
		require.NoError(t, err)

		first.Description = "winner"
		require.NoError(t, store.Update(ctx, first))

		second.Description = "loser"
		assert.ErrorIs(t, store.Update(ctx, second), storage.ErrConcurrentModification)
	})

	t.Run("delete then get", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "billing-agent"))
		_, err := store.Get(ctx, "billing-agent")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "billing-agent"), storage.ErrNotFound)
	})
}

func TestAgentStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := New().Agents()

	a := testAgent("alpha")
	a.System = "crm"
	b := testAgent("beta")
	b.System = "crm"
	b.Status = models.AgentStatusInactive
	c := testAgent("gamma")
	c.System = "ops"
	for _, agent := range []*models.Agent{a, b, c} {
		require.NoError(t, store.Create(ctx, agent))
	}

	agents, total, err := store.List(ctx, models.AgentFilters{System: "crm"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].AgentID)
	assert.Equal(t, "beta", agents[1].AgentID)

	agents, total, err = store.List(ctx, models.AgentFilters{Status: "active", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, agents, 1)
	assert.Equal(t, "alpha", agents[0].AgentID)
}

func testThread() *models.Thread {
	now := time.Now().UTC()
	return &models.Thread{
		ID:        uuid.New().String(),
		AgentID:   "billing-agent",
		Status:    models.ThreadStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestThreadAppendAssignsContiguousSeq(t *testing.T) {
	ctx := context.Background()
	store := New().Threads()

	thread := testThread()
	require.NoError(t, store.CreateThread(ctx, thread))

	first, err := store.AppendMessages(ctx, thread.ID, []*models.Message{
		{ID: uuid.New().String(), Role: models.RoleUser, Content: "hello"},
		{ID: uuid.New().String(), Role: models.RoleAssistant, Content: "hi"},
	})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(1), first[0].Seq)
	assert.Equal(t, int64(2), first[1].Seq)

	second, err := store.AppendMessages(ctx, thread.ID, []*models.Message{
		{ID: uuid.New().String(), Role: models.RoleUser, Content: "more"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), second[0].Seq)

	got, err := store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.LastSeq)
	assert.Equal(t, 3, got.MessageCount)
}

func TestThreadAppendIdempotency(t *testing.T) {
	ctx := context.Background()
	store := New().Threads()

	thread := testThread()
	require.NoError(t, store.CreateThread(ctx, thread))

	msg := &models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleUser,
		Content:        "only once",
		IdempotencyKey: "key-1",
	}
	first, err := store.AppendMessages(ctx, thread.ID, []*models.Message{msg})
	require.NoError(t, err)

	retry := &models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleUser,
		Content:        "only once",
		IdempotencyKey: "key-1",
	}
	second, err := store.AppendMessages(ctx, thread.ID, []*models.Message{retry})
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Seq, second[0].Seq)

	got, err := store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)
}

func TestThreadAppendClosedRejected(t *testing.T) {
	ctx := context.Background()
	store := New().Threads()

	thread := testThread()
	require.NoError(t, store.CreateThread(ctx, thread))

	got, err := store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	got.Status = models.ThreadStatusClosed
	require.NoError(t, store.UpdateThread(ctx, got))

	_, err = store.AppendMessages(ctx, thread.ID, []*models.Message{
		{ID: uuid.New().String(), Role: models.RoleUser, Content: "late"},
	})
	assert.ErrorIs(t, err, storage.ErrThreadClosed)
}

func TestListMessagesFilters(t *testing.T) {
	ctx := context.Background()
	store := New().Threads()

	thread := testThread()
	require.NoError(t, store.CreateThread(ctx, thread))

	msgs := []*models.Message{
		{ID: uuid.New().String(), Role: models.RoleUser, Content: "one"},
		{ID: uuid.New().String(), Role: models.RoleAssistant, Content: "two", Meta: models.MessageMeta{Pinned: true}},
		{ID: uuid.New().String(), Role: models.RoleUser, Content: "three"},
	}
	_, err := store.AppendMessages(ctx, thread.ID, msgs)
	require.NoError(t, err)

	after, err := store.ListMessages(ctx, thread.ID, models.MessageFilters{AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "two", after[0].Content)

	pinned, err := store.ListMessages(ctx, thread.ID, models.MessageFilters{PinnedOnly: true})
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, "two", pinned[0].Content)

	newestFirst, err := store.ListMessages(ctx, thread.ID, models.MessageFilters{Reverse: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, newestFirst, 2)
	assert.Equal(t, "three", newestFirst[0].Content)
	assert.Equal(t, "two", newestFirst[1].Content)
}

func testRun(agentID string) *models.Run {
	now := time.Now().UTC()
	return &models.Run{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Status:    models.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRunTransition(t *testing.T) {
	ctx := context.Background()
	store := New().Runs()

	run := testRun("billing-agent")
	require.NoError(t, store.CreateRun(ctx, run))

	started, err := store.TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunStatusPending, models.RunStatusQueued},
		models.RunStatusRunning, func(r *models.Run) {
			now := time.Now().UTC()
			r.StartedAt = &now
			r.WorkerID = "worker-1"
		})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, started.Status)
	assert.Equal(t, "worker-1", started.WorkerID)
	require.NotNil(t, started.StartedAt)

	// The losing side of a transition race sees ErrConcurrentModification.
	_, err = store.TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunStatusPending}, models.RunStatusCancelled, nil)
	assert.ErrorIs(t, err, storage.ErrConcurrentModification)

	_, err = store.TransitionRun(ctx, "missing",
		[]models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCountActiveByAgent(t *testing.T) {
	ctx := context.Background()
	store := New().Runs()

	statuses := []models.RunStatus{
		models.RunStatusRunning,
		models.RunStatusStreaming,
		models.RunStatusInterrupted,
		models.RunStatusPending,
		models.RunStatusCompleted,
	}
	for _, status := range statuses {
		run := testRun("busy-agent")
		run.Status = status
		require.NoError(t, store.CreateRun(ctx, run))
	}

	count, err := store.CountActiveByAgent(ctx, "busy-agent")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = store.CountActiveByAgent(ctx, "other-agent")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestListUnfinished(t *testing.T) {
	ctx := context.Background()
	store := New().Runs()

	queued := testRun("a")
	queued.Status = models.RunStatusQueued
	running := testRun("a")
	running.Status = models.RunStatusRunning
	interrupted := testRun("a")
	interrupted.Status = models.RunStatusInterrupted
	done := testRun("a")
	done.Status = models.RunStatusCompleted
	for _, run := range []*models.Run{queued, running, interrupted, done} {
		require.NoError(t, store.CreateRun(ctx, run))
	}

	unfinished, err := store.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	for _, run := range unfinished {
		assert.NotEqual(t, models.RunStatusInterrupted, run.Status)
		assert.False(t, run.Status.Terminal())
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	store := New().Runs()

	old := testRun("a")
	old.Status = models.RunStatusCompleted
	require.NoError(t, store.CreateRun(ctx, old))
	fresh := testRun("a")
	fresh.Status = models.RunStatusCompleted
	fresh.UpdatedAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.CreateRun(ctx, fresh))
	active := testRun("a")
	active.Status = models.RunStatusRunning
	require.NoError(t, store.CreateRun(ctx, active))

	deleted, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetRun(ctx, active.ID)
	assert.NoError(t, err)
	_, err = store.GetRun(ctx, fresh.ID)
	assert.NoError(t, err)
}

func testInterrupt(runID string) *models.Interrupt {
	now := time.Now().UTC()
	return &models.Interrupt{
		ID:        uuid.New().String(),
		RunID:     runID,
		AgentID:   "billing-agent",
		Type:      models.InterruptApprovalRequired,
		Priority:  models.PriorityNormal,
		Status:    models.InterruptStatusPending,
		Payload:   models.InterruptPayload{Message: "approve?"},
		TimeoutMS: 60000,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func TestInterruptSingleActivePerRun(t *testing.T) {
	ctx := context.Background()
	store := New().Interrupts()

	first := testInterrupt("run-1")
	require.NoError(t, store.Create(ctx, first))

	second := testInterrupt("run-1")
	assert.ErrorIs(t, store.Create(ctx, second), storage.ErrAlreadyExists)

	// A terminal interrupt releases the slot.
	_, err := store.Transition(ctx, first.ID,
		[]models.InterruptStatus{models.InterruptStatusPending, models.InterruptStatusNotified, models.InterruptStatusViewed},
		models.InterruptStatusResolved, nil)
	require.NoError(t, err)
	assert.NoError(t, store.Create(ctx, second))
}

func TestInterruptTransitionRace(t *testing.T) {
	ctx := context.Background()
	store := New().Interrupts()

	intr := testInterrupt("run-1")
	require.NoError(t, store.Create(ctx, intr))

	resolvable := []models.InterruptStatus{
		models.InterruptStatusPending,
		models.InterruptStatusNotified,
		models.InterruptStatusViewed,
	}

	resolved, err := store.Transition(ctx, intr.ID, resolvable, models.InterruptStatusResolved, func(i *models.Interrupt) {
		now := time.Now().UTC()
		i.ResolvedAt = &now
		i.Response = &models.InterruptResponse{Value: "approve"}
	})
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStatusResolved, resolved.Status)
	require.NotNil(t, resolved.Response)

	// Expiry arrives after resolution loses the race.
	_, err = store.Transition(ctx, intr.ID, resolvable, models.InterruptStatusExpired, nil)
	assert.ErrorIs(t, err, storage.ErrConcurrentModification)
}

func TestListExpired(t *testing.T) {
	ctx := context.Background()
	store := New().Interrupts()

	past := testInterrupt("run-1")
	past.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, past))

	future := testInterrupt("run-2")
	require.NoError(t, store.Create(ctx, future))

	expired, err := store.ListExpired(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, past.ID, expired[0].ID)
}

func TestEventStoreInsertAndCatchup(t *testing.T) {
	ctx := context.Background()
	store := New().Events()

	var lastID int64
	for i := 0; i < 5; i++ {
		event := &models.Event{RunID: "run-1", Channel: "run:run-1", Type: "run:progress", Payload: []byte(`{}`)}
		id, err := store.Insert(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, id, event.ID)
		assert.Greater(t, id, lastID)
		lastID = id
	}
	otherEvent := &models.Event{RunID: "run-2", Channel: "run:run-2", Type: "run:started", Payload: []byte(`{}`)}
	_, err := store.Insert(ctx, otherEvent)
	require.NoError(t, err)

	events, err := store.ListAfter(ctx, "run-1", 2, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].ID)

	events, err = store.ListAfter(ctx, "run-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New().Checkpoints()

	cp := &models.Checkpoint{
		RunID:  "run-1",
		Status: models.RunStatusRunning,
		Steps: []*models.Step{
			{ID: uuid.New().String(), RunID: "run-1", Index: 0, Status: models.StepStatusCompleted},
		},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)

	// Save is an upsert.
	cp.Status = models.RunStatusStreaming
	require.NoError(t, store.Save(ctx, cp))
	got, err = store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStreaming, got.Status)

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Get(ctx, "run-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "run-1"))
}
