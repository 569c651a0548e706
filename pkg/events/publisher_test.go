package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage/memory"
)

// fakeNotifier records NotifyOnly calls for tests.
type fakeNotifier struct {
	mu     sync.Mutex
	events []*models.Event
}

func (f *fakeNotifier) NotifyOnly(_ context.Context, event *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestPublisher_MemoryModePersistsAndDeliversLocally(t *testing.T) {
	bus := newTestBus(16, config.OverflowDropOldest)
	store := memory.New()
	pub := NewPublisher(bus, store.Events(), nil, true)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, RunChannel("run-1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.PublishRunStarted(ctx, RunStartedPayload{
		RunID:     "run-1",
		AgentID:   "billing-agent",
		Attempt:   1,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}))

	env := receiveEnvelope(t, sub)
	assert.Equal(t, EventRunStarted, env.Type)
	assert.Equal(t, RunChannel("run-1"), env.Channel)
	assert.Greater(t, env.ID, int64(0))

	var payload RunStartedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, EventRunStarted, payload.Type)
	assert.Equal(t, "billing-agent", payload.AgentID)

	logged, err := store.Events().ListAfter(ctx, "run-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, env.ID, logged[0].ID)
}

func TestPublisher_TokenIsTransient(t *testing.T) {
	bus := newTestBus(16, config.OverflowDropOldest)
	store := memory.New()
	pub := NewPublisher(bus, store.Events(), nil, true)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, RunChannel("run-1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.PublishToken(ctx, TokenPayload{
		RunID: "run-1", StepID: "step-1", Delta: "hel",
	}))

	env := receiveEnvelope(t, sub)
	assert.Equal(t, EventToken, env.Type)
	assert.Equal(t, int64(0), env.ID)

	logged, err := store.Events().ListAfter(ctx, "run-1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, logged, "tokens never reach the durable log")
}

func TestPublisher_PersistenceOffDegradesToTransient(t *testing.T) {
	bus := newTestBus(16, config.OverflowDropOldest)
	store := memory.New()
	pub := NewPublisher(bus, store.Events(), nil, false)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, RunChannel("run-1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.PublishCompleted(ctx, CompletedPayload{
		RunID: "run-1", Response: "done",
	}))

	env := receiveEnvelope(t, sub)
	assert.Equal(t, EventCompleted, env.Type)
	assert.Equal(t, int64(0), env.ID)

	logged, err := store.Events().ListAfter(ctx, "run-1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, logged)
}

func TestPublisher_NotifierOwnsRemoteDelivery(t *testing.T) {
	bus := newTestBus(16, config.OverflowDropOldest)
	store := memory.New()
	notifier := &fakeNotifier{}
	pub := NewPublisher(bus, store.Events(), notifier, true)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, RunChannel("run-1"))
	require.NoError(t, err)
	defer sub.Close()

	// Persistent events go through the log's own NOTIFY; the publisher
	// neither publishes locally nor calls the transient notifier.
	require.NoError(t, pub.PublishError(ctx, ErrorPayload{
		RunID: "run-1", Status: models.RunStatusFailed, Code: "NET_UPSTREAM_5XX", Message: "bad gateway",
	}))
	assert.Equal(t, 0, notifier.count())
	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected local delivery of %s", env.Type)
	default:
	}

	logged, err := store.Events().ListAfter(ctx, "run-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)

	// Transient events are the notifier's job.
	require.NoError(t, pub.PublishToken(ctx, TokenPayload{RunID: "run-1", Delta: "x"}))
	assert.Equal(t, 1, notifier.count())
}
