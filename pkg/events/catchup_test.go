package events

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage/memory"
)

func TestCatchup_EventsAfterPaginates(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Events().Insert(ctx, &models.Event{
			RunID:   "run-1",
			Channel: RunChannel("run-1"),
			Type:    EventStepCompleted,
			Payload: []byte(fmt.Sprintf(`{"step_index":%d}`, i)),
		})
		require.NoError(t, err)
	}

	catchup := NewCatchup(store.Events(), 2)

	envs, hasMore, err := catchup.EventsAfter(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.True(t, hasMore)
	assert.Equal(t, int64(1), envs[0].ID)
	assert.Equal(t, int64(2), envs[1].ID)

	envs, hasMore, err = catchup.EventsAfter(ctx, "run-1", envs[1].ID)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.True(t, hasMore)

	envs, hasMore, err = catchup.EventsAfter(ctx, "run-1", envs[1].ID)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.False(t, hasMore)
	assert.Equal(t, int64(5), envs[0].ID)
	assert.JSONEq(t, `{"step_index":4}`, string(envs[0].Data))
}

func TestCatchup_EmptyRun(t *testing.T) {
	store := memory.New()
	catchup := NewCatchup(store.Events(), 10)

	envs, hasMore, err := catchup.EventsAfter(context.Background(), "run-none", 0)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.False(t, hasMore)
}
