package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestMemoryHubPublishSubscribe(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	err = h.Publish(ctx, RunEvent{
		ExecutionID: "run-1",
		NodeID:      "fetch",
		EventType:   EventNodeRunning,
	})
	require.NoError(t, err)

	got := <-ch
	assert.Equal(t, "run-1", got.ExecutionID)
	assert.Equal(t, EventNodeRunning, got.EventType)
}

func TestMemoryHubFilterByExecutionID(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{ExecutionID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, RunEvent{ExecutionID: "run-2", EventType: EventRunStarted}))
	require.NoError(t, h.Publish(ctx, RunEvent{ExecutionID: "run-1", EventType: EventRunStarted}))

	got := <-ch
	assert.Equal(t, "run-1", got.ExecutionID)
	assert.Empty(t, ch)
}

func TestMemoryHubFilterByEventType(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{EventTypes: []string{EventNodeError}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, RunEvent{ExecutionID: "r", EventType: EventNodeSuccess}))
	require.NoError(t, h.Publish(ctx, RunEvent{
		ExecutionID: "r",
		EventType:   EventNodeError,
		NodeResult:  &schema.NodeExecutionResult{NodeID: "x", Status: schema.NodeStatusError},
	}))

	got := <-ch
	assert.Equal(t, EventNodeError, got.EventType)
	require.NotNil(t, got.NodeResult)
	assert.Equal(t, "x", got.NodeResult.NodeID)
}

func TestMemoryHubUnsubscribe(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Publish(ctx, RunEvent{ExecutionID: "r", EventType: EventRunStarted}))

	// Cancel closes the channel so range loops terminate.
	_, open := <-ch
	assert.False(t, open)

	cancel() // second cancel is a no-op
}

func TestMemoryHubSlowSubscriberDropsEvents(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, h.Publish(ctx, RunEvent{ExecutionID: "r", EventType: EventRunStarted}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}
