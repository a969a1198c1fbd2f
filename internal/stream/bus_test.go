package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardai/steward/internal/memory"
	"github.com/stewardai/steward/pkg/schema"
)

func TestBus_FIFOWithinSession(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 10; i++ {
		bus.Emit("sess-1", schema.EventThought, i)
	}

	for i := 0; i < 10; i++ {
		ev, err := bus.Next("sess-1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, i, ev.Data)
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBus_KeepaliveOnIdle(t *testing.T) {
	bus := NewBus()
	ev, err := bus.Next("idle", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, ev, "wait timeout should yield a keepalive marker, not an event")
}

func TestBus_CloseSentinelAfterDrain(t *testing.T) {
	bus := NewBus()
	bus.Emit("sess-1", schema.EventComplete, nil)
	bus.Close("sess-1")

	ev, err := bus.Next("sess-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, schema.EventComplete, ev.Type)

	_, err = bus.Next("sess-1", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_EmitAfterCloseIsDiscarded(t *testing.T) {
	bus := NewBus()
	bus.Emit("sess-1", schema.EventThought, "a")
	bus.Close("sess-1")
	bus.Emit("sess-1", schema.EventThought, "b")

	ev, err := bus.Next("sess-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Data)

	_, err = bus.Next("sess-1", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_ProducerNeverBlocks(t *testing.T) {
	bus := NewBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueBuffer*3; i++ {
			bus.Emit("slow", schema.EventThought, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full queue")
	}
	assert.Greater(t, bus.Dropped("slow"), int64(0))
}

func TestBus_SessionIsolation(t *testing.T) {
	bus := NewBus()
	bus.Emit("a", schema.EventThought, "for a")
	bus.Emit("b", schema.EventThought, "for b")

	ev, err := bus.Next("b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "for b", ev.Data)

	ev, err = bus.Next("a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "for a", ev.Data)
}

func TestMemoryObserver_ForwardsMutations(t *testing.T) {
	bus := NewBus()
	shards := memory.NewShards(NewMemoryObserver(bus))
	m := shards.ForSession("sess-1")

	id, err := m.AddNode("researcher", schema.NodeStep, "fetch docs", "", nil)
	require.NoError(t, err)
	completed := schema.StatusCompleted
	require.NoError(t, m.UpdateNode(id, memory.NodeUpdate{Status: &completed}))

	var types []string
	for {
		ev, err := bus.Next("sess-1", 10*time.Millisecond)
		require.NoError(t, err)
		if ev == nil {
			break
		}
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventNodeAdded,
		schema.EventTimelineUpdate,
		schema.EventNodeUpdated,
		schema.EventTimelineUpdate,
	}, types)
}

func BenchmarkBusEmit(b *testing.B) {
	bus := NewBus()
	go func() {
		for {
			if _, err := bus.Next("bench", time.Second); err != nil {
				return
			}
		}
	}()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Emit("bench", schema.EventThought, fmt.Sprintf("ev-%d", i))
	}
	bus.Close("bench")
}
