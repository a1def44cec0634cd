// ABOUTME: Tests for the lifecycle event broadcaster
// ABOUTME: Covers per-agent routing, wildcard subscribers, slow consumers and cleanup

package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroadcaster_RoutesByAgent(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildCh, _ := b.Subscribe(ctx, "build-1")
	debugCh, _ := b.Subscribe(ctx, "debug-1")
	allCh, _ := b.Subscribe(ctx, All)

	b.Publish(Event{Type: TaskAssigned, Agent: "build-1"})

	assert.Equal(t, TaskAssigned, receive(t, buildCh).Type)
	assert.Equal(t, "build-1", receive(t, allCh).Agent)
	assertNoEvent(t, debugCh)
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, "a")
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Event{Type: AgentStatus, Agent: "a"})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeOnCancel(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := b.Subscribe(ctx, "a")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription not cleaned up")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	assert.Empty(t, b.subscribers)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, All)
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(ctx, All)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")

	// Publishing after close must not panic.
	b.Publish(Event{Agent: "a"})
}
