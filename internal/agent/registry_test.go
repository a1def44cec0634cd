// ABOUTME: Tests for the agent registry.
// ABOUTME: Covers registration, heartbeat self-healing, status transitions and staleness scans.

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRegistryRegister(t *testing.T) {
	t.Run("creates available record", func(t *testing.T) {
		clock := newFakeClock()
		reg := NewRegistry(clock.Now)

		rec := reg.Register("build-1", []string{"build"})

		assert.Equal(t, "build-1", rec.Name)
		assert.Equal(t, []string{"build"}, rec.Capabilities)
		assert.Equal(t, StatusAvailable, rec.Status)
		assert.Equal(t, clock.Now(), rec.LastSeen)
		assert.Equal(t, 0, rec.TasksCompleted)
	})

	t.Run("re-registration refreshes capabilities and keeps order", func(t *testing.T) {
		clock := newFakeClock()
		reg := NewRegistry(clock.Now)

		first := reg.Register("a", []string{"build"})
		reg.Register("b", []string{"debug"})
		clock.Advance(time.Minute)
		again := reg.Register("a", []string{"build", "test", "build", ""})

		assert.Equal(t, first.Seq, again.Seq)
		assert.Equal(t, []string{"build", "test"}, again.Capabilities)
		assert.Equal(t, clock.Now(), again.LastSeen)
		assert.Equal(t, 2, reg.Len())

		snap := reg.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, "a", snap[0].Name)
		assert.Equal(t, "b", snap[1].Name)
	})

	t.Run("re-registration resets busy agent to available", func(t *testing.T) {
		reg := NewRegistry(nil)
		reg.Register("a", []string{"build"})
		require.NoError(t, reg.MarkBusy("a"))

		rec := reg.Register("a", []string{"build"})
		assert.Equal(t, StatusAvailable, rec.Status)
	})
}

func TestRegistryHeartbeat(t *testing.T) {
	t.Run("updates last seen", func(t *testing.T) {
		clock := newFakeClock()
		reg := NewRegistry(clock.Now)
		reg.Register("a", []string{"build"})

		clock.Advance(30 * time.Second)
		rec, changed := reg.Heartbeat("a")

		assert.False(t, changed)
		assert.Equal(t, clock.Now(), rec.LastSeen)
		assert.Equal(t, StatusAvailable, rec.Status)
	})

	t.Run("heals unresponsive agent", func(t *testing.T) {
		reg := NewRegistry(nil)
		reg.Register("a", []string{"build"})
		require.True(t, reg.MarkUnresponsive("a"))

		rec, changed := reg.Heartbeat("a")
		assert.True(t, changed)
		assert.Equal(t, StatusAvailable, rec.Status)
	})

	t.Run("confirms restarted agent", func(t *testing.T) {
		reg := NewRegistry(nil)
		reg.Register("a", []string{"build"})
		require.NoError(t, reg.MarkRestarted("a", 4242))

		rec, changed := reg.Heartbeat("a")
		assert.True(t, changed)
		assert.Equal(t, StatusAvailable, rec.Status)
		assert.Equal(t, 4242, rec.PID)
		assert.Equal(t, 1, rec.Restarts)
	})

	t.Run("busy agent stays busy", func(t *testing.T) {
		reg := NewRegistry(nil)
		reg.Register("a", []string{"build"})
		require.NoError(t, reg.MarkBusy("a"))

		rec, changed := reg.Heartbeat("a")
		assert.False(t, changed)
		assert.Equal(t, StatusBusy, rec.Status)
	})

	t.Run("unknown agent is created with no capabilities", func(t *testing.T) {
		reg := NewRegistry(nil)

		rec, changed := reg.Heartbeat("ghost")
		assert.True(t, changed)
		assert.Equal(t, "ghost", rec.Name)
		assert.Empty(t, rec.Capabilities)
		assert.Equal(t, StatusAvailable, rec.Status)
	})
}

func TestRegistryTransitions(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("a", []string{"build"})

	require.NoError(t, reg.MarkBusy("a"))
	rec, _ := reg.Get("a")
	assert.Equal(t, StatusBusy, rec.Status)

	require.NoError(t, reg.MarkAvailable("a", true))
	rec, _ = reg.Get("a")
	assert.Equal(t, StatusAvailable, rec.Status)
	assert.Equal(t, 1, rec.TasksCompleted)

	require.NoError(t, reg.MarkAvailable("a", false))
	rec, _ = reg.Get("a")
	assert.Equal(t, 1, rec.TasksCompleted, "failed tasks do not count as completed")

	assert.ErrorIs(t, reg.MarkBusy("missing"), ErrAgentNotFound)
	assert.ErrorIs(t, reg.MarkAvailable("missing", true), ErrAgentNotFound)
	assert.ErrorIs(t, reg.MarkRestarted("missing", 1), ErrAgentNotFound)

	assert.True(t, reg.MarkUnresponsive("a"))
	assert.False(t, reg.MarkUnresponsive("a"), "second mark is a no-op")
	assert.False(t, reg.MarkUnresponsive("missing"))
}

func TestRegistryScan(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	reg := NewRegistry(clock.Now)
	reg.Register("old", []string{"build"})
	clock.Advance(2 * time.Second)
	reg.Register("fresh", []string{"debug"})

	now := start.Add(301 * time.Second)

	t.Run("boundary is exclusive", func(t *testing.T) {
		stale := reg.Scan(start.Add(300*time.Second), 300*time.Second)
		assert.Empty(t, stale)
	})

	t.Run("returns only stale agents", func(t *testing.T) {
		stale := reg.Scan(now, 300*time.Second)
		require.Len(t, stale, 1)
		assert.Equal(t, "old", stale[0].Name)
	})

	t.Run("does not mutate status", func(t *testing.T) {
		reg.Scan(now.Add(time.Hour), 300*time.Second)
		rec, _ := reg.Get("old")
		assert.Equal(t, StatusAvailable, rec.Status)
	})
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("a", []string{"build"})

	snap := reg.Snapshot()
	snap[0].Capabilities[0] = "mutated"
	snap[0].Status = StatusBusy

	rec, _ := reg.Get("a")
	assert.Equal(t, []string{"build"}, rec.Capabilities)
	assert.Equal(t, StatusAvailable, rec.Status)
}

func TestRegistryRestore(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Restore(map[string]Record{
		"b": {Capabilities: []string{"debug"}, Status: StatusBusy, Seq: 7},
		"a": {Capabilities: []string{"build"}, Status: "bogus", Seq: 3},
	})

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, StatusUnknown, snap[0].Status)
	assert.Equal(t, "b", snap[1].Name)

	rec := reg.Register("c", nil)
	assert.Equal(t, uint64(8), rec.Seq, "new agents sort after restored ones")
}

func TestRegistryRestoreWithoutSeq(t *testing.T) {
	records := map[string]Record{
		"d-1": {Capabilities: []string{"build"}, Status: StatusAvailable},
		"b-1": {Capabilities: []string{"build"}, Status: StatusAvailable},
		"a-1": {Capabilities: []string{"build"}, Status: StatusAvailable},
		"c-1": {Capabilities: []string{"build"}, Status: StatusAvailable},
	}

	for i := 0; i < 50; i++ {
		reg := NewRegistry(nil)
		reg.Restore(records)

		snap := reg.Snapshot()
		require.Len(t, snap, 4)
		for j, want := range []string{"a-1", "b-1", "c-1", "d-1"} {
			assert.Equal(t, want, snap[j].Name)
			assert.Equal(t, uint64(j), snap[j].Seq)
		}

		name, err := Select("build", snap, nil)
		require.NoError(t, err)
		assert.Equal(t, "a-1", name)

		rec := reg.Register("e-1", []string{"build"})
		assert.Equal(t, uint64(4), rec.Seq)
	}
}
