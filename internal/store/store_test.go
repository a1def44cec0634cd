// ABOUTME: Contract tests run against every Store backend
// ABOUTME: Covers round-trips, empty loads, corruption and atomic file writes

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/task"
)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	sqlStore, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqlStore,
	}
}

func sampleSnapshot() *Snapshot {
	created := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	started := created.Add(time.Minute)
	finished := created.Add(2 * time.Minute)

	snap := NewSnapshot()
	snap.Agents.Agents["build-1"] = agent.Record{
		Name:           "build-1",
		Capabilities:   []string{"build"},
		Status:         agent.StatusBusy,
		LastSeen:       created,
		TasksCompleted: 3,
		Seq:            0,
	}
	snap.Agents.Agents["debug-1"] = agent.Record{
		Name:         "debug-1",
		Capabilities: []string{"debug", "test"},
		Status:       agent.StatusUnresponsive,
		LastSeen:     created.Add(-time.Hour),
		Seq:          1,
		PID:          4242,
		Restarts:     2,
	}
	snap.Tasks.Pending = []task.Task{{
		ID: "t-1", Category: "build", Description: "compile", Priority: 5,
		AssignedAgent: "build-1", Status: task.StatusExecuting,
		CreatedAt: created, StartedAt: &started, Source: task.SourceAPI,
	}}
	snap.Tasks.Completed = []task.Task{{
		ID: "t-0", Category: "build", Description: "lint", AssignedAgent: "build-1",
		Status: task.StatusCompleted, CreatedAt: created, StartedAt: &started,
		CompletedAt: &finished, Success: true, Result: "ok", Project: "coven", FilePath: "main.go",
	}}
	snap.Tasks.Failed = []task.Task{{
		ID: "t-2", Category: "debug", Description: "flaky", AssignedAgent: "debug-1",
		Status: task.StatusFailed, CreatedAt: created, CompletedAt: &finished, Result: "boom",
		Source: task.SourceDiscovery,
	}}
	return snap
}

func TestStore_RoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleSnapshot()

			require.NoError(t, s.Save(ctx, want))

			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestStore_LoadEmpty(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			snap, err := s.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, NewSnapshot(), snap)
		})
	}
}

func TestStore_LastWriterWins(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, sampleSnapshot()))

			second := NewSnapshot()
			second.Agents.Agents["ui-1"] = agent.Record{Name: "ui-1", Capabilities: []string{"ui"}, Status: agent.StatusAvailable}
			require.NoError(t, s.Save(ctx, second))

			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, second, got)
		})
	}
}

func TestFileStore_CorruptDocument(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sampleSnapshot()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.json"), []byte("{not json"), 0o644))

	snap, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, sampleSnapshot().Agents, snap.Agents, "intact agents document survives")
	assert.Equal(t, NewSnapshot().Tasks, snap.Tasks, "corrupt tasks document loads empty")
}

func TestMemoryStore_BothDocumentsCorrupt(t *testing.T) {
	s := NewMemoryStore()
	s.SetRaw(DocAgents, []byte("["))
	s.SetRaw(DocTasks, []byte("nope"))

	snap, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), DocAgents)
	assert.Contains(t, err.Error(), DocTasks)
	assert.Equal(t, NewSnapshot(), snap)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sampleSnapshot()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"agents.json", "tasks.json"}, names)
}

func TestSQLiteStore_CorruptDocument(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec(`INSERT INTO documents (name, body, updated_at) VALUES ('agents', 'garbage', '')`)
	require.NoError(t, err)

	snap, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, NewSnapshot(), snap)
}

func TestMemoryStore_SaveErr(t *testing.T) {
	s := NewMemoryStore()
	s.SaveErr = os.ErrPermission

	err := s.Save(context.Background(), sampleSnapshot())
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, 0, s.Saves())
}

func TestMemoryStore_NullCollections(t *testing.T) {
	s := NewMemoryStore()
	s.SetRaw(DocTasks, []byte(`{"pending": null}`))

	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.Tasks.Pending)
	assert.NotNil(t, snap.Tasks.Completed)
	assert.NotNil(t, snap.Agents.Agents)
}
