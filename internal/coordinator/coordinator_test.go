// ABOUTME: Tests for the coordinator's task lifecycle, routing and persistence
// ABOUTME: Uses the in-memory store, a fake clock and a recording notifier

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/task"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Publish(ev events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) ofType(typ events.Type) []events.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []events.Event
	for _, ev := range n.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type countingObserver struct {
	mu            sync.Mutex
	created       int
	routingFailed int
	finished      int
	persistFailed int
}

func (o *countingObserver) TaskCreated(string) {
	o.mu.Lock()
	o.created++
	o.mu.Unlock()
}

func (o *countingObserver) TaskRoutingFailed(string) {
	o.mu.Lock()
	o.routingFailed++
	o.mu.Unlock()
}

func (o *countingObserver) TaskFinished(string, bool) {
	o.mu.Lock()
	o.finished++
	o.mu.Unlock()
}

func (o *countingObserver) PersistFailed() {
	o.mu.Lock()
	o.persistFailed++
	o.mu.Unlock()
}

type harness struct {
	c        *Coordinator
	store    *store.MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
	observer *countingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
		observer: &countingObserver{},
	}
	h.c = h.open(t)
	return h
}

func (h *harness) open(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(context.Background(), Options{
		Store:    h.store,
		Notifier: h.notifier,
		Observer: h.observer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)
	return c
}

func TestBuildTaskLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)

	created, err := h.c.CreateTask(ctx, task.Request{Category: "build", Description: "compile"})
	require.NoError(t, err)
	assert.Equal(t, "build-1", created.AssignedAgent)
	assert.Equal(t, task.StatusQueued, created.Status)
	assert.Equal(t, task.SourceAPI, created.Source)

	claimed, err := h.c.Claim(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	rec, err := h.c.Agent("build-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusBusy, rec.Status)

	done, err := h.c.Complete(ctx, created.ID, true, "ok")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.True(t, done.Success)
	assert.Equal(t, "ok", done.Result)

	st := h.c.Status(0)
	assert.Empty(t, st.ActiveTasks)
	require.Len(t, st.RecentCompleted, 1)
	assert.Equal(t, created.ID, st.RecentCompleted[0].ID)
	assert.Equal(t, agent.StatusAvailable, st.Agents["build-1"].Status)
	assert.Equal(t, 1, st.Agents["build-1"].TasksCompleted)
	assert.Equal(t, TaskCounts{Completed: 1}, st.Counts)
}

func TestCreateTask_PrefersSpecialist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Register(ctx, "generic-1", []string{"debug", "build"})
	require.NoError(t, err)
	_, err = h.c.Register(ctx, "debug-1", []string{"debug"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		created, err := h.c.CreateTask(ctx, task.Request{Category: "debug", Description: "crash"})
		require.NoError(t, err)
		assert.Equal(t, "debug-1", created.AssignedAgent)
	}
}

func TestCreateTask_NoAgentLeavesQueueUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.CreateTask(ctx, task.Request{Category: "build", Description: "compile"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAgentAvailable))
	assert.Equal(t, "no_agent_available", Code(err))

	_, err = h.c.Register(ctx, "docs-1", []string{"docs"})
	require.NoError(t, err)
	saves := h.store.Saves()

	_, err = h.c.CreateTask(ctx, task.Request{Category: "build", Description: "compile"})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)

	st := h.c.Status(0)
	assert.Empty(t, st.ActiveTasks)
	assert.Equal(t, TaskCounts{}, st.Counts)
	assert.Equal(t, saves, h.store.Saves(), "failed routing must not persist")
	assert.Equal(t, 2, h.observer.routingFailed)
	assert.Empty(t, h.notifier.ofType(events.TaskAssigned))
}

func TestCreateTask_InvalidArguments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.CreateTask(ctx, task.Request{Category: "  "})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = h.c.Register(ctx, "", []string{"build"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = h.c.Heartbeat(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateTask_PublishesAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Register(ctx, "ui-1", []string{"ui"})
	require.NoError(t, err)
	created, err := h.c.CreateTask(ctx, task.Request{Category: "ui", Description: "button"})
	require.NoError(t, err)

	assigned := h.notifier.ofType(events.TaskAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, "ui-1", assigned[0].Agent)
	require.NotNil(t, assigned[0].Task)
	assert.Equal(t, created.ID, assigned[0].Task.ID)
	assert.Equal(t, h.clock.Now(), assigned[0].Time)
	assert.Equal(t, 1, h.observer.created)
}

func TestClaim_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Claim(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", Code(err))

	_, err = h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)
	created, err := h.c.CreateTask(ctx, task.Request{Category: "build"})
	require.NoError(t, err)
	_, err = h.c.Claim(ctx, created.ID)
	require.NoError(t, err)

	before := h.c.Status(0)
	saves := h.store.Saves()

	_, err = h.c.Claim(ctx, created.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "invalid_transition", Code(err))

	assert.Equal(t, before, h.c.Status(0))
	assert.Equal(t, saves, h.store.Saves())

	_, err = h.c.Complete(ctx, created.ID, true, "")
	require.NoError(t, err)
	_, err = h.c.Claim(ctx, created.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestComplete_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Complete(ctx, "missing", true, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)
	created, err := h.c.CreateTask(ctx, task.Request{Category: "build"})
	require.NoError(t, err)

	// Completing straight from queued is allowed.
	_, err = h.c.Complete(ctx, created.ID, false, "boom")
	require.NoError(t, err)

	_, err = h.c.Complete(ctx, created.ID, true, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	st := h.c.Status(0)
	require.Len(t, st.RecentFailed, 1)
	assert.Equal(t, "boom", st.RecentFailed[0].Result)
	assert.Empty(t, st.RecentCompleted)
	assert.Equal(t, 0, st.Agents["build-1"].TasksCompleted)
	assert.Len(t, h.notifier.ofType(events.TaskFailed), 1)
}

func TestHeartbeat_SelfHealsUnresponsive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)

	h.clock.Advance(301 * time.Second)
	stale := h.c.MarkStale(ctx, 300*time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, agent.StatusUnresponsive, stale[0].Status)
	assert.Equal(t, HealthDegraded, h.c.Health().Status)

	_, err = h.c.Heartbeat(ctx, "build-1")
	require.NoError(t, err)

	st := h.c.Status(0)
	assert.Equal(t, agent.StatusAvailable, st.Agents["build-1"].Status)
	assert.Equal(t, HealthOK, h.c.Health().Status)

	statusEvents := h.notifier.ofType(events.AgentStatus)
	require.Len(t, statusEvents, 2)
	assert.Equal(t, agent.StatusUnresponsive, statusEvents[0].Status)
	assert.Equal(t, agent.StatusAvailable, statusEvents[1].Status)
}

func TestHeartbeat_UnknownAgentCreated(t *testing.T) {
	h := newHarness(t)

	rec, err := h.c.Heartbeat(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusAvailable, rec.Status)
	assert.Empty(t, rec.Capabilities)

	health := h.c.Health()
	assert.Equal(t, 1, health.Agents.Total)
	assert.Equal(t, 1, health.Agents.Available)
}

func TestMarkStale_LeavesExecutingTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)
	created, err := h.c.CreateTask(ctx, task.Request{Category: "build"})
	require.NoError(t, err)
	_, err = h.c.Claim(ctx, created.ID)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	stale := h.c.MarkStale(ctx, 5*time.Minute)
	require.Len(t, stale, 1)

	got, err := h.c.Task(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, got.Status)
	assert.Equal(t, "build-1", got.AssignedAgent)

	// A second sweep reports the agent again but emits no new transition.
	stale = h.c.MarkStale(ctx, 5*time.Minute)
	require.Len(t, stale, 1)
	assert.Len(t, h.notifier.ofType(events.AgentStatus), 1)
}

func TestMarkStale_Boundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)

	h.clock.Advance(300 * time.Second)
	assert.Empty(t, h.c.MarkStale(ctx, 300*time.Second))

	h.clock.Advance(time.Second)
	assert.Len(t, h.c.MarkStale(ctx, 300*time.Second), 1)
}

func TestRecordRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.c.RecordRestart(ctx, "ghost", 42)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.c.Register(ctx, "debug-1", []string{"debug"})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	h.c.MarkStale(ctx, time.Minute)

	require.NoError(t, h.c.RecordRestart(ctx, "debug-1", 4242))

	rec, err := h.c.Agent("debug-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusUnknown, rec.Status)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, 1, rec.Restarts)
	assert.Len(t, h.notifier.ofType(events.AgentRestarted), 1)

	// Unknown agents are still routable.
	created, err := h.c.CreateTask(ctx, task.Request{Category: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug-1", created.AssignedAgent)
}

func TestAgentTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.AgentTasks("nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)
	_, err = h.c.Register(ctx, "test-1", []string{"test"})
	require.NoError(t, err)

	first, err := h.c.CreateTask(ctx, task.Request{Category: "build", Description: "first"})
	require.NoError(t, err)
	_, err = h.c.CreateTask(ctx, task.Request{Category: "test", Description: "other"})
	require.NoError(t, err)
	second, err := h.c.CreateTask(ctx, task.Request{Category: "build", Description: "second"})
	require.NoError(t, err)

	tasks, err := h.c.AgentTasks("build-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first.ID, tasks[0].ID)
	assert.Equal(t, second.ID, tasks[1].ID)

	tasks, err = h.c.AgentTasks("test-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestStatus_HistoryLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		created, err := h.c.CreateTask(ctx, task.Request{Category: "build", Description: fmt.Sprint(i)})
		require.NoError(t, err)
		_, err = h.c.Complete(ctx, created.ID, true, "")
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	st := h.c.Status(2)
	require.Len(t, st.RecentCompleted, 2)
	assert.Equal(t, ids[4], st.RecentCompleted[0].ID)
	assert.Equal(t, ids[3], st.RecentCompleted[1].ID)
	assert.Equal(t, 5, st.Counts.Completed)
	assert.NotNil(t, st.RecentFailed)
}

func TestPersistence_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)
	_, err = h.c.Register(ctx, "debug-1", []string{"debug"})
	require.NoError(t, err)

	queued, err := h.c.CreateTask(ctx, task.Request{Category: "build", Description: "q", Priority: 3, Project: "coven", FilePath: "main.go"})
	require.NoError(t, err)
	executing, err := h.c.CreateTask(ctx, task.Request{Category: "debug", Description: "e"})
	require.NoError(t, err)
	_, err = h.c.Claim(ctx, executing.ID)
	require.NoError(t, err)
	failed, err := h.c.CreateTask(ctx, task.Request{Category: "build", Description: "f"})
	require.NoError(t, err)
	_, err = h.c.Complete(ctx, failed.ID, false, "nope")
	require.NoError(t, err)

	before, err := json.Marshal(h.c.Status(0))
	require.NoError(t, err)

	reopened := h.open(t)
	after, err := json.Marshal(reopened.Status(0))
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))

	got, err := reopened.Task(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, "coven", got.Project)
	assert.Equal(t, "main.go", got.FilePath)

	// Registration order survives, so the same agent keeps winning.
	_, err = reopened.Register(ctx, "build-2", []string{"build"})
	require.NoError(t, err)
	again, err := reopened.CreateTask(ctx, task.Request{Category: "build"})
	require.NoError(t, err)
	assert.Equal(t, "build-1", again.AssignedAgent)
}

func TestPersistence_SaveFailureKeepsMemoryState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SaveErr = errors.New("disk full")

	_, err := h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)
	created, err := h.c.CreateTask(ctx, task.Request{Category: "build"})
	require.NoError(t, err)

	got, err := h.c.Task(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, 2, h.observer.persistFailed)

	err = h.c.Flush(ctx)
	assert.ErrorIs(t, err, ErrPersistenceFailure)

	h.store.SaveErr = nil
	require.NoError(t, h.c.Flush(ctx))
	reopened := h.open(t)
	_, err = reopened.Task(created.ID)
	assert.NoError(t, err)
}

// gatedStore blocks the first Save after arm until release is closed.
type gatedStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
}

func (g *gatedStore) Save(ctx context.Context, snap *store.Snapshot) error {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	entered, release := g.entered, g.release
	g.mu.Unlock()
	if armed {
		close(entered)
		<-release
	}
	return g.MemoryStore.Save(ctx, snap)
}

func TestFlush_DoesNotOverwriteNewerState(t *testing.T) {
	ctx := context.Background()
	gs := &gatedStore{MemoryStore: store.NewMemoryStore()}
	c, err := New(ctx, Options{Store: gs, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	gs.arm()
	flushed := make(chan error, 1)
	go func() { flushed <- c.Flush(ctx) }()
	<-gs.entered

	registered := make(chan struct{})
	go func() {
		_, _ = c.Register(ctx, "build-1", []string{"build"})
		close(registered)
	}()

	select {
	case <-registered:
		t.Fatal("register completed while flush was saving")
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.release)
	require.NoError(t, <-flushed)
	<-registered

	snap, err := gs.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Agents.Agents, "build-1")
}

func TestNew_CorruptStoreStartsEmpty(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Register(context.Background(), "build-1", []string{"build"})
	require.NoError(t, err)

	h.store.SetRaw(store.DocAgents, []byte("{not json"))
	h.store.SetRaw(store.DocTasks, []byte("{not json"))
	reopened := h.open(t)

	assert.Empty(t, reopened.Agents())
	assert.Equal(t, TaskCounts{}, reopened.Status(0).Counts)
}

func TestNew_CorruptTasksKeepsAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.c.Register(ctx, "build-1", []string{"build"})
	require.NoError(t, err)
	_, err = h.c.Register(ctx, "docs-1", []string{"docs"})
	require.NoError(t, err)

	h.store.SetRaw(store.DocTasks, []byte("{not json"))
	reopened := h.open(t)

	assert.Len(t, reopened.Agents(), 2)
	assert.Equal(t, TaskCounts{}, reopened.Status(0).Counts)

	tk, err := reopened.CreateTask(ctx, task.Request{Category: "build", Description: "compile", Priority: 1})
	require.NoError(t, err)
	assert.Equal(t, "build-1", tk.AssignedAgent)
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConcurrentLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := h.c.Register(ctx, fmt.Sprintf("build-%d", i), []string{"build"})
		require.NoError(t, err)
	}

	const workers = 8
	const perWorker = 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				created, err := h.c.CreateTask(ctx, task.Request{Category: "build"})
				if !assert.NoError(t, err) {
					return
				}
				_, err = h.c.Claim(ctx, created.ID)
				assert.NoError(t, err)
				_, err = h.c.Complete(ctx, created.ID, i%2 == 0, "")
				assert.NoError(t, err)
				h.c.Status(5)
				h.c.Health()
			}
		}(w)
	}
	wg.Wait()

	st := h.c.Status(0)
	assert.Empty(t, st.ActiveTasks)
	assert.Equal(t, workers*perWorker, st.Counts.Completed+st.Counts.Failed)
	assert.Equal(t, workers*perWorker/2, st.Counts.Completed)

	total := 0
	for _, rec := range st.Agents {
		assert.Equal(t, agent.StatusAvailable, rec.Status)
		total += rec.TasksCompleted
	}
	assert.Equal(t, st.Counts.Completed, total)
}

func TestCode(t *testing.T) {
	assert.Equal(t, "internal", Code(errors.New("x")))
	assert.Equal(t, "persistence_failure", Code(fmt.Errorf("wrap: %w", ErrPersistenceFailure)))
	assert.Equal(t, "collaborator_failure", Code(ErrCollaboratorFailure))
}
