// ABOUTME: Coordinator serializes every registry and queue mutation behind one lock
// ABOUTME: and persists the full state after each change

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/task"
)

// Notifier receives lifecycle events after the lock is released.
type Notifier interface {
	Publish(ev events.Event)
}

// Observer receives counters for metrics. Implementations must not block.
type Observer interface {
	TaskCreated(category string)
	TaskRoutingFailed(category string)
	TaskFinished(category string, success bool)
	PersistFailed()
}

// Options configures a Coordinator.
type Options struct {
	Store        store.Store
	Weights      agent.Weights
	Notifier     Notifier
	Observer     Observer
	Logger       *slog.Logger
	Clock        func() time.Time
	HistoryLimit int
}

// Coordinator owns the agent registry and task queue.
type Coordinator struct {
	mu       sync.RWMutex
	registry *agent.Registry
	queue    *task.Queue

	store        store.Store
	weights      agent.Weights
	notifier     Notifier
	observer     Observer
	logger       *slog.Logger
	now          func() time.Time
	historyLimit int
}

// New creates a coordinator and restores state from the store. Missing or
// corrupt documents start empty while readable ones are restored; other load
// errors are returned.
func New(ctx context.Context, opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidArgument)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	weights := opts.Weights
	if weights == nil {
		weights = agent.DefaultWeights()
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	c := &Coordinator{
		registry:     agent.NewRegistry(now),
		queue:        task.NewQueue(now),
		store:        opts.Store,
		weights:      weights,
		notifier:     opts.Notifier,
		observer:     opts.Observer,
		logger:       logger.With("component", "coordinator"),
		now:          now,
		historyLimit: limit,
	}

	snap, err := opts.Store.Load(ctx)
	switch {
	case errors.Is(err, store.ErrCorrupt):
		c.logger.Warn("state store partly corrupt, keeping readable documents", "error", err)
		if snap == nil {
			snap = store.NewSnapshot()
		}
	case err != nil:
		return nil, fmt.Errorf("%w: load state: %v", ErrPersistenceFailure, err)
	}

	c.registry.Restore(snap.Agents.Agents)
	c.queue.Restore(snap.Tasks.Pending, snap.Tasks.Completed, snap.Tasks.Failed)

	c.logger.Info("state restored",
		"agents", c.registry.Len(),
		"active_tasks", len(snap.Tasks.Pending),
	)
	return c, nil
}

// Register upserts an agent as available.
func (c *Coordinator) Register(ctx context.Context, name string, capabilities []string) (agent.Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return agent.Record{}, fmt.Errorf("%w: agent name is required", ErrInvalidArgument)
	}

	c.mu.Lock()
	rec := c.registry.Register(name, capabilities)
	c.persistLocked(ctx)
	c.mu.Unlock()

	c.logger.Info("agent registered", "agent", name, "capabilities", rec.Capabilities)
	c.publish(events.Event{Type: events.AgentRegistered, Agent: name, Status: rec.Status})
	return rec, nil
}

// Heartbeat refreshes an agent's liveness. Unknown agents are created with no
// capabilities and unresponsive agents become available.
func (c *Coordinator) Heartbeat(ctx context.Context, name string) (agent.Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return agent.Record{}, fmt.Errorf("%w: agent name is required", ErrInvalidArgument)
	}

	c.mu.Lock()
	rec, changed := c.registry.Heartbeat(name)
	c.persistLocked(ctx)
	c.mu.Unlock()

	if changed {
		c.logger.Info("agent available", "agent", name)
		c.publish(events.Event{Type: events.AgentStatus, Agent: name, Status: rec.Status})
	}
	return rec, nil
}

// CreateTask routes a new task to the best agent and queues it. When no agent
// can take it, ErrNoAgentAvailable is returned and nothing is queued.
func (c *Coordinator) CreateTask(ctx context.Context, req task.Request) (task.Task, error) {
	req.Category = strings.TrimSpace(req.Category)
	if req.Category == "" {
		return task.Task{}, fmt.Errorf("%w: task type is required", ErrInvalidArgument)
	}

	c.mu.Lock()
	name, err := agent.Select(req.Category, c.registry.Snapshot(), c.weights)
	if err != nil {
		c.mu.Unlock()
		if c.observer != nil {
			c.observer.TaskRoutingFailed(req.Category)
		}
		c.logger.Warn("task not routed", "category", req.Category, "error", err)
		return task.Task{}, translate(fmt.Errorf("category %q: %w", req.Category, err))
	}

	t, err := task.New(req, name, c.now())
	if err != nil {
		c.mu.Unlock()
		return task.Task{}, err
	}
	c.queue.Enqueue(t)
	created := t.Clone()
	c.persistLocked(ctx)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.TaskCreated(created.Category)
	}
	c.logger.Info("task assigned",
		"task_id", created.ID,
		"category", created.Category,
		"agent", created.AssignedAgent,
		"source", created.Source,
	)
	c.publish(events.Event{Type: events.TaskAssigned, Agent: created.AssignedAgent, Task: &created})
	return created, nil
}

// Claim moves a queued task to executing and marks its agent busy.
func (c *Coordinator) Claim(ctx context.Context, id string) (task.Task, error) {
	c.mu.Lock()
	claimed, err := c.queue.Claim(id)
	if err != nil {
		c.mu.Unlock()
		return task.Task{}, translate(err)
	}
	if err := c.registry.MarkBusy(claimed.AssignedAgent); err != nil {
		c.logger.Warn("claimed task references unknown agent", "task_id", id, "agent", claimed.AssignedAgent)
	}
	c.persistLocked(ctx)
	c.mu.Unlock()

	c.logger.Info("task claimed", "task_id", id, "agent", claimed.AssignedAgent)
	c.publish(events.Event{Type: events.TaskClaimed, Agent: claimed.AssignedAgent, Status: agent.StatusBusy, Task: &claimed})
	return claimed, nil
}

// Complete finishes an active task and frees its agent.
func (c *Coordinator) Complete(ctx context.Context, id string, success bool, result string) (task.Task, error) {
	c.mu.Lock()
	done, err := c.queue.Complete(id, success, result)
	if err != nil {
		c.mu.Unlock()
		return task.Task{}, translate(err)
	}
	if err := c.registry.MarkAvailable(done.AssignedAgent, success); err != nil {
		c.logger.Warn("completed task references unknown agent", "task_id", id, "agent", done.AssignedAgent)
	}
	c.persistLocked(ctx)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.TaskFinished(done.Category, success)
	}

	evType := events.TaskCompleted
	if !success {
		evType = events.TaskFailed
	}
	c.logger.Info("task finished", "task_id", id, "agent", done.AssignedAgent, "success", success)
	c.publish(events.Event{Type: evType, Agent: done.AssignedAgent, Status: agent.StatusAvailable, Task: &done})
	return done, nil
}

// Task returns a task from any list.
func (c *Coordinator) Task(id string) (task.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.queue.Get(id)
	if !ok {
		return task.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t, nil
}

// Agent returns one registry record.
func (c *Coordinator) Agent(name string) (agent.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.registry.Get(name)
	if !ok {
		return agent.Record{}, fmt.Errorf("%w: agent %s", ErrNotFound, name)
	}
	return rec, nil
}

// Agents returns every registry record in registration order.
func (c *Coordinator) Agents() []agent.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Snapshot()
}

// AgentTasks returns the queued and executing tasks assigned to an agent.
func (c *Coordinator) AgentTasks(name string) ([]task.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.registry.Get(name); !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, name)
	}
	return nonNil(c.queue.ForAgent(name)), nil
}

// Status returns the full snapshot with at most limit recent completed and
// failed tasks. limit <= 0 uses the configured history limit.
func (c *Coordinator) Status(limit int) Status {
	if limit <= 0 {
		limit = c.historyLimit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	records := c.registry.Snapshot()
	agents := make(map[string]agent.Record, len(records))
	for _, r := range records {
		agents[r.Name] = r
	}
	return Status{
		Agents:          agents,
		ActiveTasks:     nonNil(c.queue.Active()),
		RecentCompleted: nonNil(c.queue.RecentCompleted(limit)),
		RecentFailed:    nonNil(c.queue.RecentFailed(limit)),
		Counts:          countTasks(c.queue),
		GeneratedAt:     c.now(),
	}
}

// Health returns agent counts by status.
func (c *Coordinator) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agents := countAgents(c.registry.Snapshot())
	status := HealthOK
	if agents.Unresponsive > 0 {
		status = HealthDegraded
	}
	return Health{
		Status:    status,
		Agents:    agents,
		Tasks:     countTasks(c.queue),
		CheckedAt: c.now(),
	}
}

// MarkStale flags every agent silent for longer than staleAfter as
// unresponsive and returns all stale records, including ones that were
// already unresponsive. Executing tasks of stale agents are left untouched.
func (c *Coordinator) MarkStale(ctx context.Context, staleAfter time.Duration) []agent.Record {
	c.mu.Lock()
	stale := c.registry.Scan(c.now(), staleAfter)
	var flipped []string
	for i := range stale {
		if c.registry.MarkUnresponsive(stale[i].Name) {
			flipped = append(flipped, stale[i].Name)
		}
		stale[i].Status = agent.StatusUnresponsive
	}
	if len(flipped) > 0 {
		c.persistLocked(ctx)
	}
	c.mu.Unlock()

	for _, name := range flipped {
		c.logger.Warn("agent unresponsive", "agent", name, "stale_after", staleAfter)
		c.publish(events.Event{Type: events.AgentStatus, Agent: name, Status: agent.StatusUnresponsive})
	}
	return stale
}

// RecordRestart notes that the monitor launched a new process for an agent.
// The agent stays unknown until its next heartbeat.
func (c *Coordinator) RecordRestart(ctx context.Context, name string, pid int) error {
	c.mu.Lock()
	if err := c.registry.MarkRestarted(name, pid); err != nil {
		c.mu.Unlock()
		return translate(err)
	}
	c.persistLocked(ctx)
	c.mu.Unlock()

	c.logger.Info("agent restarted", "agent", name, "pid", pid)
	c.publish(events.Event{Type: events.AgentRestarted, Agent: name, Status: agent.StatusUnknown})
	return nil
}

// Flush writes the current state to the store and reports any error. The
// write lock is held across the save so a concurrent mutation cannot persist
// newer state that this save would then overwrite.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Save(context.WithoutCancel(ctx), c.snapshotLocked()); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// persistLocked saves the full state. Failures are logged and the in-memory
// state stays authoritative. Callers must hold the write lock.
func (c *Coordinator) persistLocked(ctx context.Context) {
	if err := c.store.Save(context.WithoutCancel(ctx), c.snapshotLocked()); err != nil {
		c.logger.Error("state save failed",
			"error", fmt.Errorf("%w: %v", ErrPersistenceFailure, err),
		)
		if c.observer != nil {
			c.observer.PersistFailed()
		}
	}
}

func (c *Coordinator) snapshotLocked() *store.Snapshot {
	snap := store.NewSnapshot()
	for _, r := range c.registry.Snapshot() {
		snap.Agents.Agents[r.Name] = r
	}
	snap.Tasks.Pending = nonNil(c.queue.Active())
	snap.Tasks.Completed = nonNil(c.queue.Completed())
	snap.Tasks.Failed = nonNil(c.queue.Failed())
	return snap
}

func (c *Coordinator) publish(ev events.Event) {
	if c.notifier == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	c.notifier.Publish(ev)
}
