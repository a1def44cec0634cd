// ABOUTME: Task queue holding active, completed, and failed tasks in disjoint lists.
// ABOUTME: Enforces the queued -> executing -> completed|failed state machine.

package task

import (
	"errors"
	"fmt"
	"time"
)

// Queue errors
var (
	// ErrNotFound means no task with the given id exists.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition means the requested change is not allowed from the task's current state.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Queue keeps every task the coordinator has created. Active tasks stay in
// arrival order; finished tasks are appended to completed or failed. A task
// id lives in exactly one of the three lists.
//
// Queue is not safe for concurrent use.
type Queue struct {
	active    []*Task
	completed []*Task
	failed    []*Task
	index     map[string]*Task
	now       func() time.Time
}

// NewQueue creates an empty queue. A nil clock defaults to time.Now.
func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		index: make(map[string]*Task),
		now:   now,
	}
}

// Enqueue appends a task to the active list.
func (q *Queue) Enqueue(t *Task) {
	q.active = append(q.active, t)
	q.index[t.ID] = t
}

// Get returns a copy of the task with the given id from any list.
func (q *Queue) Get(id string) (Task, bool) {
	t, ok := q.index[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// CheckClaim validates that a task can be claimed without changing anything.
func (q *Queue) CheckClaim(id string) (Task, error) {
	t, ok := q.index[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != StatusQueued {
		return Task{}, fmt.Errorf("%w: cannot claim task %s in state %s", ErrInvalidTransition, id, t.Status)
	}
	return t.Clone(), nil
}

// Claim moves a queued task to executing.
func (q *Queue) Claim(id string) (Task, error) {
	if _, err := q.CheckClaim(id); err != nil {
		return Task{}, err
	}
	t := q.index[id]
	started := q.now()
	t.Status = StatusExecuting
	t.StartedAt = &started
	return t.Clone(), nil
}

// CheckComplete validates that a task can be completed without changing anything.
func (q *Queue) CheckComplete(id string) (Task, error) {
	t, ok := q.index[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.Status.Active() {
		return Task{}, fmt.Errorf("%w: task %s already %s", ErrInvalidTransition, id, t.Status)
	}
	return t.Clone(), nil
}

// Complete removes an active task from the pending list and appends it to
// completed or failed depending on success.
func (q *Queue) Complete(id string, success bool, result string) (Task, error) {
	if _, err := q.CheckComplete(id); err != nil {
		return Task{}, err
	}
	t := q.index[id]

	for i, a := range q.active {
		if a.ID == id {
			q.active = append(q.active[:i], q.active[i+1:]...)
			break
		}
	}

	finished := q.now()
	t.CompletedAt = &finished
	t.Success = success
	t.Result = result
	if success {
		t.Status = StatusCompleted
		q.completed = append(q.completed, t)
	} else {
		t.Status = StatusFailed
		q.failed = append(q.failed, t)
	}
	return t.Clone(), nil
}

// Active returns copies of queued and executing tasks in arrival order.
func (q *Queue) Active() []Task {
	return cloneAll(q.active)
}

// ForAgent returns the active tasks assigned to the named agent, oldest first.
func (q *Queue) ForAgent(name string) []Task {
	var out []Task
	for _, t := range q.active {
		if t.AssignedAgent == name {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Completed returns copies of all completed tasks, oldest first.
func (q *Queue) Completed() []Task {
	return cloneAll(q.completed)
}

// Failed returns copies of all failed tasks, oldest first.
func (q *Queue) Failed() []Task {
	return cloneAll(q.failed)
}

// RecentCompleted returns at most n of the most recently completed tasks, newest first.
func (q *Queue) RecentCompleted(n int) []Task {
	return lastN(q.completed, n)
}

// RecentFailed returns at most n of the most recently failed tasks, newest first.
func (q *Queue) RecentFailed(n int) []Task {
	return lastN(q.failed, n)
}

// Counts tallies tasks by status.
func (q *Queue) Counts() map[Status]int {
	counts := map[Status]int{
		StatusQueued:    0,
		StatusExecuting: 0,
		StatusCompleted: len(q.completed),
		StatusFailed:    len(q.failed),
	}
	for _, t := range q.active {
		counts[t.Status]++
	}
	return counts
}

// Restore replaces the queue contents with persisted lists. Tasks whose
// status disagrees with the list they were saved in are normalized, and a
// duplicate id keeps only its first occurrence.
func (q *Queue) Restore(active, completed, failed []Task) {
	q.active, q.completed, q.failed = nil, nil, nil
	q.index = make(map[string]*Task, len(active)+len(completed)+len(failed))

	add := func(list *[]*Task, t Task, fix func(*Task)) {
		if _, dup := q.index[t.ID]; dup || t.ID == "" {
			return
		}
		c := t.Clone()
		fix(&c)
		*list = append(*list, &c)
		q.index[c.ID] = &c
	}

	for _, t := range active {
		add(&q.active, t, func(t *Task) {
			if !t.Status.Active() {
				t.Status = StatusQueued
			}
		})
	}
	for _, t := range completed {
		add(&q.completed, t, func(t *Task) { t.Status = StatusCompleted })
	}
	for _, t := range failed {
		add(&q.failed, t, func(t *Task) { t.Status = StatusFailed })
	}
}

func cloneAll(list []*Task) []Task {
	out := make([]Task, len(list))
	for i, t := range list {
		out[i] = t.Clone()
	}
	return out
}

func lastN(list []*Task, n int) []Task {
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]Task, 0, n)
	for i := len(list) - 1; i >= len(list)-n; i-- {
		out = append(out, list[i].Clone())
	}
	return out
}
