// ABOUTME: Read-only views of coordinator state served to dashboards and operators
// ABOUTME: Status is the full snapshot; Health is the liveness summary

package coordinator

import (
	"time"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/task"
)

// DefaultHistoryLimit is how many completed and failed tasks Status returns.
const DefaultHistoryLimit = 20

// TaskCounts tallies tasks by lifecycle state.
type TaskCounts struct {
	Queued    int `json:"queued"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// AgentCounts tallies agents by status.
type AgentCounts struct {
	Total        int `json:"total"`
	Available    int `json:"available"`
	Busy         int `json:"busy"`
	Unresponsive int `json:"unresponsive"`
	Unknown      int `json:"unknown"`
}

// Status is a consistent snapshot of the registry and queue.
type Status struct {
	Agents          map[string]agent.Record `json:"agents"`
	ActiveTasks     []task.Task             `json:"active_tasks"`
	RecentCompleted []task.Task             `json:"recent_completed"`
	RecentFailed    []task.Task             `json:"recent_failed"`
	Counts          TaskCounts              `json:"counts"`
	GeneratedAt     time.Time               `json:"generated_at"`
}

// Health summarises agent liveness.
type Health struct {
	Status    string      `json:"status"`
	Agents    AgentCounts `json:"agents"`
	Tasks     TaskCounts  `json:"tasks"`
	CheckedAt time.Time   `json:"checked_at"`
}

const (
	HealthOK       = "healthy"
	HealthDegraded = "degraded"
)

func countAgents(records []agent.Record) AgentCounts {
	c := AgentCounts{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case agent.StatusAvailable:
			c.Available++
		case agent.StatusBusy:
			c.Busy++
		case agent.StatusUnresponsive:
			c.Unresponsive++
		default:
			c.Unknown++
		}
	}
	return c
}

func countTasks(q *task.Queue) TaskCounts {
	m := q.Counts()
	return TaskCounts{
		Queued:    m[task.StatusQueued],
		Executing: m[task.StatusExecuting],
		Completed: m[task.StatusCompleted],
		Failed:    m[task.StatusFailed],
	}
}

func nonNil(ts []task.Task) []task.Task {
	if ts == nil {
		return []task.Task{}
	}
	return ts
}
