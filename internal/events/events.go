// ABOUTME: Lifecycle event types emitted by the coordinator
// ABOUTME: Consumed by agents (task assignment) and read-only dashboards

package events

import (
	"time"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/task"
)

// Type names a lifecycle event.
type Type string

const (
	AgentRegistered Type = "agent.registered"
	AgentStatus     Type = "agent.status"
	AgentRestarted  Type = "agent.restarted"
	TaskAssigned    Type = "task.assigned"
	TaskClaimed     Type = "task.claimed"
	TaskCompleted   Type = "task.completed"
	TaskFailed      Type = "task.failed"
)

// Event is a single lifecycle notification. Agent is always set; Task is set
// for task events.
type Event struct {
	Type   Type         `json:"type"`
	Agent  string       `json:"agent"`
	Status agent.Status `json:"status,omitempty"`
	Task   *task.Task   `json:"task,omitempty"`
	Time   time.Time    `json:"time"`
}
