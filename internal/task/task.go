// ABOUTME: Task model and lifecycle states for the coordination queue.
// ABOUTME: Task ids are UUIDv7 so lexical order follows creation order.

package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Active reports whether the task still lives in the pending list.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusExecuting
}

// Source values record who created a task.
const (
	SourceAPI       = "api"
	SourceDiscovery = "discovery"
)

// Request describes a task to be created. The coordinator picks the agent.
type Request struct {
	Category    string `json:"type"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Project     string `json:"project,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Task is a unit of work routed to one agent.
type Task struct {
	ID            string     `json:"id"`
	Category      string     `json:"type"`
	Description   string     `json:"description"`
	Priority      int        `json:"priority"`
	AssignedAgent string     `json:"assigned_agent"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Success       bool       `json:"success"`
	Result        string     `json:"result,omitempty"`
	Project       string     `json:"project,omitempty"`
	FilePath      string     `json:"file_path,omitempty"`
	Source        string     `json:"source,omitempty"`
}

// New builds a queued task for the given agent.
func New(req Request, assignedAgent string, now time.Time) (*Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating task id: %w", err)
	}
	source := req.Source
	if source == "" {
		source = SourceAPI
	}
	return &Task{
		ID:            id.String(),
		Category:      req.Category,
		Description:   req.Description,
		Priority:      req.Priority,
		AssignedAgent: assignedAgent,
		Status:        StatusQueued,
		CreatedAt:     now,
		Project:       req.Project,
		FilePath:      req.FilePath,
		Source:        source,
	}, nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() Task {
	c := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}
