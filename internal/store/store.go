// ABOUTME: Store interface and document types for coordinator persistence
// ABOUTME: Encodes the registry and task lists as two JSON documents

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/task"
)

// ErrCorrupt is returned (wrapped) by Load when a stored document cannot be decoded.
var ErrCorrupt = errors.New("corrupt state document")

// Document names.
const (
	DocAgents = "agents"
	DocTasks  = "tasks"
)

// AgentsDocument is the persisted registry.
type AgentsDocument struct {
	Agents map[string]agent.Record `json:"agents"`
}

// TasksDocument is the persisted queue.
type TasksDocument struct {
	Pending   []task.Task `json:"pending"`
	Completed []task.Task `json:"completed"`
	Failed    []task.Task `json:"failed"`
}

// Snapshot is the full persisted state of the coordinator.
type Snapshot struct {
	Agents AgentsDocument
	Tasks  TasksDocument
}

// NewSnapshot returns an empty snapshot with non-nil collections.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Agents: AgentsDocument{Agents: make(map[string]agent.Record)},
		Tasks: TasksDocument{
			Pending:   []task.Task{},
			Completed: []task.Task{},
			Failed:    []task.Task{},
		},
	}
}

// Store loads and saves coordinator state.
type Store interface {
	// Load returns the persisted state. Missing state is an empty snapshot.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the persisted state.
	Save(ctx context.Context, snap *Snapshot) error

	// Close releases any resources held by the store
	Close() error
}

// encode marshals both documents.
func encode(snap *Snapshot) (agents, tasks []byte, err error) {
	agents, err = json.MarshalIndent(snap.Agents, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal agents: %w", err)
	}
	tasks, err = json.MarshalIndent(snap.Tasks, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tasks: %w", err)
	}
	return agents, tasks, nil
}

// decodeInto unmarshals one document into snap. nil data leaves the
// document empty. On error only the named document is reset; the other
// document keeps whatever was decoded.
func decodeInto(snap *Snapshot, name string, data []byte) error {
	if data == nil {
		return nil
	}
	var err error
	switch name {
	case DocAgents:
		err = json.Unmarshal(data, &snap.Agents)
	case DocTasks:
		err = json.Unmarshal(data, &snap.Tasks)
	default:
		return nil
	}
	if err != nil {
		empty := NewSnapshot()
		if name == DocAgents {
			snap.Agents = empty.Agents
		} else {
			snap.Tasks = empty.Tasks
		}
		normalize(snap)
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	normalize(snap)
	return nil
}

// normalize replaces nil collections left by JSON nulls.
func normalize(snap *Snapshot) {
	if snap.Agents.Agents == nil {
		snap.Agents.Agents = make(map[string]agent.Record)
	}
	if snap.Tasks.Pending == nil {
		snap.Tasks.Pending = []task.Task{}
	}
	if snap.Tasks.Completed == nil {
		snap.Tasks.Completed = []task.Task{}
	}
	if snap.Tasks.Failed == nil {
		snap.Tasks.Failed = []task.Task{}
	}
}
