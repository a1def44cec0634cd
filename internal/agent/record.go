// ABOUTME: Agent record and status types shared by the registry, selector and store.
// ABOUTME: Records are value types so snapshots can be handed out without aliasing.

package agent

import (
	"slices"
	"time"
)

// Status is the operating status of an agent.
type Status string

const (
	StatusAvailable    Status = "available"
	StatusBusy         Status = "busy"
	StatusUnresponsive Status = "unresponsive"
	StatusUnknown      Status = "unknown"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusUnresponsive, StatusUnknown:
		return true
	}
	return false
}

// Record describes a single agent known to the registry.
type Record struct {
	Name           string    `json:"name"`
	Capabilities   []string  `json:"capabilities"`
	Status         Status    `json:"status"`
	LastSeen       time.Time `json:"last_seen"`
	TasksCompleted int       `json:"tasks_completed"`

	// Seq is the registration order, used to break selection ties.
	Seq uint64 `json:"seq"`

	// PID of the most recent process started by the health monitor.
	PID      int `json:"pid,omitempty"`
	Restarts int `json:"restarts,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Capabilities = slices.Clone(r.Capabilities)
	return r
}

// HasCapability reports whether the agent lists category exactly.
func (r Record) HasCapability(category string) bool {
	return slices.Contains(r.Capabilities, category)
}
