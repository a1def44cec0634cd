// ABOUTME: Error taxonomy for coordinator operations
// ABOUTME: Callers match with errors.Is; the HTTP layer maps these to status codes

package coordinator

import (
	"errors"
	"fmt"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/task"
)

var (
	// ErrNotFound means the referenced task (or agent) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means the request violates the task state machine.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNoAgentAvailable means no agent can be routed the task right now.
	ErrNoAgentAvailable = errors.New("no agent available")

	// ErrPersistenceFailure means the state store could not be read or written.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrCollaboratorFailure means a process launch or task discovery call failed.
	ErrCollaboratorFailure = errors.New("collaborator failure")

	// ErrInvalidArgument means a required request field is missing or malformed.
	ErrInvalidArgument = errors.New("invalid argument")
)

// translate maps package-level errors from the registry and queue onto the
// coordinator taxonomy, keeping the original message.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, task.ErrNotFound), errors.Is(err, agent.ErrAgentNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, task.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	case errors.Is(err, agent.ErrNoAgentsAvailable):
		return fmt.Errorf("%w: %v", ErrNoAgentAvailable, err)
	default:
		return err
	}
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNoAgentAvailable):
		return "no_agent_available"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, ErrCollaboratorFailure):
		return "collaborator_failure"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}
