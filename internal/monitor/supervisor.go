// ABOUTME: ProcessSupervisor abstraction for checking and launching agent processes
// ABOUTME: ExecSupervisor launches configured commands and probes the process table

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	ps "github.com/mitchellh/go-ps"
)

// ProcessSupervisor checks liveness of and launches agent processes.
type ProcessSupervisor interface {
	IsAlive(pid int) bool
	Spawn(ctx context.Context, name string) (int, error)
}

// Command describes how to launch one agent.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// ExecSupervisor launches agents as detached child processes.
type ExecSupervisor struct {
	commands map[string]Command
	logger   *slog.Logger

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewExecSupervisor creates a supervisor for the given launch commands,
// keyed by agent name.
func NewExecSupervisor(commands map[string]Command, logger *slog.Logger) *ExecSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSupervisor{
		commands: commands,
		logger:   logger.With("component", "supervisor"),
		procs:    make(map[int]*exec.Cmd),
	}
}

// IsAlive reports whether a process with pid exists in the process table.
func (s *ExecSupervisor) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	s.mu.Lock()
	_, ours := s.procs[pid]
	s.mu.Unlock()
	if ours {
		return true
	}
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

// Spawn starts the configured command for name and returns its pid. The
// process outlives ctx; it is reaped in the background when it exits.
func (s *ExecSupervisor) Spawn(ctx context.Context, name string) (int, error) {
	command, ok := s.commands[name]
	if !ok || command.Path == "" {
		return 0, fmt.Errorf("no launch command configured for agent %q", name)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)
	cmd.Env = append(cmd.Env, "COVEN_AGENT_NAME="+name)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", command.Path, err)
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.procs[pid] = cmd
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.procs, pid)
		s.mu.Unlock()
		s.logger.Info("agent process exited", "agent", name, "pid", pid, "error", err)
	}()

	s.logger.Info("agent process started", "agent", name, "pid", pid, "path", command.Path)
	return pid, nil
}
