// ABOUTME: Health monitor loop that flags stale agents and restarts essential ones
// ABOUTME: Also drives low-frequency task discovery; collaborator failures never stop it

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/task"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultSweepInterval = 60 * time.Second
	DefaultStaleAfter    = 300 * time.Second
)

// Coordinator is the subset of the coordinator the monitor drives.
type Coordinator interface {
	MarkStale(ctx context.Context, staleAfter time.Duration) []agent.Record
	RecordRestart(ctx context.Context, name string, pid int) error
	CreateTask(ctx context.Context, req task.Request) (task.Task, error)
}

// Discoverer produces task requests from outside the API.
type Discoverer interface {
	Discover(ctx context.Context) ([]task.Request, error)
	// Release is called for requests that could not be routed so they can
	// be offered again later.
	Release(req task.Request)
}

// Recorder observes monitor activity. Implementations must not block.
type Recorder interface {
	SweepCompleted(stale int)
	RestartAttempted(agentName string, err error)
	DiscoveryCompleted(created int, err error)
}

// Config controls loop timing and the essential set.
type Config struct {
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	DiscoveryInterval time.Duration // zero disables discovery
	Essential         []string
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Stale     []string
	Restarted []string
	Skipped   []string
	Failed    []string
}

// Monitor runs the background health and discovery loops.
type Monitor struct {
	coord      Coordinator
	supervisor ProcessSupervisor
	discoverer Discoverer
	recorder   Recorder
	cfg        Config
	logger     *slog.Logger
}

// New creates a monitor. supervisor, discoverer and recorder may be nil.
func New(coord Coordinator, supervisor ProcessSupervisor, discoverer Discoverer, recorder Recorder, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		coord:      coord,
		supervisor: supervisor,
		discoverer: discoverer,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger.With("component", "monitor"),
	}
}

// Run blocks until ctx is cancelled, sweeping every SweepInterval and
// discovering every DiscoveryInterval.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("health monitor started",
		"sweep_interval", m.cfg.SweepInterval,
		"stale_after", m.cfg.StaleAfter,
		"discovery_interval", m.cfg.DiscoveryInterval,
		"essential", m.cfg.Essential,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, m.cfg.SweepInterval, func() { m.Sweep(ctx) })
	})
	if m.discoverer != nil && m.cfg.DiscoveryInterval > 0 {
		g.Go(func() error {
			return every(ctx, m.cfg.DiscoveryInterval, func() {
				_, _ = m.Discover(ctx)
			})
		})
	}

	err := g.Wait()
	m.logger.Info("health monitor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// every calls fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// Sweep runs one health cycle: stale agents are flagged unresponsive and
// each stale essential agent gets at most one restart attempt.
func (m *Monitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	stale := m.coord.MarkStale(ctx, m.cfg.StaleAfter)

	for _, rec := range stale {
		res.Stale = append(res.Stale, rec.Name)
		if !slices.Contains(m.cfg.Essential, rec.Name) || m.supervisor == nil {
			continue
		}

		if rec.PID > 0 && m.supervisor.IsAlive(rec.PID) {
			m.logger.Debug("previous process still running, not restarting", "agent", rec.Name, "pid", rec.PID)
			res.Skipped = append(res.Skipped, rec.Name)
			continue
		}

		err := m.restart(ctx, rec.Name)
		if m.recorder != nil {
			m.recorder.RestartAttempted(rec.Name, err)
		}
		if err != nil {
			m.logger.Error("agent restart failed", "agent", rec.Name, "error", err)
			res.Failed = append(res.Failed, rec.Name)
			continue
		}
		res.Restarted = append(res.Restarted, rec.Name)
	}

	if m.recorder != nil {
		m.recorder.SweepCompleted(len(stale))
	}
	if len(stale) > 0 {
		m.logger.Info("health sweep",
			"stale", res.Stale,
			"restarted", res.Restarted,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	return res
}

func (m *Monitor) restart(ctx context.Context, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: spawn %s panicked: %v", coordinator.ErrCollaboratorFailure, name, r)
		}
	}()

	pid, err := m.supervisor.Spawn(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: spawn %s: %v", coordinator.ErrCollaboratorFailure, name, err)
	}
	return m.coord.RecordRestart(ctx, name, pid)
}

// Discover runs the discovery collaborator once and creates a task for each
// request it returns. Requests that cannot be routed are released for a
// later cycle. Returns the number of tasks created.
func (m *Monitor) Discover(ctx context.Context) (created int, err error) {
	if m.discoverer == nil {
		return 0, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: discovery panicked: %v", coordinator.ErrCollaboratorFailure, r)
		}
		if err != nil {
			m.logger.Warn("task discovery failed", "error", err)
		}
		if m.recorder != nil {
			m.recorder.DiscoveryCompleted(created, err)
		}
	}()

	reqs, discErr := m.discoverer.Discover(ctx)
	if discErr != nil {
		err = fmt.Errorf("%w: %v", coordinator.ErrCollaboratorFailure, discErr)
	}

	unrouted := 0
	for _, req := range reqs {
		req.Source = task.SourceDiscovery
		if _, cerr := m.coord.CreateTask(ctx, req); cerr != nil {
			m.discoverer.Release(req)
			if errors.Is(cerr, coordinator.ErrNoAgentAvailable) {
				unrouted++
				continue
			}
			m.logger.Warn("discovered task rejected", "category", req.Category, "error", cerr)
			continue
		}
		created++
	}

	if len(reqs) > 0 {
		m.logger.Info("task discovery", "found", len(reqs), "created", created, "unrouted", unrouted)
	}
	return created, err
}
