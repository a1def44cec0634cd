// ABOUTME: Minimal fake agent for E2E testing: registers, heartbeats, claims and completes its tasks
// ABOUTME: Usage: fake-agent [-url http://127.0.0.1:8090] [-name build-1] [-caps build,test]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-coordinator/internal/client"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/task"
)

type options struct {
	url       string
	name      string
	caps      []string
	token     string
	keyPath   string
	heartbeat time.Duration
	poll      time.Duration
	workTime  time.Duration
	failEvery int
}

func main() {
	var opts options
	var caps string
	flag.StringVar(&opts.url, "url", "http://127.0.0.1:8090", "coordinator base URL")
	flag.StringVar(&opts.name, "name", envOr("COVEN_AGENT_NAME", "generic-1"), "agent name")
	flag.StringVar(&caps, "caps", "generic", "comma separated capabilities")
	flag.StringVar(&opts.token, "token", os.Getenv("COVEN_COORDINATOR_TOKEN"), "bearer token")
	flag.StringVar(&opts.keyPath, "key", "", "SSH private key for signed requests")
	flag.DurationVar(&opts.heartbeat, "heartbeat", 30*time.Second, "heartbeat interval")
	flag.DurationVar(&opts.poll, "poll", 10*time.Second, "task poll interval")
	flag.DurationVar(&opts.workTime, "work", 2*time.Second, "simulated time per task")
	flag.IntVar(&opts.failEvery, "fail-every", 0, "fail every Nth task (0 never fails)")
	flag.Parse()
	opts.caps = strings.Split(caps, ",")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent", opts.name)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient(opts options) (*client.Client, error) {
	var copts []client.Option
	if opts.token != "" {
		copts = append(copts, client.WithToken(opts.token))
	}
	if opts.keyPath != "" {
		data, err := os.ReadFile(opts.keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		copts = append(copts, client.WithSigner(signer))
	}
	return client.New(opts.url, copts...), nil
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}

	rec, err := c.Register(ctx, opts.name, opts.caps)
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	logger.Info("registered", "capabilities", rec.Capabilities)

	w := &worker{client: c, opts: opts, logger: logger, wake: make(chan struct{}, 1)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.watch(gctx) })
	g.Go(func() error { return w.workLoop(gctx) })

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

type worker struct {
	client *client.Client
	opts   options
	logger *slog.Logger
	wake   chan struct{}
	done   int
}

func (w *worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.client.Heartbeat(ctx, w.opts.name); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// watch nudges the work loop whenever a task is assigned to this agent.
// Polling still runs when the event stream is unavailable.
func (w *worker) watch(ctx context.Context) error {
	stream, err := w.client.Events(ctx, w.opts.name)
	if err != nil {
		w.logger.Warn("event stream unavailable, polling only", "error", err)
		return nil
	}
	for ev := range stream {
		if ev.Type == events.TaskAssigned {
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func (w *worker) workLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.poll)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// drain works through every queued task assigned to this agent in FIFO order.
func (w *worker) drain(ctx context.Context) {
	tasks, err := w.client.AgentTasks(ctx, w.opts.name)
	if err != nil {
		w.logger.Warn("listing tasks failed", "error", err)
		return
	}
	for _, t := range tasks {
		if t.Status != task.StatusQueued || ctx.Err() != nil {
			continue
		}
		w.execute(ctx, t)
	}
}

func (w *worker) execute(ctx context.Context, t task.Task) {
	if _, err := w.client.Claim(ctx, t.ID); err != nil {
		w.logger.Warn("claim failed", "task_id", t.ID, "error", err)
		return
	}
	w.logger.Info("working", "task_id", t.ID, "type", t.Category, "description", t.Description)

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.opts.workTime):
	}

	w.done++
	success := w.opts.failEvery <= 0 || w.done%w.opts.failEvery != 0
	result := fmt.Sprintf("%s handled %q", w.opts.name, t.Description)
	if !success {
		result = "simulated failure"
	}
	if _, err := w.client.Complete(ctx, t.ID, success, result); err != nil {
		w.logger.Warn("complete failed", "task_id", t.ID, "error", err)
		return
	}
	w.logger.Info("finished", "task_id", t.ID, "success", success)
}
