// ABOUTME: End-to-end test for the fake agent against an in-process coordinator
// ABOUTME: Submits tasks and waits for the agent to claim and complete them

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/gateway"
	"github.com/2389/coven-coordinator/internal/task"
)

func TestFakeAgentCompletesTasks(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gateway.New(cfg, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, options{
			url:       srv.URL,
			name:      "test-1",
			caps:      []string{"test"},
			heartbeat: time.Second,
			poll:      50 * time.Millisecond,
			workTime:  10 * time.Millisecond,
			failEvery: 2,
		}, logger)
	}()

	coord := gw.Coordinator()
	require.Eventually(t, func() bool {
		_, err := coord.Agent("test-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	first, err := coord.CreateTask(ctx, task.Request{Category: "test", Description: "run unit tests", Priority: 1})
	require.NoError(t, err)
	second, err := coord.CreateTask(ctx, task.Request{Category: "test", Description: "run lint", Priority: 1})
	require.NoError(t, err)

	finished := func(id string) bool {
		tk, err := coord.Task(id)
		return err == nil && !tk.Status.Active()
	}
	require.Eventually(t, func() bool { return finished(first.ID) && finished(second.ID) }, 5*time.Second, 20*time.Millisecond)

	a, err := coord.Task(first.ID)
	require.NoError(t, err)
	b, err := coord.Task(second.ID)
	require.NoError(t, err)
	// every second task fails, in claim order
	assert.NotEqual(t, a.Success, b.Success)
	assert.Contains(t, []string{a.Result, b.Result}, "simulated failure")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fake agent did not stop")
	}
}
