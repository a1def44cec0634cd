// ABOUTME: Typed wrappers for the coordinator's agent, task and status endpoints
// ABOUTME: Plus a WebSocket subscription to the lifecycle event stream

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/task"
)

// Register registers name with the given capabilities.
func (c *Client) Register(ctx context.Context, name string, capabilities []string) (agent.Record, error) {
	var rec agent.Record
	body := map[string]any{"name": name, "capabilities": capabilities}
	err := c.do(ctx, http.MethodPost, "/api/agents", body, &rec)
	return rec, err
}

// Heartbeat refreshes name's liveness.
func (c *Client) Heartbeat(ctx context.Context, name string) (agent.Record, error) {
	var rec agent.Record
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(name)+"/heartbeat", nil, &rec)
	return rec, err
}

// Agents lists every registered agent in registration order.
func (c *Client) Agents(ctx context.Context) ([]agent.Record, error) {
	var recs []agent.Record
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &recs)
	return recs, err
}

// AgentTasks lists the queued and executing tasks assigned to name.
func (c *Client) AgentTasks(ctx context.Context, name string) ([]task.Task, error) {
	var tasks []task.Task
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(name)+"/tasks", nil, &tasks)
	return tasks, err
}

// CreateTask submits a task for routing.
func (c *Client) CreateTask(ctx context.Context, req task.Request) (task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &t)
	return t, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

// Claim marks a queued task as executing.
func (c *Client) Claim(ctx context.Context, id string) (task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/claim", nil, &t)
	return t, err
}

// Complete finishes a task with the given outcome.
func (c *Client) Complete(ctx context.Context, id string, success bool, result string) (task.Task, error) {
	var t task.Task
	body := map[string]any{"success": success, "result": result}
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/complete", body, &t)
	return t, err
}

// Status fetches the full snapshot. limit <= 0 uses the server default.
func (c *Client) Status(ctx context.Context, limit int) (coordinator.Status, error) {
	path := "/api/status"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var st coordinator.Status
	err := c.do(ctx, http.MethodGet, path, nil, &st)
	return st, err
}

// Health fetches the liveness summary.
func (c *Client) Health(ctx context.Context) (coordinator.Health, error) {
	var h coordinator.Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &h)
	return h, err
}

// Events streams lifecycle events for agentName (or every agent when empty)
// until ctx is cancelled or the connection drops. The returned channel is
// closed when the stream ends.
func (c *Client) Events(ctx context.Context, agentName string) (<-chan events.Event, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/events"
	if agentName != "" {
		wsURL += "?agent=" + url.QueryEscape(agentName)
	}

	header := http.Header{}
	if err := c.authorize(header); err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, handleErrorResponse(resp)
		}
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}

	out := make(chan events.Event, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev events.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
