// ABOUTME: HTTP coordination API: agent registration, heartbeats, task lifecycle and status
// ABOUTME: Maps coordinator errors onto status codes with a JSON error body

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/task"
)

// maxBodyBytes bounds request bodies on the coordination API.
const maxBodyBytes = 1 << 20

// RegisterRequest is the body of POST /api/agents.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// CompleteRequest is the body of POST /api/tasks/{id}/complete.
type CompleteRequest struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const codeForbidden = "forbidden"

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	g.route(mux, "POST /api/agents", g.handleRegister)
	g.route(mux, "GET /api/agents", g.handleListAgents)
	g.route(mux, "GET /api/agents/{name}", g.handleGetAgent)
	g.route(mux, "POST /api/agents/{name}/heartbeat", g.handleHeartbeat)
	g.route(mux, "GET /api/agents/{name}/tasks", g.handleAgentTasks)
	g.route(mux, "POST /api/tasks", g.handleCreateTask)
	g.route(mux, "GET /api/tasks/{id}", g.handleGetTask)
	g.route(mux, "POST /api/tasks/{id}/claim", g.handleClaim)
	g.route(mux, "POST /api/tasks/{id}/complete", g.handleComplete)
	g.route(mux, "GET /api/status", g.handleStatus)
	g.route(mux, "GET /api/health", g.handleAPIHealth)

	// The event stream hijacks the connection, so it is not instrumented.
	mux.HandleFunc("GET /api/events", g.handleEvents)
}

// route registers h under pattern with request duration metrics labelled by pattern.
func (g *Gateway) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, g.observe(pattern, h))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (g *Gateway) observe(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		g.metrics.ObserveRequest(route, rec.status, time.Since(start))
	})
}

// instrument logs each API request at debug level.
func (g *Gateway) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !g.decode(w, r, &req) {
		return
	}
	if !g.allowAgent(w, r, req.Name) {
		return
	}
	rec, err := g.coord.Register(r.Context(), req.Name, req.Capabilities)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.coord.Agents()
	if agents == nil {
		agents = []agent.Record{}
	}
	g.writeJSON(w, http.StatusOK, agents)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := g.coord.Agent(r.PathValue("name"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !g.allowAgent(w, r, name) {
		return
	}
	rec, err := g.coord.Heartbeat(r.Context(), name)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := g.coord.AgentTasks(r.PathValue("name"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	g.writeJSON(w, http.StatusOK, tasks)
}

func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	if !g.decode(w, r, &req) {
		return
	}
	req.Source = task.SourceAPI
	t, err := g.coord.CreateTask(r.Context(), req)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, t)
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := g.coord.Task(r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.allowTask(w, r, id) {
		return
	}
	t, err := g.coord.Claim(r.Context(), id)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req CompleteRequest
	if !g.decode(w, r, &req) {
		return
	}
	if !g.allowTask(w, r, id) {
		return
	}
	t, err := g.coord.Complete(r.Context(), id, req.Success, req.Result)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid_argument", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	g.writeJSON(w, http.StatusOK, g.coord.Status(limit))
}

func (g *Gateway) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.coord.Health())
}

// allowAgent rejects agent principals acting on another agent's behalf.
func (g *Gateway) allowAgent(w http.ResponseWriter, r *http.Request, name string) bool {
	p := auth.FromContext(r.Context())
	if !p.IsAgent() || p.Subject == name {
		return true
	}
	g.sendJSONError(w, http.StatusForbidden, codeForbidden, "agents may only act as themselves")
	return false
}

// allowTask rejects agent principals touching tasks assigned elsewhere.
// Unknown ids fall through so the coordinator reports not_found.
func (g *Gateway) allowTask(w http.ResponseWriter, r *http.Request, id string) bool {
	p := auth.FromContext(r.Context())
	if !p.IsAgent() {
		return true
	}
	t, err := g.coord.Task(id)
	if err != nil || t.AssignedAgent == p.Subject {
		return true
	}
	g.sendJSONError(w, http.StatusForbidden, codeForbidden, "task is assigned to another agent")
	return false
}

// decode reads a JSON body into v, writing a 400 on failure. An empty body
// leaves v at its zero value.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	g.sendJSONError(w, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
	return false
}

// statusFor maps a coordinator error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "invalid_transition":
		return http.StatusConflict
	case "no_agent_available":
		return http.StatusServiceUnavailable
	case "invalid_argument":
		return http.StatusBadRequest
	case "collaborator_failure":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	code := coordinator.Code(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		g.logger.Error("api request failed", "error", err)
	}
	g.sendJSONError(w, status, code, err.Error())
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
