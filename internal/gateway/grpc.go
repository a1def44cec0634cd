// ABOUTME: Standard gRPC health service mirroring coordinator and agent liveness
// ABOUTME: Overall status tracks degraded health; per-agent services track each agent

package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/events"
)

// agentServicePrefix prefixes per-agent service names in the health service.
const agentServicePrefix = "coven.agent."

// AgentServiceName returns the gRPC health service name reporting on one agent.
func AgentServiceName(name string) string {
	return agentServicePrefix + name
}

func registerHealthService(srv *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(srv, hs)
}

// servingStatus maps an agent status to a health serving status. Agents
// pending their first heartbeat after a restart count as serving.
func servingStatus(s agent.Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == agent.StatusUnresponsive {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// overallStatus maps coordinator health onto the empty service name.
func overallStatus(h coordinator.Health) healthpb.HealthCheckResponse_ServingStatus {
	if h.Status == coordinator.HealthOK {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// refreshHealth writes every agent and the overall status into the health server.
func (g *Gateway) refreshHealth() {
	for _, rec := range g.coord.Agents() {
		g.healthServer.SetServingStatus(AgentServiceName(rec.Name), servingStatus(rec.Status))
	}
	g.healthServer.SetServingStatus("", overallStatus(g.coord.Health()))
}

// syncHealth keeps the health server current by following agent events
// until ctx is cancelled or the broadcaster closes.
func (g *Gateway) syncHealth(ctx context.Context) {
	ch, subID := g.broadcaster.Subscribe(ctx, events.All)
	defer g.broadcaster.Unsubscribe(events.All, subID)

	g.refreshHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.AgentRegistered, events.AgentStatus, events.AgentRestarted:
				if rec, err := g.coord.Agent(ev.Agent); err == nil {
					g.healthServer.SetServingStatus(AgentServiceName(rec.Name), servingStatus(rec.Status))
				}
				g.healthServer.SetServingStatus("", overallStatus(g.coord.Health()))
			}
		}
	}
}
