// ABOUTME: WebSocket stream of lifecycle events for agents and dashboards
// ABOUTME: Agents see only their own events; operators may filter by agent or see all

package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-coordinator/internal/auth"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPongTimeout  = 60 * time.Second
	eventPingInterval = (eventPongTimeout * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers are authenticated by middleware, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a WebSocket and streams events as JSON text
// frames until either side closes.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	agentName := r.URL.Query().Get("agent")
	if p := auth.FromContext(r.Context()); p.IsAgent() {
		agentName = p.Subject
	}

	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	ctx := r.Context()
	ch, subID := g.broadcaster.Subscribe(ctx, agentName)
	defer g.broadcaster.Unsubscribe(agentName, subID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	g.logger.Debug("event stream opened", "agent", agentName, "remote", r.RemoteAddr)

	// Read pump: discard client frames, notice disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					g.logger.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				g.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
