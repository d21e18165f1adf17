package statusws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/registry"
)

// upgrader performs the HTTP → WebSocket protocol upgrade for subscribers.
// CheckOrigin always returns true here because the origin policy is applied
// after the upgrade: a rejected origin gets a distinct close code, which
// requires a completed WebSocket handshake to deliver.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Endpoint serves GET /api/v1/status/ws for authenticated UI sessions.
type Endpoint struct {
	hub      *Hub
	policy   *OriginPolicy
	registry *registry.Registry
	resolver OwnershipResolver
	logger   *zap.Logger
}

// NewEndpoint creates the status subscriber endpoint.
func NewEndpoint(hub *Hub, policy *OriginPolicy, reg *registry.Registry, resolver OwnershipResolver, logger *zap.Logger) *Endpoint {
	return &Endpoint{
		hub:      hub,
		policy:   policy,
		registry: reg,
		resolver: resolver,
		logger:   logger.Named("statusws"),
	}
}

// ServeSubscriber upgrades the request, enforces the origin allow-list,
// resolves the user's capability set, sends the initial snapshot, and runs
// the subscription until the client disconnects. userID comes from the
// authentication middleware.
func (e *Endpoint) ServeSubscriber(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	origin := r.Header.Get("Origin")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("statusws: upgrade failed", zap.Error(err))
		return
	}

	if !e.policy.Allows(origin) {
		e.logger.Warn("statusws: origin rejected",
			zap.String("origin", origin),
			zap.String("user_id", userID.String()),
		)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseOriginForbidden, "origin not allowed"))
		conn.Close()
		return
	}

	agents, err := e.resolver.OwnedAgentIDs(r.Context(), userID)
	if err != nil {
		e.logger.Error("statusws: failed to resolve owned agents",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
		conn.Close()
		return
	}

	client := newClient(e.hub, conn, userID, agents, e.logger)

	// Initial snapshot: one connected=true event per owned agent with a
	// live session, queued before the client can receive live events so
	// the UI starts from the authoritative state.
	for _, sess := range e.registry.Snapshot() {
		if !client.observes(sess.AgentID()) {
			continue
		}
		select {
		case client.send <- NewUpdate(sess.AgentID(), true):
		default:
			// More owned live agents than the buffer holds. The pumps have
			// not started yet, so drop instead of blocking the handler.
		}
	}

	e.logger.Info("status subscriber connected",
		zap.String("user_id", userID.String()),
		zap.Int("observed_agents", len(agents)),
	)

	client.run()
}
