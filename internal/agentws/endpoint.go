// Package agentws implements the WebSocket endpoint connector agents dial
// into. It owns the hello handshake (agent_id + agent_key against the
// connection record), hands authenticated sessions to the registry, runs
// the per-session read/write pumps, and demultiplexes inbound reply frames
// into the correlator.
//
// The wire protocol is defined in internal/wire and is a compatibility
// surface: agents of any version speak JSON text frames, one frame per
// WebSocket message.
package agentws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/repositories"
	"github.com/custard-io/custard/internal/wire"
)

// handshakeWait is how long the endpoint waits for the hello frame after
// the WebSocket upgrade before giving up on the connection.
const handshakeWait = 10 * time.Second

// upgrader performs the HTTP → WebSocket protocol upgrade for agents.
// CheckOrigin always returns true: agents are headless processes, not
// browsers, so the Origin header carries no security value here —
// authentication is the hello handshake.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SchemaRefresher triggers an opportunistic schema refresh after an agent
// comes up. Implemented by the schema cache; may be left nil to disable.
type SchemaRefresher interface {
	RefreshAsync(connectionID, agentID uuid.UUID)
}

// Endpoint accepts and runs agent sessions. One Endpoint serves all agents.
type Endpoint struct {
	registry    *registry.Registry
	correlator  *correlator.Correlator
	connections repositories.ConnectionRepository
	refresher   SchemaRefresher // nil disables refresh-on-connect
	logger      *zap.Logger

	// epochs allocates session epochs. Process-wide monotonic, which makes
	// per-agent epochs strictly increasing across reconnects.
	epochs atomic.Uint64

	// accepting is cleared at shutdown so new upgrades are refused while
	// existing sessions are being torn down by the registry.
	accepting atomic.Bool
}

// NewEndpoint creates the agent endpoint. refresher may be nil.
func NewEndpoint(
	reg *registry.Registry,
	corr *correlator.Correlator,
	connections repositories.ConnectionRepository,
	refresher SchemaRefresher,
	logger *zap.Logger,
) *Endpoint {
	e := &Endpoint{
		registry:    reg,
		correlator:  corr,
		connections: connections,
		refresher:   refresher,
		logger:      logger.Named("agentws"),
	}
	e.accepting.Store(true)
	return e
}

// StopAccepting refuses new agent connections. Called first during
// graceful shutdown, before the registry closes existing sessions.
func (e *Endpoint) StopAccepting() {
	e.accepting.Store(false)
}

// ServeAgent handles GET /agent/ws. It upgrades the connection, performs
// the hello handshake, attaches the session to the registry, and blocks
// running the read pump until the session ends. Blocking in the handler is
// expected for WebSocket endpoints.
func (e *Endpoint) ServeAgent(w http.ResponseWriter, r *http.Request) {
	if !e.accepting.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		e.logger.Warn("agentws: upgrade failed", zap.Error(err))
		return
	}

	record, ok := e.handshake(r.Context(), conn)
	if !ok {
		// handshake has already closed the connection with a distinct code
		// and no body.
		return
	}

	sess := newSession(conn, record.agentID, record.connectionID, e.epochs.Add(1), e.logger)

	// Acknowledge before attaching so the agent sees hello_ok as the first
	// frame even if a schema refresh fires immediately after attach.
	if err := sess.writeFrame(wire.Frame{Kind: wire.KindHelloOK}); err != nil {
		e.logger.Warn("agentws: failed to send hello_ok", zap.Error(err))
		conn.Close()
		return
	}

	e.registry.Attach(sess)
	e.markStatus(sess.ConnectionID(), "online")

	e.logger.Info("agent session open",
		zap.String("agent_id", sess.AgentID().String()),
		zap.String("connection_id", sess.ConnectionID().String()),
		zap.Uint64("epoch", sess.Epoch()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go sess.writePump()

	if e.refresher != nil {
		e.refresher.RefreshAsync(sess.ConnectionID(), sess.AgentID())
	}

	e.readPump(sess)

	// The read pump has exited: transport close, heartbeat miss, or a
	// malformed frame. If this session was still current, fail its pendings
	// and mark the connection offline; if it was displaced, the newer
	// session owns the status now.
	if e.registry.Detach(sess) {
		e.markStatus(sess.ConnectionID(), "offline")
	}
	sess.Shut(websocket.CloseNormalClosure, "")

	e.logger.Info("agent session closed",
		zap.String("agent_id", sess.AgentID().String()),
		zap.Uint64("epoch", sess.Epoch()),
	)
}

// handshakeRecord carries the identities resolved by a successful handshake.
type handshakeRecord struct {
	agentID      uuid.UUID
	connectionID uuid.UUID
}

// handshake reads the hello frame and verifies the presented credentials
// against the connection record. On any failure the channel is closed with
// CloseUnauthorized and an empty reason — the agent learns nothing about
// which part of the credential pair was wrong.
func (e *Endpoint) handshake(ctx context.Context, conn *websocket.Conn) (handshakeRecord, bool) {
	conn.SetReadLimit(maxFrameSize)
	if err := conn.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		conn.Close()
		return handshakeRecord{}, false
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		e.logger.Warn("agentws: handshake read failed", zap.Error(err))
		e.reject(conn)
		return handshakeRecord{}, false
	}

	var hello wire.Frame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Kind != wire.KindHello {
		e.logger.Warn("agentws: first frame was not a valid hello")
		e.reject(conn)
		return handshakeRecord{}, false
	}

	agentID, err := uuid.Parse(hello.AgentID)
	if err != nil || hello.AgentKey == "" {
		e.reject(conn)
		return handshakeRecord{}, false
	}

	record, err := e.connections.GetByAgentID(ctx, agentID)
	if err != nil {
		// Unknown agent and repository failure close identically so the
		// agent_id space cannot be probed.
		e.logger.Warn("agentws: handshake lookup failed",
			zap.String("agent_id", agentID.String()),
			zap.Error(err),
		)
		e.reject(conn)
		return handshakeRecord{}, false
	}

	if bcrypt.CompareHashAndPassword([]byte(record.AgentKeyHash), []byte(hello.AgentKey)) != nil {
		e.logger.Warn("agentws: agent key mismatch",
			zap.String("agent_id", agentID.String()),
		)
		e.reject(conn)
		return handshakeRecord{}, false
	}

	return handshakeRecord{agentID: agentID, connectionID: record.ID}, true
}

// reject closes a connection that failed the handshake: distinct code,
// empty body.
func (e *Endpoint) reject(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(wire.CloseUnauthorized, ""))
	conn.Close()
}

// readPump reads inbound frames and applies them in arrival order, one at
// a time, preserving the per-session ordering guarantee. It returns when
// the connection closes, the liveness deadline expires, or a malformed
// frame arrives.
func (e *Endpoint) readPump(s *Session) {
	s.conn.SetReadLimit(maxFrameSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(livenessWait)); err != nil {
		return
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("agentws: unexpected close", zap.Error(err))
			}
			return
		}

		// Any inbound frame proves liveness.
		if err := s.conn.SetReadDeadline(time.Now().Add(livenessWait)); err != nil {
			return
		}
		s.lastActivity.Store(time.Now())

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			// A malformed frame closes only this session; other agents are
			// unaffected.
			s.logger.Warn("agentws: malformed frame", zap.Error(err))
			s.Shut(wire.CloseProtocolError, "malformed frame")
			return
		}

		e.handleFrame(s, f)
	}
}

// handleFrame routes one inbound frame. Reply frames go to the correlator;
// heartbeats only refresh liveness, which readPump already did.
func (e *Endpoint) handleFrame(s *Session, f wire.Frame) {
	switch f.Kind {
	case wire.KindHeartbeat:
		// Liveness already recorded.

	case wire.KindSchemaRefreshResponse, wire.KindQueryResponse:
		e.correlator.Deliver(s.AgentID(), s.Epoch(), f)

	case wire.KindError:
		if f.RequestID != 0 {
			e.correlator.Deliver(s.AgentID(), s.Epoch(), f)
			return
		}
		s.logger.Warn("agentws: session-level error from agent",
			zap.String("code", f.Code),
			zap.String("message", f.Message),
		)

	case wire.KindHello:
		// A second hello on an established session is a protocol bug in
		// the agent, but not worth killing the session over.
		s.logger.Warn("agentws: unexpected hello on established session")

	default:
		s.logger.Warn("agentws: unknown frame kind", zap.String("kind", string(f.Kind)))
	}
}

// markStatus persists the connection's liveness to the database so the
// REST list endpoint reflects it without a live subscription. A failure is
// logged and ignored: the registry, not the database, is authoritative.
func (e *Endpoint) markStatus(connectionID uuid.UUID, status string) {
	// Fresh context: the session context may already be done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.connections.UpdateStatus(ctx, connectionID, status, time.Now().UTC()); err != nil {
		e.logger.Warn("agentws: failed to persist connection status",
			zap.String("connection_id", connectionID.String()),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}
