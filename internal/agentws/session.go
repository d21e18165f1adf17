package agentws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/wire"
)

const (
	// writeWait is the maximum time allowed to write a frame to the agent.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled agent from blocking the writePump.
	writeWait = 10 * time.Second

	// idleInterval is how long the session may be silent in both directions
	// before the gateway sends a heartbeat frame.
	idleInterval = 30 * time.Second

	// livenessWait is how long the gateway waits for any inbound frame
	// before declaring the agent dead. Three idle intervals: the agent gets
	// two chances to answer a heartbeat before the third strike.
	livenessWait = 3 * idleInterval

	// maxFrameSize bounds inbound frames. Schema snapshots and query
	// results can be sizeable; 8 MiB is far above anything legitimate.
	maxFrameSize = 8 << 20

	// sendBufferSize is the capacity of the per-session outbound frame
	// channel. If the buffer fills up the dispatching operation fails with
	// agent_unreachable rather than blocking the caller.
	sendBufferSize = 64
)

// Session is one live agent connection. It satisfies registry.Session and
// correlator.Session. Each session runs two goroutines: readPump (the HTTP
// handler goroutine — demultiplexes inbound frames in arrival order) and
// writePump (serialises outbound frames onto the wire and keeps the
// heartbeat going).
//
// The send channel is the handoff point between dispatching callers and
// the writePump. Teardown is signalled through the closed channel so that
// Enqueue never blocks and never writes to a dead session.
type Session struct {
	agentID      uuid.UUID
	connectionID uuid.UUID
	epoch        uint64
	connectedAt  time.Time

	conn *websocket.Conn
	send chan wire.Frame

	// closeOnce guards the transition to the closed state. closeCode and
	// closeReason are written exactly once, before closed is closed, and
	// read only by writePump afterwards.
	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
	closeReason string

	// lastActivity is the unix-nano instant of the last frame exchanged in
	// either direction. Written by both pumps, read by writePump's idle
	// ticker.
	lastActivity atomicTime

	logger *zap.Logger
}

func newSession(conn *websocket.Conn, agentID, connectionID uuid.UUID, epoch uint64, logger *zap.Logger) *Session {
	s := &Session{
		agentID:      agentID,
		connectionID: connectionID,
		epoch:        epoch,
		connectedAt:  time.Now().UTC(),
		conn:         conn,
		send:         make(chan wire.Frame, sendBufferSize),
		closed:       make(chan struct{}),
		logger: logger.With(
			zap.String("agent_id", agentID.String()),
			zap.Uint64("epoch", epoch),
		),
	}
	s.lastActivity.Store(time.Now())
	return s
}

// AgentID implements registry.Session.
func (s *Session) AgentID() uuid.UUID { return s.agentID }

// ConnectionID implements registry.Session.
func (s *Session) ConnectionID() uuid.UUID { return s.connectionID }

// Epoch implements registry.Session.
func (s *Session) Epoch() uint64 { return s.epoch }

// ConnectedAt implements registry.Session.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Enqueue places a frame on the outbound buffer without blocking. A full
// buffer or a closed session fails with agent_unreachable — callers treat
// both the same way, per the dispatch contract.
func (s *Session) Enqueue(f wire.Frame) error {
	select {
	case <-s.closed:
		return fault.Newf(fault.CodeAgentUnreachable, "session for agent %s is closed", s.agentID)
	default:
	}

	select {
	case s.send <- f:
		return nil
	case <-s.closed:
		return fault.Newf(fault.CodeAgentUnreachable, "session for agent %s is closed", s.agentID)
	default:
		return fault.Newf(fault.CodeAgentUnreachable, "send buffer full for agent %s", s.agentID)
	}
}

// Shut asks the session to close with the given close code and reason.
// It never blocks: the writePump picks up the closed signal, writes the
// close frame, and tears the connection down. Safe to call multiple times;
// only the first call's code wins.
func (s *Session) Shut(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closed)
	})
}

// writePump forwards frames from the send channel to the WebSocket wire
// and emits a heartbeat frame when the session has been idle for a full
// idle interval. It is the only goroutine that writes to conn.
func (s *Session) writePump() {
	ticker := time.NewTicker(idleInterval / 2)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case f := <-s.send:
			if err := s.writeFrame(f); err != nil {
				s.logger.Warn("agentws: write error", zap.Error(err))
				s.Shut(websocket.CloseAbnormalClosure, "write error")
				return
			}

		case <-ticker.C:
			if time.Since(s.lastActivity.Load()) < idleInterval {
				continue
			}
			if err := s.writeFrame(wire.Frame{Kind: wire.KindHeartbeat}); err != nil {
				s.logger.Warn("agentws: heartbeat write error", zap.Error(err))
				s.Shut(websocket.CloseAbnormalClosure, "write error")
				return
			}

		case <-s.closed:
			// Drain nothing: pending requests were failed by the registry.
			// Send a close frame with the recorded code so the agent can
			// distinguish shutdown from displacement.
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeCode, s.closeReason))
			return
		}
	}
}

// writeFrame marshals and writes one frame with the write deadline applied,
// and records the send as session activity.
func (s *Session) writeFrame(f wire.Frame) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.lastActivity.Store(time.Now())
	return nil
}

// atomicTime is a time.Time guarded for concurrent store/load.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
