// Package registry maintains the in-memory mapping from agent ID to the
// live agent session. The agent WebSocket endpoint attaches a session here
// after a successful hello handshake; the correlator and the orchestrator
// resolve dispatch targets through Lookup.
//
// All state is in-memory and intentionally non-persistent: if the server
// restarts, agents reconnect and re-attach automatically via their
// reconnection loop. The persistent connection record (name, owner, key
// hash) lives in the database and is managed by ConnectionRepository.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/metrics"
	"github.com/custard-io/custard/internal/wire"
)

// Session is the send-side handle the registry holds for one live agent
// session. It is implemented by agentws.Session. Epoch distinguishes the
// current session from any prior session of the same agent: a session that
// reconnects always attaches with a higher epoch.
type Session interface {
	// AgentID is the transport identity presented during the handshake.
	AgentID() uuid.UUID

	// ConnectionID is the connection record the agent authenticated as.
	ConnectionID() uuid.UUID

	// Epoch is the session's attach generation, strictly increasing across
	// reconnects of the same agent.
	Epoch() uint64

	// Enqueue places a frame on the session's bounded outbound buffer.
	// It never blocks: a full buffer or a torn-down session returns a
	// fault with code agent_unreachable.
	Enqueue(f wire.Frame) error

	// Shut asks the session to close with the given WebSocket close code
	// and reason. It must not block; the session tears itself down
	// asynchronously.
	Shut(code int, reason string)

	// ConnectedAt is when the session completed its handshake.
	ConnectedAt() time.Time
}

// PendingFailer resolves every pending request registered against a
// session that is going away. Implemented by the correlator. The registry
// calls it synchronously so that by the time Detach returns, no caller is
// still parked on the dead session.
type PendingFailer interface {
	FailSession(agentID uuid.UUID, epoch uint64)
}

// StatusPublisher receives agent up/down transitions. Implemented by the
// status fan-out hub.
type StatusPublisher interface {
	PublishAgentStatus(agentID uuid.UUID, connected bool)
}

// Registry is the process-wide registry of live agent sessions. It is safe
// for concurrent use. The zero value is not usable — create instances with
// New.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]Session // keyed by agent ID

	pending PendingFailer
	status  StatusPublisher
	logger  *zap.Logger
}

// New creates a Registry. pending and status must be non-nil; the registry
// notifies both on every attach and detach.
func New(pending PendingFailer, status StatusPublisher, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]Session),
		pending:  pending,
		status:   status,
		logger:   logger.Named("registry"),
	}
}

// Attach registers a session as the live session for its agent ID and
// returns the session it displaced, if any.
//
// Displacement policy: the previous session's pending requests are failed
// with agent_unreachable before Attach returns, and the previous session is
// asked to close with reason "superseded". In-flight work is not migrated —
// the new session starts empty.
func (r *Registry) Attach(s Session) (displaced Session) {
	agentID := s.AgentID()

	r.mu.Lock()
	prev, existed := r.sessions[agentID]
	r.sessions[agentID] = s
	total := len(r.sessions)
	r.mu.Unlock()

	if existed {
		// An agent reconnected before the server noticed the previous
		// connection dying, or a second copy of the agent was started.
		// The newest authenticated session always wins.
		r.logger.Warn("displacing existing agent session",
			zap.String("agent_id", agentID.String()),
			zap.Uint64("old_epoch", prev.Epoch()),
			zap.Uint64("new_epoch", s.Epoch()),
		)
		r.pending.FailSession(agentID, prev.Epoch())
		prev.Shut(wire.CloseSuperseded, "superseded")
		displaced = prev
	}

	metrics.ConnectedAgents.Set(float64(total))
	r.logger.Info("agent attached",
		zap.String("agent_id", agentID.String()),
		zap.Uint64("epoch", s.Epoch()),
		zap.Int("total_connected", total),
	)

	r.status.PublishAgentStatus(agentID, true)
	return displaced
}

// Detach removes a session from the registry and reports whether it was
// the current session for its agent ID. It is a no-op (returning false) if
// s was already displaced by a newer session. When a current session is
// removed, every pending request targeting it is resolved to
// agent_unreachable before Detach returns, and an agent-down event is
// published.
func (r *Registry) Detach(s Session) bool {
	agentID := s.AgentID()

	r.mu.Lock()
	current, ok := r.sessions[agentID]
	if !ok || current.Epoch() != s.Epoch() {
		// Already displaced or removed — the newer session stays. Pendings
		// for the dead epoch were failed when it was displaced; failing
		// again is harmless and covers the detach-before-attach race.
		r.mu.Unlock()
		r.pending.FailSession(agentID, s.Epoch())
		return false
	}
	delete(r.sessions, agentID)
	total := len(r.sessions)
	r.mu.Unlock()

	r.pending.FailSession(agentID, s.Epoch())

	metrics.ConnectedAgents.Set(float64(total))
	r.logger.Info("agent detached",
		zap.String("agent_id", agentID.String()),
		zap.Uint64("epoch", s.Epoch()),
		zap.Duration("session_duration", time.Since(s.ConnectedAt())),
		zap.Int("total_connected", total),
	)

	r.status.PublishAgentStatus(agentID, false)
	return true
}

// Lookup returns the live session for an agent ID, or false if the agent
// is not connected.
func (r *Registry) Lookup(agentID uuid.UUID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s, ok
}

// IsConnected reports whether an agent currently has a live session.
func (r *Registry) IsConnected(agentID uuid.UUID) bool {
	_, ok := r.Lookup(agentID)
	return ok
}

// Snapshot returns the currently attached sessions. The returned slice is
// a copy; the sessions themselves are shared handles.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown closes every live session with reason "shutdown" and clears the
// registry. Pending requests are failed session by session. Called once
// during graceful shutdown, after the listeners have stopped accepting.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[uuid.UUID]Session)
	r.mu.Unlock()

	for _, s := range sessions {
		r.pending.FailSession(s.AgentID(), s.Epoch())
		s.Shut(wire.CloseShutdown, "shutdown")
		r.status.PublishAgentStatus(s.AgentID(), false)
	}

	metrics.ConnectedAgents.Set(0)
	r.logger.Info("registry shut down", zap.Int("sessions_closed", len(sessions)))
}
