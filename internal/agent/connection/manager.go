// Package connection maintains the persistent WebSocket session between
// the connector agent and the gateway. It handles:
//   - The hello handshake (presenting agent_id + agent_key)
//   - Demultiplexing inbound request frames to the executor
//   - Heartbeats in both directions
//   - Automatic reconnection with exponential backoff + jitter
//
// The credentials come from configuration; the agent holds no other state.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/wire"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff
	// interval to prevent thundering herd when many agents reconnect
	// simultaneously.
	jitterFraction = 0.2

	// handshakeWait bounds the wait for hello_ok after sending hello.
	handshakeWait = 10 * time.Second

	// heartbeatInterval is how often the agent sends a heartbeat when the
	// session is otherwise idle. The gateway closes the session after
	// roughly three missed intervals of silence.
	heartbeatInterval = 25 * time.Second

	// serverSilenceWait is how long the agent tolerates total inbound
	// silence before treating the session as dead. The gateway sends
	// heartbeats when idle, so silence this long means a broken path.
	serverSilenceWait = 90 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 8 << 20
)

// ErrUnauthorized is returned by Run when the gateway rejects the
// credentials. Retrying cannot help; the operator must fix the key.
var ErrUnauthorized = errors.New("connection: gateway rejected agent credentials")

// Executor is the SQL surface the connection forwards requests to.
type Executor interface {
	Schema(ctx context.Context) ([]wire.Table, error)
	Query(ctx context.Context, sql string) (columns []string, rows [][]wire.Value, rowCount int, err error)
}

// Config holds everything needed to reach the gateway.
type Config struct {
	// GatewayURL is the WebSocket endpoint, e.g. "wss://host/agent/ws".
	GatewayURL string
	// AgentID is the transport identity issued at connection creation.
	AgentID string
	// AgentKey is the matching secret, shown once by the gateway.
	AgentKey string
}

// Manager runs the connect/serve/reconnect loop.
type Manager struct {
	cfg    Config
	exec   Executor
	logger *zap.Logger

	// writeMu serialises frame writes; request handlers run concurrently
	// and gorilla connections allow only one writer.
	writeMu  sync.Mutex
	lastSend time.Time
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, exec Executor, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, exec: exec, logger: logger.Named("connection")}
}

// Run connects to the gateway and serves requests, reconnecting with
// backoff on any failure. It blocks until ctx is cancelled or the gateway
// rejects the credentials.
func (m *Manager) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return nil
		}

		m.logger.Info("connecting to gateway", zap.String("url", m.cfg.GatewayURL))

		err := m.connect(ctx)
		if errors.Is(err, ErrUnauthorized) {
			m.logger.Error("credentials rejected, giving up")
			return err
		}
		if err != nil {
			m.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Clean session end (shutdown or displacement). Reset backoff and
		// reconnect promptly; if we were displaced by a newer copy of this
		// agent, the gateway will displace us right back only if we are
		// truly the survivor.
		backoff = backoffInitial
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(backoffInitial)):
		}
	}
}

// connect establishes one session: dial → hello → serve frames. Returns
// nil when the gateway closed the session deliberately, an error
// otherwise.
func (m *Manager) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeWait)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, m.cfg.GatewayURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(maxFrameSize)

	if err := m.handshake(conn); err != nil {
		return err
	}
	m.logger.Info("session established", zap.String("agent_id", m.cfg.AgentID))

	// Heartbeat ticker runs for the life of the session.
	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	go m.heartbeatLoop(sessionCtx, conn)

	return m.serve(sessionCtx, conn)
}

// handshake sends hello and waits for hello_ok.
func (m *Manager) handshake(conn *websocket.Conn) error {
	hello := wire.Frame{
		Kind:     wire.KindHello,
		AgentID:  m.cfg.AgentID,
		AgentKey: m.cfg.AgentKey,
	}
	if err := m.writeFrame(conn, hello); err != nil {
		return fmt.Errorf("hello send failed: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		return err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, wire.CloseUnauthorized) {
			return ErrUnauthorized
		}
		return fmt.Errorf("hello_ok read failed: %w", err)
	}

	var reply wire.Frame
	if err := json.Unmarshal(data, &reply); err != nil || reply.Kind != wire.KindHelloOK {
		return fmt.Errorf("unexpected handshake reply")
	}
	return nil
}

// serve reads request frames until the session ends. Each request runs in
// its own goroutine so a slow query never delays a schema refresh.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(serverSilenceWait)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				wire.CloseShutdown,
				wire.CloseSuperseded,
			) {
				m.logger.Info("gateway closed the session", zap.Error(err))
				return nil
			}
			if websocket.IsCloseError(err, wire.CloseUnauthorized) {
				return ErrUnauthorized
			}
			return fmt.Errorf("read failed: %w", err)
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("malformed frame from gateway", zap.Error(err))
			continue
		}

		switch frame.Kind {
		case wire.KindHeartbeat:
			// Inbound activity already proved gateway liveness; answer so
			// the gateway sees ours.
			go m.send(conn, wire.Frame{Kind: wire.KindHeartbeat})

		case wire.KindSchemaRefreshRequest:
			go m.handleSchemaRefresh(ctx, conn, frame.RequestID)

		case wire.KindQueryRequest:
			go m.handleQuery(ctx, conn, frame.RequestID, frame.SQL)

		default:
			m.logger.Warn("unexpected frame kind", zap.String("kind", string(frame.Kind)))
		}
	}
}

func (m *Manager) handleSchemaRefresh(ctx context.Context, conn *websocket.Conn, requestID uint64) {
	tables, err := m.exec.Schema(ctx)
	if err != nil {
		m.logger.Error("schema introspection failed", zap.Error(err))
		m.send(conn, wire.Frame{
			Kind:      wire.KindError,
			RequestID: requestID,
			Code:      "internal",
			Message:   "schema introspection failed",
		})
		return
	}
	m.send(conn, wire.Frame{
		Kind:      wire.KindSchemaRefreshResponse,
		RequestID: requestID,
		Schema:    tables,
	})
}

func (m *Manager) handleQuery(ctx context.Context, conn *websocket.Conn, requestID uint64, sqlText string) {
	start := time.Now()
	columns, rows, rowCount, err := m.exec.Query(ctx, sqlText)
	if err != nil {
		// The raw database error may quote schema details; the gateway
		// gets a generic message and the specifics stay in the local log.
		m.logger.Error("query failed",
			zap.Uint64("request_id", requestID),
			zap.Error(err),
		)
		m.send(conn, wire.Frame{
			Kind:      wire.KindError,
			RequestID: requestID,
			Code:      "internal",
			Message:   "query execution failed",
		})
		return
	}

	m.logger.Info("query executed",
		zap.Uint64("request_id", requestID),
		zap.Int("row_count", rowCount),
		zap.Duration("duration", time.Since(start)),
	)
	m.send(conn, wire.Frame{
		Kind:      wire.KindQueryResponse,
		RequestID: requestID,
		Columns:   columns,
		Rows:      rows,
		RowCount:  rowCount,
	})
}

// heartbeatLoop sends a heartbeat whenever no frame has gone out for a
// full interval.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.writeMu.Lock()
			idle := time.Since(m.lastSend) >= heartbeatInterval
			m.writeMu.Unlock()
			if idle {
				m.send(conn, wire.Frame{Kind: wire.KindHeartbeat})
			}
		}
	}
}

// send writes a frame, logging rather than returning the error: a write
// failure will surface as a read failure in serve, which owns teardown.
func (m *Manager) send(conn *websocket.Conn, frame wire.Frame) {
	if err := m.writeFrame(conn, frame); err != nil {
		m.logger.Warn("frame write failed",
			zap.String("kind", string(frame.Kind)),
			zap.Error(err),
		)
	}
}

func (m *Manager) writeFrame(conn *websocket.Conn, frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	m.lastSend = time.Now()
	return nil
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
