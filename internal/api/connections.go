package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/repositories"
	"github.com/custard-io/custard/internal/schemacache"
	"github.com/custard-io/custard/internal/statusws"
	"github.com/custard-io/custard/internal/wire"
)

// agentKeyBytes is the entropy of a generated agent key before encoding.
const agentKeyBytes = 32

// validDBTypes is the enumerated set accepted for a connection's
// database-kind tag. Informational; the agent decides what it actually
// connects to.
var validDBTypes = map[string]bool{
	"postgres": true, "mysql": true, "mariadb": true,
	"sqlserver": true, "snowflake": true, "other": true,
}

// ConnectionHandler groups the connection CRUD and schema endpoints.
type ConnectionHandler struct {
	repo       repositories.ConnectionRepository
	registry   *registry.Registry
	correlator *correlator.Correlator
	schema     *schemacache.Cache
	hub        *statusws.Hub
	logger     *zap.Logger
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(
	repo repositories.ConnectionRepository,
	reg *registry.Registry,
	corr *correlator.Correlator,
	schema *schemacache.Cache,
	hub *statusws.Hub,
	logger *zap.Logger,
) *ConnectionHandler {
	return &ConnectionHandler{
		repo:       repo,
		registry:   reg,
		correlator: corr,
		schema:     schema,
		hub:        hub,
		logger:     logger.Named("connection_handler"),
	}
}

// connectionResponse is the JSON representation of a connection. The agent
// key is intentionally absent — it is shown once, at creation, via
// connectionCreateResponse.
type connectionResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	DBType     string  `json:"db_type"`
	AgentID    string  `json:"agent_id"`
	Status     string  `json:"status"`
	LastSeenAt *string `json:"last_seen_at"`
	CreatedAt  string  `json:"created_at"`
}

// connectionCreateResponse extends connectionResponse with the raw agent
// key, shown only once. The key cannot be recovered after this; only its
// bcrypt hash is stored.
type connectionCreateResponse struct {
	connectionResponse
	AgentKey string `json:"agent_key"`
}

func connectionToResponse(c *db.Connection, live bool) connectionResponse {
	status := "offline"
	if live {
		status = "online"
	}
	resp := connectionResponse{
		ID:        c.ID.String(),
		Name:      c.Name,
		DBType:    c.DBType,
		AgentID:   c.AgentID.String(),
		Status:    status,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.LastSeenAt != nil {
		s := c.LastSeenAt.UTC().Format(time.RFC3339)
		resp.LastSeenAt = &s
	}
	return resp
}

type createConnectionRequest struct {
	Name   string `json:"name"`
	DBType string `json:"db_type"`
}

// Create handles POST /api/v1/connections. A fresh agent_id and agent_key
// are generated; the key is returned exactly once and stored only as a
// bcrypt hash.
func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if !validDBTypes[req.DBType] {
		ErrBadRequest(w, "db_type must be one of postgres, mysql, mariadb, sqlserver, snowflake, other")
		return
	}

	agentKey, err := generateAgentKey()
	if err != nil {
		h.logger.Error("failed to generate agent key", zap.Error(err))
		ErrInternal(w)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(agentKey), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("failed to hash agent key", zap.Error(err))
		ErrInternal(w)
		return
	}

	agentID, err := uuid.NewV7()
	if err != nil {
		ErrInternal(w)
		return
	}

	conn := &db.Connection{
		Name:         req.Name,
		DBType:       req.DBType,
		OwnerID:      identity.UserID,
		AgentID:      agentID,
		AgentKeyHash: string(hash),
		Status:       "offline",
	}
	if err := h.repo.Create(r.Context(), conn); err != nil {
		h.logger.Error("failed to create connection", zap.Error(err))
		ErrInternal(w)
		return
	}

	// Live subscriptions of this user start observing the new agent.
	h.hub.RecomputeOwnership(r.Context(), identity.UserID)

	h.logger.Info("connection created",
		zap.String("connection_id", conn.ID.String()),
		zap.String("agent_id", agentID.String()),
		zap.String("owner_id", identity.UserID.String()),
	)

	Created(w, connectionCreateResponse{
		connectionResponse: connectionToResponse(conn, false),
		AgentKey:           agentKey,
	})
}

// listConnectionsResponse wraps a paginated list of connections.
type listConnectionsResponse struct {
	Items []connectionResponse `json:"items"`
	Total int64                `json:"total"`
}

// List handles GET /api/v1/connections. Liveness comes from the registry,
// not the persisted status column.
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	opts := paginationOpts(r)

	conns, total, err := h.repo.ListByOwner(r.Context(), identity.UserID, opts)
	if err != nil {
		h.logger.Error("failed to list connections", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]connectionResponse, len(conns))
	for i := range conns {
		items[i] = connectionToResponse(&conns[i], h.registry.IsConnected(conns[i].AgentID))
	}
	Ok(w, listConnectionsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/connections/{id}.
func (h *ConnectionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	Ok(w, connectionToResponse(conn, h.registry.IsConnected(conn.AgentID)))
}

// Delete handles DELETE /api/v1/connections/{id}. The live session, its
// pending requests, and the cached schema all go with the record.
func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), conn.ID); err != nil {
		h.logger.Error("failed to delete connection", zap.Error(err))
		ErrInternal(w)
		return
	}

	// Tear down everything that referenced the record. The agent's
	// credentials stopped working the moment the row was deleted; its
	// session is closed rather than left to idle out.
	if sess, live := h.registry.Lookup(conn.AgentID); live {
		h.registry.Detach(sess)
		sess.Shut(wire.CloseUnauthorized, "connection deleted")
	}
	h.correlator.FailAgent(conn.AgentID)
	h.schema.Invalidate(conn.ID)
	h.hub.RecomputeOwnership(r.Context(), identityFromCtx(r.Context()).UserID)

	h.logger.Info("connection deleted",
		zap.String("connection_id", conn.ID.String()),
		zap.String("agent_id", conn.AgentID.String()),
	)
	NoContent(w)
}

// RefreshSchema handles POST /api/v1/connections/{id}/schema/refresh: a
// synchronous round-trip to the agent, returning the fresh snapshot.
func (h *ConnectionHandler) RefreshSchema(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}

	snap, err := h.schema.Refresh(r.Context(), conn.ID, conn.AgentID, correlator.DefaultTimeout)
	if err != nil {
		ErrFault(w, err)
		return
	}

	Ok(w, map[string]any{
		"tables":      snap.Tables,
		"captured_at": snap.CapturedAt.Format(time.RFC3339),
	})
}

// GetSchema handles GET /api/v1/connections/{id}/schema: the cached
// snapshot, without touching the agent.
func (h *ConnectionHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}

	snap, found := h.schema.Get(conn.ID)
	if !found {
		ErrNotFound(w)
		return
	}
	Ok(w, map[string]any{
		"tables":      snap.Tables,
		"captured_at": snap.CapturedAt.Format(time.RFC3339),
	})
}

// ownedConnection resolves {id} and enforces ownership, writing the error
// response itself on failure. Foreign connections read as 404.
func (h *ConnectionHandler) ownedConnection(w http.ResponseWriter, r *http.Request) (*db.Connection, bool) {
	identity := identityFromCtx(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid connection id")
		return nil, false
	}

	conn, err := h.repo.GetByID(r.Context(), id)
	if errors.Is(err, repositories.ErrNotFound) {
		ErrNotFound(w)
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load connection", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if conn.OwnerID != identity.UserID {
		ErrNotFound(w)
		return nil, false
	}
	return conn, true
}

// generateAgentKey returns a fresh "ck_"-prefixed high-entropy key.
func generateAgentKey() (string, error) {
	raw := make([]byte, agentKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("api: generating agent key: %w", err)
	}
	return "ck_" + base64.RawURLEncoding.EncodeToString(raw), nil
}
