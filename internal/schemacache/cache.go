// Package schemacache holds the latest known schema snapshot for each
// connection. The orchestrator consults it before asking the LLM to write
// SQL; it is populated exclusively by the success path of a schema refresh
// round-trip through the correlator.
//
// The schema is a property of the customer's database, not of the agent
// session, so snapshots survive reconnects. They are dropped only on
// explicit refresh (replaced) or when the connection is deleted.
package schemacache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/wire"
)

// Snapshot is one cached schema: the tables reported by the agent and the
// instant they were captured.
type Snapshot struct {
	Tables     []wire.Table
	CapturedAt time.Time
}

// Cache maps connection IDs to their latest schema snapshot. Safe for
// concurrent use. The zero value is not usable — create instances with New.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]Snapshot

	registry   *registry.Registry
	correlator *correlator.Correlator
	logger     *zap.Logger
}

// New creates a Cache wired to the registry and correlator it refreshes
// through.
func New(reg *registry.Registry, corr *correlator.Correlator, logger *zap.Logger) *Cache {
	return &Cache{
		snapshots:  make(map[uuid.UUID]Snapshot),
		registry:   reg,
		correlator: corr,
		logger:     logger.Named("schemacache"),
	}
}

// Get returns the cached snapshot for a connection, if one exists.
// Absence means the schema has not been discovered yet.
func (c *Cache) Get(connectionID uuid.UUID) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[connectionID]
	return snap, ok
}

// Refresh performs a synchronous schema refresh round-trip to the agent
// and stores the result. Returns the fresh snapshot, or a fault with code
// agent_unreachable / timeout.
//
// Two concurrent refreshes of the same connection both succeed and leave
// the cache equivalent to a single refresh — last write wins, and both
// writes describe the same database.
func (c *Cache) Refresh(ctx context.Context, connectionID, agentID uuid.UUID, timeout time.Duration) (Snapshot, error) {
	sess, ok := c.registry.Lookup(agentID)
	if !ok {
		return Snapshot{}, fault.Newf(fault.CodeAgentUnreachable, "agent %s is not connected", agentID)
	}

	reply, err := c.correlator.Dispatch(ctx, sess,
		wire.Frame{Kind: wire.KindSchemaRefreshRequest}, timeout)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Tables: reply.Schema, CapturedAt: time.Now().UTC()}

	c.mu.Lock()
	c.snapshots[connectionID] = snap
	c.mu.Unlock()

	c.logger.Info("schema snapshot refreshed",
		zap.String("connection_id", connectionID.String()),
		zap.String("agent_id", agentID.String()),
		zap.Int("tables", len(snap.Tables)),
	)
	return snap, nil
}

// RefreshAsync fires a best-effort refresh in its own goroutine. Used for
// the opportunistic refresh after an agent connects; failures are logged
// and otherwise ignored.
func (c *Cache) RefreshAsync(connectionID, agentID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), correlator.DefaultTimeout)
		defer cancel()

		if _, err := c.Refresh(ctx, connectionID, agentID, correlator.DefaultTimeout); err != nil {
			c.logger.Warn("opportunistic schema refresh failed",
				zap.String("connection_id", connectionID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Invalidate removes the snapshot for a connection. Called when the
// connection is deleted.
func (c *Cache) Invalidate(connectionID uuid.UUID) {
	c.mu.Lock()
	delete(c.snapshots, connectionID)
	c.mu.Unlock()
}
