// Package statusws broadcasts agent up/down transitions to subscribed UI
// clients over WebSocket. The Hub is the pub/sub broker; each subscriber
// carries a capability set of agent IDs resolved from the connections the
// user owns, so a subscriber never sees events for another user's agents.
package statusws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/metrics"
)

// Update is one status event as delivered to subscribers. The field names
// are part of the UI contract.
type Update struct {
	Type           string `json:"type"`
	AgentID        string `json:"agent_id"`
	AgentConnected bool   `json:"agentConnected"`
}

// TypeAgentStatusUpdate is the only event type currently emitted.
const TypeAgentStatusUpdate = "AGENT_STATUS_UPDATE"

// NewUpdate builds an agent status event.
func NewUpdate(agentID uuid.UUID, connected bool) Update {
	return Update{
		Type:           TypeAgentStatusUpdate,
		AgentID:        agentID.String(),
		AgentConnected: connected,
	}
}

// OwnershipResolver resolves the set of agent IDs a user may observe: the
// agents of every connection the user owns. Implemented over the
// connection repository.
type OwnershipResolver interface {
	OwnedAgentIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Hub is the central broker for status subscribers. It satisfies
// registry.StatusPublisher.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are
// serialised through the Run goroutine via channels. PublishAgentStatus is
// the exception: it holds a read-lock only long enough to copy the target
// set, then sends outside the lock so a full client buffer cannot stall
// the event loop or other publishers.
//
// A client's send channel is never closed: publishers race with teardown,
// and a send on a closed channel would panic the publisher. Teardown is
// signalled through the client's done channel instead, which both the
// publisher and the writePump select on.
type Hub struct {
	// clients is the set of connected subscribers. Keyed by pointer for
	// O(1) register/unregister.
	clients map[*Client]struct{}

	// mu protects clients during PublishAgentStatus and RecomputeOwnership,
	// which read it from outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when the Run loop exits; no further events are
	// delivered after that.
	stopped chan struct{}

	resolver OwnershipResolver
	logger   *zap.Logger
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(resolver OwnershipResolver, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
		resolver:   resolver,
		logger:     logger.Named("statusws"),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine. It exits when ctx is cancelled during graceful shutdown,
// closing every subscriber on the way out.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.StatusSubscribers.Set(float64(total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				// Signal the client's writePump to drain and exit. The send
				// channel itself stays open; see the type doc.
				close(client.done)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.StatusSubscribers.Set(float64(total))

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.done)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			metrics.StatusSubscribers.Set(0)
			return
		}
	}
}

// PublishAgentStatus implements registry.StatusPublisher. The event is
// delivered to every subscriber whose capability set contains agentID.
// Delivery is best-effort: a subscriber whose buffer is full is shed so it
// cannot block other subscribers or the publisher.
//
// Events for a single agent reach each subscriber in publish order because
// the per-client send channel is FIFO and drained by one writePump.
func (h *Hub) PublishAgentStatus(agentID uuid.UUID, connected bool) {
	h.mu.RLock()
	var targets []*Client
	for c := range h.clients {
		if c.observes(agentID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	update := NewUpdate(agentID, connected)
	for _, c := range targets {
		select {
		case c.send <- update:
		case <-c.done:
			// Torn down after the target snapshot was taken; nothing reads
			// the send channel anymore.
		default:
			// Too slow to keep up. Disconnect it; the UI reconnects with
			// backoff and receives a fresh snapshot.
			h.logger.Warn("shedding slow status subscriber",
				zap.String("user_id", c.userID.String()),
			)
			h.unregister <- c
		}
	}
}

// RecomputeOwnership re-resolves the capability set of every subscriber
// belonging to userID. Called after a connection is created or deleted so
// live subscriptions track the user's current connections.
func (h *Hub) RecomputeOwnership(ctx context.Context, userID uuid.UUID) {
	agents, err := h.resolver.OwnedAgentIDs(ctx, userID)
	if err != nil {
		h.logger.Warn("failed to recompute subscriber ownership",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID == userID {
			c.setAgents(agents)
		}
	}
}

// Subscribe registers client with the hub. Called by the endpoint after
// the upgrade and origin check succeed.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub. Called by the client's readPump
// when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// SubscriberCount returns the current number of subscribers. Intended for
// health endpoints and tests.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
