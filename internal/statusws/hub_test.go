package statusws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticResolver struct {
	agents map[uuid.UUID][]uuid.UUID
}

func (r *staticResolver) OwnedAgentIDs(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return r.agents[userID], nil
}

func startHub(t *testing.T, resolver OwnershipResolver) *Hub {
	t.Helper()
	if resolver == nil {
		resolver = &staticResolver{}
	}
	h := NewHub(resolver, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// subscribe registers a pumpless client and waits until the hub has seen it.
func subscribe(t *testing.T, h *Hub, userID uuid.UUID, agents []uuid.UUID) *Client {
	t.Helper()
	before := h.SubscriberCount()
	c := newClient(h, nil, userID, agents, zap.NewNop())
	h.Subscribe(c)
	require.Eventually(t, func() bool { return h.SubscriberCount() > before },
		time.Second, time.Millisecond)
	return c
}

func TestPublishFiltersByOwnership(t *testing.T) {
	h := startHub(t, nil)

	myAgent, theirAgent := uuid.New(), uuid.New()
	mine := subscribe(t, h, uuid.New(), []uuid.UUID{myAgent})
	theirs := subscribe(t, h, uuid.New(), []uuid.UUID{theirAgent})

	h.PublishAgentStatus(myAgent, true)

	select {
	case got := <-mine.send:
		assert.Equal(t, TypeAgentStatusUpdate, got.Type)
		assert.Equal(t, myAgent.String(), got.AgentID)
		assert.True(t, got.AgentConnected)
	case <-time.After(time.Second):
		t.Fatal("owner did not receive the event")
	}

	select {
	case got := <-theirs.send:
		t.Fatalf("event for %s leaked to a non-owner", got.AgentID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishOrderPerAgent(t *testing.T) {
	h := startHub(t, nil)

	agentID := uuid.New()
	c := subscribe(t, h, uuid.New(), []uuid.UUID{agentID})

	h.PublishAgentStatus(agentID, true)
	h.PublishAgentStatus(agentID, false)
	h.PublishAgentStatus(agentID, true)

	want := []bool{true, false, true}
	for i, connected := range want {
		select {
		case got := <-c.send:
			assert.Equal(t, connected, got.AgentConnected, "event %d out of order", i)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestSlowSubscriberIsShed(t *testing.T) {
	h := startHub(t, nil)

	agentID := uuid.New()
	subscribe(t, h, uuid.New(), []uuid.UUID{agentID})

	// Nothing drains the send channel, so filling the buffer plus one
	// forces the shed path.
	for i := 0; i < sendBufferSize+1; i++ {
		h.PublishAgentStatus(agentID, true)
	}

	require.Eventually(t, func() bool { return h.SubscriberCount() == 0 },
		time.Second, time.Millisecond)
}

func TestRecomputeOwnership(t *testing.T) {
	userID := uuid.New()
	newAgent := uuid.New()
	resolver := &staticResolver{agents: map[uuid.UUID][]uuid.UUID{
		userID: {newAgent},
	}}
	h := startHub(t, resolver)

	// Subscriber starts with an empty capability set (no connections yet).
	c := subscribe(t, h, userID, nil)
	h.PublishAgentStatus(newAgent, true)
	select {
	case <-c.send:
		t.Fatal("received an event for an agent outside the capability set")
	case <-time.After(50 * time.Millisecond):
	}

	// After the user creates a connection the set is recomputed and events
	// start flowing.
	h.RecomputeOwnership(context.Background(), userID)
	h.PublishAgentStatus(newAgent, true)
	select {
	case got := <-c.send:
		assert.Equal(t, newAgent.String(), got.AgentID)
	case <-time.After(time.Second):
		t.Fatal("no event after ownership recompute")
	}
}

func TestRunShutdownClosesSubscribers(t *testing.T) {
	h := NewHub(&staticResolver{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := subscribe(t, h, uuid.New(), nil)
	cancel()

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not signalled on shutdown")
	}
	assert.Zero(t, h.SubscriberCount())
}

func TestConcurrentPublishDuringUnsubscribe(t *testing.T) {
	userID := uuid.New()
	agentID := uuid.New()
	h := startHub(t, nil)

	// A publisher that snapshots its targets just before the hub tears a
	// subscriber down must not panic; the event is simply dropped.
	for i := 0; i < 500; i++ {
		c := subscribe(t, h, userID, []uuid.UUID{agentID})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 2*sendBufferSize; j++ {
				h.PublishAgentStatus(agentID, j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			h.Unsubscribe(c)
		}()
		wg.Wait()

		require.Eventually(t, func() bool { return h.SubscriberCount() == 0 },
			time.Second, time.Millisecond)
	}
}
