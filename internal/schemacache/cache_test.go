package schemacache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/wire"
)

type fakeSession struct {
	agentID uuid.UUID
	epoch   uint64

	mu     sync.Mutex
	frames []wire.Frame
}

func (s *fakeSession) AgentID() uuid.UUID      { return s.agentID }
func (s *fakeSession) ConnectionID() uuid.UUID { return uuid.Nil }
func (s *fakeSession) Epoch() uint64           { return s.epoch }
func (s *fakeSession) Enqueue(f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}
func (s *fakeSession) Shut(int, string)       {}
func (s *fakeSession) ConnectedAt() time.Time { return time.Now() }

func (s *fakeSession) sent() []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Frame(nil), s.frames...)
}

type nopStatus struct{}

func (nopStatus) PublishAgentStatus(uuid.UUID, bool) {}

func newCacheFixture(t *testing.T) (*Cache, *correlator.Correlator, *registry.Registry, *fakeSession) {
	t.Helper()
	logger := zap.NewNop()
	corr := correlator.New(logger)
	reg := registry.New(corr, nopStatus{}, logger)
	cache := New(reg, corr, logger)

	sess := &fakeSession{agentID: uuid.New(), epoch: 1}
	reg.Attach(sess)
	return cache, corr, reg, sess
}

func TestRefreshStoresSnapshot(t *testing.T) {
	cache, corr, _, sess := newCacheFixture(t)
	connectionID := uuid.New()

	// Answer the refresh frame from a fake agent.
	go func() {
		for {
			frames := sess.sent()
			if len(frames) == 1 {
				corr.Deliver(sess.agentID, sess.epoch, wire.Frame{
					Kind:      wire.KindSchemaRefreshResponse,
					RequestID: frames[0].RequestID,
					Schema: []wire.Table{
						{Name: "orders", RowCountEstimate: 12, Columns: []wire.Column{
							{Name: "id", Type: "bigint"},
						}},
					},
				})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	snap, err := cache.Refresh(context.Background(), connectionID, sess.agentID, time.Second)
	require.NoError(t, err)
	require.Len(t, snap.Tables, 1)
	assert.Equal(t, "orders", snap.Tables[0].Name)
	assert.False(t, snap.CapturedAt.IsZero())

	got, ok := cache.Get(connectionID)
	require.True(t, ok)
	assert.Equal(t, snap.Tables, got.Tables)
}

func TestRefreshDisconnectedAgent(t *testing.T) {
	cache, _, _, _ := newCacheFixture(t)

	_, err := cache.Refresh(context.Background(), uuid.New(), uuid.New(), time.Second)
	require.Error(t, err)
	assert.Equal(t, fault.CodeAgentUnreachable, fault.CodeOf(err))
}

func TestRefreshTimeoutLeavesOldSnapshot(t *testing.T) {
	cache, _, _, sess := newCacheFixture(t)
	connectionID := uuid.New()

	// Seed a snapshot, then time out a refresh: the stale-but-valid
	// snapshot must survive.
	cache.mu.Lock()
	cache.snapshots[connectionID] = Snapshot{Tables: []wire.Table{{Name: "old"}}}
	cache.mu.Unlock()

	_, err := cache.Refresh(context.Background(), connectionID, sess.agentID, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(err))

	snap, ok := cache.Get(connectionID)
	require.True(t, ok)
	assert.Equal(t, "old", snap.Tables[0].Name)
}

func TestInvalidate(t *testing.T) {
	cache, _, _, _ := newCacheFixture(t)
	connectionID := uuid.New()

	cache.mu.Lock()
	cache.snapshots[connectionID] = Snapshot{}
	cache.mu.Unlock()

	cache.Invalidate(connectionID)
	_, ok := cache.Get(connectionID)
	assert.False(t, ok)
}

func TestGetUnknownConnection(t *testing.T) {
	cache, _, _, _ := newCacheFixture(t)
	_, ok := cache.Get(uuid.New())
	assert.False(t, ok)
}
