package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/repositories"
)

type fakeSweeper struct {
	swept int
}

func (f *fakeSweeper) SweepIdle() int {
	f.swept++
	return 1
}

type fakePresence struct {
	connected map[uuid.UUID]bool
}

func (f *fakePresence) IsConnected(agentID uuid.UUID) bool {
	return f.connected[agentID]
}

type fakeConnRepo struct {
	repositories.ConnectionRepository

	mu      sync.Mutex
	online  []db.Connection
	flipped []uuid.UUID
}

func (r *fakeConnRepo) ListByStatus(_ context.Context, status string) ([]db.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status != "online" {
		return nil, nil
	}
	return append([]db.Connection(nil), r.online...), nil
}

func (r *fakeConnRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == "offline" {
		r.flipped = append(r.flipped, id)
	}
	return nil
}

func (r *fakeConnRepo) flippedOffline() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.flipped...)
}

func TestReconcileStatusFlipsOrphanedRows(t *testing.T) {
	live := db.Connection{AgentID: uuid.New()}
	live.ID = uuid.New()
	orphan := db.Connection{AgentID: uuid.New()}
	orphan.ID = uuid.New()

	repo := &fakeConnRepo{online: []db.Connection{live, orphan}}
	presence := &fakePresence{connected: map[uuid.UUID]bool{live.AgentID: true}}

	s, err := New(&fakeSweeper{}, presence, repo, zap.NewNop())
	require.NoError(t, err)
	defer s.Stop()

	s.reconcileStatus()

	// Only the connection without a live session is flipped.
	assert.Equal(t, []uuid.UUID{orphan.ID}, repo.flippedOffline())
}

func TestReconcileStatusNoOpWhenAllLive(t *testing.T) {
	conn := db.Connection{AgentID: uuid.New()}
	conn.ID = uuid.New()

	repo := &fakeConnRepo{online: []db.Connection{conn}}
	presence := &fakePresence{connected: map[uuid.UUID]bool{conn.AgentID: true}}

	s, err := New(&fakeSweeper{}, presence, repo, zap.NewNop())
	require.NoError(t, err)
	defer s.Stop()

	s.reconcileStatus()
	assert.Empty(t, repo.flippedOffline())
}

func TestSweepCSVDelegatesToPool(t *testing.T) {
	sweeper := &fakeSweeper{}
	s, err := New(sweeper, &fakePresence{}, &fakeConnRepo{}, zap.NewNop())
	require.NoError(t, err)
	defer s.Stop()

	s.sweepCSV()
	assert.Equal(t, 1, sweeper.swept)
}
