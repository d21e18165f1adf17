package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/wire"
)

type fakeSession struct {
	agentID      uuid.UUID
	connectionID uuid.UUID
	epoch        uint64
	connectedAt  time.Time

	mu        sync.Mutex
	closeCode int
	reason    string
	closed    bool
}

func (s *fakeSession) AgentID() uuid.UUID      { return s.agentID }
func (s *fakeSession) ConnectionID() uuid.UUID { return s.connectionID }
func (s *fakeSession) Epoch() uint64           { return s.epoch }
func (s *fakeSession) Enqueue(wire.Frame) error {
	return nil
}
func (s *fakeSession) ConnectedAt() time.Time { return s.connectedAt }

func (s *fakeSession) Shut(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
	s.reason = reason
}

func (s *fakeSession) shutWith() (bool, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode, s.reason
}

type failCall struct {
	agentID uuid.UUID
	epoch   uint64
}

type fakePending struct {
	mu    sync.Mutex
	calls []failCall
}

func (p *fakePending) FailSession(agentID uuid.UUID, epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, failCall{agentID, epoch})
}

func (p *fakePending) failed() []failCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]failCall(nil), p.calls...)
}

type statusEvent struct {
	agentID   uuid.UUID
	connected bool
}

type fakeStatus struct {
	mu     sync.Mutex
	events []statusEvent
}

func (f *fakeStatus) PublishAgentStatus(agentID uuid.UUID, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, statusEvent{agentID, connected})
}

func (f *fakeStatus) published() []statusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusEvent(nil), f.events...)
}

func newSession(agentID uuid.UUID, epoch uint64) *fakeSession {
	return &fakeSession{
		agentID:      agentID,
		connectionID: uuid.New(),
		epoch:        epoch,
		connectedAt:  time.Now(),
	}
}

func TestAttachAndLookup(t *testing.T) {
	pending := &fakePending{}
	status := &fakeStatus{}
	r := New(pending, status, zap.NewNop())

	s := newSession(uuid.New(), 1)
	displaced := r.Attach(s)
	assert.Nil(t, displaced)

	got, ok := r.Lookup(s.agentID)
	require.True(t, ok)
	assert.Equal(t, s, got)
	assert.True(t, r.IsConnected(s.agentID))

	events := status.published()
	require.Len(t, events, 1)
	assert.Equal(t, statusEvent{s.agentID, true}, events[0])
}

func TestAttachDisplacesPreviousSession(t *testing.T) {
	pending := &fakePending{}
	status := &fakeStatus{}
	r := New(pending, status, zap.NewNop())

	agentID := uuid.New()
	old := newSession(agentID, 1)
	r.Attach(old)

	replacement := newSession(agentID, 2)
	displaced := r.Attach(replacement)
	require.Equal(t, old, displaced)

	// The old session's pendings were failed and it was told to close with
	// the superseded code before Attach returned.
	require.Contains(t, pending.failed(), failCall{agentID, 1})
	closed, code, reason := old.shutWith()
	assert.True(t, closed)
	assert.Equal(t, wire.CloseSuperseded, code)
	assert.Equal(t, "superseded", reason)

	// The replacement is the live session.
	got, ok := r.Lookup(agentID)
	require.True(t, ok)
	assert.Equal(t, replacement, got)
}

func TestDetachCurrentSession(t *testing.T) {
	pending := &fakePending{}
	status := &fakeStatus{}
	r := New(pending, status, zap.NewNop())

	s := newSession(uuid.New(), 1)
	r.Attach(s)

	require.True(t, r.Detach(s))
	assert.False(t, r.IsConnected(s.agentID))
	assert.Contains(t, pending.failed(), failCall{s.agentID, 1})

	events := status.published()
	require.Len(t, events, 2)
	assert.Equal(t, statusEvent{s.agentID, false}, events[1])
}

func TestDetachDisplacedSessionIsNoOp(t *testing.T) {
	pending := &fakePending{}
	status := &fakeStatus{}
	r := New(pending, status, zap.NewNop())

	agentID := uuid.New()
	old := newSession(agentID, 1)
	replacement := newSession(agentID, 2)
	r.Attach(old)
	r.Attach(replacement)

	// The displaced session's own teardown must not remove the replacement
	// or publish a down event for an agent that is still connected.
	before := len(status.published())
	require.False(t, r.Detach(old))
	assert.True(t, r.IsConnected(agentID))
	assert.Len(t, status.published(), before)
}

func TestSnapshot(t *testing.T) {
	r := New(&fakePending{}, &fakeStatus{}, zap.NewNop())

	a := newSession(uuid.New(), 1)
	b := newSession(uuid.New(), 1)
	r.Attach(a)
	r.Attach(b)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.ElementsMatch(t, []Session{a, b}, snap)
}

func TestShutdownClosesEverySession(t *testing.T) {
	pending := &fakePending{}
	status := &fakeStatus{}
	r := New(pending, status, zap.NewNop())

	a := newSession(uuid.New(), 1)
	b := newSession(uuid.New(), 4)
	r.Attach(a)
	r.Attach(b)

	r.Shutdown()

	for _, s := range []*fakeSession{a, b} {
		closed, code, reason := s.shutWith()
		assert.True(t, closed)
		assert.Equal(t, wire.CloseShutdown, code)
		assert.Equal(t, "shutdown", reason)
		assert.False(t, r.IsConnected(s.agentID))
	}
	assert.Contains(t, pending.failed(), failCall{a.agentID, 1})
	assert.Contains(t, pending.failed(), failCall{b.agentID, 4})
}
