package agentws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/repositories"
	"github.com/custard-io/custard/internal/wire"
)

const testAgentKey = "ck_test-key-for-handshake"

type fakeConnRepo struct {
	repositories.ConnectionRepository

	mu       sync.Mutex
	byAgent  map[uuid.UUID]*db.Connection
	statuses []string
}

func (r *fakeConnRepo) GetByAgentID(_ context.Context, agentID uuid.UUID) (*db.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byAgent[agentID]; ok {
		return c, nil
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeConnRepo) UpdateStatus(_ context.Context, _ uuid.UUID, status string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeConnRepo) statusHistory() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

type nopStatus struct{}

func (nopStatus) PublishAgentStatus(uuid.UUID, bool) {}

type harness struct {
	server   *httptest.Server
	endpoint *Endpoint
	registry *registry.Registry
	corr     *correlator.Correlator
	repo     *fakeConnRepo
	agentID  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAgentKey), bcrypt.MinCost)
	require.NoError(t, err)

	agentID := uuid.New()
	conn := &db.Connection{DBType: "postgres", AgentID: agentID, AgentKeyHash: string(hash)}
	conn.ID = uuid.New()

	repo := &fakeConnRepo{byAgent: map[uuid.UUID]*db.Connection{agentID: conn}}
	corr := correlator.New(logger)
	reg := registry.New(corr, nopStatus{}, logger)
	endpoint := NewEndpoint(reg, corr, repo, nil, logger)

	server := httptest.NewServer(http.HandlerFunc(endpoint.ServeAgent))
	t.Cleanup(server.Close)

	return &harness{
		server:   server,
		endpoint: endpoint,
		registry: reg,
		corr:     corr,
		repo:     repo,
		agentID:  agentID,
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// handshake performs the hello exchange and asserts hello_ok.
func (h *harness) handshake(t *testing.T, conn *websocket.Conn, key string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(wire.Frame{
		Kind:     wire.KindHello,
		AgentID:  h.agentID.String(),
		AgentKey: key,
	}))
	var reply wire.Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, wire.KindHelloOK, reply.Kind)
}

func TestHandshakeAndDispatchRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	h.handshake(t, conn, testAgentKey)

	require.Eventually(t, func() bool { return h.registry.IsConnected(h.agentID) },
		2*time.Second, 5*time.Millisecond)

	sess, ok := h.registry.Lookup(h.agentID)
	require.True(t, ok)

	// Fake agent: answer the first query frame.
	go func() {
		var req wire.Frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(wire.Frame{
			Kind:      wire.KindQueryResponse,
			RequestID: req.RequestID,
			Columns:   []string{"n"},
			Rows:      [][]wire.Value{{wire.Int(1)}},
			RowCount:  1,
		})
	}()

	reply, err := h.corr.Dispatch(context.Background(), sess,
		wire.Frame{Kind: wire.KindQueryRequest, SQL: "SELECT 1"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, reply.RowCount)
	assert.Equal(t, []string{"n"}, reply.Columns)
}

func TestHandshakeBadKeyClosesUnauthorized(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(wire.Frame{
		Kind:     wire.KindHello,
		AgentID:  h.agentID.String(),
		AgentKey: "ck_wrong",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, wire.CloseUnauthorized), "got %v", err)
	assert.False(t, h.registry.IsConnected(h.agentID))
}

func TestHandshakeUnknownAgentClosesIdentically(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(wire.Frame{
		Kind:     wire.KindHello,
		AgentID:  uuid.NewString(),
		AgentKey: testAgentKey,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, wire.CloseUnauthorized), "got %v", err)
}

func TestReconnectDisplacesOldSession(t *testing.T) {
	h := newHarness(t)

	first := h.dial(t)
	h.handshake(t, first, testAgentKey)
	require.Eventually(t, func() bool { return h.registry.IsConnected(h.agentID) },
		2*time.Second, 5*time.Millisecond)
	firstSess, _ := h.registry.Lookup(h.agentID)

	second := h.dial(t)
	h.handshake(t, second, testAgentKey)

	// The new session takes over with a higher epoch; the old one gets the
	// superseded close code.
	require.Eventually(t, func() bool {
		s, ok := h.registry.Lookup(h.agentID)
		return ok && s.Epoch() > firstSess.Epoch()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, wire.CloseSuperseded), "got %v", err)

	// The displaced session's teardown must not flip the agent offline.
	require.Eventually(t, func() bool {
		hist := h.repo.statusHistory()
		return len(hist) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.registry.IsConnected(h.agentID))
	for _, s := range h.repo.statusHistory() {
		assert.Equal(t, "online", s)
	}
}

func TestDisconnectFailsPendingDispatch(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	h.handshake(t, conn, testAgentKey)

	require.Eventually(t, func() bool { return h.registry.IsConnected(h.agentID) },
		2*time.Second, 5*time.Millisecond)
	sess, _ := h.registry.Lookup(h.agentID)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.corr.Dispatch(context.Background(), sess,
			wire.Frame{Kind: wire.KindQueryRequest, SQL: "SELECT pg_sleep(60)"}, 30*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.corr.Pending() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The agent drops mid-flight. The pending dispatch must fail promptly,
	// not wait out its 30s deadline.
	conn.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not fail after the session dropped")
	}
	require.Eventually(t, func() bool { return !h.registry.IsConnected(h.agentID) },
		2*time.Second, 5*time.Millisecond)
}

func TestStopAcceptingRefusesUpgrade(t *testing.T) {
	h := newHarness(t)
	h.endpoint.StopAccepting()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
