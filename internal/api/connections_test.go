package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/custard-io/custard/internal/auth"
	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/repositories"
	"github.com/custard-io/custard/internal/schemacache"
	"github.com/custard-io/custard/internal/statusws"
)

type memConnRepo struct {
	repositories.ConnectionRepository

	mu    sync.Mutex
	conns map[uuid.UUID]*db.Connection
}

func newMemConnRepo() *memConnRepo {
	return &memConnRepo{conns: make(map[uuid.UUID]*db.Connection)}
}

func (r *memConnRepo) Create(_ context.Context, conn *db.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	conn.CreatedAt = time.Now()
	r.conns[conn.ID] = conn
	return nil
}

func (r *memConnRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		return c, nil
	}
	return nil, repositories.ErrNotFound
}

func (r *memConnRepo) ListByOwner(_ context.Context, ownerID uuid.UUID, _ repositories.ListOptions) ([]db.Connection, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Connection
	for _, c := range r.conns {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memConnRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return nil
}

type nopPublisher struct{}

func (nopPublisher) PublishAgentStatus(uuid.UUID, bool) {}

// withIdentity injects an authenticated identity the way Authenticate does.
func withIdentity(userID uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := &auth.Identity{UserID: userID, Email: "t@example.com", Role: "user"}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), contextKeyIdentity, identity)))
		})
	}
}

type connFixture struct {
	router http.Handler
	repo   *memConnRepo
	userID uuid.UUID
}

func newConnFixture(t *testing.T) *connFixture {
	t.Helper()
	logger := zap.NewNop()

	repo := newMemConnRepo()
	corr := correlator.New(logger)
	reg := registry.New(corr, nopPublisher{}, logger)
	schema := schemacache.New(reg, corr, logger)
	hub := statusws.NewHub(statusws.NewRepoResolver(repo), logger)
	handler := NewConnectionHandler(repo, reg, corr, schema, hub, logger)

	userID := uuid.New()
	r := chi.NewRouter()
	r.Use(withIdentity(userID))
	r.Post("/connections", handler.Create)
	r.Get("/connections", handler.List)
	r.Get("/connections/{id}", handler.GetByID)
	r.Delete("/connections/{id}", handler.Delete)
	r.Get("/connections/{id}/schema", handler.GetSchema)

	return &connFixture{router: r, repo: repo, userID: userID}
}

func (f *connFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateConnectionReturnsKeyOnce(t *testing.T) {
	f := newConnFixture(t)

	rec := f.do(t, http.MethodPost, "/connections",
		map[string]string{"name": "prod", "db_type": "postgres"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Data struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			AgentID  string `json:"agent_id"`
			AgentKey string `json:"agent_key"`
			Status   string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "prod", resp.Data.Name)
	assert.Equal(t, "offline", resp.Data.Status)
	assert.True(t, strings.HasPrefix(resp.Data.AgentKey, "ck_"), "key %q", resp.Data.AgentKey)

	// The stored record holds only a bcrypt hash that matches the key.
	connID := uuid.MustParse(resp.Data.ID)
	stored, err := f.repo.GetByID(context.Background(), connID)
	require.NoError(t, err)
	assert.NotContains(t, stored.AgentKeyHash, resp.Data.AgentKey)
	assert.NoError(t, bcrypt.CompareHashAndPassword(
		[]byte(stored.AgentKeyHash), []byte(resp.Data.AgentKey)))

	// And the key never appears in any later read.
	rec = f.do(t, http.MethodGet, "/connections/"+resp.Data.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), resp.Data.AgentKey)
	assert.NotContains(t, rec.Body.String(), "agent_key")
}

func TestCreateConnectionValidation(t *testing.T) {
	f := newConnFixture(t)

	rec := f.do(t, http.MethodPost, "/connections", map[string]string{"db_type": "postgres"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/connections", map[string]string{"name": "x", "db_type": "oracle"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConnectionsIsOwnerScoped(t *testing.T) {
	f := newConnFixture(t)

	foreign := &db.Connection{Name: "other", DBType: "mysql", OwnerID: uuid.New(), AgentID: uuid.New()}
	require.NoError(t, f.repo.Create(context.Background(), foreign))

	rec := f.do(t, http.MethodPost, "/connections",
		map[string]string{"name": "mine", "db_type": "postgres"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/connections", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Items []struct {
				Name string `json:"name"`
			} `json:"items"`
			Total int64 `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Items, 1)
	assert.Equal(t, "mine", resp.Data.Items[0].Name)
}

func TestForeignConnectionReadsAsNotFound(t *testing.T) {
	f := newConnFixture(t)

	foreign := &db.Connection{Name: "other", DBType: "mysql", OwnerID: uuid.New(), AgentID: uuid.New()}
	require.NoError(t, f.repo.Create(context.Background(), foreign))

	rec := f.do(t, http.MethodGet, "/connections/"+foreign.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/connections/"+foreign.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteConnection(t *testing.T) {
	f := newConnFixture(t)

	rec := f.do(t, http.MethodPost, "/connections",
		map[string]string{"name": "gone", "db_type": "postgres"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = f.do(t, http.MethodDelete, "/connections/"+resp.Data.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/connections/"+resp.Data.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSchemaWithoutSnapshotIs404(t *testing.T) {
	f := newConnFixture(t)

	rec := f.do(t, http.MethodPost, "/connections",
		map[string]string{"name": "fresh", "db_type": "postgres"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = f.do(t, http.MethodGet, "/connections/"+resp.Data.ID+"/schema", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
