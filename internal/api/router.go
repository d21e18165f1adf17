package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/agentws"
	"github.com/custard-io/custard/internal/auth"
	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/csvpool"
	"github.com/custard-io/custard/internal/orchestrator"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/repositories"
	"github.com/custard-io/custard/internal/schemacache"
	"github.com/custard-io/custard/internal/statusws"

	"github.com/custard-io/custard/internal/blob"
)

// RouterConfig holds every dependency needed to build the HTTP router. It
// is populated in main.go after all components are initialized and passed
// to NewRouter as one struct to keep the constructor signature manageable.
type RouterConfig struct {
	Verifier   auth.TokenVerifier
	OIDC       *auth.OIDCVerifier
	JWTManager *auth.JWTManager

	Users       repositories.UserRepository
	Connections repositories.ConnectionRepository
	Files       repositories.FileRepository

	Registry     *registry.Registry
	Correlator   *correlator.Correlator
	SchemaCache  *schemacache.Cache
	Orchestrator *orchestrator.Orchestrator
	CSVPool      *csvpool.Pool
	Blob         blob.Store
	Hub          *statusws.Hub

	AgentEndpoint  *agentws.Endpoint
	StatusEndpoint *statusws.Endpoint

	// MaxUploadBytes caps one file upload; zero uses the CSV pool default.
	MaxUploadBytes int64

	Logger *zap.Logger
}

// NewRouter builds and returns the fully configured chi router. REST
// resources live under /api/v1; the agent WebSocket, health, and metrics
// endpoints sit at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	connectionHandler := NewConnectionHandler(cfg.Connections, cfg.Registry, cfg.Correlator, cfg.SchemaCache, cfg.Hub, cfg.Logger)
	fileHandler := NewFileHandler(cfg.Files, cfg.Blob, cfg.CSVPool, cfg.MaxUploadBytes, cfg.Logger)
	queryHandler := NewQueryHandler(cfg.Orchestrator, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.OIDC, cfg.JWTManager, cfg.CSVPool, cfg.Logger)

	// Agent transport. Agents authenticate inside the WebSocket handshake,
	// not with a bearer token.
	r.Get("/agent/ws", cfg.AgentEndpoint.ServeAgent)

	// Operational endpoints.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// Public routes.
		r.Group(func(r chi.Router) {
			r.Post("/auth/exchange", userHandler.Exchange)

			// Signed blob downloads authenticate via the signature.
			r.Get("/files/blob/{key}", fileHandler.ServeBlob)
		})

		// Authenticated routes.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Verifier))

			r.Post("/auth/logout", userHandler.Logout)
			r.Get("/users/me", userHandler.GetMe)

			// Connections
			r.Get("/connections", connectionHandler.List)
			r.Post("/connections", connectionHandler.Create)
			r.Get("/connections/{id}", connectionHandler.GetByID)
			r.Delete("/connections/{id}", connectionHandler.Delete)
			r.Get("/connections/{id}/schema", connectionHandler.GetSchema)
			r.Post("/connections/{id}/schema/refresh", connectionHandler.RefreshSchema)

			// Files
			r.Get("/files", fileHandler.List)
			r.Post("/files", fileHandler.Upload)
			r.Get("/files/{id}/url", fileHandler.SignedURL)
			r.Delete("/files/{id}", fileHandler.Delete)

			// Queries
			r.Post("/query", queryHandler.Ask)

			// Status subscription. The identity travels into the endpoint
			// explicitly; everything after the upgrade happens outside the
			// middleware chain.
			r.Get("/status/ws", func(w http.ResponseWriter, req *http.Request) {
				identity := identityFromCtx(req.Context())
				cfg.StatusEndpoint.ServeSubscriber(w, req, identity.UserID)
			})
		})
	})

	return r
}
