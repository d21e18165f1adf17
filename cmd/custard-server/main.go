package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/custard-io/custard/internal/agentws"
	"github.com/custard-io/custard/internal/analytic"
	"github.com/custard-io/custard/internal/api"
	"github.com/custard-io/custard/internal/auth"
	"github.com/custard-io/custard/internal/blob"
	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/csvpool"
	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/llm"
	"github.com/custard-io/custard/internal/orchestrator"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/repositories"
	"github.com/custard-io/custard/internal/scheduler"
	"github.com/custard-io/custard/internal/schemacache"
	"github.com/custard-io/custard/internal/statusws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr string
	logLevel string

	dbDriver string
	dbDSN    string

	llmBaseURL string
	llmAPIKey  string
	llmModel   string

	oidcIssuer   string
	oidcClientID string

	jwtIssuer     string
	jwtPrivateKey string
	jwtPublicKey  string

	blobRoot       string
	blobPublicBase string
	blobSigningKey string

	allowedOrigins string

	csvMaxSourceMB  int64
	csvMaxSessionMB int64
	csvMaxPoolMB    int64
	csvIdleMinutes  int64

	schemaRefreshOnConnect bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "custard-server",
		Short: "Custard gateway — natural-language query gateway for customer databases",
		Long: `Custard server is the gateway between users asking questions in natural
language and the connector agents that hold the actual database
credentials. It exposes a REST API and status WebSocket for the UI, and
a WebSocket endpoint that agents dial out to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CUSTARD_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CUSTARD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CUSTARD_DB_DRIVER", "sqlite"), "Application database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CUSTARD_DB_DSN", "./custard.db"), "Application database DSN or file path for SQLite")

	root.PersistentFlags().StringVar(&cfg.llmBaseURL, "llm-base-url", envOrDefault("CUSTARD_LLM_BASE_URL", "https://api.openai.com/v1"), "OpenAI-compatible API root")
	root.PersistentFlags().StringVar(&cfg.llmAPIKey, "llm-api-key", envOrDefault("CUSTARD_LLM_API_KEY", ""), "LLM API key (required)")
	root.PersistentFlags().StringVar(&cfg.llmModel, "llm-model", envOrDefault("CUSTARD_LLM_MODEL", "gpt-4o-mini"), "LLM model identifier")

	root.PersistentFlags().StringVar(&cfg.oidcIssuer, "oidc-issuer", envOrDefault("CUSTARD_OIDC_ISSUER", ""), "OIDC issuer URL for login token exchange (required)")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", envOrDefault("CUSTARD_OIDC_CLIENT_ID", ""), "OIDC client ID (required)")

	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("CUSTARD_JWT_ISSUER", "custard"), "Issuer claim for gateway access tokens")
	root.PersistentFlags().StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("CUSTARD_JWT_PRIVATE_KEY", ""), "Path to RSA private key PEM; empty generates an ephemeral key pair")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("CUSTARD_JWT_PUBLIC_KEY", ""), "Path to RSA public key PEM")

	root.PersistentFlags().StringVar(&cfg.blobRoot, "blob-root", envOrDefault("CUSTARD_BLOB_ROOT", "./data/blobs"), "Directory for uploaded file blobs")
	root.PersistentFlags().StringVar(&cfg.blobPublicBase, "blob-public-base", envOrDefault("CUSTARD_BLOB_PUBLIC_BASE", "http://localhost:8080"), "Public base URL used in signed download links")
	root.PersistentFlags().StringVar(&cfg.blobSigningKey, "blob-signing-key", envOrDefault("CUSTARD_BLOB_SIGNING_KEY", ""), "HMAC key for signed download URLs; empty generates one per process")

	root.PersistentFlags().StringVar(&cfg.allowedOrigins, "allowed-origins", envOrDefault("CUSTARD_ALLOWED_ORIGINS", "http://localhost:3000"), "Comma-separated browser origins allowed on the status WebSocket")

	root.PersistentFlags().Int64Var(&cfg.csvMaxSourceMB, "csv-max-source-mb", envInt64OrDefault("CUSTARD_CSV_MAX_SOURCE_MB", 50), "Largest accepted CSV upload in MiB")
	root.PersistentFlags().Int64Var(&cfg.csvMaxSessionMB, "csv-max-session-mb", envInt64OrDefault("CUSTARD_CSV_MAX_SESSION_MB", 128), "Largest single in-memory CSV session in MiB")
	root.PersistentFlags().Int64Var(&cfg.csvMaxPoolMB, "csv-max-pool-mb", envInt64OrDefault("CUSTARD_CSV_MAX_POOL_MB", 512), "Aggregate in-memory CSV session budget in MiB")
	root.PersistentFlags().Int64Var(&cfg.csvIdleMinutes, "csv-idle-minutes", envInt64OrDefault("CUSTARD_CSV_IDLE_MINUTES", 30), "Idle minutes before a CSV session is evicted")

	root.PersistentFlags().BoolVar(&cfg.schemaRefreshOnConnect, "schema-refresh-on-connect", envBoolOrDefault("CUSTARD_SCHEMA_REFRESH_ON_CONNECT", true), "Refresh an agent's schema snapshot in the background after it connects")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("custard-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.llmAPIKey == "" {
		return fmt.Errorf("LLM API key is required — set --llm-api-key or CUSTARD_LLM_API_KEY")
	}
	if cfg.oidcIssuer == "" || cfg.oidcClientID == "" {
		return fmt.Errorf("OIDC issuer and client ID are required — set --oidc-issuer and --oidc-client-id")
	}

	logger.Info("starting custard server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Application database with embedded migrations.
	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return err
	}

	users := repositories.NewUserRepository(database)
	connections := repositories.NewConnectionRepository(database)
	files := repositories.NewFileRepository(database)

	// Startup reachability checks. Every external dependency must answer
	// before the gateway accepts traffic; a misconfigured key or URL fails
	// here, not on the first user request.
	checkCtx, checkCancel := context.WithTimeout(ctx, 30*time.Second)
	defer checkCancel()

	if err := db.Ping(checkCtx, database); err != nil {
		return fmt.Errorf("startup check: %w", err)
	}

	llmClient, err := llm.NewOpenAIClient(llm.Config{
		BaseURL: cfg.llmBaseURL,
		APIKey:  cfg.llmAPIKey,
		Model:   cfg.llmModel,
	}, logger)
	if err != nil {
		return err
	}
	if err := llmClient.Ping(checkCtx); err != nil {
		return fmt.Errorf("startup check: %w", err)
	}

	blobStore, err := blob.NewLocalStore(cfg.blobRoot, cfg.blobPublicBase, []byte(cfg.blobSigningKey), logger)
	if err != nil {
		return err
	}
	if err := blobStore.Ping(checkCtx); err != nil {
		return fmt.Errorf("startup check: %w", err)
	}

	// OIDC discovery doubles as the issuer reachability check.
	oidcVerifier, err := auth.NewOIDCVerifier(checkCtx, cfg.oidcIssuer, cfg.oidcClientID, users, logger)
	if err != nil {
		return fmt.Errorf("startup check: %w", err)
	}

	var jwtManager *auth.JWTManager
	if cfg.jwtPrivateKey != "" && cfg.jwtPublicKey != "" {
		jwtManager, err = auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
	} else {
		logger.Warn("no JWT key pair configured, generating an ephemeral one; access tokens will not survive a restart")
		jwtManager, err = auth.NewJWTManagerGenerated(cfg.jwtIssuer)
	}
	if err != nil {
		return err
	}

	// Core components. The correlator owns pending requests, the registry
	// owns live sessions, the hub fans status out to subscribers.
	resolver := statusws.NewRepoResolver(connections)
	hub := statusws.NewHub(resolver, logger)
	corr := correlator.New(logger)
	reg := registry.New(corr, hub, logger)
	schemaCache := schemacache.New(reg, corr, logger)

	limits := csvpool.Limits{
		MaxSourceBytes:  cfg.csvMaxSourceMB << 20,
		MaxSessionBytes: cfg.csvMaxSessionMB << 20,
		MaxPoolBytes:    cfg.csvMaxPoolMB << 20,
		IdleTTL:         time.Duration(cfg.csvIdleMinutes) * time.Minute,
	}
	opener := csvpool.NewBlobOpener(files, blobStore)
	pool := csvpool.New(opener, limits, logger)
	profiler := analytic.NewEngine(opener, logger)

	orch := orchestrator.New(connections, files, schemaCache, reg, corr, pool, profiler, llmClient, orchestrator.Config{}, logger)

	var refresher agentws.SchemaRefresher
	if cfg.schemaRefreshOnConnect {
		refresher = schemaCache
	}
	agentEndpoint := agentws.NewEndpoint(reg, corr, connections, refresher, logger)
	originPolicy := statusws.NewOriginPolicy(splitOrigins(cfg.allowedOrigins))
	statusEndpoint := statusws.NewEndpoint(hub, originPolicy, reg, resolver, logger)

	sched, err := scheduler.New(pool, reg, connections, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	router := api.NewRouter(api.RouterConfig{
		Verifier:       jwtManager,
		OIDC:           oidcVerifier,
		JWTManager:     jwtManager,
		Users:          users,
		Connections:    connections,
		Files:          files,
		Registry:       reg,
		Correlator:     corr,
		SchemaCache:    schemaCache,
		Orchestrator:   orch,
		CSVPool:        pool,
		Blob:           blobStore,
		Hub:            hub,
		AgentEndpoint:  agentEndpoint,
		StatusEndpoint: statusEndpoint,
		MaxUploadBytes: limits.MaxSourceBytes,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		hubCancel()
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down custard server")

	// Shutdown order matters: stop admitting agents, drain HTTP, close
	// sessions (which fails their pendings), fail any stragglers, then stop
	// the fan-out and background machinery.
	agentEndpoint.StopAccepting()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not drain cleanly", zap.Error(err))
	}

	reg.Shutdown()
	corr.Shutdown()
	hubCancel()
	pool.Shutdown()
	sched.Stop()

	logger.Info("shutdown complete")
	return nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt64OrDefault(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
