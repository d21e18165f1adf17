// Package orchestrator turns a user question into an answer. It routes the
// question to a backend (agent SQL, in-memory SQL over a cached CSV, or
// the analytic CSV engine), drives the LLM for SQL generation and answer
// writing, and shapes the result for the API layer.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/analytic"
	"github.com/custard-io/custard/internal/correlator"
	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/llm"
	"github.com/custard-io/custard/internal/metrics"
	"github.com/custard-io/custard/internal/registry"
	"github.com/custard-io/custard/internal/repositories"
	"github.com/custard-io/custard/internal/schemacache"
	"github.com/custard-io/custard/internal/wire"
)

// Route names. These are the values accepted in a request's explicit
// data_source field and returned by the classifier.
const (
	RouteAgentSQL    = "agent_sql"
	RouteCSVSQL      = "csv_sql"
	RouteCSVAnalytic = "csv_analytic"

	// routeCSVSQLAlias is the long spelling some clients send for the CSV
	// SQL route; normalised to RouteCSVSQL on input, never emitted.
	routeCSVSQLAlias = "csv_to_sql_converter"
)

// Request is one user question plus its routing inputs. At most one of
// ConnectionID and FileID may be set.
type Request struct {
	UserID       uuid.UUID
	Question     string
	ConnectionID *uuid.UUID
	FileID       *uuid.UUID
	Preference   string // "", "sql", or "analytic"
	DataSource   string // explicit route override; empty means "decide"
}

// Result is the answer returned to the UI.
type Result struct {
	Answer   string         `json:"answer"`
	SQL      string         `json:"sql,omitempty"`
	Columns  []string       `json:"columns,omitempty"`
	Rows     [][]wire.Value `json:"rows,omitempty"`
	RowCount int            `json:"row_count"`

	// Routing echoes the classifier's verdict when it was consulted, for
	// UI transparency. Nil when the route was determined without it.
	Routing *llm.Routing `json:"routing,omitempty"`
}

// queryState names the phases one query moves through. Used for logging
// only; a query is driven by one goroutine start to finish.
type queryState string

const (
	stateRouted           queryState = "ROUTED"
	stateSchemaRefreshing queryState = "SCHEMA_REFRESHING"
	stateLLMGenerating    queryState = "LLM_GENERATING"
	stateDispatched       queryState = "DISPATCHED"
	stateSummarizing      queryState = "LLM_SUMMARIZING"
)

// SchemaSource is the schema cache surface the orchestrator needs.
type SchemaSource interface {
	Get(connectionID uuid.UUID) (schemacache.Snapshot, bool)
	Refresh(ctx context.Context, connectionID, agentID uuid.UUID, timeout time.Duration) (schemacache.Snapshot, error)
}

// SessionLookup resolves an agent's live session. Satisfied by the
// registry.
type SessionLookup interface {
	Lookup(agentID uuid.UUID) (registry.Session, bool)
}

// Dispatcher performs one request/reply round-trip to an agent session.
// Satisfied by the correlator.
type Dispatcher interface {
	Dispatch(ctx context.Context, sess correlator.Session, frame wire.Frame, timeout time.Duration) (wire.Frame, error)
}

// CSVPool is the session-pool surface the csv_sql route needs.
type CSVPool interface {
	Describe(ctx context.Context, fileID, ownerID uuid.UUID) (table string, columns []wire.Column, err error)
	Query(ctx context.Context, fileID, ownerID uuid.UUID, sqlText string) (columns []string, rows [][]wire.Value, err error)
}

// Profiler is the analytic-engine surface the csv_analytic route needs.
type Profiler interface {
	Profile(ctx context.Context, fileID uuid.UUID) (analytic.Profile, error)
}

// Config carries the orchestrator's tunables.
type Config struct {
	// DispatchTimeout bounds one agent round-trip. Zero means the
	// correlator default.
	DispatchTimeout time.Duration

	// LLMTimeout bounds each individual LLM call. Zero means the LLM
	// client default.
	LLMTimeout time.Duration
}

// Orchestrator executes queries. Safe for concurrent use; each query runs
// entirely on the calling goroutine apart from the agent round-trip.
type Orchestrator struct {
	connections repositories.ConnectionRepository
	files       repositories.FileRepository
	schema      SchemaSource
	sessions    SessionLookup
	dispatcher  Dispatcher
	pool        CSVPool
	profiler    Profiler
	llm         llm.Client
	cfg         Config
	logger      *zap.Logger
}

// New creates an Orchestrator.
func New(
	connections repositories.ConnectionRepository,
	files repositories.FileRepository,
	schema SchemaSource,
	sessions SessionLookup,
	dispatcher Dispatcher,
	pool CSVPool,
	profiler Profiler,
	client llm.Client,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = correlator.DefaultTimeout
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = llm.DefaultTimeout
	}
	return &Orchestrator{
		connections: connections,
		files:       files,
		schema:      schema,
		sessions:    sessions,
		dispatcher:  dispatcher,
		pool:        pool,
		profiler:    profiler,
		llm:         client,
		cfg:         cfg,
		logger:      logger.Named("orchestrator"),
	}
}

// Execute runs one query end to end. Every failure is a *fault.Error with
// a stable code; the API layer maps it to HTTP.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	route, routing, err := o.route(ctx, req)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("unrouted", "failed").Inc()
		return Result{}, err
	}

	log := o.logger.With(
		zap.String("user_id", req.UserID.String()),
		zap.String("route", route),
	)
	log.Debug("query state", zap.String("state", string(stateRouted)))

	start := time.Now()
	var res Result
	switch route {
	case RouteAgentSQL:
		res, err = o.runAgentSQL(ctx, req, log)
	case RouteCSVSQL:
		res, err = o.runCSVSQL(ctx, req, log)
	case RouteCSVAnalytic:
		res, err = o.runCSVAnalytic(ctx, req, log)
	default:
		err = fault.Newf(fault.CodeNoDataSource, "unknown data source %q", route)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(fault.CodeOf(err))
	}
	metrics.QueriesTotal.WithLabelValues(route, outcome).Inc()

	if err != nil {
		log.Warn("query failed",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return Result{}, err
	}

	res.Routing = routing
	log.Info("query done",
		zap.Duration("duration", time.Since(start)),
		zap.Int("row_count", res.RowCount),
	)
	return res, nil
}

// route applies the decision table in order; first match wins. The LLM
// classifier is consulted only when a file is given with no preference.
func (o *Orchestrator) route(ctx context.Context, req Request) (string, *llm.Routing, error) {
	if req.ConnectionID != nil && req.FileID != nil {
		return "", nil, fault.New(fault.CodeNoDataSource, "connection_id and file_id are mutually exclusive")
	}

	if req.DataSource != "" {
		switch req.DataSource {
		case RouteAgentSQL, RouteCSVSQL, RouteCSVAnalytic:
			return req.DataSource, nil, nil
		case routeCSVSQLAlias:
			return RouteCSVSQL, nil, nil
		default:
			return "", nil, fault.Newf(fault.CodeNoDataSource, "unknown data source %q", req.DataSource)
		}
	}
	if req.ConnectionID != nil {
		return RouteAgentSQL, nil, nil
	}
	if req.FileID != nil {
		switch req.Preference {
		case "sql":
			return RouteCSVSQL, nil, nil
		case "analytic":
			return RouteCSVAnalytic, nil, nil
		case "":
			routing, err := o.classify(ctx, req.Question)
			if err != nil {
				return "", nil, err
			}
			return routing.Service, &routing, nil
		default:
			return "", nil, fault.Newf(fault.CodeNoDataSource, "unknown preference %q", req.Preference)
		}
	}
	return "", nil, fault.New(fault.CodeNoDataSource, "no connection_id or file_id given")
}

func (o *Orchestrator) classify(ctx context.Context, question string) (llm.Routing, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	return o.llm.ClassifyDataSource(ctx, question, []string{RouteCSVSQL, RouteCSVAnalytic})
}

// runAgentSQL is the connection-backed route: ensure schema, generate SQL,
// dispatch to the agent, summarize.
func (o *Orchestrator) runAgentSQL(ctx context.Context, req Request, log *zap.Logger) (Result, error) {
	if req.ConnectionID == nil {
		return Result{}, fault.New(fault.CodeNoDataSource, "agent_sql requires a connection_id")
	}

	conn, err := o.ownedConnection(ctx, *req.ConnectionID, req.UserID)
	if err != nil {
		return Result{}, err
	}
	agentID := conn.AgentID

	snap, ok := o.schema.Get(conn.ID)
	if !ok {
		log.Debug("query state", zap.String("state", string(stateSchemaRefreshing)))
		snap, err = o.schema.Refresh(ctx, conn.ID, agentID, o.cfg.DispatchTimeout)
		if err != nil {
			return Result{}, err
		}
	}

	log.Debug("query state", zap.String("state", string(stateLLMGenerating)))
	sqlText, err := o.generateSQL(ctx, req.Question, snap.Tables, dialectOf(conn.DBType))
	if err != nil {
		return Result{}, err
	}
	if err := checkSQL(sqlText); err != nil {
		return Result{}, err
	}

	sess, ok := o.sessions.Lookup(agentID)
	if !ok {
		return Result{}, fault.Newf(fault.CodeAgentUnreachable, "agent %s is not connected", agentID)
	}

	log.Debug("query state", zap.String("state", string(stateDispatched)))
	reply, err := o.dispatcher.Dispatch(ctx, sess,
		wire.Frame{Kind: wire.KindQueryRequest, SQL: sqlText}, o.cfg.DispatchTimeout)
	if err != nil {
		return Result{}, err
	}

	log.Debug("query state", zap.String("state", string(stateSummarizing)))
	answer, err := o.summarize(ctx, req.Question, sqlText, reply.Columns, reply.Rows)
	if err != nil {
		return Result{}, err
	}

	rowCount := reply.RowCount
	if rowCount == 0 {
		rowCount = len(reply.Rows)
	}
	return Result{
		Answer:   answer,
		SQL:      sqlText,
		Columns:  reply.Columns,
		Rows:     reply.Rows,
		RowCount: rowCount,
	}, nil
}

// runCSVSQL is the in-memory route: admit the file into the pool, tell the
// LLM the bound table name, run locally, summarize.
func (o *Orchestrator) runCSVSQL(ctx context.Context, req Request, log *zap.Logger) (Result, error) {
	if req.FileID == nil {
		return Result{}, fault.New(fault.CodeNoDataSource, "csv_sql requires a file_id")
	}
	if _, err := o.ownedFile(ctx, *req.FileID, req.UserID); err != nil {
		return Result{}, err
	}

	table, columns, err := o.pool.Describe(ctx, *req.FileID, req.UserID)
	if err != nil {
		return Result{}, err
	}

	log.Debug("query state", zap.String("state", string(stateLLMGenerating)))
	sqlText, err := o.generateSQL(ctx, req.Question,
		[]wire.Table{{Name: table, Columns: columns}}, "sqlite")
	if err != nil {
		return Result{}, err
	}
	if err := checkSQL(sqlText); err != nil {
		return Result{}, err
	}

	cols, rows, err := o.pool.Query(ctx, *req.FileID, req.UserID, sqlText)
	if err != nil {
		return Result{}, err
	}

	log.Debug("query state", zap.String("state", string(stateSummarizing)))
	answer, err := o.summarize(ctx, req.Question, sqlText, cols, rows)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Answer:   answer,
		SQL:      sqlText,
		Columns:  cols,
		Rows:     rows,
		RowCount: len(rows),
	}, nil
}

// runCSVAnalytic profiles the file and has the LLM write the answer from
// the statistics.
func (o *Orchestrator) runCSVAnalytic(ctx context.Context, req Request, log *zap.Logger) (Result, error) {
	if req.FileID == nil {
		return Result{}, fault.New(fault.CodeNoDataSource, "csv_analytic requires a file_id")
	}
	if _, err := o.ownedFile(ctx, *req.FileID, req.UserID); err != nil {
		return Result{}, err
	}

	profile, err := o.profiler.Profile(ctx, *req.FileID)
	if err != nil {
		return Result{}, err
	}

	log.Debug("query state", zap.String("state", string(stateSummarizing)))
	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	answer, err := o.llm.Summarize(llmCtx, req.Question, "", profile.Render())
	if err != nil {
		return Result{}, err
	}

	return Result{Answer: answer, RowCount: profile.RowCount}, nil
}

func (o *Orchestrator) generateSQL(ctx context.Context, question string, tables []wire.Table, dialect string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	return o.llm.GenerateSQL(ctx, question, tables, dialect)
}

func (o *Orchestrator) summarize(ctx context.Context, question, sqlText string, cols []string, rows [][]wire.Value) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	return o.llm.Summarize(ctx, question, sqlText, renderTable(cols, rows))
}

// ownedConnection loads a connection and enforces ownership. A foreign
// connection reads as not found so connection IDs cannot be probed.
func (o *Orchestrator) ownedConnection(ctx context.Context, id, userID uuid.UUID) (*db.Connection, error) {
	conn, err := o.connections.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fault.Newf(fault.CodeNotFound, "connection %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "connection lookup failed", err)
	}
	if conn.OwnerID != userID {
		return nil, fault.Newf(fault.CodeNotFound, "connection %s not found", id)
	}
	return conn, nil
}

// ownedFile loads a file record and enforces ownership.
func (o *Orchestrator) ownedFile(ctx context.Context, id, userID uuid.UUID) (*db.UploadedFile, error) {
	file, err := o.files.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fault.Newf(fault.CodeNotFound, "file %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "file lookup failed", err)
	}
	if file.OwnerID != userID {
		return nil, fault.Newf(fault.CodeNotFound, "file %s not found", id)
	}
	return file, nil
}

// dialectOf maps the connection's database-kind tag to the dialect name
// used in the SQL prompt.
func dialectOf(dbType string) string {
	switch dbType {
	case "postgres", "postgresql":
		return "postgresql"
	case "mysql", "mariadb":
		return "mysql"
	case "sqlserver":
		return "transact-sql"
	case "snowflake":
		return "snowflake"
	default:
		return "ansi sql"
	}
}
