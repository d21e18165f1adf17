// Package executor runs the SQL side of the connector agent: read-only
// query execution and schema introspection against the customer's
// PostgreSQL database. Database credentials never leave this process; the
// gateway only ever sees SQL in and rows out.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/wire"
)

const (
	// queryTimeout bounds one query execution. Slightly below the
	// gateway's dispatch deadline so the agent answers with a clean error
	// instead of letting the gateway time out.
	queryTimeout = 25 * time.Second

	// maxRows caps one result set. The gateway summarizes results for a
	// human; beyond this truncation loses nothing.
	maxRows = 10000
)

// Executor executes SQL against one PostgreSQL database through a pgx
// pool. Safe for concurrent use.
type Executor struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects the pool and verifies the database is reachable.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Executor, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("executor: parse database url: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("executor: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("executor: database unreachable: %w", err)
	}

	return &Executor{pool: pool, logger: logger.Named("executor")}, nil
}

// Close releases the pool.
func (e *Executor) Close() {
	e.pool.Close()
}

// Query runs one statement in a read-only transaction and converts the
// rows to wire values. The read-only access mode is enforced by the
// database, not by string inspection.
func (e *Executor) Query(ctx context.Context, sqlText string) (columns []string, rows [][]wire.Value, rowCount int, err error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("executor: begin read-only tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Query(ctx, sqlText)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("executor: query: %w", err)
	}
	defer result.Close()

	for _, fd := range result.FieldDescriptions() {
		columns = append(columns, fd.Name)
	}

	for result.Next() && len(rows) < maxRows {
		values, err := result.Values()
		if err != nil {
			return nil, nil, 0, fmt.Errorf("executor: read row: %w", err)
		}
		row := make([]wire.Value, len(values))
		for i, v := range values {
			row[i] = wire.FromAny(v)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, nil, 0, fmt.Errorf("executor: rows: %w", err)
	}

	return columns, rows, len(rows), nil
}

// introspectSQL lists every column of every table in the public schema,
// with a row-count estimate from the planner statistics.
const introspectSQL = `
SELECT
    c.table_name,
    c.column_name,
    c.data_type,
    c.is_nullable = 'YES' AS nullable,
    COALESCE(s.n_live_tup, 0) AS row_estimate
FROM information_schema.columns c
LEFT JOIN pg_stat_user_tables s
    ON s.schemaname = c.table_schema AND s.relname = c.table_name
WHERE c.table_schema = 'public'
ORDER BY c.table_name, c.ordinal_position`

// Schema introspects the database and returns the table list the gateway
// caches.
func (e *Executor) Schema(ctx context.Context) ([]wire.Table, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := e.pool.Query(ctx, introspectSQL)
	if err != nil {
		return nil, fmt.Errorf("executor: introspect: %w", err)
	}
	defer result.Close()

	var tables []wire.Table
	index := make(map[string]int)

	for result.Next() {
		var tableName, columnName, dataType string
		var nullable bool
		var rowEstimate int64
		if err := result.Scan(&tableName, &columnName, &dataType, &nullable, &rowEstimate); err != nil {
			return nil, fmt.Errorf("executor: introspect scan: %w", err)
		}

		i, ok := index[tableName]
		if !ok {
			i = len(tables)
			index[tableName] = i
			tables = append(tables, wire.Table{Name: tableName, RowCountEstimate: rowEstimate})
		}
		tables[i].Columns = append(tables[i].Columns, wire.Column{
			Name:     columnName,
			Type:     dataType,
			Nullable: nullable,
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("executor: introspect rows: %w", err)
	}

	e.logger.Debug("schema introspected", zap.Int("tables", len(tables)))
	return tables, nil
}
