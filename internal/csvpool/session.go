package csvpool

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/wire"

	_ "modernc.org/sqlite"
)

// maxResultRows caps one query's result set. Queries over CSV data are
// exploratory; anything past this is truncated rather than failed.
const maxResultRows = 10000

// session is one loaded CSV: a private in-memory sqlite database holding a
// single table. Queries run concurrently against the shared *sql.DB; the
// pool lock is never held while a query executes.
type session struct {
	fileID    uuid.UUID
	ownerID   uuid.UUID
	table     string
	columns   []wire.Column
	rowCount  int
	footprint int64

	db *sql.DB

	mu   sync.Mutex
	used time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.used = time.Now()
	s.mu.Unlock()
}

func (s *session) lastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *session) close() {
	if s.db != nil {
		s.db.Close()
	}
}

// query executes sqlText and converts the result to wire values.
func (s *session) query(ctx context.Context, sqlText string) ([]string, [][]wire.Value, error) {
	s.touch()

	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, fault.Wrap(fault.CodeInternal, "csv query failed", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fault.Wrap(fault.CodeInternal, "csv query failed", err)
	}

	var out [][]wire.Value
	for rows.Next() && len(out) < maxResultRows {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fault.Wrap(fault.CodeInternal, "csv query failed", err)
		}
		vals := make([]wire.Value, len(cols))
		for i, v := range raw {
			vals[i] = wire.FromAny(v)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fault.Wrap(fault.CodeInternal, "csv query failed", err)
	}
	return cols, out, nil
}

// load fetches, parses, and materialises one CSV into a fresh session.
// Runs without the pool lock.
func (p *Pool) load(ctx context.Context, fileID, ownerID uuid.UUID) (*session, error) {
	src, err := p.opener.OpenFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	// Read one byte past the cap so an exactly-at-cap source is accepted
	// and anything larger is detected without reading it all.
	counted := &countingReader{r: io.LimitReader(src, p.limits.MaxSourceBytes+1)}
	reader := csv.NewReader(counted)
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "csv file is empty or unreadable", err)
	}

	var records [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "csv file is malformed", err)
		}
		records = append(records, rec)
	}
	if counted.n > p.limits.MaxSourceBytes {
		return nil, sourceTooLarge(fileID, p.limits.MaxSourceBytes)
	}

	// The in-memory table is roughly the size of the source text.
	footprint := counted.n
	if footprint > p.limits.MaxSessionBytes {
		return nil, fault.Newf(fault.CodeTooLarge,
			"file %s exceeds the %d byte session limit", fileID, p.limits.MaxSessionBytes)
	}

	names := sanitizeColumns(header)
	kinds := inferColumnKinds(records, len(names))

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("csvpool: open sqlite: %w", err)
	}
	// One connection: a second connection would see a different empty
	// :memory: database.
	db.SetMaxOpenConns(1)

	table := TableName(fileID)
	if err := materialize(ctx, db, table, names, kinds, records); err != nil {
		db.Close()
		return nil, err
	}

	columns := make([]wire.Column, len(names))
	for i, name := range names {
		columns[i] = wire.Column{Name: name, Type: kinds[i], Nullable: true}
	}

	s := &session{
		fileID:    fileID,
		ownerID:   ownerID,
		table:     table,
		columns:   columns,
		rowCount:  len(records),
		footprint: footprint,
		db:        db,
	}
	s.touch()
	return s, nil
}

// materialize creates the table and bulk-inserts the records in one
// transaction.
func materialize(ctx context.Context, db *sql.DB, table string, names, kinds []string, records [][]string) error {
	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TABLE %q (", table)
	for i, name := range names {
		if i > 0 {
			ddl.WriteString(", ")
		}
		fmt.Fprintf(&ddl, "%q %s", name, kinds[i])
	}
	ddl.WriteString(")")

	if _, err := db.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("csvpool: create table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("csvpool: begin load: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO %q VALUES (%s)", table, placeholders))
	if err != nil {
		return fmt.Errorf("csvpool: prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(names))
	for _, rec := range records {
		for i := range names {
			if i >= len(rec) || rec[i] == "" {
				args[i] = nil
				continue
			}
			args[i] = convert(rec[i], kinds[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("csvpool: insert row: %w", err)
		}
	}
	return tx.Commit()
}

// convert coerces a CSV cell to the column's inferred kind. Inference
// already proved every non-empty cell parses, so errors fall back to the
// raw text.
func convert(cell, kind string) any {
	switch kind {
	case "INTEGER":
		if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return n
		}
	case "REAL":
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			return f
		}
	}
	return cell
}

// sanitizeColumns turns CSV header cells into valid, unique, lowercase
// SQL identifiers.
func sanitizeColumns(header []string) []string {
	seen := make(map[string]int, len(header))
	out := make([]string, len(header))
	for i, h := range header {
		name := sanitizeIdent(h)
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[name] = 1
		out[i] = name
	}
	return out
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == ' ', r == '-':
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "c_" + name
	}
	return name
}

// inferColumnKinds picks INTEGER, REAL, or TEXT per column: the narrowest
// kind every non-empty cell parses as. Empty cells are NULL and do not
// influence the kind.
func inferColumnKinds(records [][]string, n int) []string {
	kinds := make([]string, n)
	for col := 0; col < n; col++ {
		isInt, isFloat, any := true, true, false
		for _, rec := range records {
			if col >= len(rec) || rec[col] == "" {
				continue
			}
			any = true
			if isInt {
				if _, err := strconv.ParseInt(rec[col], 10, 64); err != nil {
					isInt = false
				}
			}
			if !isInt && isFloat {
				if _, err := strconv.ParseFloat(rec[col], 64); err != nil {
					isFloat = false
					break
				}
			}
		}
		switch {
		case any && isInt:
			kinds[col] = "INTEGER"
		case any && isFloat:
			kinds[col] = "REAL"
		default:
			kinds[col] = "TEXT"
		}
	}
	return kinds
}

// countingReader counts bytes as they pass through.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
