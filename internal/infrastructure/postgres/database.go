package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	pingTimeout     = 5 * time.Second

	// maxStatementLen caps db.statement span attributes.
	maxStatementLen = 256
)

var (
	dbTracer      = otel.Tracer("finsync/postgres")
	dbMeter       = otel.Meter("finsync/postgres")
	dbOpTime, _   = dbMeter.Float64Histogram("db.client.operation.duration", metric.WithDescription("Statement duration in seconds"), metric.WithUnit("s"))
	stringLit     = regexp.MustCompile(`'(?:[^']|'')*'`)
	numericLit    = regexp.MustCompile(`(^|[^$\w.])\d+(?:\.\d+)?`)
	statementVerb = regexp.MustCompile(`^\s*(\w+)`)
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier is the traced statement surface shared by DB and Tx. Repositories
// that run inside or outside a transaction take a Querier.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *tracedRow
}

// DB is a traced Postgres handle. Statement methods shadow the embedded
// *sql.DB; pool management and PingContext pass through.
type DB struct {
	*sql.DB
}

var (
	_ Querier = (*DB)(nil)
	_ Querier = (*Tx)(nil)
)

func New(connStr string) (*DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{db}, nil
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tracedQuery(ctx, db.DB, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *tracedRow {
	return tracedQueryRow(ctx, db.DB, query, args...)
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tracedExec(ctx, db.DB, query, args...)
}

// statement is one in-flight traced call.
type statement struct {
	span  trace.Span
	verb  string
	start time.Time
}

func begin(ctx context.Context, name, query string) (context.Context, *statement) {
	verb := extractSQLVerb(query)
	ctx, span := dbTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", verb),
			attribute.String("db.statement", sanitizeQuery(query)),
		))
	return ctx, &statement{span: span, verb: verb, start: time.Now()}
}

// end closes the span and records the duration. sql.ErrNoRows is an
// answer, not a failure.
func (s *statement) end(ctx context.Context, err error) {
	failed := err != nil && !errors.Is(err, sql.ErrNoRows)
	if failed {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
	dbOpTime.Record(ctx, time.Since(s.start).Seconds(), metric.WithAttributes(
		attribute.String("db.operation", s.verb),
		attribute.Bool("error", failed),
	))
}

func tracedQuery(ctx context.Context, ex execer, query string, args ...any) (*sql.Rows, error) {
	ctx, st := begin(ctx, "db.Query", query)
	rows, err := ex.QueryContext(ctx, query, args...)
	st.end(ctx, err)
	return rows, err
}

func tracedExec(ctx context.Context, ex execer, query string, args ...any) (sql.Result, error) {
	ctx, st := begin(ctx, "db.Exec", query)
	result, err := ex.ExecContext(ctx, query, args...)
	st.end(ctx, err)
	return result, err
}

// tracedRow keeps the span open until Scan, where sql.Row reports its errors.
type tracedRow struct {
	ctx  context.Context
	row  *sql.Row
	stmt *statement
}

func (r *tracedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if r.stmt != nil {
		r.stmt.end(r.ctx, err)
		r.stmt = nil
	}
	return err
}

func tracedQueryRow(ctx context.Context, ex execer, query string, args ...any) *tracedRow {
	ctx, st := begin(ctx, "db.QueryRow", query)
	return &tracedRow{ctx: ctx, row: ex.QueryRowContext(ctx, query, args...), stmt: st}
}

// sanitizeQuery masks string and numeric literals so values never reach
// traces. $N placeholders and digits inside identifiers are kept.
func sanitizeQuery(q string) string {
	q = stringLit.ReplaceAllString(q, "'?'")
	q = numericLit.ReplaceAllString(q, "${1}?")
	if len(q) > maxStatementLen {
		return q[:maxStatementLen] + "..."
	}
	return q
}

func extractSQLVerb(q string) string {
	m := statementVerb.FindStringSubmatch(q)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}
