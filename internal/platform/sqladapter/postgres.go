package sqladapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter/schema"
)

type postgresAdapter struct {
	pool *pgxpool.Pool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // in-process fast path; pg_advisory_lock serialises across processes
}

func newPostgresAdapter(ctx context.Context, connStr string) (Adapter, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("sqladapter: parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sqladapter: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqladapter: ping postgres: %w", err)
	}
	return &postgresAdapter{pool: pool, locks: make(map[string]*sync.Mutex)}, nil
}

func (a *postgresAdapter) Backend() Backend { return BackendPostgres }

func (a *postgresAdapter) Bootstrap(ctx context.Context, clear bool) error {
	ddl, err := schema.DDLFor(string(BackendPostgres))
	if err != nil {
		return err
	}
	if clear {
		if err := a.clearAll(ctx); err != nil {
			return fmt.Errorf("sqladapter: clear on startup: %w", err)
		}
	}
	for _, stmt := range schema.SplitStatements(ddl) {
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("sqladapter: bootstrap ddl: %w", err)
		}
	}
	return seedCatalog(ctx, a, clear)
}

// clearAll truncates every table this server owns, cascading through
// REFERENCES/history/custom-extension rows in one statement.
func (a *postgresAdapter) clearAll(ctx context.Context) error {
	tables := append(append([]string{}, knownResourceTables...), sideTables...)
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = `"` + t + `"`
	}
	_, err := a.pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(quoted, ", ")+" CASCADE")
	return err
}

func (a *postgresAdapter) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("sqladapter: introspect columns of %s: %w", table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (a *postgresAdapter) Exec(ctx context.Context, sql string) (int64, error) {
	tag, err := a.pool.Exec(ctx, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (a *postgresAdapter) ExecParams(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := a.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (a *postgresAdapter) QueryRows(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgxRows(rows)
}

func scanPgxRows(rows pgx.Rows) ([]Row, error) {
	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			row[strings.ToLower(string(f.Name))] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *postgresAdapter) QueryScalar(ctx context.Context, sql string, args ...any) (any, error) {
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals[0], rows.Err()
}

func (a *postgresAdapter) FormatBinaryLiteral(b []byte) string {
	return `decode('` + fmt.Sprintf("%x", b) + `', 'hex')`
}

// Lock acquires a session-level advisory lock keyed by the hash of key,
// serialising writers across every server process talking to this
// database, plus an in-process mutex so two goroutines inside the same
// process don't both win the advisory lock call on the same pooled
// connection concurrently and stall.
func (a *postgresAdapter) Lock(ctx context.Context, key string) (func(), error) {
	a.locksMu.Lock()
	mu, ok := a.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		a.locks[key] = mu
	}
	a.locksMu.Unlock()
	mu.Lock()

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("sqladapter: acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtextextended($1, 0))", key); err != nil {
		conn.Release()
		mu.Unlock()
		return nil, fmt.Errorf("sqladapter: advisory lock: %w", err)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtextextended($1, 0))", key)
		conn.Release()
		mu.Unlock()
	}
	return release, nil
}

func (a *postgresAdapter) Close() { a.pool.Close() }
