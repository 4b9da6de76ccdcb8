package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter/schema"
)

// embeddedAdapter wraps the embedded, file-backed SQL engine behind
// the "h2" backend name, served by modernc.org/sqlite.
type embeddedAdapter struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func newEmbeddedAdapter(ctx context.Context, dataFile string) (Adapter, error) {
	db, err := sql.Open("sqlite", dataFile)
	if err != nil {
		return nil, fmt.Errorf("sqladapter: open embedded db %s: %w", dataFile, err)
	}
	// The embedded backend is a single file; serialise all access through
	// one connection so writers never race the file lock underneath us.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqladapter: ping embedded db: %w", err)
	}
	return &embeddedAdapter{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (a *embeddedAdapter) Backend() Backend { return BackendEmbedded }

func (a *embeddedAdapter) Bootstrap(ctx context.Context, clear bool) error {
	ddl, err := schema.DDLFor(string(BackendEmbedded))
	if err != nil {
		return err
	}
	if clear {
		if err := a.clearAll(ctx); err != nil {
			return fmt.Errorf("sqladapter: clear on startup: %w", err)
		}
	}
	for _, stmt := range schema.SplitStatements(ddl) {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqladapter: bootstrap ddl: %w", err)
		}
	}
	return seedCatalog(ctx, a, clear)
}

// clearAll deletes every row from every table in dependency order; the
// embedded engine has no TRUNCATE...CASCADE, only serial DELETE.
func (a *embeddedAdapter) clearAll(ctx context.Context) error {
	// side tables first (no FK constraints are declared, but this keeps
	// the intent; history/edges/EAV rows are children of resource rows).
	for _, t := range append(append([]string{}, sideTables...), knownResourceTables...) {
		if _, err := a.db.ExecContext(ctx, `DELETE FROM "`+t+`"`); err != nil {
			return fmt.Errorf("delete from %s: %w", t, err)
		}
	}
	return nil
}

func (a *embeddedAdapter) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `PRAGMA table_info("`+table+`")`)
	if err != nil {
		return nil, fmt.Errorf("sqladapter: introspect columns of %s: %w", table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func (a *embeddedAdapter) Exec(ctx context.Context, sqlText string) (int64, error) {
	res, err := a.db.ExecContext(ctx, sqlText)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (a *embeddedAdapter) ExecParams(ctx context.Context, sqlText string, args ...any) (int64, error) {
	res, err := a.db.ExecContext(ctx, toQuestionMarks(sqlText), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (a *embeddedAdapter) QueryRows(ctx context.Context, sqlText string, args ...any) ([]Row, error) {
	rows, err := a.db.QueryContext(ctx, toQuestionMarks(sqlText), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLRows(rows)
}

func scanSQLRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[strings.ToLower(c)] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *embeddedAdapter) QueryScalar(ctx context.Context, sqlText string, args ...any) (any, error) {
	row := a.db.QueryRowContext(ctx, toQuestionMarks(sqlText), args...)
	var v any
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (a *embeddedAdapter) FormatBinaryLiteral(b []byte) string {
	return fmt.Sprintf("x'%x'", b)
}

// Lock serialises writers on the same logical key. The embedded backend
// is single-process by construction (one open file handle, MaxOpenConns
// 1), so an in-process mutex is sufficient; there is no second process
// to race against.
func (a *embeddedAdapter) Lock(ctx context.Context, key string) (func(), error) {
	a.locksMu.Lock()
	mu, ok := a.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		a.locks[key] = mu
	}
	a.locksMu.Unlock()
	mu.Lock()
	return func() { mu.Unlock() }, nil
}

func (a *embeddedAdapter) Close() { a.db.Close() }

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// toQuestionMarks rewrites PostgreSQL-style "$1, $2, ..." placeholders into
// the embedded driver's positional "?" placeholders. Every caller in this
// codebase writes queries using $N placeholders regardless of backend;
// this is the one place that difference is absorbed.
func toQuestionMarks(q string) string {
	return placeholderPattern.ReplaceAllStringFunc(q, func(m string) string {
		// validate it parses as a number; if not, leave untouched (defensive,
		// should never trigger given the regex already constrains to digits).
		if _, err := strconv.Atoi(m[1:]); err != nil {
			return m
		}
		return "?"
	})
}
