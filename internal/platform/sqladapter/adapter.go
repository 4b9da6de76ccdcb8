// Package sqladapter hides dialect differences between the two supported
// storage backends (a networked PostgreSQL server and an embedded,
// file-backed SQL engine) behind one narrow surface: schema bootstrap,
// raw/parameterised execution, column introspection, and per-key row
// locking. Every other platform package talks to the database only
// through this interface.
package sqladapter

import (
	"context"
	"fmt"
)

// Backend names the configured storage backend. The values match the
// server's `backend` configuration knob.
type Backend string

const (
	// BackendPostgres is the networked, serializable-isolation-capable backend.
	BackendPostgres Backend = "postgresql"
	// BackendEmbedded is the embedded, file-backed backend ("h2").
	BackendEmbedded Backend = "h2"
)

// Row is a single result row keyed by (lower-cased) column name.
type Row map[string]any

// Adapter is the narrow contract every component above the adapter
// depends on.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Backend reports which backend this adapter wraps.
	Backend() Backend

	// Bootstrap creates the schema (if absent) and seeds the standard
	// search-parameter catalog from the bundled CSV. When clear is true,
	// all tables are truncated (or dropped and recreated, dialect
	// depending) before reseeding.
	Bootstrap(ctx context.Context, clear bool) error

	// Columns introspects the live column list of a table, returning nil
	// (not an error) if the table does not exist; callers use this to
	// decide whether a resource type has a dedicated table or must fall
	// back to the generic document table.
	Columns(ctx context.Context, table string) ([]string, error)

	// Exec runs a raw (non-parameterised) statement, typically one built
	// with fhirformat literals because it touches a dynamic column list.
	// It returns the number of rows affected.
	Exec(ctx context.Context, sql string) (int64, error)

	// ExecParams runs a parameterised statement, `$1`-style placeholders
	// on PostgreSQL and auto-translated to `?` on the embedded backend.
	ExecParams(ctx context.Context, sql string, args ...any) (int64, error)

	// QueryRows runs a parameterised query and materialises every row.
	QueryRows(ctx context.Context, sql string, args ...any) ([]Row, error)

	// QueryScalar runs a parameterised query and returns the first column
	// of the first row, or nil if there were no rows.
	QueryScalar(ctx context.Context, sql string, args ...any) (any, error)

	// FormatBinaryLiteral renders a byte slice as a SQL literal understood
	// by this backend (hex-prefixed literal vs. a decode() call).
	FormatBinaryLiteral(b []byte) string

	// Lock serialises writers racing on the same logical key (a
	// `resourceType/id` pair) for the lifetime of the returned release
	// function. It is advisory only: it does not open a database
	// transaction, since the write engines use compensation rather than
	// BEGIN/COMMIT.
	Lock(ctx context.Context, key string) (release func(), err error)

	// Close releases the underlying connection pool / file handle.
	Close()
}

// ErrNoSuchTable is an exported sentinel that no adapter returns; callers
// treat a nil, nil return from Columns as "no such table".
var ErrNoSuchTable = fmt.Errorf("sqladapter: no such table")

// New constructs the Adapter for the given backend and connection string.
// For BackendPostgres connStr is the connection URL; for BackendEmbedded
// it is the database file path (or ":memory:") handed to the driver.
func New(ctx context.Context, backend Backend, connStr string) (Adapter, error) {
	switch backend {
	case BackendPostgres:
		return newPostgresAdapter(ctx, connStr)
	case BackendEmbedded:
		return newEmbeddedAdapter(ctx, connStr)
	default:
		return nil, fmt.Errorf("sqladapter: unknown backend %q", backend)
	}
}
