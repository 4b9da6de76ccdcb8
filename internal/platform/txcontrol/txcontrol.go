// Package txcontrol is the per-request transaction controller. It does
// not open a database transaction: the write engines perform several
// independent statements, and this package compensates for a failure
// partway through by undoing exactly the statements that already ran.
package txcontrol

import (
	"context"
	"fmt"

	"github.com/nirmitee-tech/fhir-server/internal/platform/fhirformat"
	"github.com/nirmitee-tech/fhir-server/internal/platform/refgraph"
	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

// Context carries everything a rollback needs to undo a single write
// request. Its zero value is a valid, empty context.
type Context struct {
	db sqladapter.Adapter

	ResourceType string
	TableName    string
	PrimaryKey   string

	MainResourceID string // set once the main row id is known

	SavedReferenceIDs   []string        // edges inserted this request, in insertion order
	DeletedReferenceIDs []refgraph.Edge // edges deleted this request, full snapshot for re-insertion

	BackupResource map[string]any // column->value snapshot of the row before UPDATE/DELETE; nil for create
	BackupColumns  []string       // column order of BackupResource, since map iteration isn't stable

	committed bool
}

// New starts a TransactionContext for a write against resourceType.
func New(db sqladapter.Adapter, resourceType, tableName, primaryKey string) *Context {
	return &Context{db: db, ResourceType: resourceType, TableName: tableName, PrimaryKey: primaryKey}
}

// Commit marks the context as committed; every rollback call after this
// becomes a no-op. Nothing is sent to the database.
func (c *Context) Commit() {
	c.committed = true
}

// RollbackCreate implements the create-rollback protocol: delete every
// saved reference edge in reverse order, then delete the main row if one
// was inserted.
func (c *Context) RollbackCreate(ctx context.Context, edges *refgraph.Store) error {
	if c.committed {
		return nil
	}
	for i := len(c.SavedReferenceIDs) - 1; i >= 0; i-- {
		if err := edges.DeleteEdgeByID(ctx, c.SavedReferenceIDs[i]); err != nil {
			return fmt.Errorf("txcontrol: create rollback: delete edge %s: %w", c.SavedReferenceIDs[i], err)
		}
	}
	if c.MainResourceID != "" {
		_, err := c.db.ExecParams(ctx,
			fmt.Sprintf(`DELETE FROM %q WHERE %q = $1`, c.TableName, c.PrimaryKey), c.MainResourceID)
		if err != nil {
			return fmt.Errorf("txcontrol: create rollback: delete main row %s: %w", c.MainResourceID, err)
		}
	}
	return nil
}

// RollbackUpdate implements the update-rollback protocol: restore the
// main row to BackupResource via a dynamic UPDATE over every backed-up
// column, then delete every edge saved this request. Old edges are not
// restored here; a caller retries the whole PUT/PATCH, which
// re-extracts and re-inserts them.
func (c *Context) RollbackUpdate(ctx context.Context, edges *refgraph.Store) error {
	if c.committed {
		return nil
	}
	if c.BackupResource != nil {
		if err := c.restoreRow(ctx); err != nil {
			return fmt.Errorf("txcontrol: update rollback: %w", err)
		}
	}
	for _, id := range c.SavedReferenceIDs {
		if err := edges.DeleteEdgeByID(ctx, id); err != nil {
			return fmt.Errorf("txcontrol: update rollback: delete edge %s: %w", id, err)
		}
	}
	return nil
}

// RollbackDelete implements the delete-rollback protocol: re-INSERT the
// backed-up main row, then re-INSERT every backed-up edge preserving its
// original primary key.
func (c *Context) RollbackDelete(ctx context.Context, edges *refgraph.Store) error {
	if c.committed {
		return nil
	}
	if c.BackupResource != nil {
		if err := c.reinsertRow(ctx); err != nil {
			return fmt.Errorf("txcontrol: delete rollback: reinsert main row: %w", err)
		}
	}
	for _, e := range c.DeletedReferenceIDs {
		if err := edges.ReinsertEdge(ctx, e); err != nil {
			return fmt.Errorf("txcontrol: delete rollback: reinsert edge %s: %w", e.ID, err)
		}
	}
	return nil
}

func (c *Context) restoreRow(ctx context.Context) error {
	setClauses := make([]string, 0, len(c.BackupColumns))
	for _, col := range c.BackupColumns {
		lit, err := fhirformat.Format(c.BackupResource[col], c.db.FormatBinaryLiteral)
		if err != nil {
			return fmt.Errorf("format column %s: %w", col, err)
		}
		setClauses = append(setClauses, fmt.Sprintf("%q = %s", col, lit))
	}
	pkLit, err := fhirformat.Format(c.BackupResource[c.PrimaryKey], c.db.FormatBinaryLiteral)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`UPDATE %q SET %s WHERE %q = %s`,
		c.TableName, joinClauses(setClauses), c.PrimaryKey, pkLit)
	_, err = c.db.Exec(ctx, stmt)
	return err
}

func (c *Context) reinsertRow(ctx context.Context) error {
	cols := make([]string, 0, len(c.BackupColumns))
	lits := make([]string, 0, len(c.BackupColumns))
	for _, col := range c.BackupColumns {
		lit, err := fhirformat.Format(c.BackupResource[col], c.db.FormatBinaryLiteral)
		if err != nil {
			return fmt.Errorf("format column %s: %w", col, err)
		}
		cols = append(cols, fmt.Sprintf("%q", col))
		lits = append(lits, lit)
	}
	stmt := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`,
		c.TableName, joinClauses(cols), joinClauses(lits))
	_, err := c.db.Exec(ctx, stmt)
	return err
}

func joinClauses(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
