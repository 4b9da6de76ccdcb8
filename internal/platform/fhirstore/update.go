package fhirstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nirmitee-tech/fhir-server/internal/platform/txcontrol"
)

// Update implements PUT /{type}/{id}: snapshot the current row
// and its edges, delete the old edges, validate the new references,
// overwrite the row with VERSION_ID = current+1, then the shared write
// tail. PUT to a missing id is not-found, never an upsert. On failure
// the backed-up row is restored and any edges inserted this request are
// removed.
func (e *Engine) Update(ctx context.Context, resourceType, id string, resource map[string]any) (map[string]any, error) {
	table, pk, dedicated, err := e.tableFor(ctx, resourceType)
	if err != nil {
		return nil, err
	}

	release, err := e.db.Lock(ctx, resourceType+"/"+id)
	if err != nil {
		return nil, newErr(ErrInternal, "acquire write lock", err)
	}
	defer release()

	currentVersion, currentRow, existed, err := e.loadCurrentRow(ctx, table, pk, id, dedicated, resourceType)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, newErr(ErrNotFound, fmt.Sprintf("%s/%s not found", resourceType, id), nil)
	}

	tx := txcontrol.New(e.db, resourceType, table, pk)
	tx.BackupResource = currentRow
	tx.BackupColumns = sortedColumnNames(currentRow)
	nextVersion := currentVersion + 1

	oldEdges, err := e.ref.EdgesBySource(ctx, resourceType, id)
	if err != nil {
		return nil, newErr(ErrInternal, "snapshot reference edges", err)
	}
	for _, edge := range oldEdges {
		if err := e.ref.DeleteEdgeByID(ctx, edge.ID); err != nil {
			return nil, newErr(ErrInternal, "delete old reference edge", err)
		}
	}
	tx.DeletedReferenceIDs = oldEdges

	entries, err := e.cat.ForResource(ctx, resourceType)
	if err != nil {
		return nil, newErr(ErrInternal, "load catalog", err)
	}
	resource["id"] = id
	values := e.extractAll(resource, entries)
	if err := e.validateReferences(ctx, values); err != nil {
		if rbErr := tx.RollbackUpdate(ctx, e.ref); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("update rollback failed after reference validation error")
		}
		return nil, err
	}

	ts := now()
	blob, err := marshalCanonical(resource, nextVersion, ts)
	if err != nil {
		return nil, newErr(ErrInternal, "marshal resource", err)
	}

	var tableCols []string
	if dedicated {
		tableCols, err = e.db.Columns(ctx, table)
		if err != nil {
			return nil, newErr(ErrInternal, "introspect table", err)
		}
	}
	createdAt := preservedCreatedAt(currentRow, ts)
	row := buildRow(pk, id, nextVersion, createdAt, ts, ts, blob, tableCols, values)
	if !dedicated {
		row["RESOURCE_TYPE"] = resourceType
	}

	if err := updateRow(ctx, e.db, table, pk, row, e.db.FormatBinaryLiteral); err != nil {
		if rbErr := tx.RollbackUpdate(ctx, e.ref); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("update rollback failed after row update error")
		}
		return nil, newErr(ErrInternal, "update resource row", err)
	}
	tx.MainResourceID = id

	if err := e.finishWrite(ctx, tx, resourceType, id, resource, tableCols, values, blob, catalogOpUpdate); err != nil {
		if rbErr := tx.RollbackUpdate(ctx, e.ref); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("update rollback failed")
		}
		return nil, err
	}
	tx.Commit()

	var out map[string]any
	if err := unmarshalBlob(blob, &out); err != nil {
		return nil, newErr(ErrInternal, "unmarshal stored resource", err)
	}
	return out, nil
}

// loadCurrentRow reads the full current row for (resourceType, id) as a
// column->value map plus its VERSION_ID, so the caller can snapshot it
// for rollback and compute the next version number. A missing row is
// reported via existed=false rather than an error so each caller maps
// absence to its own error kind.
func (e *Engine) loadCurrentRow(ctx context.Context, table, pk, id string, dedicated bool, resourceType string) (version int, row map[string]any, existed bool, err error) {
	var sql string
	var args []any
	if dedicated {
		sql = fmt.Sprintf(`SELECT * FROM %q WHERE %q = $1`, table, pk)
		args = []any{id}
	} else {
		sql = `SELECT * FROM "ResourceTable" WHERE "RESOURCE_TYPE" = $1 AND "RESOURCETABLE_ID" = $2`
		args = []any{resourceType, id}
	}
	rows, err := e.db.QueryRows(ctx, sql, args...)
	if err != nil {
		return 0, nil, false, newErr(ErrInternal, "load current row", err)
	}
	if len(rows) == 0 {
		return 0, nil, false, nil
	}
	out := make(map[string]any, len(rows[0]))
	for k, v := range rows[0] {
		out[normalizeColumnKey(k)] = v
	}
	vid, _ := out["VERSION_ID"].(int)
	if vid == 0 {
		if n, ok := asIntAny(out["VERSION_ID"]); ok {
			vid = n
		}
	}
	return vid, out, true, nil
}

// preservedCreatedAt keeps CREATED_AT immutable across updates. The
// Postgres driver scans the column back as time.Time; the embedded
// driver returns the stored literal text, which is re-parsed here.
// Anything unrecognisable falls back to the write timestamp.
func preservedCreatedAt(currentRow map[string]any, fallback time.Time) time.Time {
	switch v := currentRow["CREATED_AT"].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{"2006-01-02T15:04:05.000", time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	}
	return fallback
}

func asIntAny(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// normalizeColumnKey upper-cases a driver-returned column key so it
// matches the all-caps names buildRow/updateRow/insertRow work with;
// sqladapter.Row keys are documented lower-cased, this package's row
// maps are not.
func normalizeColumnKey(k string) string {
	out := make([]byte, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
