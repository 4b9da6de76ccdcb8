package fhirstore

import (
	"context"
	"fmt"

	"github.com/nirmitee-tech/fhir-server/internal/platform/historylog"
	"github.com/nirmitee-tech/fhir-server/internal/platform/txcontrol"
)

// Delete implements DELETE /{type}/{id}: snapshot the row and
// its outgoing edges, append a DELETE history entry, remove the custom-
// extension rows and (if a SearchParameter) its catalog rows, remove
// the edges, then the main row. A failure after the snapshot triggers a
// delete rollback that reinserts the row and its edges.
func (e *Engine) Delete(ctx context.Context, resourceType, id string) error {
	table, pk, dedicated, err := e.tableFor(ctx, resourceType)
	if err != nil {
		return err
	}

	release, err := e.db.Lock(ctx, resourceType+"/"+id)
	if err != nil {
		return newErr(ErrInternal, "acquire write lock", err)
	}
	defer release()

	_, currentRow, existed, err := e.loadCurrentRow(ctx, table, pk, id, dedicated, resourceType)
	if err != nil {
		return err
	}
	if !existed {
		return newErr(ErrNotFound, fmt.Sprintf("%s/%s not found", resourceType, id), nil)
	}

	edges, err := e.ref.EdgesBySource(ctx, resourceType, id)
	if err != nil {
		return newErr(ErrInternal, "snapshot reference edges", err)
	}

	tx := txcontrol.New(e.db, resourceType, table, pk)
	tx.BackupResource = currentRow
	tx.BackupColumns = sortedColumnNames(currentRow)
	tx.DeletedReferenceIDs = edges

	blob, _ := currentRow["RESOURCE_JSON"].([]byte)
	if _, err := e.log.Save(ctx, resourceType, id, historylog.OpDelete, blob); err != nil {
		return newErr(ErrInternal, "append delete history", err)
	}

	if err := e.deleteCustomExtensionRows(ctx, resourceType, id); err != nil {
		if rbErr := tx.RollbackDelete(ctx, e.ref); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("delete rollback failed")
		}
		return err
	}

	if resourceType == "SearchParameter" {
		if code, ok := rowCode(currentRow); ok {
			if err := e.cat.DeleteCustomByCode(ctx, code); err != nil {
				if rbErr := tx.RollbackDelete(ctx, e.ref); rbErr != nil {
					e.logger.Error().Err(rbErr).Msg("delete rollback failed")
				}
				return newErr(ErrInternal, "delete search parameter catalog rows", err)
			}
		}
	}

	for _, edge := range edges {
		if err := e.ref.DeleteEdgeByID(ctx, edge.ID); err != nil {
			if rbErr := tx.RollbackDelete(ctx, e.ref); rbErr != nil {
				e.logger.Error().Err(rbErr).Msg("delete rollback failed")
			}
			return newErr(ErrInternal, "delete reference edge", err)
		}
	}

	if dedicated {
		_, err = e.db.ExecParams(ctx, fmt.Sprintf(`DELETE FROM %q WHERE %q = $1`, table, pk), id)
	} else {
		_, err = e.db.ExecParams(ctx,
			`DELETE FROM "ResourceTable" WHERE "RESOURCE_TYPE" = $1 AND "RESOURCETABLE_ID" = $2`,
			resourceType, id)
	}
	if err != nil {
		if rbErr := tx.RollbackDelete(ctx, e.ref); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("delete rollback failed")
		}
		return newErr(ErrInternal, "delete resource row", err)
	}

	tx.Commit()
	return nil
}

// rowCode extracts the CODE column from a SearchParameterTable row
// snapshot, used to remove its catalog rows on delete.
func rowCode(row map[string]any) (string, bool) {
	v, ok := row["CODE"].(string)
	return v, ok && v != ""
}
