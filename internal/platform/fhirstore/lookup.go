package fhirstore

import (
	"context"
	"fmt"
)

// existsResource reports whether (resourceType, id) has a current row,
// accounting for the generic ResourceTable's composite primary key
// (RESOURCE_TYPE, RESOURCETABLE_ID); unlike a dedicated table's single-
// column key, a bare id there is not enough to identify a row.
func (e *Engine) existsResource(ctx context.Context, resourceType, id string) (bool, error) {
	table, pk, dedicated, err := e.tableFor(ctx, resourceType)
	if err != nil {
		return false, err
	}
	if dedicated {
		v, err := e.db.QueryScalar(ctx, fmt.Sprintf(`SELECT 1 FROM %q WHERE %q = $1`, table, pk), id)
		if err != nil {
			return false, fmt.Errorf("check existence in %s: %w", table, err)
		}
		return v != nil, nil
	}
	v, err := e.db.QueryScalar(ctx,
		`SELECT 1 FROM "ResourceTable" WHERE "RESOURCE_TYPE" = $1 AND "RESOURCETABLE_ID" = $2`,
		resourceType, id)
	if err != nil {
		return false, fmt.Errorf("check existence in ResourceTable: %w", err)
	}
	return v != nil, nil
}

