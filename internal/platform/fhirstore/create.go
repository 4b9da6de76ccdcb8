package fhirstore

import (
	"context"
	"fmt"

	"github.com/nirmitee-tech/fhir-server/internal/platform/catalog"
	"github.com/nirmitee-tech/fhir-server/internal/platform/extractor"
	"github.com/nirmitee-tech/fhir-server/internal/platform/historylog"
	"github.com/nirmitee-tech/fhir-server/internal/platform/refgraph"
	"github.com/nirmitee-tech/fhir-server/internal/platform/txcontrol"
)

// Create implements POST /{type}: choose an id, validate every
// reference target exists, insert the row, then the projections
// (catalog, history, custom extensions, reference edges). Any failure
// after the main row is inserted triggers a create rollback.
func (e *Engine) Create(ctx context.Context, resourceType string, resource map[string]any) (map[string]any, error) {
	id, err := e.newID(resource)
	if err != nil {
		return nil, err
	}

	table, pk, dedicated, err := e.tableFor(ctx, resourceType)
	if err != nil {
		return nil, err
	}

	exists, err := e.existsResource(ctx, resourceType, id)
	if err != nil {
		return nil, newErr(ErrInternal, "check existing id", err)
	}
	if exists {
		return nil, newErr(ErrConflict, fmt.Sprintf("%s/%s already exists", resourceType, id), nil)
	}

	release, err := e.db.Lock(ctx, resourceType+"/"+id)
	if err != nil {
		return nil, newErr(ErrInternal, "acquire write lock", err)
	}
	defer release()

	entries, err := e.cat.ForResource(ctx, resourceType)
	if err != nil {
		return nil, newErr(ErrInternal, "load catalog", err)
	}

	values := e.extractAll(resource, entries)

	if err := e.validateReferences(ctx, values); err != nil {
		return nil, err
	}

	ts := now()
	resource["id"] = id
	blob, err := marshalCanonical(resource, 1, ts)
	if err != nil {
		return nil, newErr(ErrInternal, "marshal resource", err)
	}

	tx := txcontrol.New(e.db, resourceType, table, pk)

	var tableCols []string
	if dedicated {
		tableCols, err = e.db.Columns(ctx, table)
		if err != nil {
			return nil, newErr(ErrInternal, "introspect table", err)
		}
	}
	row := buildRow(pk, id, 1, ts, ts, ts, blob, tableCols, values)
	if !dedicated {
		row["RESOURCE_TYPE"] = resourceType
	}
	if err := insertRow(ctx, e.db, table, row, e.db.FormatBinaryLiteral); err != nil {
		return nil, newErr(ErrInternal, "insert resource row", err)
	}
	tx.MainResourceID = id

	if err := e.finishWrite(ctx, tx, resourceType, id, resource, tableCols, values, blob, catalogOpCreate); err != nil {
		if rbErr := tx.RollbackCreate(ctx, e.ref); rbErr != nil {
			e.logger.Error().Err(rbErr).Str("resourceType", resourceType).Str("id", id).Msg("create rollback failed")
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

type catalogOp int

const (
	catalogOpCreate catalogOp = iota
	catalogOpUpdate
)

// finishWrite performs the shared tail of create/update: upsert the
// catalog (SearchParameter resources only), append history, rewrite
// custom-extension rows, and insert reference edges; tracking every
// side effect on tx so the caller can roll back on failure.
func (e *Engine) finishWrite(ctx context.Context, tx *txcontrol.Context, resourceType, id string, resource map[string]any, tableCols []string, values []extractor.Value, blob []byte, op catalogOp) error {
	if resourceType == "SearchParameter" {
		if err := e.upsertSearchParameterCatalog(ctx, resource); err != nil {
			return newErr(ErrInternal, "upsert search parameter catalog", err)
		}
	}

	historyOp := historyOpFor(op)
	if _, err := e.log.Save(ctx, resourceType, id, historyOp, blob); err != nil {
		return newErr(ErrInternal, "append history", err)
	}

	if err := e.deleteCustomExtensionRows(ctx, resourceType, id); err != nil {
		return newErr(ErrInternal, "clear custom extension rows", err)
	}
	customValues := filterUncolumned(tableCols, values)
	if err := e.insertCustomExtensionRows(ctx, buildCustomRows(resourceType, id, customValues)); err != nil {
		return newErr(ErrInternal, "insert custom extension rows", err)
	}

	for _, v := range values {
		if v.ParamType != catalog.TypeReference {
			continue
		}
		edge, err := e.ref.InsertEdge(ctx, refgraph.Edge{
			SourceResourceType: resourceType,
			SourceResourceID:   id,
			SourceExpression:   v.Leaf,
			TargetResourceType: v.ReferenceType,
			TargetResourceID:   v.ReferenceID,
		})
		if err != nil {
			return newErr(ErrInternal, "insert reference edge", err)
		}
		tx.SavedReferenceIDs = append(tx.SavedReferenceIDs, edge.ID)
	}
	return nil
}

func historyOpFor(op catalogOp) historylog.Operation {
	if op == catalogOpCreate {
		return historylog.OpCreate
	}
	return historylog.OpUpdate
}

// extractAll evaluates every applicable catalog entry against resource.
// A single parameter failing to extract is non-fatal: the failure is
// logged and the write proceeds with the values that did extract, so
// the resource stays discoverable by every parameter that worked.
func (e *Engine) extractAll(resource map[string]any, entries []catalog.Entry) []extractor.Value {
	var out []extractor.Value
	for _, entry := range entries {
		if entry.Resource != "" && entry.Resource != resource["resourceType"] {
			continue
		}
		vals, err := e.ext.Extract(resource, entry)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("param", entry.Name).
				Str("expression", entry.Expression).
				Msg("search parameter extraction failed, skipping")
			continue
		}
		out = append(out, vals...)
	}
	return out
}

// filterUncolumned keeps only the extracted values with no backing
// resource-table column; both custom-extension entries and any
// standard catalog entry for a resource type whose dedicated table
// (or the generic ResourceTable fallback) doesn't carry that column.
// These are the ones destined for CUSTOM_EXTENSION_SEARCH_PARAMS.
func filterUncolumned(tableCols []string, values []extractor.Value) []extractor.Value {
	present := make(map[string]bool, len(tableCols))
	for _, c := range tableCols {
		present[c] = true
	}
	var out []extractor.Value
	for _, v := range values {
		if !present[columnNameFor(v.ParamName)] {
			out = append(out, v)
		}
	}
	return out
}

// validateReferences enforces referential integrity: every reference-
// typed extracted value must point at a resource that actually exists.
func (e *Engine) validateReferences(ctx context.Context, values []extractor.Value) error {
	for _, v := range values {
		if v.ParamType != catalog.TypeReference {
			continue
		}
		exists, err := e.existsResource(ctx, v.ReferenceType, v.ReferenceID)
		if err != nil {
			return newErr(ErrInternal, "check reference target", err)
		}
		if !exists {
			return newErr(ErrInvalidRef, fmt.Sprintf("referenced resource %s/%s does not exist", v.ReferenceType, v.ReferenceID), nil)
		}
	}
	return nil
}
