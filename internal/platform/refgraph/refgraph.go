// Package refgraph is the reference graph store: the
// only source of truth for which resource points at which. Every
// cross-resource lookup (search-by-reference, _include, _revinclude,
// cascading validation) goes through here instead of parsing blobs.
package refgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

// Edge is one row of the REFERENCES table.
type Edge struct {
	ID                 string
	SourceResourceType string
	SourceResourceID   string
	SourceExpression   string
	TargetResourceType string
	TargetResourceID   string
	DisplayValue       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastUpdated        time.Time
}

// Store is the reference graph store, backed by an Adapter.
type Store struct {
	db sqladapter.Adapter
}

func New(db sqladapter.Adapter) *Store {
	return &Store{db: db}
}

// InsertEdge persists a new edge, generating its id. It returns the edge
// (with id populated) so callers can track it for rollback.
func (s *Store) InsertEdge(ctx context.Context, e Edge) (Edge, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt, e.LastUpdated = now, now, now
	_, err := s.db.ExecParams(ctx, `
		INSERT INTO "REFERENCES"
			("ID", "SOURCE_RESOURCE_TYPE", "SOURCE_RESOURCE_ID", "SOURCE_EXPRESSION",
			 "TARGET_RESOURCE_TYPE", "TARGET_RESOURCE_ID", "DISPLAY_VALUE",
			 "CREATED_AT", "UPDATED_AT", "LAST_UPDATED")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SourceResourceType, e.SourceResourceID, e.SourceExpression,
		e.TargetResourceType, e.TargetResourceID, e.DisplayValue,
		e.CreatedAt, e.UpdatedAt, e.LastUpdated)
	if err != nil {
		return Edge{}, fmt.Errorf("refgraph: insert edge: %w", err)
	}
	return e, nil
}

// DeleteEdgeByID removes a single edge by its primary key.
func (s *Store) DeleteEdgeByID(ctx context.Context, id string) error {
	_, err := s.db.ExecParams(ctx, `DELETE FROM "REFERENCES" WHERE "ID" = $1`, id)
	if err != nil {
		return fmt.Errorf("refgraph: delete edge %s: %w", id, err)
	}
	return nil
}

// EdgesBySourceIDs returns only the ids of every outgoing edge from
// (sourceType, sourceID); the cheap form used by the delete/update
// engines to know what to remove.
func (s *Store) EdgesBySourceIDs(ctx context.Context, sourceType, sourceID string) ([]string, error) {
	rows, err := s.db.QueryRows(ctx, `
		SELECT "ID" FROM "REFERENCES"
		WHERE "SOURCE_RESOURCE_TYPE" = $1 AND "SOURCE_RESOURCE_ID" = $2`,
		sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("refgraph: edges by source (ids) %s/%s: %w", sourceType, sourceID, err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, asString(r["id"]))
	}
	return ids, nil
}

// EdgesBySource returns the full rows of every outgoing edge from
// (sourceType, sourceID); used to snapshot edges before a destructive
// write so the rollback protocol can rematerialise them.
func (s *Store) EdgesBySource(ctx context.Context, sourceType, sourceID string) ([]Edge, error) {
	rows, err := s.db.QueryRows(ctx, `
		SELECT "ID", "SOURCE_RESOURCE_TYPE", "SOURCE_RESOURCE_ID", "SOURCE_EXPRESSION",
		       "TARGET_RESOURCE_TYPE", "TARGET_RESOURCE_ID", "DISPLAY_VALUE",
		       "CREATED_AT", "UPDATED_AT", "LAST_UPDATED"
		FROM "REFERENCES"
		WHERE "SOURCE_RESOURCE_TYPE" = $1 AND "SOURCE_RESOURCE_ID" = $2`,
		sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("refgraph: edges by source (rows) %s/%s: %w", sourceType, sourceID, err)
	}
	return rowsToEdges(rows), nil
}

// ReinsertEdge restores an edge snapshot with its ORIGINAL primary key,
// used only by the delete-rollback protocol.
func (s *Store) ReinsertEdge(ctx context.Context, e Edge) error {
	_, err := s.db.ExecParams(ctx, `
		INSERT INTO "REFERENCES"
			("ID", "SOURCE_RESOURCE_TYPE", "SOURCE_RESOURCE_ID", "SOURCE_EXPRESSION",
			 "TARGET_RESOURCE_TYPE", "TARGET_RESOURCE_ID", "DISPLAY_VALUE",
			 "CREATED_AT", "UPDATED_AT", "LAST_UPDATED")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SourceResourceType, e.SourceResourceID, e.SourceExpression,
		e.TargetResourceType, e.TargetResourceID, e.DisplayValue,
		e.CreatedAt, e.UpdatedAt, e.LastUpdated)
	if err != nil {
		return fmt.Errorf("refgraph: reinsert edge %s: %w", e.ID, err)
	}
	return nil
}

// TargetFilter narrows DistinctTargets queries. A zero
// value for any field means "no filter on that field".
type TargetFilter struct {
	SourceExpression string // only applied when non-empty; plain reference search never filters on it
}

// DistinctTargets resolves every (targetType, targetID) reachable from
// sourceType/sourceID, optionally narrowed to a single sourceExpression
// (the leaf field name); used by _include.
func (s *Store) DistinctTargets(ctx context.Context, sourceType, sourceID string, f TargetFilter) ([]Edge, error) {
	q := `
		SELECT DISTINCT "TARGET_RESOURCE_TYPE", "TARGET_RESOURCE_ID"
		FROM "REFERENCES"
		WHERE "SOURCE_RESOURCE_TYPE" = $1 AND "SOURCE_RESOURCE_ID" = $2`
	args := []any{sourceType, sourceID}
	if f.SourceExpression != "" {
		q += fmt.Sprintf(` AND "SOURCE_EXPRESSION" = $%d`, len(args)+1)
		args = append(args, f.SourceExpression)
	}
	rows, err := s.db.QueryRows(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("refgraph: distinct targets of %s/%s: %w", sourceType, sourceID, err)
	}
	out := make([]Edge, 0, len(rows))
	for _, r := range rows {
		out = append(out, Edge{
			TargetResourceType: asString(r["target_resource_type"]),
			TargetResourceID:   asString(r["target_resource_id"]),
		})
	}
	return out, nil
}

// SourceFilter narrows DistinctSources.
type SourceFilter struct {
	SourceExpression   string // only applied when non-empty
	SourceResourceType string // only applied when non-empty (_revinclude source-type filter)
}

// DistinctSources resolves every (sourceType, sourceID) pointing AT
// (targetType, targetID); used by reference search and _revinclude.
func (s *Store) DistinctSources(ctx context.Context, targetType, targetID string, f SourceFilter) ([]Edge, error) {
	q := `
		SELECT DISTINCT "SOURCE_RESOURCE_TYPE", "SOURCE_RESOURCE_ID"
		FROM "REFERENCES"
		WHERE "TARGET_RESOURCE_TYPE" = $1 AND "TARGET_RESOURCE_ID" = $2`
	args := []any{targetType, targetID}
	if f.SourceExpression != "" {
		q += fmt.Sprintf(` AND "SOURCE_EXPRESSION" = $%d`, len(args)+1)
		args = append(args, f.SourceExpression)
	}
	if f.SourceResourceType != "" {
		q += fmt.Sprintf(` AND "SOURCE_RESOURCE_TYPE" = $%d`, len(args)+1)
		args = append(args, f.SourceResourceType)
	}
	rows, err := s.db.QueryRows(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("refgraph: distinct sources of %s/%s: %w", targetType, targetID, err)
	}
	out := make([]Edge, 0, len(rows))
	for _, r := range rows {
		out = append(out, Edge{
			SourceResourceType: asString(r["source_resource_type"]),
			SourceResourceID:   asString(r["source_resource_id"]),
		})
	}
	return out, nil
}

// SourcesByTarget returns distinct source ids of sourceType whose
// edges point at targetType/targetID. This is the primitive the search
// engine uses for `paramName=TargetType/id` reference-parameter
// matches, deliberately NOT filtered by sourceExpression: a reference
// search param matches regardless of which leaf field the catalog
// row's expression names, because multiple expressions can
// legitimately share one physical column.
func (s *Store) SourcesByTarget(ctx context.Context, sourceType, targetType, targetID string) ([]string, error) {
	rows, err := s.db.QueryRows(ctx, `
		SELECT DISTINCT "SOURCE_RESOURCE_ID" FROM "REFERENCES"
		WHERE "SOURCE_RESOURCE_TYPE" = $1 AND "TARGET_RESOURCE_TYPE" = $2 AND "TARGET_RESOURCE_ID" = $3`,
		sourceType, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("refgraph: sources by target %s/%s: %w", targetType, targetID, err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, asString(r["source_resource_id"]))
	}
	return ids, nil
}

// TargetExists reports whether a row exists in the target's resource
// table. It is intentionally
// a query against the target table itself, not the edges table; an
// edge only exists once the write that declares it succeeds, so
// checking REFERENCES would be circular.
func TargetExists(ctx context.Context, db sqladapter.Adapter, tableName, primaryKeyCol, targetID string) (bool, error) {
	v, err := db.QueryScalar(ctx, fmt.Sprintf(
		`SELECT 1 FROM %q WHERE %q = $1`, tableName, primaryKeyCol), targetID)
	if err != nil {
		return false, fmt.Errorf("refgraph: check target existence in %s: %w", tableName, err)
	}
	return v != nil, nil
}

func rowsToEdges(rows []sqladapter.Row) []Edge {
	out := make([]Edge, 0, len(rows))
	for _, r := range rows {
		out = append(out, Edge{
			ID:                 asString(r["id"]),
			SourceResourceType: asString(r["source_resource_type"]),
			SourceResourceID:   asString(r["source_resource_id"]),
			SourceExpression:   asString(r["source_expression"]),
			TargetResourceType: asString(r["target_resource_type"]),
			TargetResourceID:   asString(r["target_resource_id"]),
			DisplayValue:       asString(r["display_value"]),
			CreatedAt:          asTime(r["created_at"]),
			UpdatedAt:          asTime(r["updated_at"]),
			LastUpdated:        asTime(r["last_updated"]),
		})
	}
	return out
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// asTime accepts both driver shapes: Postgres scans TIMESTAMP columns
// into time.Time, the embedded driver returns the stored text.
func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02T15:04:05.000",
			"2006-01-02 15:04:05",
		} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}
