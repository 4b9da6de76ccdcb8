// Package catalog is the search-parameter catalog: the
// live registry of which search parameters exist for which resource
// type, where the standard rows come from a bundled CSV and custom rows
// are created as a side effect of persisting a SearchParameter resource.
package catalog

import (
	"context"
	"fmt"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

// ParamType enumerates the FHIR search-parameter value kinds.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeNumber    ParamType = "number"
	TypeDate      ParamType = "date"
	TypeReference ParamType = "reference"
	TypeURI       ParamType = "uri"
)

// Entry is one row of SEARCH_PARAM_RES_EXPRESSIONS.
type Entry struct {
	Name       string
	Type       ParamType
	Resource   string
	Expression string
	IsCustom   bool
}

// queryRower is the slice of sqladapter.Adapter this package needs; kept
// narrow so tests can fake it without implementing the whole adapter.
type queryRower interface {
	QueryRows(ctx context.Context, sql string, args ...any) ([]sqladapter.Row, error)
	ExecParams(ctx context.Context, sql string, args ...any) (int64, error)
}

// Catalog reads the catalog fresh on every call, so a custom
// SearchParameter mutation is visible to the very next write. A
// per-resource-type cache with invalidation on custom-param mutations
// could be layered in front; this type does not do so itself.
type Catalog struct {
	db queryRower
}

func New(db queryRower) *Catalog {
	return &Catalog{db: db}
}

// ForResource returns every catalog row (standard and custom) whose
// resource matches resourceType, used by the write engines to
// discover which expressions to evaluate.
func (c *Catalog) ForResource(ctx context.Context, resourceType string) ([]Entry, error) {
	rows, err := c.db.QueryRows(ctx, `
		SELECT "SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME", "EXPRESSION", "IS_CUSTOM"
		FROM "SEARCH_PARAM_RES_EXPRESSIONS"
		WHERE "RESOURCE_NAME" = $1`, resourceType)
	if err != nil {
		return nil, fmt.Errorf("catalog: load entries for %s: %w", resourceType, err)
	}
	return rowsToEntries(rows), nil
}

// All returns every catalog row across every resource type, used to
// render the server's capability statement from the live catalog rather
// than a static list; a freshly created custom SearchParameter shows
// up in /metadata immediately.
func (c *Catalog) All(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryRows(ctx, `
		SELECT "SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME", "EXPRESSION", "IS_CUSTOM"
		FROM "SEARCH_PARAM_RES_EXPRESSIONS"
		ORDER BY "RESOURCE_NAME", "SEARCH_PARAM_NAME"`)
	if err != nil {
		return nil, fmt.Errorf("catalog: load all entries: %w", err)
	}
	return rowsToEntries(rows), nil
}

// ByName looks up a single catalog row by (resourceType, paramName), used
// by the search engine and _include to resolve a search parameter's
// FHIRPath expression.
func (c *Catalog) ByName(ctx context.Context, resourceType, paramName string) (Entry, bool, error) {
	rows, err := c.db.QueryRows(ctx, `
		SELECT "SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME", "EXPRESSION", "IS_CUSTOM"
		FROM "SEARCH_PARAM_RES_EXPRESSIONS"
		WHERE "RESOURCE_NAME" = $1 AND "SEARCH_PARAM_NAME" = $2`, resourceType, paramName)
	if err != nil {
		return Entry{}, false, fmt.Errorf("catalog: lookup %s/%s: %w", resourceType, paramName, err)
	}
	if len(rows) == 0 {
		return Entry{}, false, nil
	}
	return rowsToEntries(rows)[0], true, nil
}

// UpsertCustom persists the catalog rows derived from a SearchParameter
// resource: one row per element of base[], flagged isCustom=true.
// code/typ/expression come from the resource's
// own fields; callers supply one call per base-type element.
func (c *Catalog) UpsertCustom(ctx context.Context, e Entry) error {
	_, err := c.db.ExecParams(ctx, `
		INSERT INTO "SEARCH_PARAM_RES_EXPRESSIONS"
			("SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME", "EXPRESSION", "IS_CUSTOM")
		VALUES ($1, $2, $3, $4, true)
		ON CONFLICT ("RESOURCE_NAME", "SEARCH_PARAM_NAME") DO UPDATE SET
			"SEARCH_PARAM_TYPE" = EXCLUDED."SEARCH_PARAM_TYPE",
			"EXPRESSION" = EXCLUDED."EXPRESSION",
			"IS_CUSTOM" = true`,
		e.Name, string(e.Type), e.Resource, e.Expression)
	if err != nil {
		return fmt.Errorf("catalog: upsert custom %s/%s: %w", e.Resource, e.Name, err)
	}
	return nil
}

// DeleteCustomByCode removes every catalog row with the given code
// (search-parameter name), across all of its base resource types, used
// when the owning SearchParameter resource is deleted. The id-keyed
// half of that cleanup lives alongside the resource row itself and
// needs no separate call here.
func (c *Catalog) DeleteCustomByCode(ctx context.Context, code string) error {
	_, err := c.db.ExecParams(ctx, `
		DELETE FROM "SEARCH_PARAM_RES_EXPRESSIONS" WHERE "SEARCH_PARAM_NAME" = $1 AND "IS_CUSTOM" = true`,
		code)
	if err != nil {
		return fmt.Errorf("catalog: delete custom rows for code %s: %w", code, err)
	}
	return nil
}

func rowsToEntries(rows []sqladapter.Row) []Entry {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			Name:       asString(r["search_param_name"]),
			Type:       ParamType(asString(r["search_param_type"])),
			Resource:   asString(r["resource_name"]),
			Expression: asString(r["expression"]),
			IsCustom:   asBool(r["is_custom"]),
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

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	if n, ok := v.(int64); ok {
		return n != 0
	}
	return false
}
