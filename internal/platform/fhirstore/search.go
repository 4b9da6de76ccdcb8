package fhirstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/nirmitee-tech/fhir-server/internal/platform/catalog"
	"github.com/nirmitee-tech/fhir-server/internal/platform/fhir"
)

// controlParams is the whitelist of `_`-prefixed query parameters the
// search engine understands; any other `_`-prefixed parameter is an
// unsupported-parameter error, while an unrecognised non-`_` parameter
// is silently ignored.
var controlParams = map[string]bool{
	"_id":          true,
	"_lastUpdated": true,
	"_profile":     true,
	"_include":     true,
	"_revinclude":  true,
	"_count":       true,
	"_offset":      true,
	"_sort":        true,
}

// searchAlias is the table alias the generated SQL uses, so correlated
// EXISTS subqueries against CUSTOM_EXTENSION_SEARCH_PARAMS can reference
// the outer row's primary key.
const searchAlias = "t"

// SearchParams is the parsed query string of a search request.
type SearchParams struct {
	ResourceType string
	Values       url.Values
	Count        int
	Offset       int
	BaseURL      string
	QueryString  string
}

const defaultCount = 50

// Search implements GET /{type}?...: classify every parameter,
// build a WHERE clause against the resource's dedicated table (or fall
// back to the generic table for _id/_lastUpdated only), resolve
// _include/_revinclude via the reference graph, and assemble a Bundle.
func (e *Engine) Search(ctx context.Context, sp SearchParams) (*fhir.Bundle, error) {
	table, pk, dedicated, err := e.tableFor(ctx, sp.ResourceType)
	if err != nil {
		return nil, err
	}
	var tableCols []string
	if dedicated {
		tableCols, err = e.db.Columns(ctx, table)
		if err != nil {
			return nil, newErr(ErrInternal, "introspect table", err)
		}
	}

	entries, err := e.cat.ForResource(ctx, sp.ResourceType)
	if err != nil {
		return nil, newErr(ErrInternal, "load catalog", err)
	}
	entryByName := make(map[string]catalog.Entry, len(entries))
	for _, en := range entries {
		entryByName[en.Name] = en
	}

	whereClauses := []string{}
	args := []any{}
	argIdx := 1

	if !dedicated {
		whereClauses = append(whereClauses, fmt.Sprintf(`%s."RESOURCE_TYPE" = $%d`, searchAlias, argIdx))
		args = append(args, sp.ResourceType)
		argIdx++
	}

	count := sp.Count
	if count <= 0 {
		count = defaultCount
	}

	var refIntersections [][]string // ids matching each reference param, intersected via AND
	var orderBy string

	for rawName, values := range sp.Values {
		if len(values) == 0 {
			continue
		}
		name, modifier := fhir.ParseParamModifier(rawName)

		if strings.HasPrefix(name, "_") {
			if !controlParams[name] {
				return nil, newErr(ErrUnsupportedParam, fmt.Sprintf("unsupported search parameter %q", rawName), nil)
			}
			switch name {
			case "_id":
				whereClauses = append(whereClauses, fmt.Sprintf(`%s.%q = $%d`, searchAlias, pk, argIdx))
				args = append(args, values[0])
				argIdx++
			case "_lastUpdated":
				col := fmt.Sprintf(`%s."LAST_UPDATED"`, searchAlias)
				clause, clauseArgs, next := fhir.DateSearchClause(col, values[0], argIdx)
				whereClauses = append(whereClauses, clause)
				args = append(args, clauseArgs...)
				argIdx = next
			case "_sort":
				orderBy = sortClause(values[0], tableCols, pk)
			case "_count", "_offset", "_include", "_revinclude", "_profile":
				// _count/_offset are consumed by the caller into sp.Count/
				// sp.Offset; _include/_revinclude are resolved after the
				// main row query runs; _profile is accepted and not applied.
			}
			continue
		}

		entry, known := entryByName[name]
		if !known {
			continue // unknown non-control parameter: silently skipped
		}

		if entry.Type == catalog.TypeReference {
			refType, refID := fhir.ParseReferenceValue(values[0])
			if refType == "" {
				refType = firstTargetType(entry.Expression)
			}
			ids, err := e.ref.SourcesByTarget(ctx, sp.ResourceType, refType, refID)
			if err != nil {
				return nil, newErr(ErrInternal, "resolve reference search", err)
			}
			refIntersections = append(refIntersections, ids)
			continue
		}

		column := columnNameFor(name)
		if !tableHasColumn(tableCols, column) {
			clause, clauseArgs, next := customExtensionExistsClause(pk, entry, values[0], argIdx)
			whereClauses = append(whereClauses, clause)
			args = append(args, clauseArgs...)
			argIdx = next
			continue
		}

		qcol := fmt.Sprintf(`%s.%q`, searchAlias, column)
		var clause string
		var clauseArgs []any
		switch entry.Type {
		case catalog.TypeToken:
			clause, clauseArgs, argIdx = fhir.TokenColumnClause(qcol, values[0], argIdx)
		case catalog.TypeDate:
			clause, clauseArgs, argIdx = fhir.DateSearchClause(qcol, values[0], argIdx)
		case catalog.TypeNumber:
			clause, clauseArgs, argIdx = fhir.NumberSearchClause(qcol, values[0], argIdx)
		default: // string, uri
			clause, clauseArgs, argIdx = fhir.StringSearchClause(qcol, values[0], modifier, argIdx)
		}
		whereClauses = append(whereClauses, clause)
		args = append(args, clauseArgs...)
	}

	if refIntersections != nil {
		ids := intersectStringSlices(refIntersections)
		if len(ids) == 0 {
			return e.assembleBundle(ctx, sp, nil, count)
		}
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, id)
			argIdx++
		}
		whereClauses = append(whereClauses, fmt.Sprintf(`%s.%q IN (%s)`, searchAlias, pk, strings.Join(placeholders, ",")))
	}

	q := fmt.Sprintf(`SELECT %s.%q, %s."VERSION_ID", %s."LAST_UPDATED", %s."RESOURCE_JSON" FROM %q %s`,
		searchAlias, pk, searchAlias, searchAlias, searchAlias, table, searchAlias)
	if len(whereClauses) > 0 {
		q += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	if orderBy != "" {
		q += " ORDER BY " + orderBy
	}
	rows, err := e.db.QueryRows(ctx, q, args...)
	if err != nil {
		return nil, newErr(ErrInternal, "execute search query", err)
	}

	resources := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		doc, err := rowToResource(r)
		if err != nil {
			return nil, err
		}
		resources = append(resources, doc)
	}

	return e.assembleBundle(ctx, sp, resources, count)
}

// sortClause renders a `_sort` value as an ORDER BY fragment: comma-
// separated search-parameter names, each optionally `-`-prefixed for
// descending order. Names with no backing column (and anything else
// unresolvable) are silently dropped, the same treatment unrecognised
// non-control parameters get.
func sortClause(raw string, tableCols []string, pk string) string {
	var parts []string
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		dir := "ASC"
		if strings.HasPrefix(field, "-") {
			dir = "DESC"
			field = field[1:]
		}
		var col string
		switch field {
		case "":
			continue
		case "_id":
			col = pk
		case "_lastUpdated":
			col = "LAST_UPDATED"
		default:
			col = columnNameFor(field)
			if !tableHasColumn(tableCols, col) {
				continue
			}
		}
		parts = append(parts, fmt.Sprintf(`%s.%q %s`, searchAlias, col, dir))
	}
	return strings.Join(parts, ", ")
}

func tableHasColumn(cols []string, col string) bool {
	for _, c := range cols {
		if c == col {
			return true
		}
	}
	return false
}

// firstTargetType extracts a single resolve()-is target type from a
// reference expression such as "Patient.generalPractitioner.where(resolve()
// is Practitioner)"; returns "" if the expression names no single type.
// An _include then keeps targets of every type; a reference search whose
// value carries no type then matches no edge.
func firstTargetType(expression string) string {
	const marker = "resolve() is "
	idx := strings.Index(expression, marker)
	if idx < 0 {
		return ""
	}
	rest := expression[idx+len(marker):]
	end := strings.IndexAny(rest, ") ")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func intersectStringSlices(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]bool, len(set))
		for _, id := range set {
			if seen[id] {
				continue
			}
			seen[id] = true
			counts[id]++
		}
	}
	var out []string
	for id, c := range counts {
		if c == len(sets) {
			out = append(out, id)
		}
	}
	return out
}

// customExtensionExistsClause builds a correlated-existence predicate
// against CUSTOM_EXTENSION_SEARCH_PARAMS for a search parameter with no
// backing resource-table column. The subquery correlates on the outer
// query's primary key via searchAlias, since CUSTOM_EXTENSION_SEARCH_PARAMS
// keys its rows by (RESOURCE_TYPE, RESOURCE_ID) rather than the raw id.
func customExtensionExistsClause(pk string, entry catalog.Entry, rawValue string, argIdx int) (string, []any, int) {
	valCol, val := customValueColumn(entry.Type, rawValue)
	clause := fmt.Sprintf(
		`EXISTS (SELECT 1 FROM "CUSTOM_EXTENSION_SEARCH_PARAMS" c WHERE c."RESOURCE_TYPE" = $%d AND c."RESOURCE_ID" = %s.%q AND c."PARAM_NAME" = $%d AND c.%s = $%d)`,
		argIdx, searchAlias, pk, argIdx+1, valCol, argIdx+2)
	return clause, []any{entry.Resource, entry.Name, val}, argIdx + 3
}

func customValueColumn(t catalog.ParamType, rawValue string) (col, val string) {
	switch t {
	case catalog.TypeNumber:
		return `"VALUE_NUMBER"`, rawValue
	case catalog.TypeDate:
		return `"VALUE_DATE"`, rawValue
	case catalog.TypeToken:
		return `"VALUE_TOKEN_CODE"`, rawValue
	default:
		return `"VALUE_STRING"`, rawValue
	}
}
