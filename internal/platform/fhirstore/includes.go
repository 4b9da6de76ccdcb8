package fhirstore

import (
	"context"
	"strings"

	"github.com/nirmitee-tech/fhir-server/internal/platform/refgraph"
)

// includeSpec is one parsed `_include`/`_revinclude` value:
// "SourceType:param" or "SourceType:param:TargetType".
type includeSpec struct {
	SourceType string
	ParamName  string
	TargetType string // optional; "" means unrestricted
}

func parseIncludeSpec(raw string) includeSpec {
	parts := strings.SplitN(raw, ":", 3)
	spec := includeSpec{}
	if len(parts) > 0 {
		spec.SourceType = parts[0]
	}
	if len(parts) > 1 {
		spec.ParamName = parts[1]
	}
	if len(parts) > 2 {
		spec.TargetType = parts[2]
	}
	return spec
}

// leafFieldOf mirrors extractor's leaf-field derivation (the last path
// segment before an optional `.where(...)` clause) so includes can match
// a catalog expression's stored reference edges without re-evaluating
// FHIRPath.
func leafFieldOf(expression string) string {
	expr := expression
	if idx := strings.Index(expr, ".where("); idx >= 0 {
		expr = expr[:idx]
	}
	parts := strings.Split(expr, ".")
	return parts[len(parts)-1]
}

// resolveIncludes follows every `_include` value from the primary
// result set outward via the reference graph, returning the
// additionally-fetched resources in fetch order. Duplicates (the same
// type/id reached through more than one include) are suppressed. The
// wildcard form `_include=*` pulls every outgoing edge of every
// matched row, regardless of which leaf field it hangs off.
func (e *Engine) resolveIncludes(ctx context.Context, primary []map[string]any, rawValues []string) ([]map[string]any, error) {
	seen := make(map[string]bool)
	var out []map[string]any
	for _, raw := range rawValues {
		if raw == "*" {
			wild, err := e.resolveWildcardIncludes(ctx, primary, seen)
			if err != nil {
				return nil, err
			}
			out = append(out, wild...)
			continue
		}
		spec := parseIncludeSpec(raw)
		entry, ok, err := e.cat.ByName(ctx, spec.SourceType, spec.ParamName)
		if err != nil {
			return nil, newErr(ErrInternal, "look up include search parameter", err)
		}
		if !ok {
			continue
		}
		leaf := leafFieldOf(entry.Expression)
		if spec.TargetType == "" {
			// A polymorphic reference param fixes its target type in the
			// catalog expression's where(resolve() is T) clause; honour it
			// even when the _include value names no explicit target.
			spec.TargetType = firstTargetType(entry.Expression)
		}
		for _, res := range primary {
			rt, _ := res["resourceType"].(string)
			id, _ := res["id"].(string)
			if rt != spec.SourceType || id == "" {
				continue
			}
			edges, err := e.ref.DistinctTargets(ctx, rt, id, refgraph.TargetFilter{SourceExpression: leaf})
			if err != nil {
				return nil, newErr(ErrInternal, "resolve include targets", err)
			}
			for _, edge := range edges {
				if spec.TargetType != "" && edge.TargetResourceType != spec.TargetType {
					continue
				}
				key := edge.TargetResourceType + "/" + edge.TargetResourceID
				if seen[key] {
					continue
				}
				seen[key] = true
				resource, err := e.Read(ctx, edge.TargetResourceType, edge.TargetResourceID)
				if err != nil {
					if asErr, ok := err.(*Error); ok && asErr.Kind == ErrNotFound {
						continue
					}
					return nil, err
				}
				out = append(out, resource)
			}
		}
	}
	return out, nil
}

func (e *Engine) resolveWildcardIncludes(ctx context.Context, primary []map[string]any, seen map[string]bool) ([]map[string]any, error) {
	var out []map[string]any
	for _, res := range primary {
		rt, _ := res["resourceType"].(string)
		id, _ := res["id"].(string)
		if rt == "" || id == "" {
			continue
		}
		edges, err := e.ref.DistinctTargets(ctx, rt, id, refgraph.TargetFilter{})
		if err != nil {
			return nil, newErr(ErrInternal, "resolve wildcard include targets", err)
		}
		for _, edge := range edges {
			key := edge.TargetResourceType + "/" + edge.TargetResourceID
			if seen[key] {
				continue
			}
			seen[key] = true
			resource, err := e.Read(ctx, edge.TargetResourceType, edge.TargetResourceID)
			if err != nil {
				if asErr, ok := err.(*Error); ok && asErr.Kind == ErrNotFound {
					continue
				}
				return nil, err
			}
			out = append(out, resource)
		}
	}
	return out, nil
}

// resolveRevincludes follows every `_revinclude` value: for each
// resource in the primary set, find sources pointing at it whose type
// matches the requested source type and whose edge's leaf field matches
// ParamName's catalog expression.
func (e *Engine) resolveRevincludes(ctx context.Context, primary []map[string]any, rawValues []string) ([]map[string]any, error) {
	seen := make(map[string]bool)
	var out []map[string]any
	for _, raw := range rawValues {
		spec := parseIncludeSpec(raw)
		entry, ok, err := e.cat.ByName(ctx, spec.SourceType, spec.ParamName)
		if err != nil {
			return nil, newErr(ErrInternal, "look up revinclude search parameter", err)
		}
		if !ok {
			continue
		}
		leaf := leafFieldOf(entry.Expression)
		for _, res := range primary {
			rt, _ := res["resourceType"].(string)
			id, _ := res["id"].(string)
			if id == "" {
				continue
			}
			edges, err := e.ref.DistinctSources(ctx, rt, id, refgraph.SourceFilter{
				SourceExpression:   leaf,
				SourceResourceType: spec.SourceType,
			})
			if err != nil {
				return nil, newErr(ErrInternal, "resolve revinclude sources", err)
			}
			for _, edge := range edges {
				key := edge.SourceResourceType + "/" + edge.SourceResourceID
				if seen[key] {
					continue
				}
				seen[key] = true
				resource, err := e.Read(ctx, edge.SourceResourceType, edge.SourceResourceID)
				if err != nil {
					if asErr, ok := err.(*Error); ok && asErr.Kind == ErrNotFound {
						continue
					}
					return nil, err
				}
				out = append(out, resource)
			}
		}
	}
	return out, nil
}
