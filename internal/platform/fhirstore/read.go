package fhirstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nirmitee-tech/fhir-server/internal/platform/fhir"
	"github.com/nirmitee-tech/fhir-server/internal/platform/fhirformat"
)

// Read implements GET /{type}/{id}: fetch the current RESOURCE_JSON blob
// and return it with meta overwritten from the row's own VERSION_ID/
// LAST_UPDATED, the same convention historylog uses on retrieval.
func (e *Engine) Read(ctx context.Context, resourceType, id string) (map[string]any, error) {
	table, pk, dedicated, err := e.tableFor(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	var sqlStr string
	var args []any
	if dedicated {
		sqlStr = fmt.Sprintf(`SELECT "VERSION_ID", "LAST_UPDATED", "RESOURCE_JSON" FROM %q WHERE %q = $1`, table, pk)
		args = []any{id}
	} else {
		sqlStr = `SELECT "VERSION_ID", "LAST_UPDATED", "RESOURCE_JSON" FROM "ResourceTable" WHERE "RESOURCE_TYPE" = $1 AND "RESOURCETABLE_ID" = $2`
		args = []any{resourceType, id}
	}
	rows, err := e.db.QueryRows(ctx, sqlStr, args...)
	if err != nil {
		return nil, newErr(ErrInternal, "read resource row", err)
	}
	if len(rows) == 0 {
		return nil, newErr(ErrNotFound, fmt.Sprintf("%s/%s not found", resourceType, id), nil)
	}
	return rowToResource(rows[0])
}

// ReadVersion implements GET /{type}/{id}/_history/{vid} via the history
// log, the log being the sole record of non-current versions.
func (e *Engine) ReadVersion(ctx context.Context, resourceType, id string, version int) (map[string]any, error) {
	entry, ok, err := e.log.ByVersion(ctx, resourceType, id, version)
	if err != nil {
		return nil, newErr(ErrInternal, "read history version", err)
	}
	if !ok {
		return nil, newErr(ErrNotFound, fmt.Sprintf("%s/%s version %d not found", resourceType, id, version), nil)
	}
	var out map[string]any
	if err := json.Unmarshal(entry.ResourceJSON, &out); err != nil {
		return nil, newErr(ErrInternal, "unmarshal history entry", err)
	}
	return out, nil
}

// History implements GET /{type}/{id}/_history: every version, newest first.
func (e *Engine) History(ctx context.Context, resourceType, id string) ([]map[string]any, error) {
	entries, err := e.log.AllVersions(ctx, resourceType, id)
	if err != nil {
		return nil, newErr(ErrInternal, "read history", err)
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		var doc map[string]any
		if err := json.Unmarshal(entry.ResourceJSON, &doc); err != nil {
			return nil, newErr(ErrInternal, "unmarshal history entry", err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// CapabilityResources summarises the live search-parameter catalog into
// one capability entry per resource type, for /metadata. Being
// catalog-driven rather than hard-coded means a custom SearchParameter
// is advertised as soon as its POST commits.
func (e *Engine) CapabilityResources(ctx context.Context) ([]fhir.CSResource, error) {
	entries, err := e.cat.All(ctx)
	if err != nil {
		return nil, newErr(ErrInternal, "load catalog for capability statement", err)
	}
	byType := make(map[string][]fhir.CSSearchParam)
	var order []string
	for _, en := range entries {
		if _, ok := byType[en.Resource]; !ok {
			order = append(order, en.Resource)
		}
		byType[en.Resource] = append(byType[en.Resource], fhir.CSSearchParam{
			Name: en.Name,
			Type: string(en.Type),
		})
	}
	out := make([]fhir.CSResource, 0, len(order))
	for _, rt := range order {
		out = append(out, fhir.ResourceCapability(rt, byType[rt]))
	}
	return out, nil
}

func rowToResource(row map[string]any) (map[string]any, error) {
	var blob []byte
	switch v := row["resource_json"].(type) {
	case []byte:
		blob = v
	case string:
		blob = []byte(v)
	default:
		return nil, newErr(ErrInternal, "resource_json column had unexpected type", nil)
	}
	var doc map[string]any
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, newErr(ErrInternal, "unmarshal resource blob", err)
	}
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if vid, ok := row["version_id"]; ok {
		meta["versionId"] = stringifyVersion(vid)
	}
	switch lu := row["last_updated"].(type) {
	case time.Time:
		meta["lastUpdated"] = fhirformat.FormatISO8601(lu)
	case string:
		// The embedded driver hands the stored literal text back; it was
		// written by fhirformat.FormatTimestamp, so re-parse and re-render
		// in the response shape.
		for _, layout := range []string{"2006-01-02T15:04:05.000", time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, lu); err == nil {
				meta["lastUpdated"] = fhirformat.FormatISO8601(t)
				break
			}
		}
	}
	doc["meta"] = meta
	return doc, nil
}

func stringifyVersion(v any) string {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int:
		return strconv.Itoa(n)
	case float64:
		return strconv.FormatInt(int64(n), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
