// Package historylog is the version-history log: an append-only record
// of every version of every resource, independent of the resource
// table's own current-row VERSION_ID but moving in lockstep with it.
package historylog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

// Operation is one of the three write kinds that append a history row.
type Operation string

const (
	OpCreate Operation = "POST"
	OpUpdate Operation = "PUT"
	OpDelete Operation = "DELETE"
)

// Entry is one row of RESOURCE_HISTORY.
type Entry struct {
	ResourceType string
	ResourceID   string
	VersionID    int
	Operation    Operation
	CreatedAt    time.Time
	ResourceJSON json.RawMessage
}

// Log is the history log, backed by an Adapter.
type Log struct {
	db sqladapter.Adapter
}

func New(db sqladapter.Adapter) *Log {
	return &Log{db: db}
}

// Save reads MAX(versionId) for (type,id) and appends MAX+1 (or 1 if
// none), quoting currentRowSnapshot verbatim as the history row's blob.
func (l *Log) Save(ctx context.Context, resourceType, resourceID string, op Operation, currentRowSnapshot json.RawMessage) (int, error) {
	maxVersion, err := l.db.QueryScalar(ctx, `
		SELECT MAX("VERSION_ID") FROM "RESOURCE_HISTORY"
		WHERE "RESOURCE_TYPE" = $1 AND "RESOURCE_ID" = $2`, resourceType, resourceID)
	if err != nil {
		return 0, fmt.Errorf("historylog: read max version for %s/%s: %w", resourceType, resourceID, err)
	}
	next := 1
	if n, ok := asInt(maxVersion); ok {
		next = n + 1
	}

	_, err = l.db.ExecParams(ctx, `
		INSERT INTO "RESOURCE_HISTORY"
			("RESOURCE_TYPE", "RESOURCE_ID", "VERSION_ID", "OPERATION", "CREATED_AT", "RESOURCE_JSON")
		VALUES ($1, $2, $3, $4, $5, $6)`,
		resourceType, resourceID, next, string(op), time.Now().UTC(), []byte(currentRowSnapshot))
	if err != nil {
		return 0, fmt.Errorf("historylog: append version %d for %s/%s: %w", next, resourceType, resourceID, err)
	}
	return next, nil
}

// ByVersion retrieves a specific version, overwriting the returned
// blob's meta.versionId/meta.lastUpdated to match the history row.
func (l *Log) ByVersion(ctx context.Context, resourceType, resourceID string, version int) (Entry, bool, error) {
	rows, err := l.db.QueryRows(ctx, `
		SELECT "RESOURCE_TYPE", "RESOURCE_ID", "VERSION_ID", "OPERATION", "CREATED_AT", "RESOURCE_JSON"
		FROM "RESOURCE_HISTORY"
		WHERE "RESOURCE_TYPE" = $1 AND "RESOURCE_ID" = $2 AND "VERSION_ID" = $3`,
		resourceType, resourceID, version)
	if err != nil {
		return Entry{}, false, fmt.Errorf("historylog: read version %d for %s/%s: %w", version, resourceType, resourceID, err)
	}
	if len(rows) == 0 {
		return Entry{}, false, nil
	}
	e := rowToEntry(rows[0])
	overwriteMeta(&e)
	return e, true, nil
}

// AllVersions returns every version of (type,id), newest first.
func (l *Log) AllVersions(ctx context.Context, resourceType, resourceID string) ([]Entry, error) {
	rows, err := l.db.QueryRows(ctx, `
		SELECT "RESOURCE_TYPE", "RESOURCE_ID", "VERSION_ID", "OPERATION", "CREATED_AT", "RESOURCE_JSON"
		FROM "RESOURCE_HISTORY"
		WHERE "RESOURCE_TYPE" = $1 AND "RESOURCE_ID" = $2
		ORDER BY "VERSION_ID" DESC`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("historylog: list versions for %s/%s: %w", resourceType, resourceID, err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := rowToEntry(r)
		overwriteMeta(&e)
		out = append(out, e)
	}
	return out, nil
}

func overwriteMeta(e *Entry) {
	var doc map[string]any
	if err := json.Unmarshal(e.ResourceJSON, &doc); err != nil {
		return
	}
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["versionId"] = fmt.Sprintf("%d", e.VersionID)
	meta["lastUpdated"] = e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	doc["meta"] = meta
	if b, err := json.Marshal(doc); err == nil {
		e.ResourceJSON = b
	}
}

func rowToEntry(r sqladapter.Row) Entry {
	e := Entry{
		ResourceType: asString(r["resource_type"]),
		ResourceID:   asString(r["resource_id"]),
		Operation:    Operation(asString(r["operation"])),
		CreatedAt:    asTime(r["created_at"]),
	}
	if n, ok := asInt(r["version_id"]); ok {
		e.VersionID = n
	}
	switch v := r["resource_json"].(type) {
	case []byte:
		e.ResourceJSON = v
	case string:
		e.ResourceJSON = json.RawMessage(v)
	}
	return e
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

func asInt(v any) (int, bool) {
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
