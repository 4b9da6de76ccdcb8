// Package fhirstore wires refgraph, catalog, extractor, historylog,
// and txcontrol together into the create/update/patch/delete and
// read/search engines. It is the only package that knows the full
// write-ordering and rollback rules; everything below it is a narrow,
// independently testable collaborator.
package fhirstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nirmitee-tech/fhir-server/internal/platform/catalog"
	"github.com/nirmitee-tech/fhir-server/internal/platform/extractor"
	"github.com/nirmitee-tech/fhir-server/internal/platform/fhirformat"
	"github.com/nirmitee-tech/fhir-server/internal/platform/historylog"
	"github.com/nirmitee-tech/fhir-server/internal/platform/refgraph"
	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

// Engine is the entry point for every resource operation. One Engine
// serves every resource type; the schema-driven design means there is
// no per-type code path and no per-type structs.
type Engine struct {
	db  sqladapter.Adapter
	ref *refgraph.Store
	cat *catalog.Catalog
	log *historylog.Log
	ext *extractor.Extractor

	// UseServerGeneratedIDs selects id assignment on create.
	UseServerGeneratedIDs bool

	logger zerolog.Logger
}

func New(db sqladapter.Adapter, logger zerolog.Logger) *Engine {
	return &Engine{
		db:     db,
		ref:    refgraph.New(db),
		cat:    catalog.New(db),
		log:    historylog.New(db),
		ext:    extractor.New(),
		logger: logger,
	}
}

// ErrKind classifies an engine error so the HTTP layer (outside this
// package) can map it to a status code.
type ErrKind string

const (
	ErrNotFound         ErrKind = "not-found"
	ErrConflict         ErrKind = "conflict"
	ErrInvalidInput     ErrKind = "invalid-input"
	ErrInvalidRef       ErrKind = "invalid-reference"
	ErrUnsupportedParam ErrKind = "unsupported-parameter"
	ErrFormat           ErrKind = "format"
	ErrInternal         ErrKind = "internal"
)

// Error is the engine's error type; every error returned by this
// package's exported functions can be type-asserted to *Error.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// tableFor resolves the physical table and primary-key column for a
// resource type, and whether it has a dedicated table at all (vs. the
// generic ResourceTable fallback).
func (e *Engine) tableFor(ctx context.Context, resourceType string) (table, pk string, dedicated bool, err error) {
	table = fhirformat.TableName(resourceType)
	cols, err := e.db.Columns(ctx, table)
	if err != nil {
		return "", "", false, newErr(ErrInternal, "introspect table columns", err)
	}
	if len(cols) > 0 {
		return table, fhirformat.PrimaryKey(resourceType), true, nil
	}
	return "ResourceTable", "RESOURCETABLE_ID", false, nil
}

// newID assigns an id for a create: server-generated (a UUIDv4 with
// the dashes stripped) or client supplied, erroring if client-supplied
// and absent.
func (e *Engine) newID(resource map[string]any) (string, error) {
	if e.UseServerGeneratedIDs {
		return uuidNoDashes(), nil
	}
	id, _ := resource["id"].(string)
	if id == "" {
		return "", newErr(ErrInvalidInput, "id is required when useServerGeneratedIds is disabled", nil)
	}
	return id, nil
}

func uuidNoDashes() string {
	id := uuid.New().String()
	out := make([]byte, 0, 32)
	for _, c := range id {
		if c != '-' {
			out = append(out, byte(c))
		}
	}
	return string(out)
}

func now() time.Time { return time.Now().UTC() }

// marshalCanonical re-serialises a resource map with meta overwritten;
// clients cannot mutate versionId or lastUpdated through writes.
func marshalCanonical(resource map[string]any, versionID int, lastUpdated time.Time) ([]byte, error) {
	doc := make(map[string]any, len(resource))
	for k, v := range resource {
		doc[k] = v
	}
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["versionId"] = fmt.Sprintf("%d", versionID)
	meta["lastUpdated"] = fhirformat.FormatISO8601(lastUpdated)
	doc["meta"] = meta
	return json.Marshal(doc)
}

// sortedColumnNames returns m's keys sorted so generated SQL is
// deterministic and easy to reason about in logs/tests.
func sortedColumnNames(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unmarshalBlob(blob []byte, out *map[string]any) error {
	return json.Unmarshal(blob, out)
}

// upsertSearchParameterCatalog seeds custom catalog rows as a side
// effect of persisting a SearchParameter resource: one row per element
// of its base[] array, each flagged isCustom=true.
func (e *Engine) upsertSearchParameterCatalog(ctx context.Context, resource map[string]any) error {
	code, _ := resource["code"].(string)
	typ, _ := resource["type"].(string)
	expression, _ := resource["expression"].(string)
	if code == "" || typ == "" || expression == "" {
		return newErr(ErrInvalidInput, "SearchParameter requires code, type, and expression", nil)
	}
	base, _ := resource["base"].([]any)
	if len(base) == 0 {
		return newErr(ErrInvalidInput, "SearchParameter requires a non-empty base array", nil)
	}
	for _, b := range base {
		resourceName, _ := b.(string)
		if resourceName == "" {
			continue
		}
		if err := e.cat.UpsertCustom(ctx, catalog.Entry{
			Name:       code,
			Type:       catalog.ParamType(typ),
			Resource:   resourceName,
			Expression: expression,
			IsCustom:   true,
		}); err != nil {
			return err
		}
	}
	return nil
}
