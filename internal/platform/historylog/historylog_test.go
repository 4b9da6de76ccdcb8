package historylog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

type fakeAdapter struct {
	rows []sqladapter.Row
}

func (f *fakeAdapter) Backend() sqladapter.Backend                          { return sqladapter.BackendEmbedded }
func (f *fakeAdapter) Bootstrap(ctx context.Context, clear bool) error      { return nil }
func (f *fakeAdapter) Exec(ctx context.Context, sql string) (int64, error)  { return 0, nil }
func (f *fakeAdapter) FormatBinaryLiteral(b []byte) string                  { return "" }
func (f *fakeAdapter) Lock(ctx context.Context, key string) (func(), error) { return func() {}, nil }
func (f *fakeAdapter) Close()                                               {}

func (f *fakeAdapter) Columns(ctx context.Context, table string) ([]string, error) {
	return nil, nil
}

func (f *fakeAdapter) ExecParams(ctx context.Context, sqlText string, args ...any) (int64, error) {
	f.rows = append(f.rows, sqladapter.Row{
		"resource_type": args[0], "resource_id": args[1], "version_id": int64(args[2].(int)),
		"operation": args[3], "created_at": args[4], "resource_json": args[5],
	})
	return 1, nil
}

func (f *fakeAdapter) QueryRows(ctx context.Context, sqlText string, args ...any) ([]sqladapter.Row, error) {
	var out []sqladapter.Row
	for _, r := range f.rows {
		if r["resource_type"] != args[0] || r["resource_id"] != args[1] {
			continue
		}
		if strings.Contains(sqlText, `"VERSION_ID" = $3`) {
			if r["version_id"] != int64(args[2].(int)) {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeAdapter) QueryScalar(ctx context.Context, sqlText string, args ...any) (any, error) {
	var max int64 = -1
	found := false
	for _, r := range f.rows {
		if r["resource_type"] != args[0] || r["resource_id"] != args[1] {
			continue
		}
		found = true
		if v := r["version_id"].(int64); v > max {
			max = v
		}
	}
	if !found {
		return nil, nil
	}
	return max, nil
}

func TestSaveAssignsIncrementingVersions(t *testing.T) {
	db := &fakeAdapter{}
	l := New(db)
	ctx := context.Background()
	blob := json.RawMessage(`{"resourceType":"Patient","id":"p1"}`)

	v1, err := l.Save(ctx, "Patient", "p1", OpCreate, blob)
	if err != nil || v1 != 1 {
		t.Fatalf("Save #1 = %d, %v; want 1, nil", v1, err)
	}
	v2, err := l.Save(ctx, "Patient", "p1", OpUpdate, blob)
	if err != nil || v2 != 2 {
		t.Fatalf("Save #2 = %d, %v; want 2, nil", v2, err)
	}
}

func TestByVersionOverwritesMeta(t *testing.T) {
	db := &fakeAdapter{}
	l := New(db)
	ctx := context.Background()
	blob := json.RawMessage(`{"resourceType":"Patient","id":"p1","meta":{"versionId":"999"}}`)
	l.Save(ctx, "Patient", "p1", OpCreate, blob)

	e, ok, err := l.ByVersion(ctx, "Patient", "p1", 1)
	if err != nil || !ok {
		t.Fatalf("ByVersion: ok=%v err=%v", ok, err)
	}
	var doc map[string]any
	json.Unmarshal(e.ResourceJSON, &doc)
	meta := doc["meta"].(map[string]any)
	if meta["versionId"] != "1" {
		t.Errorf("expected overwritten versionId 1, got %v", meta["versionId"])
	}
}

func TestAllVersionsOrderedDescending(t *testing.T) {
	db := &fakeAdapter{}
	l := New(db)
	ctx := context.Background()
	blob := json.RawMessage(`{"resourceType":"Patient","id":"p1"}`)
	l.Save(ctx, "Patient", "p1", OpCreate, blob)
	l.Save(ctx, "Patient", "p1", OpUpdate, blob)
	l.Save(ctx, "Patient", "p1", OpUpdate, blob)

	versions, err := l.AllVersions(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("AllVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	// fakeAdapter doesn't sort; verify the set is right instead of order,
	// since only the real adapter (driven by ORDER BY) guarantees ordering.
	seen := map[int]bool{}
	for _, v := range versions {
		seen[v.VersionID] = true
	}
	for _, want := range []int{1, 2, 3} {
		if !seen[want] {
			t.Errorf("missing version %d", want)
		}
	}
}
