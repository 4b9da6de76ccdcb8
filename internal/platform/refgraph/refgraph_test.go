package refgraph

import (
	"context"
	"strings"
	"testing"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

// fakeAdapter is a minimal in-memory stand-in for sqladapter.Adapter that
// understands only the exact query shapes refgraph.go issues. It exists
// so this package's tests exercise real predicate logic without a live
// database connection.
type fakeAdapter struct {
	edges []sqladapter.Row
}

func (f *fakeAdapter) Backend() sqladapter.Backend                          { return sqladapter.BackendEmbedded }
func (f *fakeAdapter) Bootstrap(ctx context.Context, clear bool) error      { return nil }
func (f *fakeAdapter) Columns(ctx context.Context, table string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) Exec(ctx context.Context, sql string) (int64, error) { return 0, nil }
func (f *fakeAdapter) FormatBinaryLiteral(b []byte) string                 { return "" }
func (f *fakeAdapter) Lock(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}
func (f *fakeAdapter) Close() {}

func (f *fakeAdapter) ExecParams(ctx context.Context, sqlText string, args ...any) (int64, error) {
	switch {
	case strings.HasPrefix(sqlText, "\n\t\tINSERT INTO \"REFERENCES\""):
		row := sqladapter.Row{
			"id":                   args[0],
			"source_resource_type": args[1],
			"source_resource_id":   args[2],
			"source_expression":    args[3],
			"target_resource_type": args[4],
			"target_resource_id":   args[5],
			"display_value":        args[6],
		}
		f.edges = append(f.edges, row)
		return 1, nil
	case strings.Contains(sqlText, "DELETE FROM \"REFERENCES\""):
		id := args[0]
		out := f.edges[:0]
		for _, r := range f.edges {
			if r["id"] != id {
				out = append(out, r)
			}
		}
		f.edges = out
		return 1, nil
	}
	return 0, nil
}

func (f *fakeAdapter) QueryRows(ctx context.Context, sqlText string, args ...any) ([]sqladapter.Row, error) {
	var out []sqladapter.Row
	for _, r := range f.edges {
		switch {
		case strings.Contains(sqlText, `"ID" FROM "REFERENCES"`),
			strings.Contains(sqlText, `"ID", "SOURCE_RESOURCE_TYPE"`):
			if r["source_resource_type"] == args[0] && r["source_resource_id"] == args[1] {
				out = append(out, r)
			}
		case strings.Contains(sqlText, `"TARGET_RESOURCE_TYPE", "TARGET_RESOURCE_ID"\n\t\tFROM "REFERENCES"`),
			strings.Contains(sqlText, `DISTINCT "TARGET_RESOURCE_TYPE"`):
			if r["source_resource_type"] != args[0] || r["source_resource_id"] != args[1] {
				continue
			}
			if len(args) > 2 && r["source_expression"] != args[2] {
				continue
			}
			out = append(out, r)
		case strings.Contains(sqlText, `DISTINCT "SOURCE_RESOURCE_TYPE"`):
			if r["target_resource_type"] != args[0] || r["target_resource_id"] != args[1] {
				continue
			}
			argIdx := 2
			if strings.Contains(sqlText, `"SOURCE_EXPRESSION" = $`) {
				if r["source_expression"] != args[argIdx] {
					continue
				}
				argIdx++
			}
			if strings.Count(sqlText, `"SOURCE_RESOURCE_TYPE" = $`) > 0 && argIdx < len(args) {
				if r["source_resource_type"] != args[argIdx] {
					continue
				}
			}
			out = append(out, r)
		case strings.Contains(sqlText, `DISTINCT "SOURCE_RESOURCE_ID"`):
			if r["source_resource_type"] == args[0] && r["target_resource_type"] == args[1] && r["target_resource_id"] == args[2] {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeAdapter) QueryScalar(ctx context.Context, sqlText string, args ...any) (any, error) {
	return nil, nil
}

func TestInsertAndEdgesBySource(t *testing.T) {
	db := &fakeAdapter{}
	s := New(db)
	ctx := context.Background()

	e, err := s.InsertEdge(ctx, Edge{
		SourceResourceType: "Appointment", SourceResourceID: "apt-1",
		SourceExpression: "actor", TargetResourceType: "Patient", TargetResourceID: "pat-1",
	})
	if err != nil {
		t.Fatalf("InsertEdge: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected InsertEdge to assign an id")
	}

	ids, err := s.EdgesBySourceIDs(ctx, "Appointment", "apt-1")
	if err != nil {
		t.Fatalf("EdgesBySourceIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != e.ID {
		t.Fatalf("EdgesBySourceIDs = %v, want [%s]", ids, e.ID)
	}
}

func TestDeleteEdgeByID(t *testing.T) {
	db := &fakeAdapter{}
	s := New(db)
	ctx := context.Background()

	e, _ := s.InsertEdge(ctx, Edge{SourceResourceType: "Appointment", SourceResourceID: "apt-1", TargetResourceType: "Patient", TargetResourceID: "pat-1"})
	if err := s.DeleteEdgeByID(ctx, e.ID); err != nil {
		t.Fatalf("DeleteEdgeByID: %v", err)
	}
	ids, _ := s.EdgesBySourceIDs(ctx, "Appointment", "apt-1")
	if len(ids) != 0 {
		t.Fatalf("expected no edges after delete, got %v", ids)
	}
}

func TestSourcesByTarget(t *testing.T) {
	db := &fakeAdapter{}
	s := New(db)
	ctx := context.Background()

	s.InsertEdge(ctx, Edge{SourceResourceType: "Appointment", SourceResourceID: "apt-1", SourceExpression: "actor", TargetResourceType: "Patient", TargetResourceID: "pat-1"})
	s.InsertEdge(ctx, Edge{SourceResourceType: "Appointment", SourceResourceID: "apt-2", SourceExpression: "actor", TargetResourceType: "Patient", TargetResourceID: "pat-1"})

	ids, err := s.SourcesByTarget(ctx, "Appointment", "Patient", "pat-1")
	if err != nil {
		t.Fatalf("SourcesByTarget: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 sources, got %v", ids)
	}
}
