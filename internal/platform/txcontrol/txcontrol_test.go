package txcontrol

import (
	"context"
	"strings"
	"testing"

	"github.com/nirmitee-tech/fhir-server/internal/platform/refgraph"
	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

type fakeAdapter struct {
	execs       []string
	execParams  []string
	deletedKeys []string
}

func (f *fakeAdapter) Backend() sqladapter.Backend                          { return sqladapter.BackendEmbedded }
func (f *fakeAdapter) Bootstrap(ctx context.Context, clear bool) error      { return nil }
func (f *fakeAdapter) FormatBinaryLiteral(b []byte) string                  { return "x'00'" }
func (f *fakeAdapter) Lock(ctx context.Context, key string) (func(), error) { return func() {}, nil }
func (f *fakeAdapter) Close()                                               {}
func (f *fakeAdapter) Columns(ctx context.Context, table string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) QueryRows(ctx context.Context, sql string, args ...any) ([]sqladapter.Row, error) {
	return nil, nil
}
func (f *fakeAdapter) QueryScalar(ctx context.Context, sql string, args ...any) (any, error) {
	return nil, nil
}

func (f *fakeAdapter) Exec(ctx context.Context, sql string) (int64, error) {
	f.execs = append(f.execs, sql)
	return 1, nil
}

func (f *fakeAdapter) ExecParams(ctx context.Context, sql string, args ...any) (int64, error) {
	f.execParams = append(f.execParams, sql)
	if strings.HasPrefix(strings.TrimSpace(sql), "DELETE") && len(args) > 0 {
		if id, ok := args[0].(string); ok {
			f.deletedKeys = append(f.deletedKeys, id)
		}
	}
	return 1, nil
}

func TestRollbackCreate_DeletesEdgesAndMainRow(t *testing.T) {
	db := &fakeAdapter{}
	edges := refgraph.New(db)
	tx := New(db, "Patient", "PatientTable", "PATIENTTABLE_ID")
	tx.MainResourceID = "p1"
	tx.SavedReferenceIDs = []string{"edge-1", "edge-2"}

	if err := tx.RollbackCreate(context.Background(), edges); err != nil {
		t.Fatalf("RollbackCreate: %v", err)
	}
	// main row delete uses ExecParams too (positional $1), so deletedKeys
	// collects both edges (reverse insertion order) and the main row id.
	if len(db.deletedKeys) != 3 {
		t.Fatalf("expected 2 edge deletes + 1 main row delete, got %v", db.deletedKeys)
	}
	if db.deletedKeys[0] != "edge-2" || db.deletedKeys[1] != "edge-1" {
		t.Errorf("expected reverse-order edge delete, got %v", db.deletedKeys[:2])
	}
	if db.deletedKeys[2] != "p1" {
		t.Errorf("expected main row delete last, got %v", db.deletedKeys[2])
	}
	foundMainDelete := false
	for _, s := range db.execParams {
		if strings.Contains(s, "PatientTable") {
			foundMainDelete = true
		}
	}
	if !foundMainDelete {
		t.Error("expected a DELETE against PatientTable")
	}
}

func TestRollbackCreate_NoOpAfterCommit(t *testing.T) {
	db := &fakeAdapter{}
	edges := refgraph.New(db)
	tx := New(db, "Patient", "PatientTable", "PATIENTTABLE_ID")
	tx.MainResourceID = "p1"
	tx.SavedReferenceIDs = []string{"edge-1"}
	tx.Commit()

	if err := tx.RollbackCreate(context.Background(), edges); err != nil {
		t.Fatalf("RollbackCreate: %v", err)
	}
	if len(db.execParams) != 0 {
		t.Errorf("expected no-op after commit, got %v", db.execParams)
	}
}

func TestRollbackUpdate_RestoresBackupRow(t *testing.T) {
	db := &fakeAdapter{}
	edges := refgraph.New(db)
	tx := New(db, "Patient", "PatientTable", "PATIENTTABLE_ID")
	tx.BackupColumns = []string{"PATIENTTABLE_ID", "VERSION_ID"}
	tx.BackupResource = map[string]any{"PATIENTTABLE_ID": "p1", "VERSION_ID": 1}
	tx.SavedReferenceIDs = []string{"edge-new"}

	if err := tx.RollbackUpdate(context.Background(), edges); err != nil {
		t.Fatalf("RollbackUpdate: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "UPDATE") {
		t.Fatalf("expected one UPDATE exec, got %v", db.execs)
	}
	if len(db.deletedKeys) != 1 || db.deletedKeys[0] != "edge-new" {
		t.Fatalf("expected new edge to be deleted, got %v", db.deletedKeys)
	}
}

func TestRollbackDelete_ReinsertsRowAndEdges(t *testing.T) {
	db := &fakeAdapter{}
	edges := refgraph.New(db)
	tx := New(db, "Patient", "PatientTable", "PATIENTTABLE_ID")
	tx.BackupColumns = []string{"PATIENTTABLE_ID"}
	tx.BackupResource = map[string]any{"PATIENTTABLE_ID": "p1"}
	tx.DeletedReferenceIDs = []refgraph.Edge{
		{ID: "edge-1", SourceResourceType: "Patient", SourceResourceID: "p1", TargetResourceType: "Practitioner", TargetResourceID: "pr1"},
	}

	if err := tx.RollbackDelete(context.Background(), edges); err != nil {
		t.Fatalf("RollbackDelete: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "INSERT") {
		t.Fatalf("expected one INSERT exec for the main row, got %v", db.execs)
	}
	foundEdgeReinsert := false
	for _, s := range db.execParams {
		if strings.Contains(s, `INSERT INTO "REFERENCES"`) {
			foundEdgeReinsert = true
		}
	}
	if !foundEdgeReinsert {
		t.Error("expected edge reinsert via ExecParams")
	}
}
