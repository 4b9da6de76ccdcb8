package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

type fakeDB struct {
	rows []sqladapter.Row
}

func (f *fakeDB) QueryRows(ctx context.Context, sql string, args ...any) ([]sqladapter.Row, error) {
	var out []sqladapter.Row
	for _, r := range f.rows {
		if len(args) >= 1 && r["resource_name"] != args[0] {
			continue
		}
		if len(args) >= 2 && r["search_param_name"] != args[1] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeDB) ExecParams(ctx context.Context, sql string, args ...any) (int64, error) {
	if strings.HasPrefix(strings.TrimSpace(sql), "DELETE") {
		code := args[0].(string)
		var out []sqladapter.Row
		for _, r := range f.rows {
			if r["search_param_name"] != code {
				out = append(out, r)
			}
		}
		f.rows = out
		return 1, nil
	}
	name, typ, resource, expr := args[0].(string), args[1].(string), args[2].(string), args[3].(string)
	for i, r := range f.rows {
		if r["resource_name"] == resource && r["search_param_name"] == name {
			f.rows[i]["search_param_type"] = typ
			f.rows[i]["expression"] = expr
			f.rows[i]["is_custom"] = true
			return 1, nil
		}
	}
	f.rows = append(f.rows, sqladapter.Row{
		"search_param_name": name, "search_param_type": typ,
		"resource_name": resource, "expression": expr, "is_custom": true,
	})
	return 1, nil
}

func TestForResource(t *testing.T) {
	db := &fakeDB{rows: []sqladapter.Row{
		{"search_param_name": "birthdate", "search_param_type": "date", "resource_name": "Patient", "expression": "Patient.birthDate", "is_custom": false},
		{"search_param_name": "given", "search_param_type": "string", "resource_name": "Patient", "expression": "Patient.name.given", "is_custom": false},
		{"search_param_name": "status", "search_param_type": "token", "resource_name": "Appointment", "expression": "Appointment.status", "is_custom": false},
	}}
	c := New(db)
	entries, err := c.ForResource(context.Background(), "Patient")
	if err != nil {
		t.Fatalf("ForResource: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestByName(t *testing.T) {
	db := &fakeDB{rows: []sqladapter.Row{
		{"search_param_name": "birthdate", "search_param_type": "date", "resource_name": "Patient", "expression": "Patient.birthDate", "is_custom": false},
	}}
	c := New(db)
	e, ok, err := c.ByName(context.Background(), "Patient", "birthdate")
	if err != nil || !ok {
		t.Fatalf("ByName: ok=%v err=%v", ok, err)
	}
	if e.Type != TypeDate {
		t.Errorf("expected date type, got %s", e.Type)
	}

	_, ok, err = c.ByName(context.Background(), "Patient", "nonexistent")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing entry")
	}
}

func TestUpsertCustom(t *testing.T) {
	db := &fakeDB{}
	c := New(db)
	ctx := context.Background()

	err := c.UpsertCustom(ctx, Entry{Name: "race", Type: TypeToken, Resource: "Patient", Expression: "Patient.extension.where(url='race')"})
	if err != nil {
		t.Fatalf("UpsertCustom: %v", err)
	}
	entries, _ := c.ForResource(ctx, "Patient")
	if len(entries) != 1 || !entries[0].IsCustom {
		t.Fatalf("expected one custom entry, got %+v", entries)
	}

	// Upsert again with a changed expression should update, not duplicate.
	err = c.UpsertCustom(ctx, Entry{Name: "race", Type: TypeToken, Resource: "Patient", Expression: "Patient.extension.where(url='race2')"})
	if err != nil {
		t.Fatalf("UpsertCustom (update): %v", err)
	}
	entries, _ = c.ForResource(ctx, "Patient")
	if len(entries) != 1 {
		t.Fatalf("expected upsert to update in place, got %d rows", len(entries))
	}
	if entries[0].Expression != "Patient.extension.where(url='race2')" {
		t.Errorf("expected updated expression, got %s", entries[0].Expression)
	}
}

func TestDeleteCustomByCode(t *testing.T) {
	db := &fakeDB{rows: []sqladapter.Row{
		{"search_param_name": "race", "search_param_type": "token", "resource_name": "Patient", "expression": "x", "is_custom": true},
	}}
	c := New(db)
	if err := c.DeleteCustomByCode(context.Background(), "race"); err != nil {
		t.Fatalf("DeleteCustomByCode: %v", err)
	}
}
