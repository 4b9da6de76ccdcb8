package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nirmitee-tech/fhir-server/internal/platform/fhirstore"
	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

// newTestServer bootstraps a fresh in-memory embedded database and wires
// it through the full fhirstore.Engine, the same way cmd/fhir-server's
// runServer does, so these tests exercise routing, request/response
// mapping, and the underlying write/search engines together.
func newTestServer(t *testing.T) (*echo.Echo, *Server) {
	t.Helper()
	ctx := context.Background()
	db, err := sqladapter.New(ctx, sqladapter.BackendEmbedded, ":memory:")
	if err != nil {
		t.Fatalf("open embedded db: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Bootstrap(ctx, false); err != nil {
		t.Fatalf("bootstrap schema: %v", err)
	}

	engine := fhirstore.New(db, zerolog.Nop())
	engine.UseServerGeneratedIDs = false

	srv := New(engine, "http://example.org/fhir/r4")
	e := echo.New()
	srv.Register(e)
	return e, srv
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, contentTypeFHIR)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateReadUpdateHistoryDeleteFlow(t *testing.T) {
	e, _ := newTestServer(t)

	// Create a Practitioner, then a Patient referencing it.
	rec := doRequest(e, http.MethodPost, "/fhir/r4/Practitioner",
		`{"resourceType":"Practitioner","id":"test-prac-001","name":[{"family":"House"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create Practitioner: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(e, http.MethodPost, "/fhir/r4/Patient",
		`{"resourceType":"Patient","id":"test-patient-001","name":[{"family":"Doe"}],`+
			`"generalPractitioner":{"reference":"Practitioner/test-prac-001"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create Patient: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	meta, _ := created["meta"].(map[string]any)
	if meta["versionId"] != "1" {
		t.Fatalf("expected versionId 1 on create, got %v", meta["versionId"])
	}

	// Read-after-write returns what was stored.
	rec = doRequest(e, http.MethodGet, "/fhir/r4/Patient/test-patient-001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read Patient: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var read map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &read); err != nil {
		t.Fatalf("unmarshal read response: %v", err)
	}
	if read["id"] != "test-patient-001" {
		t.Fatalf("expected id test-patient-001, got %v", read["id"])
	}

	// Update bumps the version.
	rec = doRequest(e, http.MethodPut, "/fhir/r4/Patient/test-patient-001",
		`{"resourceType":"Patient","id":"test-patient-001","name":[{"family":"Doe"}],`+
			`"generalPractitioner":{"reference":"Practitioner/test-prac-001"},"active":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update Patient: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// History has both versions.
	rec = doRequest(e, http.MethodGet, "/fhir/r4/Patient/test-patient-001/_history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var historyBundle map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &historyBundle); err != nil {
		t.Fatalf("unmarshal history bundle: %v", err)
	}
	if total, ok := historyBundle["total"].(float64); !ok || total != 2 {
		t.Fatalf("expected 2 history entries, got %v", historyBundle["total"])
	}

	// DELETE then GET is not-found.
	rec = doRequest(e, http.MethodDelete, "/fhir/r4/Patient/test-patient-001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(e, http.MethodGet, "/fhir/r4/Patient/test-patient-001", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d: %s", rec.Code, rec.Body.String())
	}

	// History survives the delete.
	rec = doRequest(e, http.MethodGet, "/fhir/r4/Patient/test-patient-001/_history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history after delete: expected 200, got %d", rec.Code)
	}
}

func TestCreateRejectsResourceTypeMismatch(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doRequest(e, http.MethodPost, "/fhir/r4/Patient", `{"resourceType":"Practitioner","id":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInvalidReferenceIsUnprocessable(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doRequest(e, http.MethodPost, "/fhir/r4/Appointment",
		`{"resourceType":"Appointment","id":"test-appt-001","status":"booked",`+
			`"participant":[{"actor":{"reference":"Patient/non-existent-patient"}}]}`)
	// 422 specifically: the create must get past search-param extraction
	// (the patient/practitioner params use a .where(resolve() is T) clause
	// on this polymorphic actor field) and fail at reference validation.
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a dangling reference, got %d: %s", rec.Code, rec.Body.String())
	}

	// No row should have been left behind by the failed create.
	rec = doRequest(e, http.MethodGet, "/fhir/r4/Appointment/test-appt-001", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected the failed create to leave no row, got %d", rec.Code)
	}
}

func TestCreateAppointmentWithValidReferencesSucceedsAndIsSearchable(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodPost, "/fhir/r4/Patient",
		`{"resourceType":"Patient","id":"test-patient-003","name":[{"family":"Doe"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create Patient: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(e, http.MethodPost, "/fhir/r4/Practitioner",
		`{"resourceType":"Practitioner","id":"test-prac-002","name":[{"family":"House"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create Practitioner: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// An Appointment's patient/practitioner search params are extracted via
	// a .where(resolve() is T) catalog expression on the polymorphic actor
	// field; this must not abort the create with a spurious 400.
	rec = doRequest(e, http.MethodPost, "/fhir/r4/Appointment",
		`{"resourceType":"Appointment","id":"test-appt-002","status":"booked",`+
			`"participant":[`+
			`{"actor":{"reference":"Patient/test-patient-003"}},`+
			`{"actor":{"reference":"Practitioner/test-prac-002"}}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create Appointment: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(e, http.MethodGet, "/fhir/r4/Appointment?patient=Patient/test-patient-003", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search by patient: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var bundle map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if total, _ := bundle["total"].(float64); total != 1 {
		t.Fatalf("expected 1 match for patient=test-patient-003, got total=%v body=%s", bundle["total"], rec.Body.String())
	}

	rec = doRequest(e, http.MethodGet, "/fhir/r4/Appointment?practitioner=Practitioner/test-prac-002", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search by practitioner: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	bundle = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if total, _ := bundle["total"].(float64); total != 1 {
		t.Fatalf("expected 1 match for practitioner=test-prac-002, got total=%v body=%s", bundle["total"], rec.Body.String())
	}
}

func TestUpdateMissingResourceReturnsNotFound(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doRequest(e, http.MethodPut, "/fhir/r4/Patient/does-not-exist",
		`{"resourceType":"Patient","id":"does-not-exist"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 (no-create-on-PUT), got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSearchByNameReturnsMatch(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doRequest(e, http.MethodPost, "/fhir/r4/Patient",
		`{"resourceType":"Patient","id":"test-patient-002","name":[{"family":"Doe","given":["Jane"]}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create Patient: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(e, http.MethodGet, "/fhir/r4/Patient?name=Doe", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var bundle map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	total, _ := bundle["total"].(float64)
	if total < 1 {
		t.Fatalf("expected at least 1 match for name=Doe, got total=%v body=%s", bundle["total"], rec.Body.String())
	}
}

func TestSearchUnsupportedControlParamIsBadRequest(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doRequest(e, http.MethodGet, "/fhir/r4/Patient?_bogus=1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported control param, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetadataReturnsCapabilityStatement(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doRequest(e, http.MethodGet, "/fhir/r4/metadata", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cs map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &cs); err != nil {
		t.Fatalf("unmarshal capability statement: %v", err)
	}
	if cs["resourceType"] != "CapabilityStatement" {
		t.Fatalf("expected resourceType CapabilityStatement, got %v", cs["resourceType"])
	}

	// The statement is generated from the live catalog: every seeded
	// resource type shows up with its search parameters.
	rest, _ := cs["rest"].([]any)
	if len(rest) == 0 {
		t.Fatal("expected a rest entry")
	}
	server, _ := rest[0].(map[string]any)
	resources, _ := server["resource"].([]any)
	var patientParams []any
	for _, r := range resources {
		res, _ := r.(map[string]any)
		if res["type"] == "Patient" {
			patientParams, _ = res["searchParam"].([]any)
		}
	}
	if len(patientParams) == 0 {
		t.Fatalf("expected Patient searchParam entries from the catalog seed, got %s", rec.Body.String())
	}
}

func TestSearchIncludeReturnsOnlyTypedTargets(t *testing.T) {
	e, _ := newTestServer(t)

	for _, body := range []struct{ path, json string }{
		{"/fhir/r4/Patient", `{"resourceType":"Patient","id":"inc-patient-001","name":[{"family":"Doe"}]}`},
		{"/fhir/r4/Practitioner", `{"resourceType":"Practitioner","id":"inc-prac-001","name":[{"family":"House"}]}`},
		{"/fhir/r4/Appointment", `{"resourceType":"Appointment","id":"inc-appt-001","status":"booked",` +
			`"participant":[` +
			`{"actor":{"reference":"Patient/inc-patient-001"}},` +
			`{"actor":{"reference":"Practitioner/inc-prac-001"}}]}`},
	} {
		rec := doRequest(e, http.MethodPost, body.path, body.json)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %s: expected 201, got %d: %s", body.path, rec.Code, rec.Body.String())
		}
	}

	rec := doRequest(e, http.MethodGet, "/fhir/r4/Appointment?_id=inc-appt-001&_include=Appointment:patient", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search with _include: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	matches, includes := splitBundleEntries(t, rec.Body.Bytes())
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	// The patient search param fixes its target type via resolve() is
	// Patient, so the practitioner actor must not be pulled in.
	if len(includes) != 1 {
		t.Fatalf("expected exactly 1 include, got %d: %s", len(includes), rec.Body.String())
	}
	if rt := includes[0]["resourceType"]; rt != "Patient" {
		t.Fatalf("expected included resource to be a Patient, got %v", rt)
	}
}

func TestSearchWildcardIncludePullsEveryTarget(t *testing.T) {
	e, _ := newTestServer(t)

	for _, body := range []struct{ path, json string }{
		{"/fhir/r4/Patient", `{"resourceType":"Patient","id":"wild-patient-001"}`},
		{"/fhir/r4/Practitioner", `{"resourceType":"Practitioner","id":"wild-prac-001"}`},
		{"/fhir/r4/Appointment", `{"resourceType":"Appointment","id":"wild-appt-001","status":"booked",` +
			`"participant":[` +
			`{"actor":{"reference":"Patient/wild-patient-001"}},` +
			`{"actor":{"reference":"Practitioner/wild-prac-001"}}]}`},
	} {
		rec := doRequest(e, http.MethodPost, body.path, body.json)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %s: expected 201, got %d: %s", body.path, rec.Code, rec.Body.String())
		}
	}

	rec := doRequest(e, http.MethodGet, "/fhir/r4/Appointment?_id=wild-appt-001&_include=*", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search with _include=*: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	_, includes := splitBundleEntries(t, rec.Body.Bytes())
	got := map[string]bool{}
	for _, inc := range includes {
		rt, _ := inc["resourceType"].(string)
		got[rt] = true
	}
	if !got["Patient"] || !got["Practitioner"] {
		t.Fatalf("expected wildcard include to pull both actor targets, got %v", got)
	}
}

func TestSearchSortOrdersByColumn(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodPost, "/fhir/r4/Patient",
		`{"resourceType":"Patient","id":"sort-patient-b","name":[{"family":"Zimmer"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(e, http.MethodPost, "/fhir/r4/Patient",
		`{"resourceType":"Patient","id":"sort-patient-a","name":[{"family":"Abbott"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	firstFamily := func(raw []byte) string {
		matches, _ := splitBundleEntries(t, raw)
		if len(matches) < 2 {
			t.Fatalf("expected at least 2 matches, got %d", len(matches))
		}
		names, _ := matches[0]["name"].([]any)
		name, _ := names[0].(map[string]any)
		family, _ := name["family"].(string)
		return family
	}

	rec = doRequest(e, http.MethodGet, "/fhir/r4/Patient?_sort=family", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search with _sort: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := firstFamily(rec.Body.Bytes()); got != "Abbott" {
		t.Fatalf("_sort=family: expected Abbott first, got %q", got)
	}

	rec = doRequest(e, http.MethodGet, "/fhir/r4/Patient?_sort=-family", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search with _sort=-family: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := firstFamily(rec.Body.Bytes()); got != "Zimmer" {
		t.Fatalf("_sort=-family: expected Zimmer first, got %q", got)
	}
}

// splitBundleEntries decodes a searchset body into its match and include
// resources, keyed off each entry's search.mode.
func splitBundleEntries(t *testing.T, raw []byte) (matches, includes []map[string]any) {
	t.Helper()
	var bundle map[string]any
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	entries, _ := bundle["entry"].([]any)
	for _, e := range entries {
		entry, _ := e.(map[string]any)
		resource, _ := entry["resource"].(map[string]any)
		search, _ := entry["search"].(map[string]any)
		if mode, _ := search["mode"].(string); mode == "include" {
			includes = append(includes, resource)
			continue
		}
		matches = append(matches, resource)
	}
	return matches, includes
}
