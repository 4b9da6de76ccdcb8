package extractor

import (
	"testing"

	"github.com/nirmitee-tech/fhir-server/internal/platform/catalog"
)

func TestExtractString(t *testing.T) {
	e := New()
	resource := map[string]any{
		"resourceType": "Patient",
		"id":            "p1",
		"name": []any{
			map[string]any{"given": []any{"Alice"}, "family": "Smith"},
		},
	}
	values, err := e.Extract(resource, catalog.Entry{
		Name: "family", Type: catalog.TypeString, Resource: "Patient",
		Expression: "Patient.name.family",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(values) != 1 || values[0].String != "Smith" {
		t.Fatalf("got %+v, want one value 'Smith'", values)
	}
}

func TestExtractDate(t *testing.T) {
	e := New()
	resource := map[string]any{
		"resourceType": "Patient", "id": "p1", "birthDate": "1990-05-12",
	}
	values, err := e.Extract(resource, catalog.Entry{
		Name: "birthdate", Type: catalog.TypeDate, Resource: "Patient",
		Expression: "Patient.birthDate",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(values) != 1 || !values[0].DateOnly {
		t.Fatalf("got %+v, want one date-only value", values)
	}
	if values[0].Date.Year() != 1990 {
		t.Errorf("expected year 1990, got %d", values[0].Date.Year())
	}
}

func TestExtractTokenFromPlainString(t *testing.T) {
	e := New()
	resource := map[string]any{
		"resourceType": "Appointment", "id": "a1",
		"status": "booked",
	}
	values, err := e.Extract(resource, catalog.Entry{
		Name: "status", Type: catalog.TypeToken, Resource: "Appointment",
		Expression: "Appointment.status",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(values) != 1 || values[0].TokenCode != "booked" || values[0].TokenSystem != "" {
		t.Fatalf("got %+v, want code=booked system=''", values)
	}
}

func TestExtractReference(t *testing.T) {
	e := New()
	resource := map[string]any{
		"resourceType": "Appointment", "id": "a1",
		"participant": []any{
			map[string]any{"actor": map[string]any{"reference": "Patient/p1"}},
		},
	}
	values, err := e.Extract(resource, catalog.Entry{
		Name: "actor", Type: catalog.TypeReference, Resource: "Appointment",
		Expression: "Appointment.participant.actor",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("got %+v, want one reference value", values)
	}
	if values[0].ReferenceType != "Patient" || values[0].ReferenceID != "p1" {
		t.Errorf("got type=%s id=%s, want Patient/p1", values[0].ReferenceType, values[0].ReferenceID)
	}
	if values[0].Leaf != "actor" {
		t.Errorf("expected leaf field 'actor', got %q", values[0].Leaf)
	}
}

func TestExtractCustomExtension(t *testing.T) {
	e := New()
	resource := map[string]any{
		"resourceType": "Patient", "id": "p1",
		"extension": []any{
			map[string]any{"url": "http://example.org/race", "valueString": "Declined"},
			map[string]any{"url": "http://example.org/other", "valueString": "ignored"},
		},
	}
	values, err := e.Extract(resource, catalog.Entry{
		Name: "race", Type: catalog.TypeString, Resource: "Patient", IsCustom: true,
		Expression: "Patient.extension.where(url='http://example.org/race')",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(values) != 1 || values[0].String != "Declined" {
		t.Fatalf("got %+v, want one value 'Declined'", values)
	}
}

func TestExtractPolymorphicReferenceFiltersByTargetType(t *testing.T) {
	e := New()
	resource := map[string]any{
		"resourceType": "Appointment", "id": "a1",
		"participant": []any{
			map[string]any{"actor": map[string]any{"reference": "Patient/p1"}},
			map[string]any{"actor": map[string]any{"reference": "Practitioner/pr1"}},
		},
	}
	values, err := e.Extract(resource, catalog.Entry{
		Name: "patient", Type: catalog.TypeReference, Resource: "Appointment",
		Expression: "Appointment.participant.actor.where(resolve() is Patient)",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("got %+v, want exactly one Patient match", values)
	}
	if values[0].ReferenceType != "Patient" || values[0].ReferenceID != "p1" {
		t.Errorf("got type=%s id=%s, want Patient/p1", values[0].ReferenceType, values[0].ReferenceID)
	}
	if values[0].Leaf != "actor" {
		t.Errorf("expected leaf field 'actor', got %q", values[0].Leaf)
	}

	values, err = e.Extract(resource, catalog.Entry{
		Name: "practitioner", Type: catalog.TypeReference, Resource: "Appointment",
		Expression: "Appointment.participant.actor.where(resolve() is Practitioner)",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(values) != 1 || values[0].ReferenceType != "Practitioner" || values[0].ReferenceID != "pr1" {
		t.Fatalf("got %+v, want exactly one Practitioner/pr1 match", values)
	}
}

func TestExtractPolymorphicReferenceNoMatchIsEmpty(t *testing.T) {
	e := New()
	resource := map[string]any{
		"resourceType": "Appointment", "id": "a1",
		"participant": []any{
			map[string]any{"actor": map[string]any{"reference": "Practitioner/pr1"}},
		},
	}
	values, err := e.Extract(resource, catalog.Entry{
		Name: "patient", Type: catalog.TypeReference, Resource: "Appointment",
		Expression: "Appointment.participant.actor.where(resolve() is Patient)",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("got %+v, want no matches", values)
	}
}

func TestLeafField(t *testing.T) {
	cases := map[string]string{
		"Appointment.participant.actor":                           "actor",
		"Patient.generalPractitioner.where(resolve() is Practitioner)": "generalPractitioner",
	}
	for expr, want := range cases {
		if got := leafField(expr); got != want {
			t.Errorf("leafField(%q) = %q, want %q", expr, got, want)
		}
	}
}
