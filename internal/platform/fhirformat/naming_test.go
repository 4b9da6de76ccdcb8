package fhirformat

import "testing"

func TestTableName(t *testing.T) {
	cases := map[string]string{
		"Patient":             "PatientTable",
		"Practitioner":        "PractitionerTable",
		"StructureDefinition": "StructureDefinitionTable",
	}
	for in, want := range cases {
		if got := TableName(in); got != want {
			t.Errorf("TableName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrimaryKey(t *testing.T) {
	cases := map[string]string{
		"Patient":      "PATIENTTABLE_ID",
		"Appointment":  "APPOINTMENTTABLE_ID",
		"Medication":   "MEDICATIONTABLE_ID",
	}
	for in, want := range cases {
		if got := PrimaryKey(in); got != want {
			t.Errorf("PrimaryKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestColumn(t *testing.T) {
	cases := map[string]string{
		"birthdate":    "BIRTHDATE",
		"given-name":   "GIVEN_NAME",
		"address-city": "ADDRESS_CITY",
	}
	for in, want := range cases {
		if got := Column(in); got != want {
			t.Errorf("Column(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParam(t *testing.T) {
	cases := map[string]string{
		"BIRTHDATE":    "birthdate",
		"GIVEN_NAME":   "given-name",
		"ADDRESS_CITY": "address-city",
	}
	for in, want := range cases {
		if got := Param(in); got != want {
			t.Errorf("Param(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestColumnParamRoundTrip(t *testing.T) {
	params := []string{"given-name", "birthdate", "address-postalcode"}
	for _, p := range params {
		if got := Param(Column(p)); got != p {
			t.Errorf("Param(Column(%q)) = %q, want %q", p, got, p)
		}
	}
}
